package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwhitfield/calsyncd/internal/activity"
	"github.com/mwhitfield/calsyncd/internal/auth"
	"github.com/mwhitfield/calsyncd/internal/config"
	"github.com/mwhitfield/calsyncd/internal/notify"
	"github.com/mwhitfield/calsyncd/internal/scheduler"
	"github.com/mwhitfield/calsyncd/internal/store"
	"github.com/mwhitfield/calsyncd/internal/sync"
	"github.com/mwhitfield/calsyncd/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting calsyncd...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Initialize OIDC login flow
	ctx := context.Background()
	oidcProvider, err := auth.NewAuthenticator(
		ctx,
		cfg.OIDC.Issuer,
		cfg.OIDC.ClientID,
		cfg.OIDC.ClientSecret,
		cfg.OIDC.RedirectURL,
	)
	if err != nil {
		log.Fatalf("Failed to initialize OIDC provider: %v", err)
	}

	// Initialize session manager
	sessionManager := auth.NewSessionManager(cfg.Security.SessionSecret, cfg.IsProduction())

	// Initialize provider token manager
	tokens := auth.NewTokenManager(database,
		auth.ProviderOAuth{
			ClientID:     cfg.Providers.Microsoft.ClientID,
			ClientSecret: cfg.Providers.Microsoft.ClientSecret,
			RedirectURL:  cfg.Providers.Microsoft.RedirectURL,
		},
		auth.ProviderOAuth{
			ClientID:     cfg.Providers.Google.ClientID,
			ClientSecret: cfg.Providers.Google.ClientSecret,
			RedirectURL:  cfg.Providers.Google.RedirectURL,
		},
	)

	// Initialize sync engine
	tracker := activity.NewTracker()
	factory := sync.NewFactory(database, tokens)
	engine := sync.NewEngine(database, factory, tracker, sync.Options{
		AutoResolve: cfg.Sync.AutoResolve,
		SyncWindow:  time.Duration(cfg.Sync.WindowDays) * 24 * time.Hour,
	})

	// Initialize notifier for alerts
	notifyCfg := &notify.Config{
		WebhookEnabled:   cfg.Alerts.WebhookEnabled,
		WebhookURL:       cfg.Alerts.WebhookURL,
		EmailEnabled:     cfg.Alerts.EmailEnabled,
		SMTPHost:         cfg.Alerts.SMTPHost,
		SMTPPort:         cfg.Alerts.SMTPPort,
		SMTPUsername:     cfg.Alerts.SMTPUsername,
		SMTPPassword:     cfg.Alerts.SMTPPassword,
		SMTPFrom:         cfg.Alerts.SMTPFrom,
		SMTPTo:           cfg.Alerts.SMTPTo,
		SMTPTLS:          cfg.Alerts.SMTPTLS,
		FailureThreshold: cfg.Alerts.FailureThreshold,
		CooldownPeriod:   time.Duration(cfg.Alerts.CooldownMinutes) * time.Minute,
	}
	if notifyCfg.WebhookEnabled || notifyCfg.EmailEnabled {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid alert configuration: %v", err)
		}
	}
	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (webhook: %v, email: %v, cooldown: %d min)",
			cfg.Alerts.WebhookEnabled, cfg.Alerts.EmailEnabled, cfg.Alerts.CooldownMinutes)
		engine.SetNotifier(notifier)
	}

	// Initialize scheduler
	sched := scheduler.New(database, engine)

	// Initialize handlers
	handlers := web.NewHandlers(
		cfg,
		database,
		oidcProvider,
		sessionManager,
		tokens,
		factory,
		engine,
		sched,
		tracker,
	)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	// Setup routes
	web.SetupRoutes(router, handlers, sessionManager)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Stop scheduler
	sched.Stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
