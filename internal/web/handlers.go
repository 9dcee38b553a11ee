package web

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mwhitfield/calsyncd/internal/activity"
	"github.com/mwhitfield/calsyncd/internal/auth"
	"github.com/mwhitfield/calsyncd/internal/config"
	"github.com/mwhitfield/calsyncd/internal/scheduler"
	"github.com/mwhitfield/calsyncd/internal/store"
	"github.com/mwhitfield/calsyncd/internal/sync"
	"github.com/mwhitfield/calsyncd/internal/validator"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	db        *store.DB
	oidc      *auth.Authenticator
	session   *auth.SessionManager
	tokens    *auth.TokenManager
	factory   *sync.Factory
	engine    *sync.Engine
	scheduler *scheduler.Scheduler
	tracker   *activity.Tracker
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	database *store.DB,
	oidc *auth.Authenticator,
	session *auth.SessionManager,
	tokens *auth.TokenManager,
	factory *sync.Factory,
	engine *sync.Engine,
	sched *scheduler.Scheduler,
	tracker *activity.Tracker,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		db:        database,
		oidc:      oidc,
		session:   session,
		tokens:    tokens,
		factory:   factory,
		engine:    engine,
		scheduler: sched,
		tracker:   tracker,
	}
}

// HealthCheck reports service and database health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"jobs":   h.scheduler.GetJobCount(),
	})
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// Readiness checks dependencies before accepting traffic.
func (h *Handlers) Readiness(c *gin.Context) {
	if err := h.db.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Login initiates OIDC authentication.
func (h *Handlers) Login(c *gin.Context) {
	state, err := h.session.BeginOAuthFlow(c.Writer, c.Request)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start login"})
		return
	}

	c.Redirect(http.StatusFound, h.oidc.AuthCodeURL(state))
}

// Callback handles the OIDC callback.
func (h *Handlers) Callback(c *gin.Context) {
	if err := h.session.VerifyOAuthState(c.Writer, c.Request, c.Query("state")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state parameter"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Authentication failed: " + errParam})
		return
	}

	identity, err := h.oidc.Authenticate(c.Request.Context(), c.Query("code"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "Authentication failed")})
		return
	}

	user, err := h.db.GetOrCreateUser(identity.Email, identity.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create user"})
		return
	}

	sessionData := &auth.SessionData{
		UserID: user.ID,
		Email:  user.Email,
		Name:   user.Name,
	}
	if err := h.session.Set(c.Writer, c.Request, sessionData); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}

	// Check for redirect cookie with validation to prevent open redirect
	redirectURL := "/"
	if cookie, err := c.Cookie("redirect_after_login"); err == nil && cookie != "" {
		if IsSafeRedirectURL(cookie) {
			redirectURL = cookie
		}
		c.SetCookie("redirect_after_login", "", -1, "/", "", h.cfg.IsProduction(), true)
	}

	c.Redirect(http.StatusFound, redirectURL)
}

// Logout clears the session.
func (h *Handlers) Logout(c *gin.Context) {
	if err := h.session.Clear(c.Writer, c.Request); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to logout"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// ConnectProvider starts the OAuth consent flow for a calendar provider.
func (h *Handlers) ConnectProvider(c *gin.Context) {
	provider := store.Provider(c.Param("provider"))
	if provider != store.ProviderMicrosoft && provider != store.ProviderGoogle {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown provider"})
		return
	}

	state, err := h.session.BeginOAuthFlow(c.Writer, c.Request)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start consent flow"})
		return
	}

	authURL, err := h.tokens.AuthCodeURL(provider, state)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provider is not configured"})
		return
	}

	c.Redirect(http.StatusFound, authURL)
}

// ConnectProviderCallback exchanges the OAuth code and stores the token.
func (h *Handlers) ConnectProviderCallback(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	provider := store.Provider(c.Param("provider"))
	if provider != store.ProviderMicrosoft && provider != store.ProviderGoogle {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown provider"})
		return
	}

	if err := h.session.VerifyOAuthState(c.Writer, c.Request, c.Query("state")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid state parameter"})
		return
	}

	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provider consent failed: " + errParam})
		return
	}

	if err := h.tokens.Exchange(c.Request.Context(), session.UserID, provider, c.Query("code")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "Failed to exchange code")})
		return
	}

	c.Redirect(http.StatusFound, "/")
}

// caldavCredentialsRequest is the payload for storing CalDAV basic auth.
type caldavCredentialsRequest struct {
	URL      string `json:"url" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ConnectCalDAV stores CalDAV credentials for the current user.
func (h *Handlers) ConnectCalDAV(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req caldavCredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing required fields"})
		return
	}

	v := validator.New()
	if err := v.ValidateCalDAVEndpoint(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
		return
	}

	creds := sync.CalDAVCredentials{
		URL:      req.URL,
		Username: req.Username,
		Password: req.Password,
	}
	if err := h.factory.SaveCalDAVCredentials(session.UserID, creds); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to store credentials")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "CalDAV credentials stored"})
}
