package web

import (
	"github.com/gin-gonic/gin"

	"github.com/mwhitfield/calsyncd/internal/auth"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers, sm *auth.SessionManager) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Auth endpoints with rate limiting to prevent brute force attacks
	authRateLimiter := RateLimiter(5, 10) // 5 requests/sec, burst of 10
	authGroup := r.Group("/auth")
	authGroup.Use(authRateLimiter)
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", h.Logout)
	}

	// Provider consent flows need a logged-in session
	connectGroup := r.Group("/connect")
	connectGroup.Use(authRateLimiter)
	connectGroup.Use(auth.RequireAuth(sm))
	{
		connectGroup.GET("/:provider", h.ConnectProvider)
		connectGroup.GET("/:provider/callback", h.ConnectProviderCallback)
	}

	// Public API routes
	apiRateLimiter := RateLimiter(30, 60) // 30 requests/sec, burst of 60
	apiGroup := r.Group("/api")
	apiGroup.Use(apiRateLimiter)
	apiGroup.Use(auth.OptionalAuth(sm))
	{
		apiGroup.GET("/auth/status", h.APIAuthStatusHandler)
	}

	// Protected API routes with rate limiting, origin validation, and content-type validation
	protectedAPI := r.Group("/api")
	protectedAPI.Use(apiRateLimiter)
	protectedAPI.Use(auth.RequireAuth(sm))
	protectedAPI.Use(ValidateOrigin())         // CSRF protection via origin check
	protectedAPI.Use(RequireJSONContentType()) // Validate Content-Type header
	{
		protectedAPI.GET("/connections", h.APIListConnections)
		protectedAPI.POST("/connections", h.APICreateConnection)
		protectedAPI.GET("/connections/:id", h.APIGetConnection)
		protectedAPI.PUT("/connections/:id", h.APIUpdateConnection)
		protectedAPI.DELETE("/connections/:id", h.APIDeleteConnection)
		protectedAPI.POST("/connections/:id/toggle", h.APIToggleConnection)
		protectedAPI.GET("/connections/:id/status", h.APISyncStatus)
		protectedAPI.GET("/connections/:id/logs", h.APIGetConnectionLogs)
		protectedAPI.GET("/connections/:id/events", h.APIListEvents)
		protectedAPI.PUT("/events/:id", h.APIUpdateEvent)
		protectedAPI.GET("/conflicts", h.APIListConflicts)
		protectedAPI.POST("/conflicts/:id/resolve", h.APIResolveConflict)
		protectedAPI.GET("/activity", h.APIActivity)
		protectedAPI.GET("/dashboard/stats", h.APIDashboardStats)
		protectedAPI.POST("/credentials/caldav", h.ConnectCalDAV)
	}

	// Expensive operations with stricter rate limiting (provider network calls)
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensiveAPI := r.Group("/api")
	expensiveAPI.Use(expensiveRateLimiter)
	expensiveAPI.Use(auth.RequireAuth(sm))
	expensiveAPI.Use(ValidateOrigin())
	expensiveAPI.Use(RequireJSONContentType())
	{
		expensiveAPI.POST("/connections/:id/sync", h.APITriggerSync)
		expensiveAPI.POST("/sync/all", h.APISyncAll)
		expensiveAPI.GET("/connections/:id/calendars", h.APIDiscoverCalendars)
	}
}
