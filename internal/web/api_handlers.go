package web

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mwhitfield/calsyncd/internal/auth"
	"github.com/mwhitfield/calsyncd/internal/store"
	"github.com/mwhitfield/calsyncd/internal/sync"
)

// sanitizeError returns a user-safe error message without exposing internal
// details. The full error is logged server-side.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// categorizeConnectionError returns a user-friendly message based on common error patterns.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized"):
		return "Authentication failed. Please check your credentials."
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return "Access denied. Please check your permissions."
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "not found"):
		return "Calendar not found. Please check the URL."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}

// APIConnection represents a connection in JSON format for the API.
type APIConnection struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	CalendarIDs     []string `json:"calendar_ids"`
	SyncInterval    int      `json:"sync_interval"`
	Enabled         bool     `json:"enabled"`
	SyncStatus      string   `json:"sync_status"`
	LastSyncAt      *string  `json:"last_sync_at"`
	LastSyncMessage string   `json:"last_sync_message"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// APISyncLog represents a sync log in JSON format for the API.
type APISyncLog struct {
	ID               string   `json:"id"`
	ConnectionID     string   `json:"connection_id"`
	CalendarID       string   `json:"calendar_id"`
	Status           string   `json:"status"`
	Mode             string   `json:"mode"`
	Message          string   `json:"message"`
	Details          *string  `json:"details"`
	EventsCreated    int      `json:"events_created"`
	EventsUpdated    int      `json:"events_updated"`
	EventsDeleted    int      `json:"events_deleted"`
	EventsConflicted int      `json:"events_conflicted"`
	EventsFailed     int      `json:"events_failed"`
	EventsProcessed  int      `json:"events_processed"`
	Duration         *float64 `json:"duration"`
	CreatedAt        string   `json:"created_at"`
}

// APIAuthStatus represents the auth status response.
type APIAuthStatus struct {
	Authenticated bool     `json:"authenticated"`
	User          *APIUser `json:"user,omitempty"`
}

// APIUser represents a user in JSON format.
type APIUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// connectionToAPI converts a store.Connection to APIConnection.
func connectionToAPI(conn *store.Connection) *APIConnection {
	api := &APIConnection{
		ID:              conn.ID,
		Name:            conn.Name,
		Provider:        string(conn.Provider),
		CalendarIDs:     conn.CalendarIDs,
		SyncInterval:    conn.SyncInterval,
		Enabled:         conn.Enabled,
		SyncStatus:      string(conn.LastSyncStatus),
		LastSyncMessage: conn.LastSyncMessage,
		CreatedAt:       conn.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       conn.UpdatedAt.Format(time.RFC3339),
	}
	if conn.LastSyncAt != nil {
		ts := conn.LastSyncAt.Format(time.RFC3339)
		api.LastSyncAt = &ts
	}
	// Ensure calendar_ids is never null in JSON
	if api.CalendarIDs == nil {
		api.CalendarIDs = []string{}
	}
	return api
}

// syncLogToAPI converts a store.SyncLog to APISyncLog.
func syncLogToAPI(l *store.SyncLog) *APISyncLog {
	api := &APISyncLog{
		ID:               l.ID,
		ConnectionID:     l.ConnectionID,
		CalendarID:       l.CalendarID,
		Status:           string(l.Status),
		Mode:             l.Mode,
		Message:          l.Message,
		EventsCreated:    l.EventsCreated,
		EventsUpdated:    l.EventsUpdated,
		EventsDeleted:    l.EventsDeleted,
		EventsConflicted: l.EventsConflicted,
		EventsFailed:     l.EventsFailed,
		EventsProcessed:  l.EventsProcessed,
		CreatedAt:        l.CreatedAt.Format(time.RFC3339),
	}
	if l.Details != "" {
		api.Details = &l.Details
	}
	if l.Duration > 0 {
		dur := l.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

// APIAuthStatusHandler returns the authentication status.
func (h *Handlers) APIAuthStatusHandler(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusOK, APIAuthStatus{Authenticated: false})
		return
	}

	c.JSON(http.StatusOK, APIAuthStatus{
		Authenticated: true,
		User: &APIUser{
			ID:    session.UserID,
			Email: session.Email,
			Name:  session.Name,
		},
	})
}

// getOwnedConnection loads a connection and verifies the caller owns it.
// Responds with an error and returns nil when the check fails.
func (h *Handlers) getOwnedConnection(c *gin.Context) *store.Connection {
	session := auth.GetCurrentUser(c)
	conn, err := h.db.GetConnectionByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
		return nil
	}
	if conn.UserID != session.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return nil
	}
	return conn
}

// APIListConnections returns the caller's connections.
func (h *Handlers) APIListConnections(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	connections, err := h.db.GetConnectionsByUserID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load connections")})
		return
	}

	out := make([]*APIConnection, 0, len(connections))
	for _, conn := range connections {
		out = append(out, connectionToAPI(conn))
	}
	c.JSON(http.StatusOK, out)
}

// APIGetConnection returns one connection.
func (h *Handlers) APIGetConnection(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}
	c.JSON(http.StatusOK, connectionToAPI(conn))
}

// connectionRequest is the payload for creating or updating a connection.
type connectionRequest struct {
	Name         string   `json:"name"`
	Provider     string   `json:"provider"`
	CalendarIDs  []string `json:"calendar_ids"`
	SyncInterval *int     `json:"sync_interval"`
	Enabled      *bool    `json:"enabled"`
}

// clampInterval bounds a sync interval to the configured range.
func (h *Handlers) clampInterval(seconds int) int {
	if seconds < h.cfg.Sync.MinInterval {
		return h.cfg.Sync.MinInterval
	}
	if seconds > h.cfg.Sync.MaxInterval {
		return h.cfg.Sync.MaxInterval
	}
	return seconds
}

// APICreateConnection creates a new connection.
func (h *Handlers) APICreateConnection(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	provider := store.Provider(req.Provider)
	if req.Name == "" || !provider.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name and a valid provider are required"})
		return
	}

	interval := 300
	if req.SyncInterval != nil {
		interval = h.clampInterval(*req.SyncInterval)
	}

	conn := &store.Connection{
		UserID:       session.UserID,
		Name:         req.Name,
		Provider:     provider,
		CalendarIDs:  req.CalendarIDs,
		SyncInterval: interval,
		Enabled:      true,
	}
	if req.Enabled != nil {
		conn.Enabled = *req.Enabled
	}

	// Reject connections the user has no credentials for
	if _, err := h.factory.ClientFor(c.Request.Context(), conn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
		return
	}

	if err := h.db.CreateConnection(conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to create connection")})
		return
	}

	if conn.Enabled {
		h.scheduler.AddJob(conn.ID, time.Duration(conn.SyncInterval)*time.Second)
	}

	c.JSON(http.StatusCreated, connectionToAPI(conn))
}

// APIUpdateConnection updates an existing connection.
func (h *Handlers) APIUpdateConnection(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if req.Name != "" {
		conn.Name = req.Name
	}
	if req.CalendarIDs != nil {
		conn.CalendarIDs = req.CalendarIDs
	}
	if req.SyncInterval != nil {
		conn.SyncInterval = h.clampInterval(*req.SyncInterval)
	}
	if req.Enabled != nil {
		conn.Enabled = *req.Enabled
	}

	if err := h.db.UpdateConnection(conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update connection")})
		return
	}

	if conn.Enabled {
		h.scheduler.AddJob(conn.ID, time.Duration(conn.SyncInterval)*time.Second)
	} else {
		h.scheduler.RemoveJob(conn.ID)
	}

	c.JSON(http.StatusOK, connectionToAPI(conn))
}

// APIDeleteConnection deletes a connection and its cached data.
func (h *Handlers) APIDeleteConnection(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	h.scheduler.RemoveJob(conn.ID)

	if err := h.db.DeleteConnection(conn.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to delete connection")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Connection deleted"})
}

// APIToggleConnection enables or disables a connection.
func (h *Handlers) APIToggleConnection(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	conn.Enabled = !conn.Enabled
	if err := h.db.UpdateConnection(conn); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update connection")})
		return
	}

	if conn.Enabled {
		h.scheduler.AddJob(conn.ID, time.Duration(conn.SyncInterval)*time.Second)
	} else {
		h.scheduler.RemoveJob(conn.ID)
	}

	c.JSON(http.StatusOK, gin.H{"enabled": conn.Enabled})
}

// APITriggerSync runs a sync pass for one connection. The mode query
// parameter selects full, delta or auto (the default).
func (h *Handlers) APITriggerSync(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	mode := sync.Mode(c.DefaultQuery("mode", string(sync.ModeAuto)))

	result, err := h.engine.TriggerSync(c.Request.Context(), conn.ID, mode)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrUnknownMode):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Mode must be full, delta or auto"})
		case errors.Is(err, sync.ErrNoDeltaToken):
			c.JSON(http.StatusConflict, gin.H{"error": "No delta token stored, run a full sync first"})
		case errors.Is(err, store.ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "Sync already in progress"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Sync failed")})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// APISyncAll runs a batched sync across all of the caller's connections.
func (h *Handlers) APISyncAll(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	connections, err := h.db.GetConnectionsByUserID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load connections")})
		return
	}

	var ids []string
	for _, conn := range connections {
		if conn.Enabled {
			ids = append(ids, conn.ID)
		}
	}

	mode := sync.Mode(c.DefaultQuery("mode", string(sync.ModeAuto)))
	result := h.engine.BatchSync(c.Request.Context(), ids, mode)
	c.JSON(http.StatusOK, result)
}

// APISyncStatus returns per-calendar sync state for a connection.
func (h *Handlers) APISyncStatus(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	states := make(map[string]*store.SyncState)
	for _, calendarID := range conn.CalendarIDs {
		state, err := h.engine.GetSyncStatus(conn.ID, calendarID)
		if err != nil {
			continue
		}
		states[calendarID] = state
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": connectionToAPI(conn),
		"calendars":  states,
		"syncing":    h.connectionSyncing(conn.ID),
	})
}

// connectionSyncing reports whether a live pass is running for a connection.
// Deployments without an activity tracker report false.
func (h *Handlers) connectionSyncing(connectionID string) bool {
	return h.tracker != nil && h.tracker.IsConnectionSyncing(connectionID)
}

// APIGetConnectionLogs returns recent sync logs for a connection.
func (h *Handlers) APIGetConnectionLogs(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	logs, err := h.db.GetSyncLogs(conn.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load logs")})
		return
	}

	out := make([]*APISyncLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, syncLogToAPI(l))
	}
	c.JSON(http.StatusOK, out)
}

// APIListConflicts returns the caller's open conflicts, optionally filtered
// by connection.
func (h *Handlers) APIListConflicts(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	conflicts, err := h.engine.ListConflicts(session.UserID, c.Query("connection_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load conflicts")})
		return
	}

	if conflicts == nil {
		conflicts = []*store.SyncConflict{}
	}
	c.JSON(http.StatusOK, conflicts)
}

// resolveConflictRequest is the payload for resolving a conflict.
type resolveConflictRequest struct {
	Resolution string               `json:"resolution" binding:"required"`
	Merged     *store.CalendarEvent `json:"merged"`
}

// APIResolveConflict applies a resolution to a conflict.
func (h *Handlers) APIResolveConflict(c *gin.Context) {
	session := auth.GetCurrentUser(c)

	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Resolution is required"})
		return
	}

	conflict, err := h.db.GetConflictByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conflict not found"})
		return
	}

	conn, err := h.db.GetConnectionByID(conflict.ConnectionID)
	if err != nil || conn.UserID != session.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return
	}

	event, err := h.engine.ResolveConflict(c.Request.Context(), conflict.ID, store.Resolution(req.Resolution), req.Merged)
	if err != nil {
		switch {
		case errors.Is(err, sync.ErrInvalidResolution):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Resolution must be use_local, use_remote, merge or manual"})
		case errors.Is(err, sync.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": "Conflict is already resolved"})
		case errors.Is(err, sync.ErrMergeRequired):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Merge resolution requires a merged event"})
		case errors.Is(err, sync.ErrMergeUnchanged):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Merged event must differ from both versions"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to resolve conflict")})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"resolution": req.Resolution, "event": event})
}

// APIActivity returns current and recent sync activity.
func (h *Handlers) APIActivity(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusOK, gin.H{"active": []any{}, "recent": []any{}})
		return
	}
	c.JSON(http.StatusOK, h.tracker.GetAll())
}

// APIDashboardStats returns summary counts for the current user's
// connections and conflicts.
func (h *Handlers) APIDashboardStats(c *gin.Context) {
	session := auth.GetCurrentUser(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	conns, err := h.db.GetConnectionsByUserID(session.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load connections")})
		return
	}

	var enabled, failing, syncing int
	for _, conn := range conns {
		if conn.Enabled {
			enabled++
		}
		if conn.LastSyncStatus == store.SyncStatusFailed {
			failing++
		}
		if h.connectionSyncing(conn.ID) {
			syncing++
		}
	}

	conflicts, err := h.engine.ListConflicts(session.UserID, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load conflicts")})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connections":         len(conns),
		"enabled_connections": enabled,
		"failing_connections": failing,
		"syncing_connections": syncing,
		"open_conflicts":      len(conflicts),
	})
}

// APIListEvents returns the cached events for a connection, optionally
// restricted to one calendar via the calendar_id query parameter.
func (h *Handlers) APIListEvents(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	calendarIDs := conn.CalendarIDs
	if calendarID := c.Query("calendar_id"); calendarID != "" {
		calendarIDs = []string{calendarID}
	}

	events := make([]*store.CalendarEvent, 0)
	for _, calendarID := range calendarIDs {
		batch, err := h.db.GetEventsByCalendar(conn.ID, calendarID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load events")})
			return
		}
		events = append(events, batch...)
	}

	c.JSON(http.StatusOK, events)
}

// eventUpdateRequest carries a partial edit of a cached event. Only provided
// fields change.
type eventUpdateRequest struct {
	Subject  *string    `json:"subject"`
	Body     *string    `json:"body"`
	Location *string    `json:"location"`
	Start    *time.Time `json:"start"`
	End      *time.Time `json:"end"`
	IsAllDay *bool      `json:"is_all_day"`
}

// getOwnedEvent loads a cached event and verifies the caller owns the
// connection it belongs to. Responds with an error and returns nil when the
// check fails.
func (h *Handlers) getOwnedEvent(c *gin.Context) *store.CalendarEvent {
	session := auth.GetCurrentUser(c)
	event, err := h.db.GetEventByID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return nil
	}
	conn, err := h.db.GetConnectionByID(event.ConnectionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Event not found"})
		return nil
	}
	if conn.UserID != session.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
		return nil
	}
	return event
}

// APIUpdateEvent applies a local edit to a cached event. The event is marked
// locally modified so the next sync pass pushes it, or raises a conflict if
// the remote copy changed too.
func (h *Handlers) APIUpdateEvent(c *gin.Context) {
	event := h.getOwnedEvent(c)
	if event == nil {
		return
	}
	if event.Deleted {
		c.JSON(http.StatusConflict, gin.H{"error": "Event has been deleted"})
		return
	}

	var req eventUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	changed := false
	if req.Subject != nil && *req.Subject != event.Subject {
		event.Subject = *req.Subject
		changed = true
	}
	if req.Body != nil && *req.Body != event.Body {
		event.Body = *req.Body
		changed = true
	}
	if req.Location != nil && *req.Location != event.Location {
		event.Location = *req.Location
		changed = true
	}
	if req.Start != nil && !req.Start.Equal(event.Start) {
		event.Start = req.Start.UTC()
		changed = true
	}
	if req.End != nil && !req.End.Equal(event.End) {
		event.End = req.End.UTC()
		changed = true
	}
	if req.IsAllDay != nil && *req.IsAllDay != event.IsAllDay {
		event.IsAllDay = *req.IsAllDay
		changed = true
	}

	if !event.Start.IsZero() && !event.End.IsZero() && event.End.Before(event.Start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event cannot end before it starts"})
		return
	}

	if changed {
		event.LocallyModified = true
		event.LastModifiedLocal = time.Now().UTC()
		if err := h.db.UpdateEvent(event); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update event")})
			return
		}
	}

	c.JSON(http.StatusOK, event)
}

// APIDiscoverCalendars lists the calendars available on a connection's
// provider account.
func (h *Handlers) APIDiscoverCalendars(c *gin.Context) {
	conn := h.getOwnedConnection(c)
	if conn == nil {
		return
	}

	client, err := h.factory.ClientFor(c.Request.Context(), conn)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": categorizeConnectionError(err)})
		return
	}

	calendars, err := client.ListCalendars(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": categorizeConnectionError(err)})
		return
	}

	c.JSON(http.StatusOK, calendars)
}
