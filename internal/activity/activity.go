package activity

import (
	"sync"
	"time"
)

// SyncActivity represents the current state of a sync pass.
type SyncActivity struct {
	ConnectionID     string     `json:"connection_id"`
	ConnectionName   string     `json:"connection_name"`
	Status           string     `json:"status"` // "running", "completed", "partial", "error"
	Mode             string     `json:"mode"`   // "full" or "delta"
	CurrentCalendar  string     `json:"current_calendar,omitempty"`
	TotalCalendars   int        `json:"total_calendars"`
	CalendarsSynced  int        `json:"calendars_synced"`
	EventsProcessed  int        `json:"events_processed"`
	EventsCreated    int        `json:"events_created"`
	EventsUpdated    int        `json:"events_updated"`
	EventsDeleted    int        `json:"events_deleted"`
	EventsConflicted int        `json:"events_conflicted"`
	EventsFailed     int        `json:"events_failed"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Duration         string     `json:"duration,omitempty"`
	Message          string     `json:"message,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
}

// Tracker tracks sync activity across all connections.
type Tracker struct {
	mu             sync.RWMutex
	active         map[string]*SyncActivity // connectionID -> activity
	recent         []*SyncActivity          // Recently completed syncs
	maxRecentSyncs int
}

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:         make(map[string]*SyncActivity),
		recent:         make([]*SyncActivity, 0),
		maxRecentSyncs: 20, // Keep last 20 completed syncs
	}
}

// StartSync begins tracking a new sync pass.
func (t *Tracker) StartSync(connectionID, connectionName, mode string, totalCalendars int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[connectionID] = &SyncActivity{
		ConnectionID:   connectionID,
		ConnectionName: connectionName,
		Status:         "running",
		Mode:           mode,
		TotalCalendars: totalCalendars,
		StartedAt:      time.Now(),
	}
}

// UpdateCalendar updates the current calendar being synced.
func (t *Tracker) UpdateCalendar(connectionID, calendarID string, calendarIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[connectionID]; exists {
		activity.CurrentCalendar = calendarID
		activity.CalendarsSynced = calendarIndex
	}
}

// IncrementProgress increments progress counters by the given amounts.
func (t *Tracker) IncrementProgress(connectionID string, created, updated, deleted, conflicted, failed, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if activity, exists := t.active[connectionID]; exists {
		activity.EventsCreated += created
		activity.EventsUpdated += updated
		activity.EventsDeleted += deleted
		activity.EventsConflicted += conflicted
		activity.EventsFailed += failed
		activity.EventsProcessed += processed
	}
}

// FinishSync marks a sync as completed and moves it to recent.
func (t *Tracker) FinishSync(connectionID string, success bool, message string, errors []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	activity, exists := t.active[connectionID]
	if !exists {
		return
	}

	now := time.Now()
	activity.CompletedAt = &now
	activity.Duration = now.Sub(activity.StartedAt).Round(time.Millisecond).String()
	activity.Message = message
	activity.Errors = errors
	activity.CurrentCalendar = ""

	if success {
		if len(errors) > 0 {
			activity.Status = "partial"
		} else {
			activity.Status = "completed"
		}
	} else {
		activity.Status = "error"
	}

	// Move to recent list
	t.recent = append([]*SyncActivity{activity}, t.recent...)
	if len(t.recent) > t.maxRecentSyncs {
		t.recent = t.recent[:t.maxRecentSyncs]
	}

	// Remove from active
	delete(t.active, connectionID)
}

// GetActive returns all currently active syncs.
func (t *Tracker) GetActive() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, 0, len(t.active))
	for _, activity := range t.active {
		// Create a copy to avoid race conditions
		copy := *activity
		copy.Duration = time.Since(activity.StartedAt).Round(time.Millisecond).String()
		result = append(result, &copy)
	}
	return result
}

// GetRecent returns recently completed syncs.
func (t *Tracker) GetRecent() []*SyncActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*SyncActivity, len(t.recent))
	for i, activity := range t.recent {
		copy := *activity
		result[i] = &copy
	}
	return result
}

// GetAll returns both active and recent syncs.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsConnectionSyncing returns true if the given connection is currently syncing.
func (t *Tracker) IsConnectionSyncing(connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, exists := t.active[connectionID]
	return exists
}
