package store

import (
	"time"
)

// SyncStatus represents the state of a sync pass for a calendar.
type SyncStatus string

const (
	SyncStatusPending    SyncStatus = "pending"
	SyncStatusInProgress SyncStatus = "in_progress"
	SyncStatusCompleted  SyncStatus = "completed"
	SyncStatusFailed     SyncStatus = "failed"
)

// Provider identifies a remote calendar provider.
type Provider string

const (
	ProviderMicrosoft Provider = "microsoft"
	ProviderGoogle    Provider = "google"
	ProviderCalDAV    Provider = "caldav"
)

// ValidProviders contains all valid provider values.
var ValidProviders = map[Provider]bool{
	ProviderMicrosoft: true,
	ProviderGoogle:    true,
	ProviderCalDAV:    true,
}

// IsValid returns true if the provider is a known valid value.
func (p Provider) IsValid() bool {
	return ValidProviders[p]
}

// ConflictType classifies which fields diverged between the local and
// remote copies of an event. The taxonomy is closed: anything that is not
// isolated to a single category is both_modified.
type ConflictType string

const (
	ConflictTitle        ConflictType = "title"
	ConflictTime         ConflictType = "time_mismatch"
	ConflictLocation     ConflictType = "location_mismatch"
	ConflictBothModified ConflictType = "both_modified"
)

// Resolution represents how a conflict is (or will be) resolved.
type Resolution string

const (
	ResolutionPending   Resolution = "pending"
	ResolutionUseLocal  Resolution = "use_local"
	ResolutionUseRemote Resolution = "use_remote"
	ResolutionMerge     Resolution = "merge"
	ResolutionManual    Resolution = "manual"
)

// ValidResolutions contains all resolutions a caller may request.
var ValidResolutions = map[Resolution]bool{
	ResolutionUseLocal:  true,
	ResolutionUseRemote: true,
	ResolutionMerge:     true,
	ResolutionManual:    true,
}

// IsValid returns true if the resolution is one a caller may request.
func (r Resolution) IsValid() bool {
	return ValidResolutions[r]
}

// User represents a user in the system.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connection binds a user to a remote calendar provider account.
type Connection struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Name            string     `json:"name"`
	Provider        Provider   `json:"provider"`
	CalendarIDs     []string   `json:"calendar_ids"` // Calendars to sync (empty = primary only)
	SyncInterval    int        `json:"sync_interval"`
	Enabled         bool       `json:"enabled"`
	LastSyncAt      *time.Time `json:"last_sync_at"`
	LastSyncStatus  SyncStatus `json:"last_sync_status"`
	LastSyncMessage string     `json:"last_sync_message"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Attendee is a single event attendee with their response status.
type Attendee struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Response string `json:"response"` // accepted, declined, tentative, none
}

// CalendarEvent is the local cache record for a remote event.
// An event with an empty RemoteID is local-only and not yet synced.
type CalendarEvent struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connection_id"`
	CalendarID   string `json:"calendar_id"`
	RemoteID     string `json:"remote_id"`
	ETag         string `json:"etag"`

	Subject    string     `json:"subject"`
	Body       string     `json:"body"`
	Location   string     `json:"location"`
	Start      time.Time  `json:"start"`
	End        time.Time  `json:"end"`
	IsAllDay   bool       `json:"is_all_day"`
	Attendees  []Attendee `json:"attendees"`
	Categories []string   `json:"categories"`

	LastModifiedRemote time.Time `json:"last_modified_remote"`
	LastModifiedLocal  time.Time `json:"last_modified_local"`
	LocallyModified    bool      `json:"locally_modified"`
	RemotelyModified   bool      `json:"remotely_modified"`
	Deleted            bool      `json:"deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncState tracks the incremental sync position for one (connection, calendar).
// DeltaToken is the provider cursor; empty means a full resync is required.
// The token only advances together with a terminal completed status, so a
// crashed or failed pass always resumes from the last committed cursor.
type SyncState struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	CalendarID   string     `json:"calendar_id"`
	DeltaToken   string     `json:"delta_token"`
	LastSyncTime *time.Time `json:"last_sync_time"`
	Status       SyncStatus `json:"status"`

	TotalEvents      int `json:"total_events"`
	ProcessedEvents  int `json:"processed_events"`
	SyncedEvents     int `json:"synced_events"`
	ConflictedEvents int `json:"conflicted_events"`
	FailedEvents     int `json:"failed_events"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsFullSync returns true if no delta cursor is stored.
func (s *SyncState) NeedsFullSync() bool {
	return s.DeltaToken == ""
}

// SyncConflict records a divergence where both the local and remote copies
// of an event changed since the last successful sync. Local and remote
// versions are full snapshots so resolution never depends on the live cache.
type SyncConflict struct {
	ID             string        `json:"id"`
	EventID        string        `json:"event_id"`
	ConnectionID   string        `json:"connection_id"`
	Type           ConflictType  `json:"type"`
	LocalVersion   CalendarEvent `json:"local_version"`
	RemoteVersion  CalendarEvent `json:"remote_version"`
	Resolution     Resolution    `json:"resolution"`
	Recommendation Resolution    `json:"recommendation"`
	AutoResolvable bool          `json:"auto_resolvable"`
	CreatedAt      time.Time     `json:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at"`
}

// Resolved returns true once a resolution other than pending has been applied.
func (c *SyncConflict) Resolved() bool {
	return c.Resolution != ResolutionPending && c.Resolution != ResolutionManual
}

// SyncLog is the audit record for one sync pass.
type SyncLog struct {
	ID               string        `json:"id"`
	ConnectionID     string        `json:"connection_id"`
	CalendarID       string        `json:"calendar_id"`
	Status           SyncStatus    `json:"status"`
	Mode             string        `json:"mode"` // full or delta
	Message          string        `json:"message"`
	Details          string        `json:"details"`
	EventsCreated    int           `json:"events_created"`
	EventsUpdated    int           `json:"events_updated"`
	EventsDeleted    int           `json:"events_deleted"`
	EventsConflicted int           `json:"events_conflicted"`
	EventsFailed     int           `json:"events_failed"`
	EventsProcessed  int           `json:"events_processed"`
	Duration         time.Duration `json:"duration"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ProviderToken holds a user's OAuth token for a provider, persisted as an
// opaque JSON blob owned by the auth package.
type ProviderToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  Provider  `json:"provider"`
	Token     string    `json:"-"` // Never include in JSON
	UpdatedAt time.Time `json:"updated_at"`
}
