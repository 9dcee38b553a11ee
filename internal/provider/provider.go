// Package provider defines the capability interface the sync engine uses to
// talk to remote calendar providers. Concrete variants live in the graph,
// google and caldav subpackages; the engine depends only on this contract so
// it can be tested against fakes without live network calls.
package provider

import (
	"context"
	"time"
)

// Calendar identifies a calendar on the remote provider.
type Calendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Primary bool   `json:"primary"`
}

// Attendee is a single attendee as reported by the provider.
type Attendee struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Response string `json:"response"`
}

// RemoteEvent is the provider-neutral representation of a calendar event.
// All adapters convert their SDK types to this format.
type RemoteEvent struct {
	ID           string     `json:"id"` // provider-assigned, stable
	ETag         string     `json:"etag"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	Location     string     `json:"location"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	IsAllDay     bool       `json:"is_all_day"`
	Attendees    []Attendee `json:"attendees"`
	Categories   []string   `json:"categories"`
	LastModified time.Time  `json:"last_modified"`
}

// Change is one item of a delta response: either an upserted event or a
// removal marker carrying the provider's reason.
type Change struct {
	Event         *RemoteEvent
	RemoteID      string
	Removed       bool
	RemovedReason string
}

// DeltaResult is the outcome of draining a provider's delta feed. The new
// token is only present when every page was consumed successfully; a partial
// read returns an error and no token, so the caller never advances past
// unprocessed changes.
type DeltaResult struct {
	Changes    []Change
	DeltaToken string
}

// Client is the capability interface for one provider account.
type Client interface {
	// Name returns the provider identifier (microsoft, google, caldav).
	Name() string

	// ListCalendars returns the calendars visible to the account.
	ListCalendars(ctx context.Context) ([]Calendar, error)

	// ListEvents fetches the full remote event set for the time window,
	// following provider pagination internally.
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]RemoteEvent, error)

	// Delta fetches changes since the given token. An empty token starts a
	// new delta cycle (initial full enumeration plus a fresh cursor).
	// Providers without a delta endpoint return ErrDeltaNotSupported; an
	// expired token returns ErrDeltaReset and the caller must fall back to
	// a full sync.
	Delta(ctx context.Context, calendarID, deltaToken string) (*DeltaResult, error)

	// CreateEvent creates the event remotely and returns the stored copy
	// with its provider-assigned ID and ETag.
	CreateEvent(ctx context.Context, calendarID string, event *RemoteEvent) (*RemoteEvent, error)

	// UpdateEvent pushes local field values to the remote copy.
	UpdateEvent(ctx context.Context, calendarID string, event *RemoteEvent) (*RemoteEvent, error)

	// DeleteEvent removes the event remotely.
	DeleteEvent(ctx context.Context, calendarID, remoteID string) error

	// BatchCap returns the provider's maximum batch size for grouped
	// requests. Callers must never issue a larger batch.
	BatchCap() int
}
