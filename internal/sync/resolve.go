package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/mwhitfield/calsyncd/internal/provider"
	"github.com/mwhitfield/calsyncd/internal/store"
)

var (
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrAlreadyResolved   = errors.New("conflict already resolved")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrMergeRequired     = errors.New("merge resolution requires a merged payload")
	ErrMergeUnchanged    = errors.New("merged payload equals one side verbatim, use use_local or use_remote instead")
)

// ResolveConflict applies the chosen resolution to a conflict and returns the
// resulting local event.
//
//   - use_local pushes the local snapshot to the provider and closes the
//     conflict.
//   - use_remote overwrites the cache with the stored remote snapshot.
//   - merge applies a caller-supplied payload after checking it is not a
//     verbatim copy of either side.
//   - manual leaves the conflict open and mutates nothing.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, resolution store.Resolution, merged *store.CalendarEvent) (*store.CalendarEvent, error) {
	if !resolution.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}

	conflict, err := e.db.GetConflictByID(conflictID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, err
	}
	if conflict.ResolvedAt != nil {
		return nil, ErrAlreadyResolved
	}

	event, err := e.db.GetEventByID(conflict.EventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicted event: %w", err)
	}

	switch resolution {
	case store.ResolutionUseLocal:
		return e.resolveUseLocal(ctx, conflict, event)
	case store.ResolutionUseRemote:
		return e.resolveUseRemote(conflict, event)
	case store.ResolutionMerge:
		return e.resolveMerge(ctx, conflict, event, merged)
	case store.ResolutionManual:
		// Resolution deferred: the conflict stays open, nothing changes.
		return event, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidResolution, resolution)
	}
}

// resolveUseLocal pushes the local version to the provider so the remote copy
// matches the user's edits.
func (e *Engine) resolveUseLocal(ctx context.Context, conflict *store.SyncConflict, event *store.CalendarEvent) (*store.CalendarEvent, error) {
	// The remote side may have deleted the event; in that case the push is a
	// re-create.
	remoteDeleted := conflict.RemoteVersion.Deleted

	conn, err := e.db.GetConnectionByID(conflict.ConnectionID)
	if err != nil {
		return nil, err
	}

	client, err := e.clients.ClientFor(ctx, conn)
	if err != nil {
		return nil, err
	}

	payload := localToRemote(event)
	var pushed *provider.RemoteEvent
	err = e.withRetry(ctx, func() error {
		var pushErr error
		if remoteDeleted || event.RemoteID == "" {
			payload.ID = ""
			pushed, pushErr = client.CreateEvent(ctx, event.CalendarID, payload)
		} else {
			pushed, pushErr = client.UpdateEvent(ctx, event.CalendarID, payload)
		}
		return pushErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to push local version: %w", err)
	}

	event.RemoteID = pushed.ID
	event.ETag = pushed.ETag
	event.LastModifiedRemote = pushed.LastModified
	event.LocallyModified = false
	event.RemotelyModified = false
	event.Deleted = false
	if err := e.db.UpdateEvent(event); err != nil {
		return nil, err
	}

	if err := e.db.MarkConflictResolved(conflict.ID, store.ResolutionUseLocal); err != nil {
		return nil, err
	}
	return event, nil
}

// resolveUseRemote overwrites the cache with the stored remote snapshot, so
// the outcome matches the snapshot exactly regardless of later remote edits.
func (e *Engine) resolveUseRemote(conflict *store.SyncConflict, event *store.CalendarEvent) (*store.CalendarEvent, error) {
	snapshot := conflict.RemoteVersion

	event.RemoteID = snapshot.RemoteID
	event.ETag = snapshot.ETag
	event.Subject = snapshot.Subject
	event.Body = snapshot.Body
	event.Location = snapshot.Location
	event.Start = snapshot.Start
	event.End = snapshot.End
	event.IsAllDay = snapshot.IsAllDay
	event.Attendees = snapshot.Attendees
	event.Categories = snapshot.Categories
	event.LastModifiedRemote = snapshot.LastModifiedRemote
	event.LocallyModified = false
	event.RemotelyModified = false
	event.Deleted = snapshot.Deleted

	if err := e.db.UpdateEvent(event); err != nil {
		return nil, err
	}
	if err := e.db.MarkConflictResolved(conflict.ID, store.ResolutionUseRemote); err != nil {
		return nil, err
	}
	return event, nil
}

// resolveMerge applies a caller-supplied merged payload. As a sanity check
// the payload must not be a verbatim copy of either snapshot: that would be
// use_local or use_remote dressed up as a merge, and silently reintroduces
// one side's conflicting values.
func (e *Engine) resolveMerge(ctx context.Context, conflict *store.SyncConflict, event *store.CalendarEvent, merged *store.CalendarEvent) (*store.CalendarEvent, error) {
	if merged == nil {
		return nil, ErrMergeRequired
	}

	if sameEventFields(merged, &conflict.LocalVersion) || sameEventFields(merged, &conflict.RemoteVersion) {
		return nil, ErrMergeUnchanged
	}

	event.Subject = merged.Subject
	event.Body = merged.Body
	event.Location = merged.Location
	event.Start = merged.Start
	event.End = merged.End
	event.IsAllDay = merged.IsAllDay
	event.Attendees = merged.Attendees
	event.Categories = merged.Categories
	event.Deleted = false

	// Push the merged version out so both sides converge on it.
	conn, err := e.db.GetConnectionByID(conflict.ConnectionID)
	if err != nil {
		return nil, err
	}
	client, err := e.clients.ClientFor(ctx, conn)
	if err != nil {
		return nil, err
	}

	payload := localToRemote(event)
	var pushed *provider.RemoteEvent
	err = e.withRetry(ctx, func() error {
		var pushErr error
		if conflict.RemoteVersion.Deleted || event.RemoteID == "" {
			payload.ID = ""
			pushed, pushErr = client.CreateEvent(ctx, event.CalendarID, payload)
		} else {
			pushed, pushErr = client.UpdateEvent(ctx, event.CalendarID, payload)
		}
		return pushErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to push merged version: %w", err)
	}

	event.RemoteID = pushed.ID
	event.ETag = pushed.ETag
	event.LastModifiedRemote = pushed.LastModified
	event.LocallyModified = false
	event.RemotelyModified = false
	if err := e.db.UpdateEvent(event); err != nil {
		return nil, err
	}

	if err := e.db.MarkConflictResolved(conflict.ID, store.ResolutionMerge); err != nil {
		return nil, err
	}
	return event, nil
}

// sameEventFields compares the user-editable fields of two events.
func sameEventFields(a, b *store.CalendarEvent) bool {
	if a.Subject != b.Subject || a.Body != b.Body || a.Location != b.Location {
		return false
	}
	if !a.Start.Equal(b.Start) || !a.End.Equal(b.End) || a.IsAllDay != b.IsAllDay {
		return false
	}
	if len(a.Attendees) != len(b.Attendees) {
		return false
	}
	for i := range a.Attendees {
		if a.Attendees[i] != b.Attendees[i] {
			return false
		}
	}
	if len(a.Categories) != len(b.Categories) {
		return false
	}
	for i := range a.Categories {
		if a.Categories[i] != b.Categories[i] {
			return false
		}
	}
	return true
}
