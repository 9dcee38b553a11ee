package sync

import (
	"github.com/mwhitfield/calsyncd/internal/provider"
	"github.com/mwhitfield/calsyncd/internal/store"
)

// fieldDiff records which event fields differ between the local cache copy
// and the latest remote copy.
type fieldDiff struct {
	Subject    bool
	Time       bool
	Location   bool
	Body       bool
	Attendees  bool
	Categories bool
}

// Any returns true if at least one field differs.
func (d fieldDiff) Any() bool {
	return d.Subject || d.Time || d.Location || d.Body || d.Attendees || d.Categories
}

// headline returns true if a subject, time or location difference is present.
// These are the fields a user sees at a glance; body, attendee and category
// differences alone are considered trivial.
func (d fieldDiff) headline() bool {
	return d.Subject || d.Time || d.Location
}

// diffEvents compares the stored local copy against the remote copy field by
// field.
func diffEvents(local *store.CalendarEvent, remote *provider.RemoteEvent) fieldDiff {
	d := fieldDiff{
		Subject:  local.Subject != remote.Subject,
		Location: local.Location != remote.Location,
		Body:     local.Body != remote.Body,
	}

	if !local.Start.Equal(remote.Start) || !local.End.Equal(remote.End) || local.IsAllDay != remote.IsAllDay {
		d.Time = true
	}

	d.Attendees = !attendeesEqual(local.Attendees, remote.Attendees)
	d.Categories = !stringsEqual(local.Categories, remote.Categories)

	return d
}

// classify maps a field diff onto the conflict taxonomy. A difference that
// cannot be isolated to exactly one of title, time or location is
// both_modified.
func classify(d fieldDiff) store.ConflictType {
	switch {
	case d.Subject && !d.Time && !d.Location:
		return store.ConflictTitle
	case d.Time && !d.Subject && !d.Location:
		return store.ConflictTime
	case d.Location && !d.Subject && !d.Time:
		return store.ConflictLocation
	default:
		return store.ConflictBothModified
	}
}

// remoteChanged reports whether the remote copy diverged from the stored one.
// The ETag comparison is the fast path; providers that do not issue ETags
// fall back to the field diff.
func remoteChanged(local *store.CalendarEvent, remote *provider.RemoteEvent) bool {
	if local.ETag != "" && remote.ETag != "" {
		return local.ETag != remote.ETag
	}
	return diffEvents(local, remote).Any()
}

func attendeesEqual(a []store.Attendee, b []provider.Attendee) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Email != b[i].Email || a[i].Name != b[i].Name || a[i].Response != b[i].Response {
			return false
		}
	}
	return true
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// applyRemote copies the remote field values onto the local record. The
// local-modification flag is cleared: after an overwrite the local copy
// matches remote by definition.
func applyRemote(local *store.CalendarEvent, remote *provider.RemoteEvent) {
	local.RemoteID = remote.ID
	local.ETag = remote.ETag
	local.Subject = remote.Subject
	local.Body = remote.Body
	local.Location = remote.Location
	local.Start = remote.Start
	local.End = remote.End
	local.IsAllDay = remote.IsAllDay
	local.Attendees = convertAttendees(remote.Attendees)
	local.Categories = remote.Categories
	local.LastModifiedRemote = remote.LastModified
	local.LocallyModified = false
	local.RemotelyModified = false
	local.Deleted = false
}

// newLocalEvent builds a fresh cache record from a remote event.
func newLocalEvent(connectionID, calendarID string, remote *provider.RemoteEvent) *store.CalendarEvent {
	event := &store.CalendarEvent{
		ConnectionID: connectionID,
		CalendarID:   calendarID,
	}
	applyRemote(event, remote)
	return event
}

// remoteSnapshot renders the remote copy as a CalendarEvent for conflict
// snapshots, keyed like the local record it conflicts with.
func remoteSnapshot(local *store.CalendarEvent, remote *provider.RemoteEvent) store.CalendarEvent {
	snapshot := store.CalendarEvent{
		ID:           local.ID,
		ConnectionID: local.ConnectionID,
		CalendarID:   local.CalendarID,
	}
	applyRemote(&snapshot, remote)
	return snapshot
}

// localToRemote converts a cached event into the provider representation for
// pushes.
func localToRemote(event *store.CalendarEvent) *provider.RemoteEvent {
	remote := &provider.RemoteEvent{
		ID:         event.RemoteID,
		ETag:       event.ETag,
		Subject:    event.Subject,
		Body:       event.Body,
		Location:   event.Location,
		Start:      event.Start,
		End:        event.End,
		IsAllDay:   event.IsAllDay,
		Categories: event.Categories,
	}
	for _, a := range event.Attendees {
		remote.Attendees = append(remote.Attendees, provider.Attendee{
			Email:    a.Email,
			Name:     a.Name,
			Response: a.Response,
		})
	}
	return remote
}

func convertAttendees(attendees []provider.Attendee) []store.Attendee {
	if len(attendees) == 0 {
		return nil
	}
	out := make([]store.Attendee, len(attendees))
	for i, a := range attendees {
		out[i] = store.Attendee{Email: a.Email, Name: a.Name, Response: a.Response}
	}
	return out
}
