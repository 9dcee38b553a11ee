package sync

import (
	"testing"
	"time"

	"github.com/mwhitfield/calsyncd/internal/provider"
	"github.com/mwhitfield/calsyncd/internal/store"
)

func baseLocal() *store.CalendarEvent {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &store.CalendarEvent{
		Subject:  "Standup",
		Body:     "Daily sync",
		Location: "Room 4",
		Start:    start,
		End:      start.Add(30 * time.Minute),
	}
}

func baseRemote() *provider.RemoteEvent {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &provider.RemoteEvent{
		Subject:  "Standup",
		Body:     "Daily sync",
		Location: "Room 4",
		Start:    start,
		End:      start.Add(30 * time.Minute),
	}
}

func TestClassifyConflictTypes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*provider.RemoteEvent)
		want   store.ConflictType
	}{
		{
			name:   "subject only",
			mutate: func(r *provider.RemoteEvent) { r.Subject = "Standup [UPDATED]" },
			want:   store.ConflictTitle,
		},
		{
			name:   "start time only",
			mutate: func(r *provider.RemoteEvent) { r.Start = r.Start.Add(time.Hour) },
			want:   store.ConflictTime,
		},
		{
			name:   "end time only",
			mutate: func(r *provider.RemoteEvent) { r.End = r.End.Add(15 * time.Minute) },
			want:   store.ConflictTime,
		},
		{
			name:   "all-day flag only",
			mutate: func(r *provider.RemoteEvent) { r.IsAllDay = true },
			want:   store.ConflictTime,
		},
		{
			name:   "location only",
			mutate: func(r *provider.RemoteEvent) { r.Location = "Room 9" },
			want:   store.ConflictLocation,
		},
		{
			name: "subject and time",
			mutate: func(r *provider.RemoteEvent) {
				r.Subject = "Standup [UPDATED]"
				r.Start = r.Start.Add(time.Hour)
			},
			want: store.ConflictBothModified,
		},
		{
			name:   "body only",
			mutate: func(r *provider.RemoteEvent) { r.Body = "Daily sync, new agenda" },
			want:   store.ConflictBothModified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := baseRemote()
			tt.mutate(remote)

			got := classify(diffEvents(baseLocal(), remote))
			if got != tt.want {
				t.Errorf("classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTrivialDiffIsAutoResolvable(t *testing.T) {
	remote := baseRemote()
	remote.Body = "Daily sync, agenda attached"
	remote.Categories = []string{"work"}

	d := diffEvents(baseLocal(), remote)
	if !d.Any() {
		t.Fatal("expected a diff")
	}
	if d.headline() {
		t.Error("body and category changes should not count as headline differences")
	}

	remote.Subject = "Standup [UPDATED]"
	d = diffEvents(baseLocal(), remote)
	if !d.headline() {
		t.Error("subject change should count as a headline difference")
	}
}

func TestRemoteChangedETagFastPath(t *testing.T) {
	local := baseLocal()
	local.ETag = "v1"

	remote := baseRemote()
	remote.ETag = "v1"
	// Field differences are ignored when ETags match: the provider says the
	// event did not change.
	remote.Body = "drifted"
	if remoteChanged(local, remote) {
		t.Error("matching etags should report unchanged")
	}

	remote.ETag = "v2"
	if !remoteChanged(local, remote) {
		t.Error("differing etags should report changed")
	}

	// Without etags, fall back to field comparison.
	local.ETag = ""
	remote.ETag = ""
	remote.Body = baseLocal().Body
	if remoteChanged(local, remote) {
		t.Error("identical fields without etags should report unchanged")
	}
	remote.Location = "Room 9"
	if !remoteChanged(local, remote) {
		t.Error("differing fields without etags should report changed")
	}
}

func TestApplyRemoteClearsFlags(t *testing.T) {
	local := baseLocal()
	local.LocallyModified = true
	local.Deleted = true

	remote := baseRemote()
	remote.ID = "evt-1"
	remote.ETag = "v2"
	remote.Attendees = []provider.Attendee{{Email: "a@example.com", Name: "A", Response: "accepted"}}

	applyRemote(local, remote)

	if local.RemoteID != "evt-1" || local.ETag != "v2" {
		t.Errorf("identity fields not applied: %q %q", local.RemoteID, local.ETag)
	}
	if local.LocallyModified || local.Deleted {
		t.Error("flags should clear after overwrite")
	}
	if len(local.Attendees) != 1 || local.Attendees[0].Response != "accepted" {
		t.Errorf("attendees not converted: %+v", local.Attendees)
	}
}
