package store

import (
	"errors"
	"testing"
	"time"
)

// createTestEvent creates a cached event on the given connection.
func createTestEvent(t *testing.T, db *DB, connectionID, remoteID string) *CalendarEvent {
	t.Helper()

	event := &CalendarEvent{
		ConnectionID: connectionID,
		CalendarID:   "cal-1",
		RemoteID:     remoteID,
		ETag:         "etag-1",
		Subject:      "Planning",
		Location:     "Room 4",
		Start:        time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		End:          time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC),
		Attendees: []Attendee{
			{Email: "alice@example.com", Name: "Alice", Response: "accepted"},
			{Email: "bob@example.com", Response: "none"},
		},
	}
	if err := db.CreateEvent(event); err != nil {
		t.Fatalf("failed to create test event: %v", err)
	}
	return event
}

func TestEventCRUD(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db)
	conn := createTestConnection(t, db, user.ID)
	event := createTestEvent(t, db, conn.ID, "remote-1")

	got, err := db.GetEventByRemoteID(conn.ID, "cal-1", "remote-1")
	if err != nil {
		t.Fatalf("GetEventByRemoteID failed: %v", err)
	}
	if got.ID != event.ID || got.Subject != "Planning" {
		t.Errorf("unexpected event: %+v", got)
	}
	if len(got.Attendees) != 2 {
		t.Fatalf("expected 2 attendees, got %v", got.Attendees)
	}
	if got.Attendees[0].Email != "alice@example.com" || got.Attendees[0].Response != "accepted" {
		t.Errorf("attendee not round-tripped: %+v", got.Attendees[0])
	}
	if !got.Start.Equal(event.Start) {
		t.Errorf("start time mismatch: got %v, want %v", got.Start, event.Start)
	}

	got.Subject = "Planning (moved)"
	got.Location = "Room 7"
	got.LocallyModified = true
	if err := db.UpdateEvent(got); err != nil {
		t.Fatalf("UpdateEvent failed: %v", err)
	}

	updated, err := db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if updated.Subject != "Planning (moved)" || !updated.LocallyModified {
		t.Errorf("update not persisted: %+v", updated)
	}

	events, err := db.GetEventsByCalendar(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("GetEventsByCalendar failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}

	if _, err := db.GetEventByRemoteID(conn.ID, "cal-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown remote ID, got %v", err)
	}
}

func TestTombstoneEventByRemoteID(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db)
	conn := createTestConnection(t, db, user.ID)
	event := createTestEvent(t, db, conn.ID, "remote-1")

	tombstoned, err := db.TombstoneEventByRemoteID(conn.ID, "cal-1", "remote-1")
	if err != nil {
		t.Fatalf("TombstoneEventByRemoteID failed: %v", err)
	}
	if !tombstoned {
		t.Error("expected first tombstone to report a change")
	}

	got, err := db.GetEventByID(event.ID)
	if err != nil {
		t.Fatalf("GetEventByID failed: %v", err)
	}
	if !got.Deleted {
		t.Error("expected event to be marked deleted")
	}

	events, err := db.GetEventsByCalendar(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("GetEventsByCalendar failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("tombstoned event should not be listed, got %d", len(events))
	}

	// Replayed removals and removals of unknown events are both no-ops.
	tombstoned, err = db.TombstoneEventByRemoteID(conn.ID, "cal-1", "remote-1")
	if err != nil || tombstoned {
		t.Errorf("repeat tombstone should be a no-op, got (%v, %v)", tombstoned, err)
	}
	tombstoned, err = db.TombstoneEventByRemoteID(conn.ID, "cal-1", "never-seen")
	if err != nil || tombstoned {
		t.Errorf("unknown remote ID should be a no-op, got (%v, %v)", tombstoned, err)
	}
}

func TestBeginSyncPassClaims(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db)
	conn := createTestConnection(t, db, user.ID)

	state, err := db.BeginSyncPass(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("BeginSyncPass failed: %v", err)
	}
	if state.Status != SyncStatusInProgress {
		t.Errorf("expected in_progress, got %s", state.Status)
	}

	// A second claim while the first pass is running must lose.
	if _, err := db.BeginSyncPass(conn.ID, "cal-1"); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("expected ErrSyncInProgress, got %v", err)
	}

	// A different calendar on the same connection is independent.
	if _, err := db.BeginSyncPass(conn.ID, "cal-2"); err != nil {
		t.Errorf("unexpected error claiming second calendar: %v", err)
	}

	// Finishing releases the claim.
	if err := db.FinishSyncPass(state, SyncStatusCompleted); err != nil {
		t.Fatalf("FinishSyncPass failed: %v", err)
	}
	if _, err := db.BeginSyncPass(conn.ID, "cal-1"); err != nil {
		t.Errorf("expected reclaim after finish, got %v", err)
	}
}

func TestFinishSyncPassAdvancesCursorOnlyOnSuccess(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db)
	conn := createTestConnection(t, db, user.ID)

	state, err := db.BeginSyncPass(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("BeginSyncPass failed: %v", err)
	}
	state.DeltaToken = "cursor-1"
	state.SyncedEvents = 5
	state.ProcessedEvents = 5
	state.TotalEvents = 5
	if err := db.FinishSyncPass(state, SyncStatusCompleted); err != nil {
		t.Fatalf("FinishSyncPass failed: %v", err)
	}

	got, err := db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if got.DeltaToken != "cursor-1" {
		t.Errorf("expected committed cursor, got %q", got.DeltaToken)
	}
	if got.LastSyncTime == nil {
		t.Error("expected last sync time to be set")
	}
	if got.SyncedEvents != 5 {
		t.Errorf("expected 5 synced events, got %d", got.SyncedEvents)
	}

	// A failed pass keeps the old cursor and counts the failure.
	state, err = db.BeginSyncPass(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("BeginSyncPass failed: %v", err)
	}
	state.DeltaToken = "cursor-2"
	state.LastError = "throttled"
	if err := db.FinishSyncPass(state, SyncStatusFailed); err != nil {
		t.Fatalf("FinishSyncPass failed: %v", err)
	}

	got, err = db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if got.DeltaToken != "cursor-1" {
		t.Errorf("failed pass must not advance the cursor, got %q", got.DeltaToken)
	}
	if got.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", got.ConsecutiveFailures)
	}
	if got.LastError != "throttled" {
		t.Errorf("expected last error to be recorded, got %q", got.LastError)
	}

	// The next successful pass clears the failure streak.
	state, err = db.BeginSyncPass(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("BeginSyncPass failed: %v", err)
	}
	state.DeltaToken = "cursor-3"
	if err := db.FinishSyncPass(state, SyncStatusCompleted); err != nil {
		t.Fatalf("FinishSyncPass failed: %v", err)
	}

	got, err = db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if got.DeltaToken != "cursor-3" {
		t.Errorf("expected new cursor, got %q", got.DeltaToken)
	}
	if got.ConsecutiveFailures != 0 || got.LastError != "" {
		t.Errorf("expected failure streak cleared, got %d (%q)", got.ConsecutiveFailures, got.LastError)
	}
}

func TestResetDeltaToken(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db)
	conn := createTestConnection(t, db, user.ID)

	state, err := db.BeginSyncPass(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("BeginSyncPass failed: %v", err)
	}
	state.DeltaToken = "cursor-1"
	if err := db.FinishSyncPass(state, SyncStatusCompleted); err != nil {
		t.Fatalf("FinishSyncPass failed: %v", err)
	}

	if err := db.ResetDeltaToken(conn.ID, "cal-1"); err != nil {
		t.Fatalf("ResetDeltaToken failed: %v", err)
	}

	got, err := db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if got.DeltaToken != "" {
		t.Errorf("expected empty cursor after reset, got %q", got.DeltaToken)
	}

	if err := db.ResetDeltaToken(conn.ID, "never-synced"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown calendar, got %v", err)
	}
}

func TestConflictLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db)
	conn := createTestConnection(t, db, user.ID)
	event := createTestEvent(t, db, conn.ID, "remote-1")

	local := *event
	remote := *event
	remote.Subject = "Planning (remote)"

	conflict := &SyncConflict{
		EventID:        event.ID,
		ConnectionID:   conn.ID,
		Type:           ConflictTitle,
		LocalVersion:   local,
		RemoteVersion:  remote,
		Recommendation: ResolutionUseLocal,
		AutoResolvable: true,
	}
	if err := db.CreateConflict(conflict); err != nil {
		t.Fatalf("CreateConflict failed: %v", err)
	}

	got, err := db.GetConflictByID(conflict.ID)
	if err != nil {
		t.Fatalf("GetConflictByID failed: %v", err)
	}
	if got.Resolution != ResolutionPending {
		t.Errorf("new conflict should be pending, got %s", got.Resolution)
	}
	if got.LocalVersion.Subject != "Planning" || got.RemoteVersion.Subject != "Planning (remote)" {
		t.Errorf("version snapshots not round-tripped: %q vs %q",
			got.LocalVersion.Subject, got.RemoteVersion.Subject)
	}
	if !got.AutoResolvable || got.Recommendation != ResolutionUseLocal {
		t.Errorf("recommendation not persisted: %+v", got)
	}

	open, err := db.GetOpenConflictForEvent(event.ID)
	if err != nil {
		t.Fatalf("GetOpenConflictForEvent failed: %v", err)
	}
	if open.ID != conflict.ID {
		t.Errorf("expected conflict %s, got %s", conflict.ID, open.ID)
	}

	// Listing by connection and by user both find it.
	byConn, err := db.GetOpenConflicts("", conn.ID)
	if err != nil {
		t.Fatalf("GetOpenConflicts by connection failed: %v", err)
	}
	if len(byConn) != 1 {
		t.Errorf("expected 1 conflict by connection, got %d", len(byConn))
	}
	byUser, err := db.GetOpenConflicts(user.ID, "")
	if err != nil {
		t.Fatalf("GetOpenConflicts by user failed: %v", err)
	}
	if len(byUser) != 1 {
		t.Errorf("expected 1 conflict by user, got %d", len(byUser))
	}

	if err := db.MarkConflictResolved(conflict.ID, ResolutionUseRemote); err != nil {
		t.Fatalf("MarkConflictResolved failed: %v", err)
	}

	resolved, err := db.GetConflictByID(conflict.ID)
	if err != nil {
		t.Fatalf("GetConflictByID failed: %v", err)
	}
	if resolved.Resolution != ResolutionUseRemote || resolved.ResolvedAt == nil {
		t.Errorf("resolution not recorded: %+v", resolved)
	}

	if _, err := db.GetOpenConflictForEvent(event.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("resolved conflict should not be open, got %v", err)
	}

	// Resolving an already-closed conflict fails.
	if err := db.MarkConflictResolved(conflict.ID, ResolutionUseLocal); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double resolve, got %v", err)
	}
}
