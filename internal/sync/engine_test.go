package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mwhitfield/calsyncd/internal/provider"
	"github.com/mwhitfield/calsyncd/internal/store"
)

// fakeClient is an in-memory provider client for engine tests.
type fakeClient struct {
	name      string
	batchCap  int
	calendars []provider.Calendar

	events  []provider.RemoteEvent
	listErr error

	delta    *provider.DeltaResult
	deltaErr error

	created []provider.RemoteEvent
	updated []provider.RemoteEvent
	deleted []string

	listCalls  int
	deltaCalls int

	// errOnce is returned by the next List/Delta call only, then cleared.
	errOnce error
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) BatchCap() int {
	if f.batchCap == 0 {
		return 20
	}
	return f.batchCap
}

func (f *fakeClient) ListCalendars(ctx context.Context) ([]provider.Calendar, error) {
	return f.calendars, nil
}

func (f *fakeClient) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]provider.RemoteEvent, error) {
	f.listCalls++
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, err
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.events, nil
}

func (f *fakeClient) Delta(ctx context.Context, calendarID, deltaToken string) (*provider.DeltaResult, error) {
	f.deltaCalls++
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, err
	}
	if f.deltaErr != nil {
		return nil, f.deltaErr
	}
	if f.delta != nil {
		return f.delta, nil
	}
	// Default: a fresh cycle returning the full set plus a cursor.
	changes := make([]provider.Change, 0, len(f.events))
	for i := range f.events {
		event := f.events[i]
		changes = append(changes, provider.Change{Event: &event, RemoteID: event.ID})
	}
	return &provider.DeltaResult{Changes: changes, DeltaToken: "cursor-1"}, nil
}

func (f *fakeClient) CreateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	stored := *event
	if stored.ID == "" {
		stored.ID = "created-remote-id"
	}
	stored.ETag = "etag-created"
	f.created = append(f.created, stored)
	return &stored, nil
}

func (f *fakeClient) UpdateEvent(ctx context.Context, calendarID string, event *provider.RemoteEvent) (*provider.RemoteEvent, error) {
	stored := *event
	stored.ETag = "etag-updated"
	f.updated = append(f.updated, stored)
	return &stored, nil
}

func (f *fakeClient) DeleteEvent(ctx context.Context, calendarID, remoteID string) error {
	f.deleted = append(f.deleted, remoteID)
	return nil
}

// fakeFactory hands every connection the same client.
type fakeFactory struct {
	client provider.Client
	err    error
}

func (f *fakeFactory) ClientFor(ctx context.Context, conn *store.Connection) (provider.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

// setupTestEngine creates a temp database, one connection and an engine
// backed by the fake client.
func setupTestEngine(t *testing.T) (*Engine, *store.DB, *store.Connection, *fakeClient, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "calsyncd-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	db, err := store.New(filepath.Join(tempDir, "test.db"))
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("failed to create test database: %v", err)
	}

	user, err := db.GetOrCreateUser("test@example.com", "Test User")
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}

	conn := &store.Connection{
		UserID:       user.ID,
		Name:         "Work Calendar",
		Provider:     store.ProviderMicrosoft,
		CalendarIDs:  []string{"cal-1"},
		SyncInterval: 300,
		Enabled:      true,
	}
	if err := db.CreateConnection(conn); err != nil {
		t.Fatalf("failed to create test connection: %v", err)
	}

	client := &fakeClient{name: "microsoft"}
	engine := NewEngine(db, &fakeFactory{client: client}, nil, Options{
		RetryBackoff: time.Millisecond,
	})

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}

	return engine, db, conn, client, cleanup
}

func remoteEvent(id, subject string) provider.RemoteEvent {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return provider.RemoteEvent{
		ID:           id,
		ETag:         "etag-" + id + "-1",
		Subject:      subject,
		Location:     "Room 4",
		Start:        start,
		End:          start.Add(30 * time.Minute),
		LastModified: start.Add(-time.Hour),
	}
}

func TestFullSyncCreatesAndIsIdempotent(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{
		remoteEvent("evt-1", "Standup"),
		remoteEvent("evt-2", "Planning"),
	}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("TriggerSync failed: %v", err)
	}
	if result.Created != 2 {
		t.Errorf("expected 2 created, got %d", result.Created)
	}
	if !result.Success {
		t.Errorf("expected success, got errors: %v", result.Errors)
	}

	// Same remote state again: nothing new is created.
	result, err = engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("second TriggerSync failed: %v", err)
	}
	if result.Created != 0 {
		t.Errorf("expected 0 created on repeat, got %d", result.Created)
	}
	if result.Unchanged != 2 {
		t.Errorf("expected 2 unchanged on repeat, got %d", result.Unchanged)
	}

	events, err := db.GetEventsByCalendar(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 cached events, got %d", len(events))
	}
}

func TestRemoteOnlyChangeOverwritesLocal(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}
	if _, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// Remote edit only.
	changed := remoteEvent("evt-1", "Standup [UPDATED]")
	changed.ETag = "etag-evt-1-2"
	client.events = []provider.RemoteEvent{changed}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Updated != 1 {
		t.Errorf("expected 1 updated, got %d", result.Updated)
	}
	if result.Conflicted != 0 {
		t.Errorf("expected 0 conflicts, got %d", result.Conflicted)
	}

	local, err := db.GetEventByRemoteID(conn.ID, "cal-1", "evt-1")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	if local.Subject != "Standup [UPDATED]" {
		t.Errorf("expected local subject overwritten, got %q", local.Subject)
	}
	if local.LocallyModified {
		t.Error("locally_modified should remain false after remote-only change")
	}
}

func TestBothModifiedRaisesTitleConflict(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}
	if _, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// Local edit.
	local, err := db.GetEventByRemoteID(conn.ID, "cal-1", "evt-1")
	if err != nil {
		t.Fatalf("failed to load event: %v", err)
	}
	local.Subject = "Standup (moved)"
	local.LocallyModified = true
	local.LastModifiedLocal = time.Now().UTC()
	if err := db.UpdateEvent(local); err != nil {
		t.Fatalf("failed to apply local edit: %v", err)
	}

	// Remote edit of the same field.
	changed := remoteEvent("evt-1", "Standup [UPDATED]")
	changed.ETag = "etag-evt-1-2"
	client.events = []provider.RemoteEvent{changed}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Conflicted != 1 {
		t.Fatalf("expected 1 conflict, got %d", result.Conflicted)
	}

	conflicts, err := engine.ListConflicts(conn.UserID, "")
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(conflicts))
	}

	conflict := conflicts[0]
	if conflict.Type != store.ConflictTitle {
		t.Errorf("expected title conflict, got %s", conflict.Type)
	}
	if conflict.LocalVersion.Subject != "Standup (moved)" {
		t.Errorf("local snapshot subject = %q", conflict.LocalVersion.Subject)
	}
	if conflict.RemoteVersion.Subject != "Standup [UPDATED]" {
		t.Errorf("remote snapshot subject = %q", conflict.RemoteVersion.Subject)
	}
	if conflict.Recommendation != store.ResolutionUseLocal {
		t.Errorf("expected prefer-local recommendation, got %s", conflict.Recommendation)
	}

	// Neither side was silently picked.
	local, err = db.GetEventByRemoteID(conn.ID, "cal-1", "evt-1")
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	if local.Subject != "Standup (moved)" {
		t.Errorf("local data was overwritten to %q", local.Subject)
	}

	// A repeat sync does not duplicate the open conflict.
	if _, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull); err != nil {
		t.Fatalf("repeat sync failed: %v", err)
	}
	conflicts, err = engine.ListConflicts(conn.UserID, "")
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Errorf("expected conflict not duplicated, got %d", len(conflicts))
	}
}

func TestDeltaRemovalTombstones(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}
	if _, err := engine.TriggerSync(context.Background(), conn.ID, ModeAuto); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	client.delta = &provider.DeltaResult{
		Changes: []provider.Change{
			{RemoteID: "evt-1", Removed: true, RemovedReason: "deleted"},
		},
		DeltaToken: "cursor-2",
	}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeDelta)
	if err != nil {
		t.Fatalf("delta sync failed: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", result.Deleted)
	}

	events, err := db.GetEventsByCalendar(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected tombstoned event excluded, got %d events", len(events))
	}

	// Replaying the same removal is a no-op, not an error.
	client.delta.DeltaToken = "cursor-3"
	result, err = engine.TriggerSync(context.Background(), conn.ID, ModeDelta)
	if err != nil {
		t.Fatalf("replayed delta failed: %v", err)
	}
	if result.Deleted != 0 || result.Failed != 0 {
		t.Errorf("replay should be a no-op, got deleted=%d failed=%d", result.Deleted, result.Failed)
	}
}

func TestFailedPassDoesNotAdvanceToken(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}
	if _, err := engine.TriggerSync(context.Background(), conn.ID, ModeAuto); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	state, err := db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("failed to load sync state: %v", err)
	}
	committed := state.DeltaToken
	if committed == "" {
		t.Fatal("expected a committed delta token after initial sync")
	}

	client.deltaErr = provider.ErrAuth
	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeDelta)
	if err != nil {
		t.Fatalf("TriggerSync returned error: %v", err)
	}
	if result.Success {
		t.Error("expected pass to fail on auth error")
	}

	state, err = db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("failed to reload sync state: %v", err)
	}
	if state.Status != store.SyncStatusFailed {
		t.Errorf("expected failed status, got %s", state.Status)
	}
	if state.DeltaToken != committed {
		t.Errorf("delta token advanced on failure: %q -> %q", committed, state.DeltaToken)
	}
	if state.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", state.ConsecutiveFailures)
	}

	// Recovery resumes from the same cursor and succeeds.
	client.deltaErr = nil
	client.delta = &provider.DeltaResult{DeltaToken: "cursor-2"}
	result, err = engine.TriggerSync(context.Background(), conn.ID, ModeDelta)
	if err != nil {
		t.Fatalf("recovery sync failed: %v", err)
	}
	if !result.Success {
		t.Errorf("expected recovery to succeed: %v", result.Errors)
	}

	state, err = db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("failed to reload sync state: %v", err)
	}
	if state.DeltaToken != "cursor-2" {
		t.Errorf("expected token cursor-2, got %q", state.DeltaToken)
	}
	if state.ConsecutiveFailures != 0 {
		t.Errorf("expected failure counter reset, got %d", state.ConsecutiveFailures)
	}
}

func TestDeltaModeRequiresToken(t *testing.T) {
	engine, _, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeDelta)
	if err != nil {
		t.Fatalf("TriggerSync returned error: %v", err)
	}
	if result.Success {
		t.Error("expected delta without token to fail")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected an error entry")
	}
}

func TestAutoModeFallsBackOnDeltaReset(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}
	if _, err := engine.TriggerSync(context.Background(), conn.ID, ModeAuto); err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}

	// The provider invalidates the cursor; auto mode must recover with a
	// full pass instead of failing.
	client.errOnce = provider.ErrDeltaReset

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeAuto)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Success {
		t.Errorf("expected fallback to succeed: %v", result.Errors)
	}
	if client.listCalls == 0 {
		t.Error("expected a full-sync fetch after delta reset")
	}

	state, err := db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("failed to load sync state: %v", err)
	}
	if state.Status != store.SyncStatusCompleted {
		t.Errorf("expected completed, got %s", state.Status)
	}
}

func TestThrottledRequestRetriesOnce(t *testing.T) {
	engine, _, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}
	client.errOnce = &provider.ThrottledError{RetryAfter: time.Millisecond}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if !result.Success {
		t.Errorf("expected retry after throttle to succeed: %v", result.Errors)
	}
	if client.listCalls != 2 {
		t.Errorf("expected 2 list calls (original + retry), got %d", client.listCalls)
	}
	if result.Created != 1 {
		t.Errorf("expected 1 created, got %d", result.Created)
	}
}

func TestSecondThrottleFailsPass(t *testing.T) {
	engine, _, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.listErr = &provider.ThrottledError{RetryAfter: time.Millisecond}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("TriggerSync returned error: %v", err)
	}
	if result.Success {
		t.Error("expected persistent throttling to fail the pass")
	}
}

func TestConcurrentPassRejected(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	client.events = []provider.RemoteEvent{remoteEvent("evt-1", "Standup")}

	// Simulate a pass claimed by another process.
	if _, err := db.BeginSyncPass(conn.ID, "cal-1"); err != nil {
		t.Fatalf("failed to claim sync pass: %v", err)
	}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("TriggerSync returned error: %v", err)
	}
	if result.Success {
		t.Error("expected claimed calendar to reject a second pass")
	}
	found := false
	for _, msg := range result.Errors {
		if strings.Contains(msg, "in progress") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a sync-in-progress error entry, got %v", result.Errors)
	}
}

func TestMalformedEventSkippedNotFatal(t *testing.T) {
	engine, db, conn, client, cleanup := setupTestEngine(t)
	defer cleanup()

	good := remoteEvent("evt-1", "Standup")
	client.events = []provider.RemoteEvent{
		good,
		{Subject: "No remote ID"}, // malformed: missing provider ID
	}

	result, err := engine.TriggerSync(context.Background(), conn.ID, ModeFull)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Created != 1 {
		t.Errorf("expected the valid event created, got %d", result.Created)
	}
	if result.Failed != 1 {
		t.Errorf("expected 1 failed event, got %d", result.Failed)
	}

	state, err := db.GetSyncState(conn.ID, "cal-1")
	if err != nil {
		t.Fatalf("failed to load sync state: %v", err)
	}
	if state.FailedEvents != 1 {
		t.Errorf("expected failed counter persisted, got %d", state.FailedEvents)
	}
}
