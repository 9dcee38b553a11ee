// Package sync reconciles the local event cache with remote calendar
// providers. Passes run incrementally against a provider delta cursor where
// one is available and fall back to full window fetches otherwise. Divergent
// edits on both sides are surfaced as conflicts, never silently overwritten.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/mwhitfield/calsyncd/internal/activity"
	"github.com/mwhitfield/calsyncd/internal/notify"
	"github.com/mwhitfield/calsyncd/internal/provider"
	"github.com/mwhitfield/calsyncd/internal/store"
)

// Mode selects how a sync pass obtains remote state.
type Mode string

const (
	// ModeFull fetches the complete remote event set for the window,
	// ignoring any stored cursor.
	ModeFull Mode = "full"
	// ModeDelta requires a stored cursor and fetches only changes.
	ModeDelta Mode = "delta"
	// ModeAuto picks delta when a cursor exists and full otherwise.
	ModeAuto Mode = "auto"
)

var (
	ErrNoDeltaToken = errors.New("no delta token stored, full sync required")
	ErrUnknownMode  = errors.New("unknown sync mode")
)

// Options tune engine behavior.
type Options struct {
	// AutoResolve applies auto-resolvable conflict recommendations without
	// waiting for user action.
	AutoResolve bool
	// SyncWindow bounds full syncs forward from now.
	SyncWindow time.Duration
	// TransientRetries is the per-request retry budget for 5xx and network
	// errors.
	TransientRetries int
	// RetryBackoff is the initial backoff delay, doubled per retry.
	RetryBackoff time.Duration
}

func (o *Options) withDefaults() {
	if o.SyncWindow <= 0 {
		o.SyncWindow = 365 * 24 * time.Hour
	}
	if o.TransientRetries <= 0 {
		o.TransientRetries = 2
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
}

// ClientFactory yields a provider client for a connection. Injected so the
// engine can be tested against fakes without live network calls.
type ClientFactory interface {
	ClientFor(ctx context.Context, conn *store.Connection) (provider.Client, error)
}

// Result summarizes one sync pass across a connection's calendars.
type Result struct {
	ConnectionID string        `json:"connection_id"`
	Mode         Mode          `json:"mode"`
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Deleted      int           `json:"deleted"`
	Conflicted   int           `json:"conflicted"`
	Unchanged    int           `json:"unchanged"`
	Failed       int           `json:"failed"`
	Processed    int           `json:"processed"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

func (r *Result) merge(other *Result) {
	r.Created += other.Created
	r.Updated += other.Updated
	r.Deleted += other.Deleted
	r.Conflicted += other.Conflicted
	r.Unchanged += other.Unchanged
	r.Failed += other.Failed
	r.Processed += other.Processed
	r.Errors = append(r.Errors, other.Errors...)
}

// Engine orchestrates calendar synchronization.
type Engine struct {
	db       *store.DB
	clients  ClientFactory
	tracker  *activity.Tracker
	notifier *notify.Notifier
	opts     Options

	mu        stdsync.Mutex
	syncLocks map[string]*stdsync.Mutex
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, clients ClientFactory, tracker *activity.Tracker, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		db:        db,
		clients:   clients,
		tracker:   tracker,
		opts:      opts,
		syncLocks: make(map[string]*stdsync.Mutex),
	}
}

// SetNotifier attaches an alert notifier. Optional.
func (e *Engine) SetNotifier(n *notify.Notifier) {
	e.notifier = n
}

// getSyncLock returns the in-process mutex for a (connection, calendar) key.
func (e *Engine) getSyncLock(key string) *stdsync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, exists := e.syncLocks[key]
	if !exists {
		lock = &stdsync.Mutex{}
		e.syncLocks[key] = lock
	}
	return lock
}

// TriggerSync runs a sync pass for every calendar of a connection and
// returns aggregated counts. A calendar already being synced contributes an
// ErrSyncInProgress entry instead of blocking.
func (e *Engine) TriggerSync(ctx context.Context, connectionID string, mode Mode) (*Result, error) {
	if mode != ModeFull && mode != ModeDelta && mode != ModeAuto {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	conn, err := e.db.GetConnectionByID(connectionID)
	if err != nil {
		return nil, err
	}

	client, err := e.clients.ClientFor(ctx, conn)
	if err != nil {
		return nil, err
	}

	calendars, err := e.resolveCalendars(ctx, conn, client)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result := &Result{ConnectionID: conn.ID, Mode: mode}

	if e.tracker != nil {
		e.tracker.StartSync(conn.ID, conn.Name, string(mode), len(calendars))
	}

	for i, calendarID := range calendars {
		if e.tracker != nil {
			e.tracker.UpdateCalendar(conn.ID, calendarID, i)
		}
		calResult, err := e.syncCalendar(ctx, conn, client, calendarID, mode)
		if calResult != nil {
			result.merge(calResult)
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("calendar %s: %v", calendarID, err))
		}
	}

	result.Duration = time.Since(start)
	result.Success = len(result.Errors) == 0
	if result.Success {
		result.Message = fmt.Sprintf("Synced %d calendars: %d created, %d updated, %d deleted, %d conflicted",
			len(calendars), result.Created, result.Updated, result.Deleted, result.Conflicted)
	} else {
		result.Message = fmt.Sprintf("Sync completed with %d errors", len(result.Errors))
	}

	e.finishConnection(conn, result)
	return result, nil
}

// resolveCalendars returns the configured calendar IDs, discovering the
// primary calendar when none are configured.
func (e *Engine) resolveCalendars(ctx context.Context, conn *store.Connection, client provider.Client) ([]string, error) {
	if len(conn.CalendarIDs) > 0 {
		return conn.CalendarIDs, nil
	}

	var calendars []provider.Calendar
	err := e.withRetry(ctx, func() error {
		var listErr error
		calendars, listErr = client.ListCalendars(ctx)
		return listErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Primary {
			return []string{cal.ID}, nil
		}
	}
	if len(calendars) > 0 {
		return []string{calendars[0].ID}, nil
	}
	return nil, errors.New("no calendars found on provider account")
}

// syncCalendar runs one sync pass for a single calendar, holding both the
// in-process lock and the database claim for the duration.
func (e *Engine) syncCalendar(ctx context.Context, conn *store.Connection, client provider.Client, calendarID string, mode Mode) (*Result, error) {
	key := conn.ID + "/" + calendarID
	lock := e.getSyncLock(key)
	if !lock.TryLock() {
		return nil, store.ErrSyncInProgress
	}
	defer lock.Unlock()

	state, err := e.db.BeginSyncPass(conn.ID, calendarID)
	if err != nil {
		return nil, err
	}

	// Counters restart per pass; the previous pass's numbers live in the
	// sync log.
	state.TotalEvents = 0
	state.ProcessedEvents = 0
	state.SyncedEvents = 0
	state.ConflictedEvents = 0
	state.FailedEvents = 0

	start := time.Now()
	result, passErr := e.runPass(ctx, conn, client, calendarID, state, mode)
	if result == nil {
		result = &Result{ConnectionID: conn.ID, Mode: mode}
	}
	result.Duration = time.Since(start)

	state.TotalEvents = result.Processed
	state.ProcessedEvents = result.Processed
	state.SyncedEvents = result.Created + result.Updated + result.Deleted
	state.ConflictedEvents = result.Conflicted
	state.FailedEvents = result.Failed

	status := store.SyncStatusCompleted
	if passErr != nil {
		status = store.SyncStatusFailed
		state.LastError = passErr.Error()
	}
	if err := e.db.FinishSyncPass(state, status); err != nil {
		log.Printf("Failed to finish sync pass for %s: %v", key, err)
	}

	e.logPass(conn.ID, calendarID, result, status, passErr)

	if e.tracker != nil {
		e.tracker.IncrementProgress(conn.ID, result.Created, result.Updated, result.Deleted,
			result.Conflicted, result.Failed, result.Processed)
	}

	return result, passErr
}

// runPass executes the fetch-and-apply phase of a sync pass. On success the
// state's DeltaToken holds the cursor to commit; on error the caller keeps
// the previously committed cursor.
func (e *Engine) runPass(ctx context.Context, conn *store.Connection, client provider.Client, calendarID string, state *store.SyncState, mode Mode) (*Result, error) {
	switch mode {
	case ModeFull:
		return e.fullPass(ctx, conn, client, calendarID)
	case ModeDelta:
		if state.NeedsFullSync() {
			return nil, ErrNoDeltaToken
		}
		return e.deltaPass(ctx, conn, client, calendarID, state)
	case ModeAuto:
		result, err := e.deltaPass(ctx, conn, client, calendarID, state)
		if errors.Is(err, provider.ErrDeltaNotSupported) {
			return e.fullPass(ctx, conn, client, calendarID)
		}
		if errors.Is(err, provider.ErrDeltaReset) {
			log.Printf("Delta token for %s/%s no longer valid, falling back to full sync", conn.ID, calendarID)
			state.DeltaToken = ""
			return e.fullPass(ctx, conn, client, calendarID)
		}
		return result, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// fullPass fetches the complete remote set for the window and reconciles it
// against the cache.
func (e *Engine) fullPass(ctx context.Context, conn *store.Connection, client provider.Client, calendarID string) (*Result, error) {
	result := &Result{ConnectionID: conn.ID, Mode: ModeFull}

	timeMin := time.Now().UTC()
	timeMax := timeMin.Add(e.opts.SyncWindow)

	var events []provider.RemoteEvent
	err := e.withRetry(ctx, func() error {
		var listErr error
		events, listErr = client.ListEvents(ctx, calendarID, timeMin, timeMax)
		return listErr
	})
	if err != nil {
		return result, fmt.Errorf("failed to list events: %w", err)
	}

	for i := range events {
		e.applyUpsert(conn, calendarID, &events[i], result)
	}

	return result, nil
}

// deltaPass drains the provider's delta feed and reconciles each change. The
// new cursor is written to state only when the whole feed was consumed; any
// error leaves the stored cursor untouched so no change is skipped.
func (e *Engine) deltaPass(ctx context.Context, conn *store.Connection, client provider.Client, calendarID string, state *store.SyncState) (*Result, error) {
	result := &Result{ConnectionID: conn.ID, Mode: ModeDelta}

	var delta *provider.DeltaResult
	err := e.withRetry(ctx, func() error {
		var deltaErr error
		delta, deltaErr = client.Delta(ctx, calendarID, state.DeltaToken)
		return deltaErr
	})
	if err != nil {
		return result, err
	}

	// Changes apply in feed order: a delta cursor is a sequential position
	// and out-of-order application would corrupt resumability.
	for _, change := range delta.Changes {
		if change.Removed {
			e.applyRemoval(conn, calendarID, change.RemoteID, result)
			continue
		}
		if change.Event == nil || change.Event.ID == "" {
			result.Failed++
			result.Processed++
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", change.RemoteID, provider.ErrMalformed))
			continue
		}
		e.applyUpsert(conn, calendarID, change.Event, result)
	}

	state.DeltaToken = delta.DeltaToken
	return result, nil
}

// applyUpsert reconciles one remote event against the cache. Individual
// failures are recorded and do not abort the pass.
func (e *Engine) applyUpsert(conn *store.Connection, calendarID string, remote *provider.RemoteEvent, result *Result) {
	result.Processed++

	if remote.ID == "" {
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("event %q: %v", remote.Subject, provider.ErrMalformed))
		return
	}

	local, err := e.db.GetEventByRemoteID(conn.ID, calendarID, remote.ID)
	if errors.Is(err, store.ErrNotFound) {
		event := newLocalEvent(conn.ID, calendarID, remote)
		if err := e.db.CreateEvent(event); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", remote.ID, err))
			return
		}
		result.Created++
		return
	}
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", remote.ID, err))
		return
	}

	if !remoteChanged(local, remote) && !local.Deleted {
		result.Unchanged++
		return
	}

	if local.LocallyModified && !local.Deleted {
		e.raiseConflict(conn, local, remote, result)
		return
	}

	// Remote-only change, or a tombstoned event the provider re-sent:
	// overwrite the cache.
	applyRemote(local, remote)
	if err := e.db.UpdateEvent(local); err != nil {
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", remote.ID, err))
		return
	}
	result.Updated++
}

// applyRemoval handles a delta removal marker. Missing events are a no-op so
// replayed removals stay idempotent. A removal hitting local edits becomes a
// conflict instead of a silent delete.
func (e *Engine) applyRemoval(conn *store.Connection, calendarID, remoteID string, result *Result) {
	result.Processed++

	local, err := e.db.GetEventByRemoteID(conn.ID, calendarID, remoteID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", remoteID, err))
		return
	}

	if local.LocallyModified && !local.Deleted {
		snapshot := *local
		snapshot.Deleted = true
		conflict := &store.SyncConflict{
			EventID:        local.ID,
			ConnectionID:   conn.ID,
			Type:           store.ConflictBothModified,
			LocalVersion:   *local,
			RemoteVersion:  snapshot,
			Recommendation: store.ResolutionUseLocal,
			AutoResolvable: false,
		}
		e.recordConflict(conflict, result)
		return
	}

	deleted, err := e.db.TombstoneEventByRemoteID(conn.ID, calendarID, remoteID)
	if err != nil {
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("event %s: %v", remoteID, err))
		return
	}
	if deleted {
		result.Deleted++
	}
}

// raiseConflict records a divergence where both sides changed. The default
// recommendation prefers the local copy: local edits represent deliberate
// user intent and a background sync must not discard them. Conflicts touching
// only trivial fields are flagged auto-resolvable.
func (e *Engine) raiseConflict(conn *store.Connection, local *store.CalendarEvent, remote *provider.RemoteEvent, result *Result) {
	if existing, err := e.db.GetOpenConflictForEvent(local.ID); err == nil && existing != nil {
		// Already surfaced; wait for resolution rather than piling up
		// duplicates.
		result.Unchanged++
		return
	}

	d := diffEvents(local, remote)
	conflict := &store.SyncConflict{
		EventID:        local.ID,
		ConnectionID:   conn.ID,
		Type:           classify(d),
		LocalVersion:   *local,
		RemoteVersion:  remoteSnapshot(local, remote),
		Recommendation: store.ResolutionUseLocal,
		AutoResolvable: !d.headline(),
	}

	e.recordConflict(conflict, result)
}

func (e *Engine) recordConflict(conflict *store.SyncConflict, result *Result) {
	if err := e.db.CreateConflict(conflict); err != nil {
		result.Failed++
		result.Errors = append(result.Errors, fmt.Sprintf("conflict for event %s: %v", conflict.EventID, err))
		return
	}
	result.Conflicted++

	if e.opts.AutoResolve && conflict.AutoResolvable {
		if _, err := e.ResolveConflict(context.Background(), conflict.ID, conflict.Recommendation, nil); err != nil {
			log.Printf("Auto-resolution of conflict %s failed: %v", conflict.ID, err)
		}
	}
}

// withRetry runs fn applying the provider error policy: throttling retries
// once after the provider's hint, transient errors retry with doubling
// backoff, auth errors surface immediately.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	backoff := e.opts.RetryBackoff
	transientLeft := e.opts.TransientRetries
	throttleLeft := 1

	for {
		err := fn()
		if err == nil {
			return nil
		}

		if delay, ok := provider.RetryAfter(err); ok {
			if throttleLeft == 0 {
				return err
			}
			throttleLeft--
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		if provider.IsTransient(err) {
			if transientLeft == 0 {
				return err
			}
			transientLeft--
			if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
				return sleepErr
			}
			backoff *= 2
			continue
		}

		return err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// finishConnection updates the connection's last-sync fields, the activity
// tracker and the alert notifier.
func (e *Engine) finishConnection(conn *store.Connection, result *Result) {
	status := store.SyncStatusCompleted
	if !result.Success {
		status = store.SyncStatusFailed
	}

	if err := e.db.UpdateConnectionSyncStatus(conn.ID, status, result.Message); err != nil {
		log.Printf("Failed to update connection sync status: %v", err)
	}

	if e.tracker != nil {
		e.tracker.FinishSync(conn.ID, result.Success, result.Message, result.Errors)
	}

	if e.notifier != nil && e.notifier.IsEnabled() {
		email := ""
		if user, err := e.db.GetUserByID(conn.UserID); err == nil {
			email = user.Email
		}
		ctx := context.Background()
		if result.Success {
			e.notifier.SyncRecovered(ctx, conn.ID, conn.Name, email)
		} else {
			e.notifier.SyncFailed(ctx, conn.ID, conn.Name, email, result.Message)
		}
		if result.Conflicted > 0 {
			e.notifier.ConflictsRaised(ctx, conn.ID, conn.Name, email, result.Conflicted)
		}
	}
}

// logPass writes the audit record for one calendar pass.
func (e *Engine) logPass(connectionID, calendarID string, result *Result, status store.SyncStatus, passErr error) {
	entry := &store.SyncLog{
		ConnectionID:     connectionID,
		CalendarID:       calendarID,
		Status:           status,
		Mode:             string(result.Mode),
		EventsCreated:    result.Created,
		EventsUpdated:    result.Updated,
		EventsDeleted:    result.Deleted,
		EventsConflicted: result.Conflicted,
		EventsFailed:     result.Failed,
		EventsProcessed:  result.Processed,
		Duration:         result.Duration,
	}

	if passErr != nil {
		entry.Message = passErr.Error()
	} else {
		entry.Message = fmt.Sprintf("%d created, %d updated, %d deleted, %d conflicted",
			result.Created, result.Updated, result.Deleted, result.Conflicted)
	}
	if len(result.Errors) > 0 {
		entry.Details = fmt.Sprintf("Errors: %v", result.Errors)
	}

	if err := e.db.CreateSyncLog(entry); err != nil {
		log.Printf("Failed to create sync log: %v", err)
	}
}

// GetSyncStatus returns the sync state for a connection's calendar.
func (e *Engine) GetSyncStatus(connectionID, calendarID string) (*store.SyncState, error) {
	return e.db.GetSyncState(connectionID, calendarID)
}

// ListConflicts returns open conflicts for a user, optionally narrowed to
// one connection.
func (e *Engine) ListConflicts(userID, connectionID string) ([]*store.SyncConflict, error) {
	return e.db.GetOpenConflicts(userID, connectionID)
}
