package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const eventSelect = `SELECT id, connection_id, calendar_id, remote_id, etag,
	subject, body, location, start_time, end_time, is_all_day, attendees, categories,
	last_modified_remote, last_modified_local, locally_modified, remotely_modified, deleted,
	created_at, updated_at
	FROM calendar_events`

// GetEventByID returns a cached event by its local ID.
func (db *DB) GetEventByID(id string) (*CalendarEvent, error) {
	return scanEvent(db.conn.QueryRow(eventSelect+` WHERE id = ?`, id))
}

// GetEventByRemoteID returns the cached event for a provider-assigned ID.
func (db *DB) GetEventByRemoteID(connectionID, calendarID, remoteID string) (*CalendarEvent, error) {
	query := eventSelect + ` WHERE connection_id = ? AND calendar_id = ? AND remote_id = ?`
	return scanEvent(db.conn.QueryRow(query, connectionID, calendarID, remoteID))
}

// GetEventsByCalendar returns all non-deleted cached events for a calendar.
func (db *DB) GetEventsByCalendar(connectionID, calendarID string) ([]*CalendarEvent, error) {
	query := eventSelect + ` WHERE connection_id = ? AND calendar_id = ? AND deleted = 0 ORDER BY start_time`

	rows, err := db.conn.Query(query, connectionID, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*CalendarEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateEvent inserts a new cached event.
func (db *DB) CreateEvent(event *CalendarEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt

	attendees, categories, err := marshalEventLists(event)
	if err != nil {
		return err
	}

	query := `INSERT INTO calendar_events (
		id, connection_id, calendar_id, remote_id, etag,
		subject, body, location, start_time, end_time, is_all_day, attendees, categories,
		last_modified_remote, last_modified_local, locally_modified, remotely_modified, deleted,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query,
		event.ID, event.ConnectionID, event.CalendarID, event.RemoteID, event.ETag,
		event.Subject, event.Body, event.Location, event.Start, event.End, event.IsAllDay,
		attendees, categories,
		event.LastModifiedRemote, event.LastModifiedLocal,
		event.LocallyModified, event.RemotelyModified, event.Deleted,
		event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	return nil
}

// UpdateEvent replaces the stored fields of a cached event.
func (db *DB) UpdateEvent(event *CalendarEvent) error {
	event.UpdatedAt = time.Now().UTC()

	attendees, categories, err := marshalEventLists(event)
	if err != nil {
		return err
	}

	query := `UPDATE calendar_events SET
		remote_id = ?, etag = ?, subject = ?, body = ?, location = ?,
		start_time = ?, end_time = ?, is_all_day = ?, attendees = ?, categories = ?,
		last_modified_remote = ?, last_modified_local = ?,
		locally_modified = ?, remotely_modified = ?, deleted = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		event.RemoteID, event.ETag, event.Subject, event.Body, event.Location,
		event.Start, event.End, event.IsAllDay, attendees, categories,
		event.LastModifiedRemote, event.LastModifiedLocal,
		event.LocallyModified, event.RemotelyModified, event.Deleted, event.UpdatedAt,
		event.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	return requireAffected(result)
}

// TombstoneEventByRemoteID marks the cached event for a remote ID as deleted.
// Missing events are ignored so delta removals are idempotent.
func (db *DB) TombstoneEventByRemoteID(connectionID, calendarID, remoteID string) (bool, error) {
	query := `UPDATE calendar_events SET deleted = 1, updated_at = ?
		WHERE connection_id = ? AND calendar_id = ? AND remote_id = ? AND deleted = 0`

	result, err := db.conn.Exec(query, time.Now().UTC(), connectionID, calendarID, remoteID)
	if err != nil {
		return false, fmt.Errorf("failed to tombstone event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

func marshalEventLists(event *CalendarEvent) (string, string, error) {
	attendees, err := json.Marshal(event.Attendees)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal attendees: %w", err)
	}
	categories, err := json.Marshal(event.Categories)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal categories: %w", err)
	}
	return string(attendees), string(categories), nil
}

func scanEvent(row scanner) (*CalendarEvent, error) {
	event := &CalendarEvent{}
	var remoteID, etag, subject, body, location, attendees, categories sql.NullString
	var start, end, modRemote, modLocal sql.NullTime

	err := row.Scan(
		&event.ID, &event.ConnectionID, &event.CalendarID, &remoteID, &etag,
		&subject, &body, &location, &start, &end, &event.IsAllDay, &attendees, &categories,
		&modRemote, &modLocal, &event.LocallyModified, &event.RemotelyModified, &event.Deleted,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.RemoteID = remoteID.String
	event.ETag = etag.String
	event.Subject = subject.String
	event.Body = body.String
	event.Location = location.String
	event.Start = start.Time
	event.End = end.Time
	event.LastModifiedRemote = modRemote.Time
	event.LastModifiedLocal = modLocal.Time

	if attendees.String != "" {
		if err := json.Unmarshal([]byte(attendees.String), &event.Attendees); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attendees: %w", err)
		}
	}
	if categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &event.Categories); err != nil {
			return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
		}
	}

	return event, nil
}

// GetSyncState returns the sync state for a connection and calendar.
func (db *DB) GetSyncState(connectionID, calendarID string) (*SyncState, error) {
	query := `SELECT id, connection_id, calendar_id, delta_token, last_sync_time, status,
		total_events, processed_events, synced_events, conflicted_events, failed_events,
		consecutive_failures, last_error, updated_at
		FROM sync_states WHERE connection_id = ? AND calendar_id = ?`

	row := db.conn.QueryRow(query, connectionID, calendarID)

	state := &SyncState{}
	var deltaToken, lastError sql.NullString
	var lastSyncTime sql.NullTime
	err := row.Scan(&state.ID, &state.ConnectionID, &state.CalendarID, &deltaToken, &lastSyncTime,
		&state.Status, &state.TotalEvents, &state.ProcessedEvents, &state.SyncedEvents,
		&state.ConflictedEvents, &state.FailedEvents, &state.ConsecutiveFailures, &lastError,
		&state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state: %w", err)
	}

	state.DeltaToken = deltaToken.String
	state.LastError = lastError.String
	if lastSyncTime.Valid {
		state.LastSyncTime = &lastSyncTime.Time
	}

	return state, nil
}

// BeginSyncPass transitions the sync state for a calendar to in_progress,
// creating the state row on first sync. The transition is a conditional
// update so that two processes racing for the same calendar cannot both win;
// the loser gets ErrSyncInProgress.
func (db *DB) BeginSyncPass(connectionID, calendarID string) (*SyncState, error) {
	now := time.Now().UTC()

	insert := `INSERT INTO sync_states (id, connection_id, calendar_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, calendar_id) DO NOTHING`
	if _, err := db.conn.Exec(insert, uuid.New().String(), connectionID, calendarID, SyncStatusPending, now); err != nil {
		return nil, fmt.Errorf("failed to init sync state: %w", err)
	}

	claim := `UPDATE sync_states SET status = ?, updated_at = ?
		WHERE connection_id = ? AND calendar_id = ? AND status != ?`
	result, err := db.conn.Exec(claim, SyncStatusInProgress, now, connectionID, calendarID, SyncStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to claim sync state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrSyncInProgress
	}

	return db.GetSyncState(connectionID, calendarID)
}

// FinishSyncPass records the terminal status of a sync pass. The delta token
// is advanced in the same statement as the status transition: a failed pass
// keeps the previously committed token so the next delta resumes from the
// same cursor.
func (db *DB) FinishSyncPass(state *SyncState, status SyncStatus) error {
	now := time.Now().UTC()

	var query string
	var args []any
	if status == SyncStatusCompleted {
		query = `UPDATE sync_states SET status = ?, delta_token = ?, last_sync_time = ?,
			total_events = ?, processed_events = ?, synced_events = ?, conflicted_events = ?, failed_events = ?,
			consecutive_failures = 0, last_error = '', updated_at = ?
			WHERE connection_id = ? AND calendar_id = ?`
		args = []any{status, state.DeltaToken, now,
			state.TotalEvents, state.ProcessedEvents, state.SyncedEvents, state.ConflictedEvents, state.FailedEvents,
			now, state.ConnectionID, state.CalendarID}
	} else {
		query = `UPDATE sync_states SET status = ?,
			total_events = ?, processed_events = ?, synced_events = ?, conflicted_events = ?, failed_events = ?,
			consecutive_failures = consecutive_failures + 1, last_error = ?, updated_at = ?
			WHERE connection_id = ? AND calendar_id = ?`
		args = []any{status,
			state.TotalEvents, state.ProcessedEvents, state.SyncedEvents, state.ConflictedEvents, state.FailedEvents,
			state.LastError, now, state.ConnectionID, state.CalendarID}
	}

	result, err := db.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish sync pass: %w", err)
	}

	return requireAffected(result)
}

// ResetDeltaToken clears the stored cursor so the next sync is a full resync.
func (db *DB) ResetDeltaToken(connectionID, calendarID string) error {
	query := `UPDATE sync_states SET delta_token = '', updated_at = ? WHERE connection_id = ? AND calendar_id = ?`
	result, err := db.conn.Exec(query, time.Now().UTC(), connectionID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to reset delta token: %w", err)
	}
	return requireAffected(result)
}

// CreateConflict records a new sync conflict with version snapshots.
func (db *DB) CreateConflict(conflict *SyncConflict) error {
	if conflict.ID == "" {
		conflict.ID = uuid.New().String()
	}
	conflict.CreatedAt = time.Now().UTC()
	if conflict.Resolution == "" {
		conflict.Resolution = ResolutionPending
	}

	local, err := json.Marshal(conflict.LocalVersion)
	if err != nil {
		return fmt.Errorf("failed to marshal local version: %w", err)
	}
	remote, err := json.Marshal(conflict.RemoteVersion)
	if err != nil {
		return fmt.Errorf("failed to marshal remote version: %w", err)
	}

	query := `INSERT INTO sync_conflicts (id, event_id, connection_id, type,
		local_version, remote_version, resolution, recommendation, auto_resolvable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query, conflict.ID, conflict.EventID, conflict.ConnectionID, conflict.Type,
		string(local), string(remote), conflict.Resolution, conflict.Recommendation,
		conflict.AutoResolvable, conflict.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}

	return nil
}

const conflictSelect = `SELECT id, event_id, connection_id, type,
	local_version, remote_version, resolution, recommendation, auto_resolvable, created_at, resolved_at
	FROM sync_conflicts`

// GetConflictByID returns a conflict by its ID.
func (db *DB) GetConflictByID(id string) (*SyncConflict, error) {
	return scanConflict(db.conn.QueryRow(conflictSelect+` WHERE id = ?`, id))
}

// GetOpenConflictForEvent returns the pending conflict for an event, if any.
func (db *DB) GetOpenConflictForEvent(eventID string) (*SyncConflict, error) {
	query := conflictSelect + ` WHERE event_id = ? AND resolved_at IS NULL`
	return scanConflict(db.conn.QueryRow(query, eventID))
}

// GetOpenConflicts returns unresolved conflicts for a connection, or for all
// of a user's connections when connectionID is empty.
func (db *DB) GetOpenConflicts(userID, connectionID string) ([]*SyncConflict, error) {
	var query string
	var args []any
	if connectionID != "" {
		query = conflictSelect + ` WHERE connection_id = ? AND resolved_at IS NULL ORDER BY created_at`
		args = []any{connectionID}
	} else {
		query = `SELECT c.id, c.event_id, c.connection_id, c.type,
			c.local_version, c.remote_version, c.resolution, c.recommendation, c.auto_resolvable, c.created_at, c.resolved_at
			FROM sync_conflicts c
			JOIN connections conn ON conn.id = c.connection_id
			WHERE conn.user_id = ? AND c.resolved_at IS NULL ORDER BY c.created_at`
		args = []any{userID}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, conflict)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

// MarkConflictResolved records the applied resolution and closes the conflict.
func (db *DB) MarkConflictResolved(id string, resolution Resolution) error {
	now := time.Now().UTC()
	query := `UPDATE sync_conflicts SET resolution = ?, resolved_at = ? WHERE id = ? AND resolved_at IS NULL`

	result, err := db.conn.Exec(query, resolution, now, id)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	return requireAffected(result)
}

func scanConflict(row scanner) (*SyncConflict, error) {
	conflict := &SyncConflict{}
	var local, remote string
	var recommendation sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&conflict.ID, &conflict.EventID, &conflict.ConnectionID, &conflict.Type,
		&local, &remote, &conflict.Resolution, &recommendation, &conflict.AutoResolvable,
		&conflict.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	if err := json.Unmarshal([]byte(local), &conflict.LocalVersion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal local version: %w", err)
	}
	if err := json.Unmarshal([]byte(remote), &conflict.RemoteVersion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote version: %w", err)
	}
	conflict.Recommendation = Resolution(recommendation.String)
	if resolvedAt.Valid {
		conflict.ResolvedAt = &resolvedAt.Time
	}

	return conflict, nil
}
