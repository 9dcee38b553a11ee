package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetOrCreateUser returns an existing user by email or creates a new one.
func (db *DB) GetOrCreateUser(email, name string) (*User, error) {
	user, err := db.GetUserByEmail(email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	user = &User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err = db.conn.Exec(query, user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetUserByEmail returns a user by their email address.
func (db *DB) GetUserByEmail(email string) (*User, error) {
	query := `SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`
	row := db.conn.QueryRow(query, email)

	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	return user, nil
}

// GetUserByID returns a user by their ID.
func (db *DB) GetUserByID(id string) (*User, error) {
	query := `SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`
	row := db.conn.QueryRow(query, id)

	user := &User{}
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

// CreateConnection creates a new provider connection.
func (db *DB) CreateConnection(conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	conn.CreatedAt = time.Now().UTC()
	conn.UpdatedAt = time.Now().UTC()
	conn.LastSyncStatus = SyncStatusPending

	calendarIDs, err := json.Marshal(conn.CalendarIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal calendar ids: %w", err)
	}

	query := `INSERT INTO connections (
		id, user_id, name, provider, calendar_ids, sync_interval,
		enabled, last_sync_status, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.Exec(query,
		conn.ID, conn.UserID, conn.Name, conn.Provider, string(calendarIDs),
		conn.SyncInterval, conn.Enabled, conn.LastSyncStatus, conn.CreatedAt, conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnectionByID returns a connection by its ID.
func (db *DB) GetConnectionByID(id string) (*Connection, error) {
	query := connectionSelect + ` WHERE id = ?`
	return scanConnection(db.conn.QueryRow(query, id))
}

// GetConnectionsByUserID returns all connections for a user.
func (db *DB) GetConnectionsByUserID(userID string) ([]*Connection, error) {
	query := connectionSelect + ` WHERE user_id = ? ORDER BY name`
	return db.queryConnections(query, userID)
}

// GetEnabledConnections returns all enabled connections.
func (db *DB) GetEnabledConnections() ([]*Connection, error) {
	query := connectionSelect + ` WHERE enabled = 1`
	return db.queryConnections(query)
}

const connectionSelect = `SELECT id, user_id, name, provider, calendar_ids, sync_interval,
	enabled, last_sync_at, last_sync_status, last_sync_message, created_at, updated_at
	FROM connections`

func (db *DB) queryConnections(query string, args ...any) ([]*Connection, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConnection(row scanner) (*Connection, error) {
	conn := &Connection{}
	var calendarIDs, lastSyncMessage sql.NullString
	var lastSyncAt sql.NullTime

	err := row.Scan(
		&conn.ID, &conn.UserID, &conn.Name, &conn.Provider, &calendarIDs,
		&conn.SyncInterval, &conn.Enabled, &lastSyncAt, &conn.LastSyncStatus,
		&lastSyncMessage, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}

	if lastSyncAt.Valid {
		conn.LastSyncAt = &lastSyncAt.Time
	}
	conn.LastSyncMessage = lastSyncMessage.String
	if calendarIDs.String != "" {
		if err := json.Unmarshal([]byte(calendarIDs.String), &conn.CalendarIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calendar ids: %w", err)
		}
	}

	return conn, nil
}

// UpdateConnection updates an existing connection.
func (db *DB) UpdateConnection(conn *Connection) error {
	conn.UpdatedAt = time.Now().UTC()

	calendarIDs, err := json.Marshal(conn.CalendarIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal calendar ids: %w", err)
	}

	query := `UPDATE connections SET
		name = ?, provider = ?, calendar_ids = ?, sync_interval = ?, enabled = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query,
		conn.Name, conn.Provider, string(calendarIDs), conn.SyncInterval,
		conn.Enabled, conn.UpdatedAt, conn.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	return requireAffected(result)
}

// UpdateConnectionSyncStatus updates the last sync status of a connection.
func (db *DB) UpdateConnectionSyncStatus(id string, status SyncStatus, message string) error {
	now := time.Now().UTC()
	query := `UPDATE connections SET last_sync_at = ?, last_sync_status = ?, last_sync_message = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, now, status, message, now, id)
	if err != nil {
		return fmt.Errorf("failed to update connection sync status: %w", err)
	}

	return requireAffected(result)
}

// DeleteConnection deletes a connection by its ID.
func (db *DB) DeleteConnection(id string) error {
	result, err := db.conn.Exec(`DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, connection_id, calendar_id, status, mode, message, details,
		events_created, events_updated, events_deleted, events_conflicted, events_failed, events_processed,
		duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.ConnectionID, log.CalendarID, log.Status, log.Mode,
		log.Message, log.Details, log.EventsCreated, log.EventsUpdated, log.EventsDeleted,
		log.EventsConflicted, log.EventsFailed, log.EventsProcessed,
		log.Duration.Milliseconds(), log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns sync logs for a connection, newest first.
func (db *DB) GetSyncLogs(connectionID string, limit int) ([]*SyncLog, error) {
	query := `SELECT id, connection_id, calendar_id, status, mode, message, details,
		events_created, events_updated, events_deleted, events_conflicted, events_failed, events_processed,
		duration_ms, created_at
		FROM sync_logs WHERE connection_id = ? ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var calendarID, mode, message, details sql.NullString
		var durationMs int64
		err := rows.Scan(&log.ID, &log.ConnectionID, &calendarID, &log.Status, &mode, &message, &details,
			&log.EventsCreated, &log.EventsUpdated, &log.EventsDeleted, &log.EventsConflicted,
			&log.EventsFailed, &log.EventsProcessed, &durationMs, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.CalendarID = calendarID.String
		log.Mode = mode.String
		log.Message = message.String
		log.Details = details.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// UpsertProviderToken stores or replaces a user's OAuth token for a provider.
func (db *DB) UpsertProviderToken(tok *ProviderToken) error {
	now := time.Now().UTC()

	query := `UPDATE provider_tokens SET token = ?, updated_at = ? WHERE user_id = ? AND provider = ?`
	result, err := db.conn.Exec(query, tok.Token, now, tok.UserID, tok.Provider)
	if err != nil {
		return fmt.Errorf("failed to update provider token: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		if tok.ID == "" {
			tok.ID = uuid.New().String()
		}
		tok.UpdatedAt = now

		insertQuery := `INSERT INTO provider_tokens (id, user_id, provider, token, updated_at) VALUES (?, ?, ?, ?, ?)`
		if _, err := db.conn.Exec(insertQuery, tok.ID, tok.UserID, tok.Provider, tok.Token, tok.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert provider token: %w", err)
		}
	}

	return nil
}

// GetProviderToken returns a user's stored OAuth token for a provider.
func (db *DB) GetProviderToken(userID string, provider Provider) (*ProviderToken, error) {
	query := `SELECT id, user_id, provider, token, updated_at FROM provider_tokens WHERE user_id = ? AND provider = ?`
	row := db.conn.QueryRow(query, userID, provider)

	tok := &ProviderToken{}
	err := row.Scan(&tok.ID, &tok.UserID, &tok.Provider, &tok.Token, &tok.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider token: %w", err)
	}

	return tok, nil
}
