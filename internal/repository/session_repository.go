package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/chargesync/devicesync/internal/models"
)

// SessionRepository implements SessionRepo for PostgreSQL/SQLite
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, device_id, session_key, device_type, browser, os,
	connected_at, last_heartbeat_at, disconnected_at, duration_seconds, is_active`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*models.SessionRecord, error) {
	var (
		s              models.SessionRecord
		disconnectedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.DeviceID, &s.SessionKey, &s.DeviceInfo.DeviceType, &s.DeviceInfo.Browser,
		&s.DeviceInfo.OS, &s.ConnectedAt, &s.LastHeartbeatAt, &disconnectedAt, &s.DurationSeconds, &s.IsActive)
	if err != nil {
		return nil, err
	}
	if disconnectedAt.Valid {
		t := disconnectedAt.Time.UTC()
		s.DisconnectedAt = &t
	}
	s.ConnectedAt = s.ConnectedAt.UTC()
	s.LastHeartbeatAt = s.LastHeartbeatAt.UTC()
	s.SessionStartTime = s.ConnectedAt
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*models.SessionRecord, error) {
	defer rows.Close()

	var sessions []*models.SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM device_sessions WHERE id = $1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetActive returns the active session for the device and key, or nil
func (r *SessionRepository) GetActive(ctx context.Context, deviceID, sessionKey string) (*models.SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM device_sessions
			  WHERE device_id = $1 AND session_key = $2 AND is_active = true
			  ORDER BY connected_at DESC LIMIT 1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, deviceID, sessionKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// Create inserts an active session and closes every other active session of
// the device in the same transaction. It returns the sessions it closed.
func (r *SessionRepository) Create(ctx context.Context, session *models.SessionRecord) ([]*models.SessionRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions WHERE device_id = $1 AND is_active = true`,
		session.DeviceID)
	if err != nil {
		return nil, err
	}
	previous, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}

	for _, p := range previous {
		p.Close(session.ConnectedAt)
		if err := closeSession(ctx, tx, p); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_sessions (id, device_id, session_key, device_type, browser, os,
			connected_at, last_heartbeat_at, duration_seconds, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, true)`,
		session.ID, session.DeviceID, session.SessionKey, session.DeviceInfo.DeviceType,
		session.DeviceInfo.Browser, session.DeviceInfo.OS,
		session.ConnectedAt.UTC(), session.LastHeartbeatAt.UTC(),
	)
	if err != nil {
		return nil, err
	}

	return previous, tx.Commit()
}

func closeSession(ctx context.Context, tx *sql.Tx, s *models.SessionRecord) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE device_sessions SET is_active = false, disconnected_at = $1, duration_seconds = $2 WHERE id = $3`,
		s.DisconnectedAt.UTC(), s.DurationSeconds, s.ID)
	return err
}

// Heartbeat refreshes the active session. It reports false when there is none.
func (r *SessionRepository) Heartbeat(ctx context.Context, deviceID, sessionKey string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE device_sessions SET last_heartbeat_at = $1
		 WHERE device_id = $2 AND session_key = $3 AND is_active = true`,
		at.UTC(), deviceID, sessionKey)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// Disconnect closes the active session and stores its duration. It returns
// nil when the session was already closed.
func (r *SessionRepository) Disconnect(ctx context.Context, deviceID, sessionKey string, at time.Time) (*models.SessionRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions
		 WHERE device_id = $1 AND session_key = $2 AND is_active = true`,
		deviceID, sessionKey)
	if err != nil {
		return nil, err
	}
	active, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	for _, s := range active {
		s.Close(at)
		if err := closeSession(ctx, tx, s); err != nil {
			return nil, err
		}
	}
	return active[0], tx.Commit()
}

// MarkStale closes active sessions with no heartbeat since cutoff
func (r *SessionRepository) MarkStale(ctx context.Context, cutoff, at time.Time) ([]*models.SessionRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions
		 WHERE is_active = true AND last_heartbeat_at < $1`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	stale, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}

	for _, s := range stale {
		s.Close(at)
		if err := closeSession(ctx, tx, s); err != nil {
			return nil, err
		}
	}
	return stale, tx.Commit()
}

// ListForDevice returns the device's sessions, newest first
func (r *SessionRepository) ListForDevice(ctx context.Context, deviceID string, limit int) ([]*models.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM device_sessions WHERE device_id = $1 ORDER BY connected_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (r *SessionRepository) GetActiveCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_sessions WHERE is_active = true`).Scan(&count)
	return count, err
}
