package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		fingerprint TEXT UNIQUE NOT NULL,
		device_type TEXT NOT NULL,
		browser TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		session_key TEXT NOT NULL,
		device_type TEXT NOT NULL DEFAULT '',
		browser TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		connected_at TIMESTAMPTZ NOT NULL,
		last_heartbeat_at TIMESTAMPTZ NOT NULL,
		disconnected_at TIMESTAMPTZ,
		duration_seconds BIGINT NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_device_sessions_lookup ON device_sessions(device_id, session_key, is_active);
	CREATE INDEX IF NOT EXISTS idx_device_sessions_heartbeat ON device_sessions(is_active, last_heartbeat_at);

	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		details TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		occurred_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_logs_session ON activity_logs(session_id, occurred_at);

	CREATE TABLE IF NOT EXISTS battery_readings (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL,
		is_charging BOOLEAN NOT NULL DEFAULT FALSE,
		recorded_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_battery_readings_device ON battery_readings(device_id, recorded_at);

	CREATE TABLE IF NOT EXISTS reward_claims (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		amount DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_claims_device ON reward_claims(device_id, claimed_at);
	`

	_, err := db.Exec(schema)
	return err
}
