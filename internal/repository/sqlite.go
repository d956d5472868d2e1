package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Devices, one row per fingerprint
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		fingerprint TEXT UNIQUE NOT NULL,
		device_type TEXT NOT NULL,
		browser TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		registered_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL
	);

	-- Device sessions
	CREATE TABLE IF NOT EXISTS device_sessions (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		session_key TEXT NOT NULL,
		device_type TEXT NOT NULL DEFAULT '',
		browser TEXT NOT NULL DEFAULT '',
		os TEXT NOT NULL DEFAULT '',
		connected_at DATETIME NOT NULL,
		last_heartbeat_at DATETIME NOT NULL,
		disconnected_at DATETIME,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_device_sessions_lookup ON device_sessions(device_id, session_key, is_active);
	CREATE INDEX IF NOT EXISTS idx_device_sessions_heartbeat ON device_sessions(is_active, last_heartbeat_at);

	-- Activity log, id is the client entry id
	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		activity_type TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		details TEXT,
		severity TEXT NOT NULL DEFAULT 'info',
		occurred_at DATETIME NOT NULL,
		received_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_activity_logs_session ON activity_logs(session_id, occurred_at);

	-- Submissions, primary key is the client item id so replays are ignored
	CREATE TABLE IF NOT EXISTS battery_readings (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL,
		is_charging INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL,
		received_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_battery_readings_device ON battery_readings(device_id, recorded_at);

	CREATE TABLE IF NOT EXISTS reward_claims (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		amount REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		claimed_at DATETIME NOT NULL,
		received_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reward_claims_device ON reward_claims(device_id, claimed_at);
	`

	_, err := db.Exec(schema)
	return err
}
