package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chargesync/devicesync/internal/observability"
)

// currentSchemaVersion is the newest schema this binary knows.
// Add a migration to the list below when bumping it; never edit an applied one.
const currentSchemaVersion = 3

var migrations = []func(ctx context.Context, tx *sql.Tx) error{
	1: migrateToV1,
	2: migrateToV2,
	3: migrateToV3,
}

// migrate brings db up to currentSchemaVersion, one transaction per version
func migrate(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("create schema_version table: %w", err)
	}

	version, err := schemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}
	if version > currentSchemaVersion {
		return version, fmt.Errorf("%w: found %d, supports %d", ErrSchemaTooNew, version, currentSchemaVersion)
	}

	for v := version + 1; v <= currentSchemaVersion; v++ {
		observability.Infof("Applying local store migration to schema version %d", v)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return version, fmt.Errorf("migrate to v%d: %w", v, err)
		}
		if err := migrations[v](ctx, tx); err != nil {
			tx.Rollback()
			return version, fmt.Errorf("migrate to v%d: %w", v, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)",
			v, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			tx.Rollback()
			return version, fmt.Errorf("record migration v%d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return version, fmt.Errorf("commit migration v%d: %w", v, err)
		}
		version = v
	}

	return version, nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("check schema version: %w", err)
	}
	return version, nil
}

// migrateToV1 creates the records table and its key index
func migrateToV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			natural_key TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (collection, key)
		);

		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create records table: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range Collections() {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO collections (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
			string(c), now)
		if err != nil {
			return fmt.Errorf("register collection %s: %w", c, err)
		}
	}
	return nil
}

// migrateToV2 adds the natural key and timestamp indexes
func migrateToV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_records_natural_key ON records(collection, natural_key, key);
		CREATE INDEX IF NOT EXISTS idx_records_ts ON records(collection, ts, key);
	`)
	if err != nil {
		return fmt.Errorf("create record indexes: %w", err)
	}
	return nil
}

// migrateToV3 adds the preferences namespace
func migrateToV3(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS prefs (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create prefs table: %w", err)
	}
	return nil
}
