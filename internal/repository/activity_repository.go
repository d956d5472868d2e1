package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/chargesync/devicesync/internal/models"
)

// ActivityRepository implements ActivityRepo for PostgreSQL/SQLite
type ActivityRepository struct {
	db *sql.DB
}

// NewActivityRepository creates a new ActivityRepository
func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Append stores an entry. A replayed entry id is ignored and reported as false.
func (r *ActivityRepository) Append(ctx context.Context, deviceID, sessionID string, entry *models.ActivityLogEntry) (bool, error) {
	var details sql.NullString
	if len(entry.Details) > 0 {
		data, err := json.Marshal(entry.Details)
		if err != nil {
			return false, err
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, device_id, session_id, activity_type, category, description,
			details, severity, occurred_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, deviceID, sessionID, entry.ActivityType, entry.Category, entry.Description,
		details, string(entry.Severity), occurredAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// ListForSession returns a session's entries in occurrence order
func (r *ActivityRepository) ListForSession(ctx context.Context, sessionID string) ([]*models.ActivityLogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, activity_type, category, description, details, severity, occurred_at
		 FROM activity_logs WHERE session_id = $1 ORDER BY occurred_at, id`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.ActivityLogEntry
	for rows.Next() {
		var (
			entry    models.ActivityLogEntry
			details  sql.NullString
			severity string
		)
		if err := rows.Scan(&entry.ID, &entry.ActivityType, &entry.Category, &entry.Description,
			&details, &severity, &entry.OccurredAt); err != nil {
			return nil, err
		}
		entry.Severity = models.ParseSeverity(severity)
		entry.OccurredAt = entry.OccurredAt.UTC()
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &entry.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
