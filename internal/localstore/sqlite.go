package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/chargesync/devicesync/internal/observability"
)

// SQLiteStore persists collections in a single SQLite file
type SQLiteStore struct {
	path string

	mu          sync.RWMutex
	db          *sql.DB
	initialized bool
	closed      bool
}

// NewSQLiteStore prepares a store at path. Nothing touches disk until Initialize.
func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
}

// Initialize opens the database and applies pending migrations
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	if s.initialized {
		return nil
	}

	ctx, span := observability.StartDBSpan(ctx, "sqlite", "INITIALIZE", "schema_version")
	defer span.End()

	db, err := sql.Open("sqlite3", sqliteDSN(s.path))
	if err != nil {
		observability.RecordError(span, err)
		return unavailable("open", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		observability.RecordError(span, err)
		return unavailable("open", err)
	}

	version, err := migrate(ctx, db)
	if err != nil {
		db.Close()
		observability.RecordError(span, err)
		if errors.Is(err, ErrSchemaTooNew) {
			return err
		}
		return unavailable("migrate", err)
	}

	s.db = db
	s.initialized = true
	observability.SetSuccess(span)
	observability.WithField("path", s.path).Infof("Local store ready (schema version %d)", version)
	return nil
}

// handle returns the open database or the reason it cannot be used
func (s *SQLiteStore) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("%w: store closed", ErrStorageUnavailable)
	}
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// Put inserts or replaces a record
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Put(rec)
	})
}

// Get returns the record stored under key, or ErrNotFound
func (s *SQLiteStore) Get(ctx context.Context, c Collection, key string) (Record, error) {
	db, err := s.handle()
	if err != nil {
		return Record{}, err
	}

	ctx, span := observability.StartDBSpan(ctx, "sqlite", "SELECT", string(c))
	defer span.End()

	rec, err := getRecord(ctx, db, c, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		observability.RecordError(span, err)
	}
	return rec, err
}

// Delete removes the record stored under key
func (s *SQLiteStore) Delete(ctx context.Context, c Collection, key string) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.Delete(c, key)
	})
}

// QueryByIndex streams matching records. Each range over the sequence runs a fresh query.
func (s *SQLiteStore) QueryByIndex(ctx context.Context, c Collection, r Range) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		db, err := s.handle()
		if err != nil {
			yield(Record{}, err)
			return
		}
		if !c.Valid() {
			yield(Record{}, fmt.Errorf("%w: %q", ErrUnknownCollection, c))
			return
		}

		ctx, span := observability.StartDBSpan(ctx, "sqlite", "SELECT", string(c))
		defer span.End()

		query, args := rangeQuery(c, r)
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			observability.RecordError(span, err)
			yield(Record{}, classify("query", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows, c)
			if err != nil {
				yield(Record{}, classify("scan", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			observability.RecordError(span, err)
			yield(Record{}, classify("query", err))
		}
	}
}

// rangeQuery translates a Range into SQL over the records table
func rangeQuery(c Collection, r Range) (string, []any) {
	where := []string{"collection = $1"}
	args := []any{string(c)}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var order string
	switch r.index {
	case ByNaturalKey:
		where = append(where, "natural_key = "+arg(r.natural))
		order = "key"
	case ByTimestamp:
		if !r.since.IsZero() {
			where = append(where, "ts >= "+arg(r.since.UnixNano()))
		}
		if !r.until.IsZero() {
			where = append(where, "ts < "+arg(r.until.UnixNano()))
		}
		order = "ts %[1]s, key %[1]s"
	default:
		if r.from != "" {
			where = append(where, "key >= "+arg(r.from))
		}
		if r.to != "" {
			where = append(where, "key <= "+arg(r.to))
		}
		order = "key"
	}

	dir := "ASC"
	if r.descending {
		dir = "DESC"
	}
	if !strings.Contains(order, "%") {
		order += " %[1]s"
	}

	query := "SELECT key, natural_key, ts, data FROM records WHERE " +
		strings.Join(where, " AND ") + " ORDER BY " + fmt.Sprintf(order, dir)
	if r.limit > 0 {
		query += " LIMIT " + arg(r.limit)
	}
	return query, args
}

// Count returns the number of records in a collection
func (s *SQLiteStore) Count(ctx context.Context, c Collection) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	var n int
	err = db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records WHERE collection = $1", string(c)).Scan(&n)
	if err != nil {
		return 0, classify("count", err)
	}
	return n, nil
}

// Update runs fn inside one SQLite transaction
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	ctx, span := observability.StartDBSpan(ctx, "sqlite", "TRANSACTION", "records")
	defer span.End()

	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		observability.RecordError(span, err)
		return classify("begin", err)
	}

	if err := fn(&sqliteTx{ctx: ctx, tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		observability.RecordError(span, err)
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		observability.RecordError(span, err)
		return classify("commit", err)
	}
	observability.SetSuccess(span)
	return nil
}

// GetPref reads a preference value
func (s *SQLiteStore) GetPref(ctx context.Context, key string) (string, bool, error) {
	db, err := s.handle()
	if err != nil {
		return "", false, err
	}

	var value string
	err = db.QueryRowContext(ctx, "SELECT value FROM prefs WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("get pref", err)
	}
	return value, true, nil
}

// SetPref writes a preference value
func (s *SQLiteStore) SetPref(ctx context.Context, key, value string) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.SetPref(key, value)
	})
}

// DeletePref removes a preference
func (s *SQLiteStore) DeletePref(ctx context.Context, key string) error {
	return s.Update(ctx, func(tx Tx) error {
		return tx.DeletePref(key)
	})
}

// Close releases the database. Later calls fail with ErrStorageUnavailable.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Put(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := rec.validate(); err != nil {
		return err
	}

	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO records (collection, key, natural_key, ts, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, key) DO UPDATE SET
			natural_key = excluded.natural_key,
			ts = excluded.ts,
			data = excluded.data
	`, string(rec.Collection), rec.Key, rec.NaturalKey, rec.Timestamp.UnixNano(), []byte(rec.Data))
	if err != nil {
		return classify("put", err)
	}
	return nil
}

func (t *sqliteTx) Get(c Collection, key string) (Record, error) {
	return getRecord(t.ctx, t.tx, c, key)
}

func (t *sqliteTx) Delete(c Collection, key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM records WHERE collection = $1 AND key = $2", string(c), key)
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

func (t *sqliteTx) SetPref(key, value string) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO prefs (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixNano())
	if err != nil {
		return classify("set pref", err)
	}
	return nil
}

func (t *sqliteTx) DeletePref(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM prefs WHERE key = $1", key); err != nil {
		return classify("delete pref", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, c Collection, key string) (Record, error) {
	row := q.QueryRowContext(ctx,
		"SELECT key, natural_key, ts, data FROM records WHERE collection = $1 AND key = $2",
		string(c), key)

	rec, err := scanRecord(row, c)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, c, key)
	}
	if err != nil {
		return Record{}, classify("get", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner, c Collection) (Record, error) {
	var (
		rec  Record
		ts   int64
		data []byte
	)
	if err := row.Scan(&rec.Key, &rec.NaturalKey, &ts, &data); err != nil {
		return Record{}, err
	}
	rec.Collection = c
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Data = data
	return rec, nil
}

// classify maps driver failures that make the file unusable to ErrStorageUnavailable
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull, sqlite3.ErrCantOpen, sqlite3.ErrReadonly, sqlite3.ErrIoErr,
			sqlite3.ErrPerm, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrAuth:
			return unavailable(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
