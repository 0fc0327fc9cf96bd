// Package sqlite provides a Store backed by an embedded SQLite database.
// Versions live in a single records table with epoch-millisecond time
// columns and the document as a JSON text column. Predicates are pushed
// down as far as they translate cleanly; every row is re-verified by the
// in-memory evaluator before it is returned.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"historian/internal/logging"
	"historian/internal/predicate"
	"historian/internal/record"
	"historian/internal/store"
)

const selectColumns = "id, stime, ltime, mtime, ctime, data"

// Store is a SQLite-backed record store.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore opens (or creates) the database at path and applies pending
// migrations. If logger is nil, logging is disabled.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers anyway; a single connection avoids
	// SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		logger: logging.Default(logger).With("component", "sqlite-store"),
	}, nil
}

// Query returns matching versions, newest stime first.
func (s *Store) Query(ctx context.Context, collection string, q store.Query) ([]record.Record, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	query := "SELECT " + selectColumns + " FROM records WHERE collection = ?"
	args := []any{collection}
	if clause, cargs, ok := translate(q.Predicate); ok && clause != "" {
		query += " AND " + clause
		args = append(args, cargs...)
	}
	query += " ORDER BY stime DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		// The SQL fragment may over-select; the evaluator decides.
		if !predicate.Matches(q.Predicate, rec) {
			continue
		}
		out = append(out, store.NarrowKeys(rec, q.Keys))
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Current returns every open version, newest stime first.
func (s *Store) Current(ctx context.Context, collection string) ([]record.Record, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM records WHERE collection = ? AND ltime IS NULL ORDER BY stime DESC, id ASC",
		collection)
	if err != nil {
		return nil, fmt.Errorf("query current records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate current records: %w", err)
	}
	return out, nil
}

// Insert appends a new version.
func (s *Store) Insert(ctx context.Context, collection string, rec record.Record) error {
	if s.closed.Load() {
		return store.ErrClosed
	}

	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (collection, id, stime, ltime, mtime, ctime, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		collection, rec.ID,
		rec.STime.UnixMilli(), nullableMilli(rec.LTime),
		rec.MTime.UnixMilli(), rec.CTime.UnixMilli(),
		string(data))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// CloseVersion sets ltime on the identity's open version.
func (s *Store) CloseVersion(ctx context.Context, collection, id string, ltime time.Time) error {
	if s.closed.Load() {
		return store.ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE records SET ltime = ? WHERE collection = ? AND id = ? AND ltime IS NULL",
		ltime.UnixMilli(), collection, id)
	if err != nil {
		return fmt.Errorf("close version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close version: %w", err)
	}
	if n == 0 {
		return store.ErrNoCurrentVersion
	}
	return nil
}

// Touch updates mtime on the identity's open version.
func (s *Store) Touch(ctx context.Context, collection, id string, mtime time.Time) error {
	if s.closed.Load() {
		return store.ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE records SET mtime = ? WHERE collection = ? AND id = ? AND ltime IS NULL",
		mtime.UnixMilli(), collection, id)
	if err != nil {
		return fmt.Errorf("touch version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch version: %w", err)
	}
	if n == 0 {
		return store.ErrNoCurrentVersion
	}
	return nil
}

// Collections lists collection names with any stored versions.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT collection FROM records ORDER BY collection")
	if err != nil {
		return nil, fmt.Errorf("query collections: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return out, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (record.Record, error) {
	var (
		rec                 record.Record
		stime, mtime, ctime int64
		ltime               sql.NullInt64
		data                []byte
	)
	if err := rows.Scan(&rec.ID, &stime, &ltime, &mtime, &ctime, &data); err != nil {
		return record.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.STime = time.UnixMilli(stime).UTC()
	if ltime.Valid {
		rec.LTime = time.UnixMilli(ltime.Int64).UTC()
	}
	rec.MTime = time.UnixMilli(mtime).UTC()
	rec.CTime = time.UnixMilli(ctime).UTC()
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return record.Record{}, fmt.Errorf("decode document: %w", err)
	}
	return rec, nil
}

// nullableMilli maps a zero time to SQL NULL.
func nullableMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
