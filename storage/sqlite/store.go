// Package sqlite stores plan and task records in a SQLite database using the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/c360studio/semflow/storage"
)

// Config holds SQLite operational parameters.
type Config struct {
	BusyTimeout time.Duration
	// MaxOpenConns defaults to 1: every Save is a multi-statement write
	// transaction and SQLite admits a single writer.
	MaxOpenConns int
}

// DefaultConfig returns the recommended configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS records (
	kind            TEXT NOT NULL,
	id              TEXT NOT NULL,
	session_id      TEXT NOT NULL DEFAULT '',
	owner_id        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	correlation_ids TEXT NOT NULL DEFAULT '[]',
	data            TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(kind, status);
CREATE INDEX IF NOT EXISTS idx_records_session ON records(kind, session_id);
CREATE INDEX IF NOT EXISTS idx_records_owner ON records(kind, owner_id);
CREATE TABLE IF NOT EXISTS correlations (
	kind           TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	record_id      TEXT NOT NULL,
	PRIMARY KEY (kind, correlation_id),
	FOREIGN KEY (kind, record_id) REFERENCES records(kind, id) ON DELETE CASCADE
);
`

// Store implements storage.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file if needed, applies PRAGMAs through the DSN
// so they hold on every pooled connection, and migrates the schema.
func Open(path string, cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 1
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies the schema statement by statement.
func Migrate(db *sql.DB) error {
	for _, raw := range strings.Split(schemaSQL, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}
	return nil
}

// Save upserts the record and rewrites its correlation rows in one
// transaction.
func (s *Store) Save(ctx context.Context, rec storage.Record) (err error) {
	if err := rec.Validate(); err != nil {
		return err
	}
	cids, err := json.Marshal(rec.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("marshal correlation ids: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (kind, id, session_id, owner_id, status, correlation_ids, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			session_id = excluded.session_id,
			owner_id = excluded.owner_id,
			status = excluded.status,
			correlation_ids = excluded.correlation_ids,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		string(rec.Kind), rec.ID, rec.SessionID, rec.OwnerID, rec.Status, string(cids), string(rec.Data),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Key(), err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM correlations WHERE kind = ? AND record_id = ?`,
		string(rec.Kind), rec.ID); err != nil {
		return fmt.Errorf("clear correlations %s: %w", rec.Key(), err)
	}
	for _, cid := range rec.LookupIDs() {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO correlations (kind, correlation_id, record_id) VALUES (?, ?, ?)
			ON CONFLICT(kind, correlation_id) DO UPDATE SET record_id = excluded.record_id`,
			string(rec.Kind), cid, rec.ID); err != nil {
			return fmt.Errorf("index %s -> %s: %w", cid, rec.Key(), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const selectColumns = `kind, id, session_id, owner_id, status, correlation_ids, data, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (storage.Record, error) {
	var (
		rec       storage.Record
		kind      string
		cids      string
		data      string
		updatedAt string
	)
	if err := row.Scan(&kind, &rec.ID, &rec.SessionID, &rec.OwnerID, &rec.Status, &cids, &data, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Record{}, storage.ErrNotFound
		}
		return storage.Record{}, err
	}
	rec.Kind = storage.Kind(kind)
	rec.Data = json.RawMessage(data)
	if err := json.Unmarshal([]byte(cids), &rec.CorrelationIDs); err != nil {
		return storage.Record{}, fmt.Errorf("decode correlation ids of %s: %w", rec.Key(), err)
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return storage.Record{}, fmt.Errorf("decode updated_at of %s: %w", rec.Key(), err)
	}
	rec.UpdatedAt = t
	return rec, nil
}

// Get reads a record by id.
func (s *Store) Get(ctx context.Context, kind storage.Kind, id string) (storage.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	rec, err := scanRecord(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, fmt.Errorf("get %s:%s: %w", kind, id, err)
	}
	return rec, err
}

// GetByCorrelation joins through the correlations table.
func (s *Store) GetByCorrelation(ctx context.Context, kind storage.Kind, cid string) (storage.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.kind, r.id, r.session_id, r.owner_id, r.status, r.correlation_ids, r.data, r.updated_at
		FROM correlations c JOIN records r ON r.kind = c.kind AND r.id = c.record_id
		WHERE c.kind = ? AND c.correlation_id = ?`, string(kind), cid)
	rec, err := scanRecord(row)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Record{}, fmt.Errorf("lookup correlation %s: %w", cid, err)
	}
	return rec, err
}

// Delete removes the record; correlation rows cascade.
func (s *Store) Delete(ctx context.Context, kind storage.Kind, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return fmt.Errorf("delete %s:%s: %w", kind, id, err)
	}
	return nil
}

// List filters in SQL and orders by id.
func (s *Store) List(ctx context.Context, kind storage.Kind, filter storage.Filter) ([]storage.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM records WHERE kind = ?`
	args := []any{string(kind)}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	out := []storage.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
