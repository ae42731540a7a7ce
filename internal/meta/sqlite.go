package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/bunbase/bunsearch/internal/filter"
)

const schema = `
CREATE TABLE IF NOT EXISTS query_records (
	name       TEXT PRIMARY KEY,
	hash       TEXT NOT NULL,
	tbl        TEXT NOT NULL,
	query      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);`

// SQLiteStore keeps records in a SQLite database so registrations survive a
// restart of the provider.
type SQLiteStore struct {
	db        *sql.DB
	closeOnce sync.Once
	closeErr  error
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path in WAL mode.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM query_records WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: has %s: %w", name, err)
	}
	return true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*Record, error) {
	var (
		rec     Record
		table   string
		query   string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, tbl, query, created_at FROM query_records WHERE name = ?`, name,
	).Scan(&rec.Hash, &table, &query, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", name, err)
	}
	rec.Query = filter.Query{Table: table, Query: []byte(query)}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return &rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, name string, rec *Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_records (name, hash, tbl, query, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hash = excluded.hash,
			tbl = excluded.tbl,
			query = excluded.query`,
		name, rec.Hash, rec.Query.Table, string(rec.Query.Query), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM query_records WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: delete %s: %w", name, err)
	}
	return n > 0, nil
}

// Close checkpoints the WAL and closes the database. It is safe to call more
// than once.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
