package projector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"        // postgres driver
	_ "modernc.org/sqlite"       // sqlite driver
)

// SQLSink keeps one index snapshot per repository in an index_snapshots
// table. Supported drivers: sqlite (modernc, cgo-free) and postgres.
type SQLSink struct {
	db     *sql.DB
	driver string
}

// NewSQLSink opens the database and ensures the snapshot table exists.
func NewSQLSink(driver, dsn string) (*SQLSink, error) {
	if driver != "sqlite" && driver != "postgres" {
		return nil, fmt.Errorf("sql sink: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql sink: open %s: %w", driver, err)
	}
	s := &SQLSink{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLSinkFromDB wraps an existing connection (tests).
func NewSQLSinkFromDB(db *sql.DB, driver string) *SQLSink {
	return &SQLSink{db: db, driver: driver}
}

func (s *SQLSink) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS index_snapshots (
		repo_id      TEXT PRIMARY KEY,
		generated_at BIGINT NOT NULL,
		data         TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sql sink: migrate: %w", err)
	}
	return nil
}

// rebind rewrites ?-placeholders to $n for postgres.
func (s *SQLSink) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *SQLSink) Persist(ctx context.Context, data *IndexData, sc SinkContext) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sql sink: marshal index: %w", err)
	}
	query := s.rebind(`INSERT INTO index_snapshots (repo_id, generated_at, data) VALUES (?, ?, ?)
		ON CONFLICT (repo_id) DO UPDATE SET generated_at = excluded.generated_at, data = excluded.data`)
	if _, err := s.db.ExecContext(ctx, query, sc.RepoIdentifier, data.Metadata.GeneratedAt, string(raw)); err != nil {
		return fmt.Errorf("sql sink: persist: %w", err)
	}
	return nil
}

func (s *SQLSink) Read(ctx context.Context, sc SinkContext) (*IndexData, error) {
	query := s.rebind(`SELECT data FROM index_snapshots WHERE repo_id = ?`)
	var raw string
	err := s.db.QueryRowContext(ctx, query, sc.RepoIdentifier).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sql sink: read: %w", err)
	}
	var data IndexData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("sql sink: parse index: %w", err)
	}
	return &data, nil
}

func (s *SQLSink) Exists(ctx context.Context, sc SinkContext) (bool, error) {
	query := s.rebind(`SELECT 1 FROM index_snapshots WHERE repo_id = ?`)
	var one int
	err := s.db.QueryRowContext(ctx, query, sc.RepoIdentifier).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql sink: exists: %w", err)
	}
	return true, nil
}

func (s *SQLSink) Clear(ctx context.Context, sc SinkContext) error {
	query := s.rebind(`DELETE FROM index_snapshots WHERE repo_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, sc.RepoIdentifier); err != nil {
		return fmt.Errorf("sql sink: clear: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLSink) Close() error { return s.db.Close() }
