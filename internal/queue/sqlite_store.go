package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bassista/go_offline/internal/queue/migrations"
	_ "modernc.org/sqlite"
)

// Store persists deferred mutations in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// OpenStore opens the queue database at path and applies migrations.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// modernc sqlite serializes writers anyway; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append persists a new record.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO mutations (
	id,
	domain,
	endpoint,
	method,
	payload,
	headers,
	created_at,
	retries,
	last_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		rec.ID,
		rec.Domain,
		rec.Endpoint,
		rec.Method,
		rec.Payload,
		string(headers),
		rec.CreatedAt.UTC().UnixMilli(),
		rec.Retries,
		rec.LastError,
	)
	if err != nil {
		return fmt.Errorf("append mutation: %w", err)
	}
	return nil
}

// List returns the records of domain in replay order. An empty domain lists all.
func (s *Store) List(ctx context.Context, domain string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := `
SELECT seq, id, domain, endpoint, method, payload, headers, created_at, retries, last_error
FROM mutations`
	var args []any
	if domain != "" {
		query += "\nWHERE domain = ?"
		args = append(args, domain)
	}
	query += "\nORDER BY created_at ASC, seq ASC"

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var headers string
		var createdAt int64
		if err := rows.Scan(
			&rec.Seq,
			&rec.ID,
			&rec.Domain,
			&rec.Endpoint,
			&rec.Method,
			&rec.Payload,
			&headers,
			&createdAt,
			&rec.Retries,
			&rec.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		if err := json.Unmarshal([]byte(headers), &rec.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", rec.ID, err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mutations: %w", err)
	}
	return records, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mutation %s: %w", id, err)
	}
	return expectOne(res, id)
}

// MarkFailed increments retries and records the failure reason.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE mutations SET retries = retries + 1, last_error = ? WHERE id = ?`, lastError, id)
	if err != nil {
		return fmt.Errorf("mark mutation %s: %w", id, err)
	}
	return expectOne(res, id)
}

// Counts returns the number of pending records per domain.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT domain, COUNT(*) FROM mutations GROUP BY domain`)
	if err != nil {
		return nil, fmt.Errorf("count mutations: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var domain string
		var n int
		if err := rows.Scan(&domain, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[domain] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
