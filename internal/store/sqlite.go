package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"probeflow/internal/domain"
)

var ErrNotFound = errors.New("no results recorded")

// Open opens the results database. ":memory:" gives a private in-memory database.
func Open(path string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	db.SetConnMaxLifetime(0)
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS results (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  task_id TEXT NOT NULL,
  type TEXT NOT NULL,
  success INTEGER NOT NULL,
  output BLOB,
  log TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_type_time ON results(type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_results_task ON results(task_id);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteStore is the append-only result log. Rows are never updated.
type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

const resultColumns = `task_id,type,success,output,log,error,retry_count,duration_ms,created_at`

func (s *SQLiteStore) Append(ctx context.Context, r domain.Result) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	var output []byte
	if len(r.Output) > 0 {
		output = r.Output
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO results (id,`+resultColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, "res_"+uuid.NewString(), r.TaskID, string(r.Type), r.Success, output, r.Log, r.Error, r.RetryCount, r.DurationMs, r.Timestamp.UnixNano())
	return err
}

// Latest returns the most recent result of a type by timestamp.
func (s *SQLiteStore) Latest(ctx context.Context, t domain.TaskType) (domain.Result, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+resultColumns+`
FROM results WHERE type=?
ORDER BY created_at DESC, seq DESC
LIMIT 1`, string(t))
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Result{}, fmt.Errorf("%w for %s", ErrNotFound, t)
	}
	return r, err
}

// Types lists every task type with at least one result.
func (s *SQLiteStore) Types(ctx context.Context) ([]domain.TaskType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM results ORDER BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []domain.TaskType
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, domain.TaskType(t))
	}
	return types, rows.Err()
}

// List returns the newest results of a type first. limit <= 0 means no limit.
func (s *SQLiteStore) List(ctx context.Context, t domain.TaskType, limit int) ([]domain.Result, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, `
SELECT `+resultColumns+`
FROM results WHERE type=?
ORDER BY created_at DESC, seq DESC
LIMIT ?`, string(t), limit)
}

// All returns every result grouped by type, newest first within a type.
func (s *SQLiteStore) All(ctx context.Context) ([]domain.Result, error) {
	return s.query(ctx, `
SELECT `+resultColumns+`
FROM results
ORDER BY type, created_at DESC, seq DESC`)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]domain.Result, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResult(sc scanner) (domain.Result, error) {
	var (
		r       domain.Result
		typ     string
		output  []byte
		created int64
	)
	if err := sc.Scan(&r.TaskID, &typ, &r.Success, &output, &r.Log, &r.Error, &r.RetryCount, &r.DurationMs, &created); err != nil {
		return domain.Result{}, err
	}
	r.Type = domain.TaskType(typ)
	if len(output) > 0 {
		r.Output = output
	}
	r.Timestamp = time.Unix(0, created).UTC()
	return r, nil
}
