package contextstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Task statuses in tasks.db. Paused is included so the row tracks the
// directory location through a pause cycle.
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrTaskNotFound is returned for lookups of unknown UUIDs.
var ErrTaskNotFound = errors.New("task not found in tasks.db")

// TaskRow is one tasks.db row. One row per task UUID; rows are written by
// the single handler owning the UUID and read by the status API.
type TaskRow struct {
	UUID             string
	TaskKey          string
	User             string
	Status           string
	Provider         string
	Model            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	LLMCallCount     int
	ToolCallCount    int
	TotalTokens      int
	CompressionCount int
	ResumeCount      int
	ErrorMessage     string
}

// DB wraps the process-global SQLite tasks.db. One connection pool per
// process; SQLite serializes writes internally and the busy timeout covers
// concurrent processes updating their own rows.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) tasks.db at path and applies migrations.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening tasks.db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// churn inside the process.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("preparing migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("preparing migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the pool.
func (d *DB) Close() error { return d.db.Close() }

// UpsertRunning inserts or revives the row for a task entering running/.
// On resume the resume counter increments and the error message clears.
func (d *DB) UpsertRunning(ctx context.Context, row TaskRow) error {
	now := time.Now().UTC()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tasks (uuid, task_key, user, status, provider, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			resume_count = tasks.resume_count + 1,
			error_message = ''`,
		row.UUID, row.TaskKey, row.User, StatusRunning, row.Provider, row.Model, now, now)
	if err != nil {
		return fmt.Errorf("upserting task %s: %w", row.UUID, err)
	}
	return nil
}

// SetStatus updates the status column (and completion timestamp for
// terminal states).
func (d *DB) SetStatus(ctx context.Context, uuid, status, errorMessage string) error {
	now := time.Now().UTC()
	var completedAt any
	if status == StatusCompleted || status == StatusFailed {
		completedAt = now
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, error_message = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE uuid = ?`,
		status, errorMessage, now, completedAt, uuid)
	if err != nil {
		return fmt.Errorf("updating task %s status: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, uuid)
	}
	return nil
}

// AddCounters increments the statistics counters for a UUID.
func (d *DB) AddCounters(ctx context.Context, uuid string, llmCalls, toolCalls, tokens, compressions int) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE tasks SET
			llm_call_count = llm_call_count + ?,
			tool_call_count = tool_call_count + ?,
			total_tokens = total_tokens + ?,
			compression_count = compression_count + ?,
			updated_at = ?
		WHERE uuid = ?`,
		llmCalls, toolCalls, tokens, compressions, time.Now().UTC(), uuid)
	if err != nil {
		return fmt.Errorf("updating task %s counters: %w", uuid, err)
	}
	return nil
}

// Get returns the row for a UUID.
func (d *DB) Get(ctx context.Context, uuid string) (*TaskRow, error) {
	rows, err := d.query(ctx, `WHERE uuid = ?`, uuid)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, uuid)
	}
	return &rows[0], nil
}

// List returns rows filtered by status and/or user (empty means all),
// newest first.
func (d *DB) List(ctx context.Context, status, user string) ([]TaskRow, error) {
	switch {
	case status != "" && user != "":
		return d.query(ctx, `WHERE status = ? AND user = ? ORDER BY created_at DESC`, status, user)
	case status != "":
		return d.query(ctx, `WHERE status = ? ORDER BY created_at DESC`, status)
	case user != "":
		return d.query(ctx, `WHERE user = ? ORDER BY created_at DESC`, user)
	default:
		return d.query(ctx, `ORDER BY created_at DESC`)
	}
}

// DeleteCompletedBefore removes rows for tasks archived before cutoff.
// Rows are deleted only for terminal statuses; the caller removes the
// completed/ directory in the same sweep.
func (d *DB) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		StatusCompleted, StatusFailed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting retired tasks: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) query(ctx context.Context, tail string, args ...any) ([]TaskRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT uuid, task_key, user, status, provider, model, created_at, updated_at,
		       completed_at, llm_call_count, tool_call_count, total_tokens,
		       compression_count, resume_count, error_message
		FROM tasks `+tail, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var r TaskRow
		var completedAt sql.NullTime
		if err := rows.Scan(&r.UUID, &r.TaskKey, &r.User, &r.Status, &r.Provider, &r.Model,
			&r.CreatedAt, &r.UpdatedAt, &completedAt, &r.LLMCallCount, &r.ToolCallCount,
			&r.TotalTokens, &r.CompressionCount, &r.ResumeCount, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
