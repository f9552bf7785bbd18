package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/jobdrain/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    payload         BLOB,
    status          TEXT NOT NULL,
    retries         INTEGER NOT NULL,
    due_date        INTEGER,
    lock_owner      TEXT NOT NULL DEFAULT '',
    lock_expires_at INTEGER,
    error           TEXT NOT NULL DEFAULT '',
    created_at      DATETIME NOT NULL
)`

const createJobLogTable = `
CREATE TABLE IF NOT EXISTS job_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    event      TEXT NOT NULL,
    message    TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL
)`

const createJobLogIndex = `CREATE INDEX IF NOT EXISTS idx_job_log_job_id ON job_log (job_id, seq)`

const jobColumns = `id, type, payload, status, retries, due_date, lock_owner, lock_expires_at, error, created_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serialises writers and keeps ":memory:" databases
	// from splitting across pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createJobLogTable, createJobLogIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.Payload, j.Status, j.Retries, toMillis(j.DueDate),
		j.LockOwner, toMillis(j.LockExpiresAt), j.Error, j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.db, id)
}

// ListJobs returns every job ordered by created_at.
func (s *SQLiteStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// AcquireJobs locks executable jobs for owner in a single transaction.
func (s *SQLiteStore) AcquireJobs(ctx context.Context, owner string, now time.Time, lockFor time.Duration, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer tx.Rollback()

	nowMS := now.UnixMilli()
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE retries > 0
		  AND (due_date IS NULL OR due_date < ?)
		  AND (status = ? OR (status = ? AND (lock_expires_at IS NULL OR lock_expires_at <= ?)))
		ORDER BY created_at, id LIMIT ?`,
		nowMS, model.StatusPending, model.StatusRunning, nowMS, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select executable jobs: %w", err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	expires := now.Add(lockFor)
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, lock_owner = ?, lock_expires_at = ? WHERE id = ?`,
			model.StatusRunning, owner, expires.UnixMilli(), j.ID,
		); err != nil {
			return nil, fmt.Errorf("lock job %s: %w", j.ID, err)
		}
		j.Status = model.StatusRunning
		j.LockOwner = owner
		lock := time.UnixMilli(expires.UnixMilli()).UTC()
		j.LockExpiresAt = &lock
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire tx: %w", err)
	}
	return jobs, nil
}

// CompleteJob deletes a finished job.
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return checkAffected(result)
}

// FailJob consumes a retry and releases the job's lock.
func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string, dueDate *time.Time) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback()

	j, err := getJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	status, retries := failedState(j.Retries)
	if !model.ValidTransition(j.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, retries = ?, due_date = ?, error = ?,
			lock_owner = '', lock_expires_at = NULL
		WHERE id = ?`,
		status, retries, toMillis(dueDate), errMsg, id,
	); err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fail tx: %w", err)
	}

	j.Status = status
	j.Retries = retries
	j.DueDate = fromMillis(toNullInt(dueDate))
	j.Error = errMsg
	j.LockOwner = ""
	j.LockExpiresAt = nil
	return j, nil
}

// SetRetries overwrites a job's retry budget. A failed job given retries
// becomes pending again; setting zero retries parks a pending job as failed.
func (s *SQLiteStore) SetRetries(ctx context.Context, id string, retries int) error {
	if retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", retries)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET retries = ?,
			status = CASE
				WHEN status = ? THEN status
				WHEN ? > 0 THEN ?
				ELSE ?
			END
		WHERE id = ?`,
		retries, model.StatusRunning, retries, model.StatusPending, model.StatusFailed, id,
	)
	if err != nil {
		return fmt.Errorf("set retries: %w", err)
	}
	return checkAffected(result)
}

// DeleteJob removes a job regardless of its status.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return checkAffected(result)
}

// ReleaseLocks returns every job still running under owner to pending.
func (s *SQLiteStore) ReleaseLocks(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lock_owner = '', lock_expires_at = NULL
		WHERE lock_owner = ? AND status = ?`,
		model.StatusPending, owner, model.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	return nil
}

// InsertLogEntry appends an execution event to a job's log, numbering it
// after the job's last entry.
func (s *SQLiteStore) InsertLogEntry(ctx context.Context, jobID, event, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_log (job_id, seq, event, message, created_at)
		SELECT ?, COALESCE(MAX(seq) + 1, 0), ?, ?, ? FROM job_log WHERE job_id = ?`,
		jobID, event, message, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// GetLogEntries returns all log entries for a job ordered by seq.
func (s *SQLiteStore) GetLogEntries(ctx context.Context, jobID string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, event, message, created_at
		FROM job_log WHERE job_id = ? ORDER BY seq ASC`, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log entries: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Seq, &e.Event, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log entries: %w", err)
	}
	return entries, nil
}

// GetJobStats returns job counts by status and the number of jobs with
// retries left that are due at now.
func (s *SQLiteStore) GetJobStats(ctx context.Context, now time.Time) (*JobStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &JobStats{CountByStatus: make(map[string]int)}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE retries > 0 AND (due_date IS NULL OR due_date < ?)",
		now.UnixMilli(),
	).Scan(&stats.Available); err != nil {
		return nil, fmt.Errorf("count available: %w", err)
	}

	return stats, nil
}

// Purge deletes all jobs and job history. The report counts runtime rows
// only; history is removed silently.
func (s *SQLiteStore) Purge(ctx context.Context) (*PurgeReport, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin purge tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM jobs")
	if err != nil {
		return nil, fmt.Errorf("purge jobs: %w", err)
	}
	jobs, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_log"); err != nil {
		return nil, fmt.Errorf("purge job log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge tx: %w", err)
	}

	return &PurgeReport{Tables: map[string]int{"jobs": int(jobs)}}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJob(ctx context.Context, q queryer, id string) (*model.Job, error) {
	j, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	j := &model.Job{}
	var due, lock sql.NullInt64
	if err := row.Scan(
		&j.ID, &j.Type, &j.Payload, &j.Status, &j.Retries, &due,
		&j.LockOwner, &lock, &j.Error, &j.CreatedAt,
	); err != nil {
		return nil, err
	}
	j.DueDate = fromMillis(due)
	j.LockExpiresAt = fromMillis(lock)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Timestamps compared in SQL are stored as unix milliseconds.
func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func toNullInt(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
