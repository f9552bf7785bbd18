package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/seantiz/jobdrain/internal/model"
)

var (
	// ErrNotFound is returned when a job is not found.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a job status transition is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobStats holds aggregate job counts.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	Available     int            `json:"available"`
}

// PurgeReport lists the runtime state a purge had to remove, keyed by table.
// An empty report means the engine was already clean.
type PurgeReport struct {
	Tables map[string]int `json:"tables"`
}

// IsEmpty reports whether the purge found no residue.
func (r *PurgeReport) IsEmpty() bool {
	for _, n := range r.Tables {
		if n > 0 {
			return false
		}
	}
	return true
}

// String renders the non-empty tables as "table: count" pairs in name order.
func (r *PurgeReport) String() string {
	names := make([]string, 0, len(r.Tables))
	for name, n := range r.Tables {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %d", name, r.Tables[name]))
	}
	return strings.Join(parts, ", ")
}

// Store defines the persistence operations for jobs.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)

	// AcquireJobs locks up to limit executable jobs for owner until
	// now+lockFor and marks them running. A job is executable when it has
	// retries left, is due at now, and is either pending or running under an
	// expired lock.
	AcquireJobs(ctx context.Context, owner string, now time.Time, lockFor time.Duration, limit int) ([]*model.Job, error)
	CompleteJob(ctx context.Context, id string) error
	// FailJob consumes one retry, records errMsg and releases the lock. The
	// job returns to pending with the given due date, or becomes failed when
	// no retries remain.
	FailJob(ctx context.Context, id, errMsg string, dueDate *time.Time) (*model.Job, error)
	SetRetries(ctx context.Context, id string, retries int) error
	DeleteJob(ctx context.Context, id string) error
	ReleaseLocks(ctx context.Context, owner string) error

	InsertLogEntry(ctx context.Context, jobID, event, message string) error
	GetLogEntries(ctx context.Context, jobID string) ([]model.LogEntry, error)

	GetJobStats(ctx context.Context, now time.Time) (*JobStats, error)
	Purge(ctx context.Context) (*PurgeReport, error)
	Close() error
}

// failedState computes the status and retries a job moves to after a failure.
func failedState(retries int) (string, int) {
	if retries > 0 {
		retries--
	}
	if retries == 0 {
		return model.StatusFailed, 0
	}
	return model.StatusPending, retries
}

// executable mirrors the AcquireJobs selection for backends that filter in Go.
func executable(j *model.Job, now time.Time) bool {
	if j.Retries <= 0 || !j.Due(now) {
		return false
	}
	switch j.Status {
	case model.StatusPending:
		return true
	case model.StatusRunning:
		return !j.Locked(now)
	}
	return false
}
