package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/seantiz/jobdrain/internal/model"
)

// key prefixes
const (
	keyPrefixJob = "job:"
	keyPrefixLog = "log:"
	keyLogSeq    = "seq:log"
)

// Compile-time interface satisfaction check.
var _ Store = (*BadgerStore)(nil)

// BadgerStore implements Store on BadgerDB. Jobs are stored as JSON under
// "job:<id>"; log entries under "log:<job id>:<seq>" so a prefix scan
// returns them in order.
type BadgerStore struct {
	db     *badger.DB
	logSeq *badger.Sequence
}

// NewBadgerStore opens a BadgerDB database in dir. An empty dir opens an
// in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // badger has its own logger interface; keep it quiet

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(keyLogSeq), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("log sequence: %w", err)
	}

	return &BadgerStore{db: db, logSeq: seq}, nil
}

// Close releases the log sequence and closes the database.
func (b *BadgerStore) Close() error {
	if err := b.logSeq.Release(); err != nil {
		b.db.Close()
		return fmt.Errorf("release log sequence: %w", err)
	}
	return b.db.Close()
}

// retryUpdate retries an update on transaction conflicts with a fixed delay.
func (b *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

func jobKey(id string) []byte {
	return []byte(keyPrefixJob + id)
}

func logPrefix(jobID string) []byte {
	return []byte(keyPrefixLog + jobID + ":")
}

func logKey(jobID string, seq int) []byte {
	key := logPrefix(jobID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(key, buf[:]...)
}

func getJobTxn(txn *badger.Txn, id string) (*model.Job, error) {
	item, err := txn.Get(jobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	j := &model.Job{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, j)
	}); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, nil
}

func putJobTxn(txn *badger.Txn, j *model.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return txn.Set(jobKey(j.ID), data)
}

// listJobsTxn decodes every job ordered by created_at then id.
func listJobsTxn(txn *badger.Txn) ([]*model.Job, error) {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()

	prefix := []byte(keyPrefixJob)
	var jobs []*model.Job
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		j := &model.Job{}
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, j)
		}); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs, nil
}

// CreateJob stores a new job, rejecting duplicate IDs.
func (b *BadgerStore) CreateJob(ctx context.Context, j *model.Job) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(j.ID)); err == nil {
			return fmt.Errorf("insert job: job %s already exists", j.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("insert job: %w", err)
		}
		return putJobTxn(txn, j)
	})
}

// GetJob retrieves a job by ID.
func (b *BadgerStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var j *model.Job
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		j, err = getJobTxn(txn, id)
		return err
	})
	return j, err
}

// ListJobs returns every job ordered by created_at.
func (b *BadgerStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var jobs []*model.Job
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		jobs, err = listJobsTxn(txn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// AcquireJobs locks executable jobs for owner.
func (b *BadgerStore) AcquireJobs(ctx context.Context, owner string, now time.Time, lockFor time.Duration, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	var acquired []*model.Job
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		acquired = acquired[:0]
		jobs, err := listJobsTxn(txn)
		if err != nil {
			return err
		}

		expires := time.UnixMilli(now.Add(lockFor).UnixMilli()).UTC()
		for _, j := range jobs {
			if len(acquired) == limit {
				break
			}
			if !executable(j, now) {
				continue
			}
			j.Status = model.StatusRunning
			j.LockOwner = owner
			lock := expires
			j.LockExpiresAt = &lock
			if err := putJobTxn(txn, j); err != nil {
				return err
			}
			acquired = append(acquired, j)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire jobs: %w", err)
	}
	return acquired, nil
}

// CompleteJob deletes a finished job.
func (b *BadgerStore) CompleteJob(ctx context.Context, id string) error {
	return b.DeleteJob(ctx, id)
}

// FailJob consumes a retry and releases the job's lock.
func (b *BadgerStore) FailJob(ctx context.Context, id, errMsg string, dueDate *time.Time) (*model.Job, error) {
	var failed *model.Job
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		j, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}

		status, retries := failedState(j.Retries)
		if !model.ValidTransition(j.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
		}

		j.Status = status
		j.Retries = retries
		j.DueDate = nil
		if dueDate != nil {
			due := time.UnixMilli(dueDate.UnixMilli()).UTC()
			j.DueDate = &due
		}
		j.Error = errMsg
		j.LockOwner = ""
		j.LockExpiresAt = nil
		failed = j
		return putJobTxn(txn, j)
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// SetRetries overwrites a job's retry budget.
func (b *BadgerStore) SetRetries(ctx context.Context, id string, retries int) error {
	if retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", retries)
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		j, err := getJobTxn(txn, id)
		if err != nil {
			return err
		}
		j.Retries = retries
		if j.Status != model.StatusRunning {
			j.Status = model.StatusFailed
			if retries > 0 {
				j.Status = model.StatusPending
			}
		}
		return putJobTxn(txn, j)
	})
}

// DeleteJob removes a job regardless of its status.
func (b *BadgerStore) DeleteJob(ctx context.Context, id string) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		return txn.Delete(jobKey(id))
	})
}

// ReleaseLocks returns every job still running under owner to pending.
func (b *BadgerStore) ReleaseLocks(ctx context.Context, owner string) error {
	err := b.retryUpdate(ctx, func(txn *badger.Txn) error {
		jobs, err := listJobsTxn(txn)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.LockOwner != owner || j.Status != model.StatusRunning {
				continue
			}
			j.Status = model.StatusPending
			j.LockOwner = ""
			j.LockExpiresAt = nil
			if err := putJobTxn(txn, j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	return nil
}

// InsertLogEntry appends an execution event to a job's log.
func (b *BadgerStore) InsertLogEntry(ctx context.Context, jobID, event, message string) error {
	id, err := b.logSeq.Next()
	if err != nil {
		return fmt.Errorf("next log id: %w", err)
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		seq := 0
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		prefix := logPrefix(jobID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			seq++
		}
		it.Close()

		data, err := json.Marshal(model.LogEntry{
			ID:        int64(id) + 1,
			JobID:     jobID,
			Seq:       seq,
			Event:     event,
			Message:   message,
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return txn.Set(logKey(jobID, seq), data)
	})
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// GetLogEntries returns all log entries for a job ordered by seq.
func (b *BadgerStore) GetLogEntries(ctx context.Context, jobID string) ([]model.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []model.LogEntry
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := logPrefix(jobID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e model.LogEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get log entries: %w", err)
	}
	return entries, nil
}

// GetJobStats returns job counts by status and the number due at now.
func (b *BadgerStore) GetJobStats(ctx context.Context, now time.Time) (*JobStats, error) {
	jobs, err := b.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	stats := &JobStats{CountByStatus: make(map[string]int)}
	for _, j := range jobs {
		stats.Total++
		stats.CountByStatus[j.Status]++
		if j.Retries > 0 && j.Due(now) {
			stats.Available++
		}
	}
	return stats, nil
}

// Purge deletes all jobs and job history.
func (b *BadgerStore) Purge(ctx context.Context) (*PurgeReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobs int
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		prefix := []byte(keyPrefixJob)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			jobs++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	if err := b.db.DropPrefix([]byte(keyPrefixJob), []byte(keyPrefixLog)); err != nil {
		return nil, fmt.Errorf("purge: %w", err)
	}

	return &PurgeReport{Tables: map[string]int{"jobs": jobs}}, nil
}
