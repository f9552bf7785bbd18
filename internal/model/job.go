package model

import "time"

// Job status constants. Completed jobs are deleted rather than kept in a
// terminal status, so a drained engine holds no pending or running jobs.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusFailed  = "failed"
)

// DefaultRetries is the retry budget a job gets when none is specified.
const DefaultRetries = 3

// Job log events.
const (
	EventAcquired  = "acquired"
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusPending: true,
		StatusFailed:  true,
	},
	StatusFailed: {
		StatusPending: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Job is a unit of asynchronous work owned by the engine. Retries is the
// remaining retry budget; a job with no retries left is never picked up again
// until an operator resets it.
type Job struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Payload       []byte     `json:"payload,omitempty"`
	Status        string     `json:"status"`
	Retries       int        `json:"retries"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	LockOwner     string     `json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Due reports whether the job's due date, if any, has passed at now.
func (j *Job) Due(now time.Time) bool {
	return j.DueDate == nil || now.After(*j.DueDate)
}

// Locked reports whether the job holds an unexpired lock at now.
func (j *Job) Locked(now time.Time) bool {
	return j.LockExpiresAt != nil && j.LockExpiresAt.After(now)
}

// LogEntry is a single persisted execution event for a job.
type LogEntry struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Seq       int       `json:"seq"`
	Event     string    `json:"event"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
