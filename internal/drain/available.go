package drain

import (
	"time"

	"github.com/seantiz/jobdrain/internal/model"
)

// IsAvailable reports whether the executor could still pick up job at now:
// it has retries left and is either unscheduled or past its due date.
// A job with zero retries is dormant and never available.
func IsAvailable(job *model.Job, now time.Time) bool {
	if job == nil || job.Retries <= 0 {
		return false
	}
	return job.DueDate == nil || now.After(*job.DueDate)
}

// countAvailable returns how many of jobs are available at now.
func countAvailable(jobs []*model.Job, now time.Time) int {
	n := 0
	for _, j := range jobs {
		if IsAvailable(j, now) {
			n++
		}
	}
	return n
}
