package drain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeoutExceeded matches every *TimeoutError.
	ErrTimeoutExceeded = errors.New("drain time limit exceeded")

	// ErrInvalidMaxWait is returned for a negative max wait.
	ErrInvalidMaxWait = errors.New("max wait must not be negative")
)

// TimeoutError reports a wait that hit its deadline with jobs still available.
type TimeoutError struct {
	MaxWait   time.Duration
	Available int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("time limit of %s exceeded (%d jobs still available)", e.MaxWait, e.Available)
}

// Is makes errors.Is(err, ErrTimeoutExceeded) hold for any *TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeoutExceeded
}
