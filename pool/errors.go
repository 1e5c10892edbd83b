package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError with errors.Is.
	ErrTimeout       = errors.New("pool: checkout timed out")
	ErrClosed        = errors.New("pool: closed")
	ErrNotCheckedOut = errors.New("pool: connection is not checked out from this pool")
)

// TimeoutError is returned when no connection became available before the
// deadline. It is retryable; factory failures are returned unwrapped
// instead.
type TimeoutError struct {
	Pool   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool %s: no connection available after %s", e.Pool, e.Waited)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Timeout() bool { return true }

func (e *TimeoutError) Temporary() bool { return true }
