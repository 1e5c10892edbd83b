package worker

import (
	"errors"
	"fmt"

	"github.com/mastodon/mastodon-sub071/pool"
	"github.com/mastodon/mastodon-sub071/signature"
)

// NoRetry marks an error as permanent. The job is dropped instead of
// being rescheduled.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

type outcome string

const (
	outcomeDelivered outcome = "delivered"
	outcomeDropped   outcome = "dropped"
	outcomeRetry     outcome = "retry"
	outcomeSaturated outcome = "saturated"
	outcomeExhausted outcome = "exhausted"
)

// classify decides what happens to a job whose handler returned err.
func classify(err error) outcome {
	if err == nil {
		return outcomeDelivered
	}
	if IsNoRetry(err) || signature.IsVerificationError(err) {
		return outcomeDropped
	}
	var status *pool.StatusError
	if errors.As(err, &status) && status.Permanent() {
		return outcomeDropped
	}
	if errors.Is(err, pool.ErrTimeout) {
		return outcomeSaturated
	}
	return outcomeRetry
}
