package controller

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidKey is returned for work items that do not decode to a
	// non-empty namespace and name. Such items are dropped.
	ErrInvalidKey = errors.New("invalid work item key")

	// ErrObjectVanished is returned when a work item's object is no longer in
	// the cache at dequeue time. It is not retried: a deleted object simply
	// stops producing work.
	ErrObjectVanished = errors.New("object no longer present in cache")
)

// Outcome classifies how a single work item was handled.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeInvalidKey       Outcome = "invalid_key"
	OutcomeVanished         Outcome = "vanished"
	OutcomeRequeued         Outcome = "requeued"
	OutcomePermanentFailure Outcome = "permanent_failure"
	OutcomeTransientFailure Outcome = "transient_failure"
)

// OutcomeOf maps the error returned from processing an item to its Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrInvalidKey):
		return OutcomeInvalidKey
	case errors.Is(err, ErrObjectVanished):
		return OutcomeVanished
	case IsPermanentError(err):
		return OutcomePermanentFailure
	case IsRequeueAfter(err):
		return OutcomeRequeued
	default:
		return OutcomeTransientFailure
	}
}

// requeueAfter indicates the reconciler should requeue the item after a duration.
type requeueAfter struct {
	duration time.Duration
}

func (r *requeueAfter) Error() string {
	return fmt.Sprintf("requeue after %v", r.duration)
}

// RequeueAfter returns an error that indicates the reconciler should requeue
// the item after the specified duration. Negative durations are treated as
// zero.
func RequeueAfter(d time.Duration) error {
	if d < 0 {
		d = 0
	}
	return &requeueAfter{duration: d}
}

// permanentError wraps an error to indicate it should not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", p.err)
}

func (p *permanentError) Unwrap() error {
	return p.err
}

// PermanentError wraps an error to indicate that it should not be retried.
// The controller will not requeue the item; the next event or resync for it
// starts over.
func PermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanentError checks if an error is a permanent error.
func IsPermanentError(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsRequeueAfter reports whether err asks for the item to be requeued after
// a delay, including a zero delay.
func IsRequeueAfter(err error) bool {
	var ra *requeueAfter
	return errors.As(err, &ra)
}

// GetRequeueDuration returns the requeue duration if the error indicates
// a requeue after duration, otherwise returns 0.
func GetRequeueDuration(err error) time.Duration {
	var ra *requeueAfter
	if errors.As(err, &ra) {
		return ra.duration
	}
	return 0
}
