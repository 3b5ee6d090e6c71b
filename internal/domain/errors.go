package domain

import "errors"

var (
	// ErrUnknownTaskType is a configuration error and is never retried.
	ErrUnknownTaskType  = errors.New("no such task type")
	ErrExecutionFailure = errors.New("task execution failed")
	ErrTaskTimeout      = errors.New("task timed out")
	ErrQueueFull        = errors.New("task queue full")
)

// Retryable reports whether a failed attempt may be retried.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnknownTaskType)
}
