package guard

import (
	"errors"
	"fmt"
	"time"

	"cronguard/internal/job"
)

// TaskError is a business-logic failure: the callable returned an error or
// panicked. The lease has been released and the window stays pending.
type TaskError struct {
	Task  string
	Start time.Time
	Err   error

	// Panic holds the recovered value when the callable panicked.
	Panic any
	Stack string
}

func (e *TaskError) Error() string {
	w := job.Window{Task: e.Task, Start: e.Start}
	if e.Panic != nil {
		return fmt.Sprintf("task %s window %s panicked: %v", e.Task, w.Canonical(), e.Panic)
	}
	return fmt.Sprintf("task %s window %s failed: %v", e.Task, w.Canonical(), e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// IsTaskError reports whether err wraps a *TaskError.
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}
