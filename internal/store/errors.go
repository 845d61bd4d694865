package store

import (
	"errors"
	"fmt"
)

var errClosed = errors.New("store closed")

// UnavailableError wraps any failure talking to the backend.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *UnavailableError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable reports whether err wraps an *UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// ConsistencyError reports a batched read that returned a different number of
// entries than requested. It aborts the current scan cycle only.
type ConsistencyError struct {
	Op   string
	Want int
	Got  int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("store %s: batch returned %d entries for %d windows", e.Op, e.Got, e.Want)
}

// CheckBatch returns a *ConsistencyError when got != want.
func CheckBatch(op string, want, got int) error {
	if want == got {
		return nil
	}
	return &ConsistencyError{Op: op, Want: want, Got: got}
}

// IsConsistency reports whether err wraps a *ConsistencyError.
func IsConsistency(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
