package remote

import (
	"errors"
	"fmt"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrNotFound    = errors.New("remote: not found")
	ErrConflict    = errors.New("remote: conflict")
	ErrUnavailable = errors.New("remote: unavailable")
	ErrTimeout     = errors.New("remote: timeout")
	ErrBadResponse = errors.New("remote: bad response")
	ErrRejected    = errors.New("remote: rejected")
)

// ConflictError is returned when the authority refuses to open a shift
// because one is already open. Shift is set when the response carried it.
type ConflictError struct {
	Message string
	Shift   *domain.Shift
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s: %s", ErrConflict.Error(), e.Message)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// RejectedError carries the authority's reason for refusing a request.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s (%d): %s", ErrRejected.Error(), e.Status, e.Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// IsTransport reports whether err means the authority could not be reached or
// did not answer sensibly. Callers degrade to offline mode on these.
func IsTransport(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrBadResponse)
}

// Retryable reports whether the same request may succeed later unchanged.
func Retryable(err error) bool {
	return IsTransport(err)
}
