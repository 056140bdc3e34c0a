package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient covers network failures and 5xx responses that were
	// still failing after the last retry.
	ErrTransient = errors.New("transient storage error")
	// ErrPermanent covers 4xx responses, which are never retried.
	ErrPermanent = errors.New("permanent storage error")
)

type Error struct {
	Op         string
	Key        string
	StatusCode int
	Attempts   int
	Kind       error
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("storage %s %s: http %d after %d attempt(s): %v", e.Op, e.Key, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("storage %s %s: after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("http %d", e.code)
	}
	return fmt.Sprintf("http %d: %s", e.code, e.body)
}
