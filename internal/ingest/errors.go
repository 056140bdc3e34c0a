package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrProcessing   = errors.New("processing error")
	ErrStorage      = errors.New("storage error")
	ErrMetadata     = errors.New("metadata error")
)

// Error is the single terminal failure of an ingestion. Kind is one of the
// Err* sentinels above; Stage is the state the pipeline was in.
type Error struct {
	Stage State
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func fail(stage State, kind, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}
