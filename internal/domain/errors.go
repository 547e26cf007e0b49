package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrSchemaViolation        = errors.New("schema violation")
	ErrMissingDependency      = errors.New("missing dependency")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrInvalidWorkorder       = errors.New("invalid workorder")
)

// PermissionError reports a write by an actor that does not own the field.
type PermissionError struct {
	ActorID string
	Path    string
	Reason  string
}

func (e PermissionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("permission denied: %s may not write %s: %s", e.ActorID, e.Path, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s may not write %s", e.ActorID, e.Path)
}

func (e PermissionError) Unwrap() error { return ErrPermissionDenied }

// TransitionError reports a status change that is not legal from the current state.
type TransitionError struct {
	Entity string
	ID     string
	From   Status
	To     Status
	Reason string
}

func (e TransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
	if e.ID != "" {
		msg = fmt.Sprintf("invalid %s %s transition %s -> %s", e.Entity, e.ID, e.From, e.To)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }
