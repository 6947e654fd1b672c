package laboratory

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error kinds. Every domain error unwraps to exactly one of these.
var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrAlreadyFinalized = errors.New("already finalized")
	// ErrConflict is a lost compare-and-swap on a status column. The service
	// retries the unit of work before letting it escape.
	ErrConflict = errors.New("conflict")
)

// Error carries the kind together with the offending resource.
type Error struct {
	Kind     error
	Resource string
	ID       string
	Message  string
}

func newError(kind error, resource, id, msg string) *Error {
	return &Error{Kind: kind, Resource: resource, ID: id, Message: msg}
}

func (e *Error) Error() string {
	switch {
	case e.ID != "" && e.Message != "":
		return fmt.Sprintf("%s: %s %s: %s", e.Kind, e.Resource, e.ID, e.Message)
	case e.ID != "":
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Resource, e.ID)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

// KindName returns the external name of err's kind, or "" for errors that
// are not domain errors.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadyFinalized):
		return "AlreadyFinalized"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	}
	return ""
}

func notFound(resource, id string) *Error {
	return newError(ErrNotFound, resource, id, "")
}

func conflict(resource, id string) *Error {
	return newError(ErrConflict, resource, id, "concurrent modification")
}

// withID fills in the identifier of a domain error raised without one.
func withID(err error, id uuid.UUID) error {
	var e *Error
	if errors.As(err, &e) && e.ID == "" {
		cp := *e
		cp.ID = id.String()
		return &cp
	}
	return err
}
