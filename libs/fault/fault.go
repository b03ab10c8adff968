// Package fault is the failure taxonomy shared by the clinical services.
// Lifecycle code returns these typed errors; HTTP handlers map them to
// status codes with HTTPStatus. Unknown errors map to 500.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Unknown Kind = iota
	// NotFound: the referenced appointment/consultation/prescription does not exist.
	NotFound
	// Validation: structurally bad input (bad duration, empty medication list, past start time).
	Validation
	// PreconditionFailed: a state-machine gate rejected the transition.
	PreconditionFailed
	// TooEarly: the transition is gated on a scheduled time that has not arrived yet.
	TooEarly
	// SchedulingConflict: the doctor already has an overlapping non-terminal appointment.
	SchedulingConflict
	// DuplicateOperation: an idempotency guard caught a repeated phase transition.
	DuplicateOperation
	// InteractionWarning: the medication list contains a known dangerous combination.
	InteractionWarning
	// DependencyUnavailable: a safety check or store could not answer in time.
	// Always fail-closed; the only retryable kind.
	DependencyUnavailable
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Validation:
		return "validation"
	case PreconditionFailed:
		return "precondition_failed"
	case TooEarly:
		return "too_early"
	case SchedulingConflict:
		return "scheduling_conflict"
	case DuplicateOperation:
		return "duplicate_operation"
	case InteractionWarning:
		return "interaction_warning"
	case DependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind carried by err, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may retry the operation as-is
// (with backoff). Everything except a dependency failure requires the
// caller to change the request or re-fetch state first.
func Retryable(err error) bool {
	return KindOf(err) == DependencyUnavailable
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Validation:
		return http.StatusBadRequest
	case PreconditionFailed, TooEarly, SchedulingConflict, DuplicateOperation:
		return http.StatusConflict
	case InteractionWarning:
		return http.StatusUnprocessableEntity
	case DependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
