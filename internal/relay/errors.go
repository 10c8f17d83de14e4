package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies relay failures for callers.
type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
	CodeSessionNotActive Code = "SESSION_NOT_ACTIVE"
	CodeInternal         Code = "INTERNAL"
)

var (
	// ErrInvalidArgument is returned for missing or malformed identifiers.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrFrameTooLarge is returned when a pushed payload exceeds the
	// configured maximum. It is an invalid-argument error.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrSessionNotFound is returned when a session id or channel does not
	// resolve. The broadcast may simply have ended.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned when pushing to a stopping or stopped
	// session.
	ErrSessionNotActive = errors.New("session not active")

	// ErrInternal marks a store inconsistency.
	ErrInternal = errors.New("internal relay error")
)

// Error is the typed error returned across the relay boundary.
type Error struct {
	Code    Code
	Op      string // e.g. "Service.PushFrame"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, op, msg string, err error) error {
	return &Error{Code: code, Op: op, Message: msg, Err: err}
}

func invalidArgument(op, msg string) error {
	return newError(CodeInvalidArgument, op, msg, ErrInvalidArgument)
}

func sessionNotFound(op string, id SessionID) error {
	return newError(CodeSessionNotFound, op, fmt.Sprintf("session %q", id), ErrSessionNotFound)
}

func sessionNotActive(op string, id SessionID, st Status) error {
	return newError(CodeSessionNotActive, op, fmt.Sprintf("session %q is %s", id, st), ErrSessionNotActive)
}

// CodeOf returns the relay Code carried by err, or CodeInternal for foreign
// errors. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrFrameTooLarge):
		return CodeInvalidArgument
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrSessionNotActive):
		return CodeSessionNotActive
	}
	return CodeInternal
}

// HTTPStatus maps err onto the relay's HTTP contract: caller errors are 400,
// everything else 500.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case "":
		return http.StatusOK
	case CodeInvalidArgument, CodeSessionNotFound, CodeSessionNotActive:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
