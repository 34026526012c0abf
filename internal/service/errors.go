package service

import (
	"errors"
	"fmt"

	"github.com/matijazezelj/relgraph/internal/graph"
)

// Code classifies a service error for callers.
type Code string

const (
	CodeInvalidArgument      Code = "invalid_argument"
	CodeNotFound             Code = "not_found"
	CodeInternal             Code = "internal"
	CodeConsistencyViolation Code = "consistency_violation"
)

// Error is returned by every Service operation that fails.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func invalidArgument(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// translate maps a repository error onto the service taxonomy.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, graph.ErrBatchTooLarge):
		return &Error{Code: CodeInvalidArgument, Message: err.Error(), Err: err}
	case errors.Is(err, graph.ErrConsistencyViolation):
		return &Error{Code: CodeConsistencyViolation, Message: op + ": stores may have diverged", Err: err}
	case errors.Is(err, graph.ErrGraphWrite):
		return &Error{Code: CodeInternal, Message: op + ": graph store write failed", Err: err}
	default:
		return &Error{Code: CodeInternal, Message: op + " failed", Err: err}
	}
}
