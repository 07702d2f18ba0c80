package obs

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the error taxonomy from spec §7.
type ErrorKind string

const (
	KindStoreUnavailable ErrorKind = "store_unavailable"
	KindUpstreamModel4xx ErrorKind = "upstream_model_4xx"
	KindUpstreamModel5xx ErrorKind = "upstream_model_5xx"
	KindToolArgInvalid   ErrorKind = "tool_arg_invalid"
	KindToolPermission   ErrorKind = "tool_permission_denied"
	KindTaskBudget       ErrorKind = "task_budget_exceeded"
	KindInterrupt        ErrorKind = "interrupt"
	KindNotFound         ErrorKind = "not_found"
	KindInvalidArgument  ErrorKind = "invalid_argument"
)

// KindError is a typed error carrying one of the ErrorKind values so
// callers at loop boundaries can branch on category without string
// matching.
type KindError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// Is supports errors.Is(err, obs.KindError{Kind: X}) comparisons by kind.
func (e *KindError) Is(target error) bool {
	var ke *KindError
	if errors.As(target, &ke) {
		return ke.Kind == e.Kind
	}
	return false
}

// NewError builds a *KindError attributing op (the failing operation) and
// wrapping cause (may be nil).
func NewError(kind ErrorKind, op string, cause error) *KindError {
	return &KindError{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is a
// *KindError; returns ("", false) otherwise.
func KindOf(err error) (ErrorKind, bool) {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return "", false
}

// Sentinel errors for common not-found/conflict conditions returned by
// internal/store implementations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrDeleted       = errors.New("deleted")
)
