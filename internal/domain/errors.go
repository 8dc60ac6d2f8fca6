package domain

import (
	"errors"
	"fmt"
)

// ErrKind is the error taxonomy the core returns (spec §7). Callers branch
// on Kind, not on the wrapped message.
type ErrKind string

const (
	KindInstrumentNotFound ErrKind = "InstrumentNotFound"
	KindInsufficientFunds  ErrKind = "InsufficientFunds"
	KindInsufficientAsset  ErrKind = "InsufficientAsset"
	KindInvalidOrder       ErrKind = "InvalidOrder"
	KindNotFound           ErrKind = "NotFound"
	KindConflict           ErrKind = "Conflict"
	KindStoreUnavailable   ErrKind = "StoreUnavailable"
)

// Error is the concrete error type returned across the core. It wraps an
// underlying cause where one exists so %w unwrapping still reaches it.
type Error struct {
	Kind ErrKind
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

func NewError(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func WrapError(kind ErrKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
