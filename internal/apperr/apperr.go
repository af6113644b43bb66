// Package apperr defines the error kinds shared across components.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error by how callers should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindIo
	KindProtocol
	KindRemote
	KindTimeout
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIo:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is.
var (
	ErrConfig    = &Error{Kind: KindConfig}
	ErrIo        = &Error{Kind: KindIo}
	ErrProtocol  = &Error{Kind: KindProtocol}
	ErrRemote    = &Error{Kind: KindRemote}
	ErrTimeout   = &Error{Kind: KindTimeout}
	ErrCancelled = &Error{Kind: KindCancelled}
	ErrInternal  = &Error{Kind: KindInternal}
)

// Error is a classified error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Op != "" && e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String() + " error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, apperr.ErrTimeout) works
// regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// New returns an error of the given kind.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf is New with formatting.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Context errors are mapped to Timeout and Cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// FromContext converts a context error into a classified one.
func FromContext(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCancelled, Op: op, Err: err}
	default:
		return err
	}
}
