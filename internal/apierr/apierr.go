package apierr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for callers, logs and metrics.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindInvalidInput  Kind = "invalid_input"
	KindKeyFetch      Kind = "key_fetch"
	KindTokenExchange Kind = "token_exchange"
	KindTransport     Kind = "transport"
	KindCodec         Kind = "codec"
	KindCanceled      Kind = "canceled"
	KindUnknown       Kind = "unknown"
)

// Error is the error type returned by every stage of the submission pipeline.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "auth.fetch_key"
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrConfiguration = &Error{Kind: KindConfiguration}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput}
	ErrKeyFetch      = &Error{Kind: KindKeyFetch}
	ErrTokenExchange = &Error{Kind: KindTokenExchange}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrCodec         = &Error{Kind: KindCodec}
	ErrCanceled      = &Error{Kind: KindCanceled}
)

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is formatted from the arguments.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain. Context
// cancellation that was never wrapped maps to KindCanceled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnknown
}
