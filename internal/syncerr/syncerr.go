// Package syncerr defines the error taxonomy of a sync run.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	KindList             Kind = "ListError"
	KindConfig           Kind = "ConfigError"
	KindChecksumMismatch Kind = "ChecksumMismatch"
	KindStalledStream    Kind = "StalledStreamError"
	KindTransfer         Kind = "TransferError"
	KindDelete           Kind = "DeleteError"
)

// Fatal reports whether errors of kind k invalidate the correctness of the
// run: anything that leaves the target incompletely synced.
func (k Kind) Fatal() bool {
	switch k {
	case KindList, KindConfig, KindChecksumMismatch, KindStalledStream, KindTransfer:
		return true
	}
	return false
}

// AbortsRun reports whether k stops the run in every failure mode.
func (k Kind) AbortsRun() bool {
	return k == KindList || k == KindConfig
}

// Sentinel errors usable with errors.Is.
var (
	ErrStalledStream    = errors.New("stalled stream: throughput below minimum for the grace period")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Error is a failure with the operation and object key it concerns.
type Error struct {
	Kind Kind
	Op   string
	Key  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Key != "":
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Op, e.Key, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind and operation context.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithKey adds object key context.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// Listf returns a ListError.
func Listf(format string, args ...any) *Error {
	return New(KindList, "list", fmt.Errorf(format, args...))
}

// Configf returns a ConfigError.
func Configf(format string, args ...any) *Error {
	return New(KindConfig, "config", fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in err's chain. Errors
// wrapping the stall or checksum sentinels without an *Error are classified
// by the sentinel; anything else is a TransferError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrStalledStream):
		return KindStalledStream
	case errors.Is(err, ErrChecksumMismatch):
		return KindChecksumMismatch
	}
	return KindTransfer
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
