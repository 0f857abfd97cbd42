package domain

import (
	"context"
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrAssemblyValidation = errors.New("assembled policy has no categories")
	ErrSafeModeLoad       = errors.New("safe mode policy could not be loaded")
	ErrInvalidTenant      = errors.New("invalid tenant id")
)

// ErrorKind classifies failures from the remote policy source. The adapter
// layer assigns it; retry eligibility is decided from it alone.
type ErrorKind int

const (
	// KindUnknown errors are treated as deterministic.
	KindUnknown ErrorKind = iota
	// KindTransient covers network and timeout failures. Retryable.
	KindTransient
	// KindAuth covers rejected credentials or permissions.
	KindAuth
	// KindNotFound covers missing index or detail pages.
	KindNotFound
	// KindParse covers undecodable or malformed responses.
	KindParse
	// KindUnavailable means the source was not called at all (circuit open).
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// SourceError wraps a policy source failure with its classification.
type SourceError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SourceError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s source error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s source error: %v", e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewTransientError builds a retryable network/timeout-class error.
func NewTransientError(op string, err error) error {
	return &SourceError{Kind: KindTransient, Op: op, Err: err}
}

// NewAuthError builds a deterministic authentication error.
func NewAuthError(op string, err error) error {
	return &SourceError{Kind: KindAuth, Op: op, Err: err}
}

// NewNotFoundError builds a deterministic not-found error.
func NewNotFoundError(op string, err error) error {
	return &SourceError{Kind: KindNotFound, Op: op, Err: err}
}

// NewParseError builds a deterministic parse/validation error.
func NewParseError(op string, err error) error {
	return &SourceError{Kind: KindParse, Op: op, Err: err}
}

// NewUnavailableError marks a call that was short-circuited before reaching the source.
func NewUnavailableError(op string, err error) error {
	return &SourceError{Kind: KindUnavailable, Op: op, Err: err}
}

// KindOf returns the classification carried by err. A context deadline that
// expired inside an attempt is transient; anything unclassified is unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}
