// Package fault defines the stable error conditions surfaced by Airlock
// subsystems. Callers branch on the kind (errors.As / KindOf), never on
// message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the documented failure conditions.
type Kind int

const (
	// Validation marks malformed client input (bad name, short password).
	Validation Kind = iota + 1
	// NotFound marks an unknown id or name.
	NotFound
	// Conflict marks an illegal state transition (already locked, revoked, ...).
	Conflict
	// Unauthorized marks a missing, invalid, expired, or revoked credential.
	Unauthorized
	// Integrity marks a script HMAC mismatch. Distinct from Unauthorized:
	// the bearer identity may be valid while the payload was tampered with.
	Integrity
	// Unavailable marks a collaborator (the worker) that is not ready.
	Unavailable
	// CryptoFailure marks an authenticated-decryption failure (wrong key or
	// tampered blob). Must abort the calling operation entirely.
	CryptoFailure
	// Internal marks an unexpected failure (storage I/O and the like).
	Internal
)

// Code returns the stable wire-visible code for the kind.
func (k Kind) Code() string {
	switch k {
	case Validation:
		return "validation_error"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Unauthorized:
		return "unauthorized"
	case Integrity:
		return "integrity_failure"
	case Unavailable:
		return "service_unavailable"
	case CryptoFailure:
		return "crypto_failure"
	default:
		return "internal_error"
	}
}

// Error is a classified error with an optional wrapped cause and optional
// related ids (e.g. the locked profiles blocking a credential delete).
type Error struct {
	Kind       Kind
	Message    string
	ProfileIDs []string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
