// Package fault defines the error taxonomy shared by the service layer and
// the HTTP handlers. Every fault is a final outcome: a failed conditional
// write is a correct answer, never a signal to retry.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a fault so handlers can map it to a transport status.
type Kind int

const (
	// KindUnknown is the zero value for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation marks malformed or oversized input.
	KindValidation
	// KindRateLimited marks a sliding-window or cooldown rejection.
	KindRateLimited
	// KindQuotaExhausted marks a daily ceiling or token budget rejection.
	KindQuotaExhausted
	// KindTokenRejected marks an invalid, expired, or already-used secret.
	KindTokenRejected
	// KindAuthorization marks a role or ownership violation.
	KindAuthorization
	// KindStateConflict marks an operation against an ineligible state.
	KindStateConflict
	// KindNotFound marks an entity the caller cannot see.
	KindNotFound
)

// Fault carries a taxonomy kind, a stable machine-readable code, and an
// optional retry hint in seconds for rate-limit style rejections.
type Fault struct {
	kind       Kind
	code       string
	retryAfter int64
	err        error
}

func (f *Fault) Error() string {
	if f.err == nil {
		return f.code
	}
	return fmt.Sprintf("%s: %v", f.code, f.err)
}

// Unwrap exposes the wrapped cause.
func (f *Fault) Unwrap() error {
	return f.err
}

// Kind returns the taxonomy classification.
func (f *Fault) Kind() Kind {
	return f.kind
}

// Code returns the stable machine-readable code.
func (f *Fault) Code() string {
	return f.code
}

// RetryAfterSeconds returns the caller-facing retry hint, zero when absent.
func (f *Fault) RetryAfterSeconds() int64 {
	return f.retryAfter
}

// New constructs a fault with the provided kind and code.
func New(kind Kind, code string) *Fault {
	return &Fault{kind: kind, code: code}
}

// Wrap constructs a fault wrapping an underlying cause.
func Wrap(kind Kind, code string, cause error) *Fault {
	return &Fault{kind: kind, code: code, err: cause}
}

// Validation constructs a validation fault.
func Validation(code string) *Fault {
	return New(KindValidation, code)
}

// RateLimited constructs a rate-limit fault carrying a retry hint.
func RateLimited(code string, retryAfterSeconds int64) *Fault {
	return &Fault{kind: KindRateLimited, code: code, retryAfter: retryAfterSeconds}
}

// QuotaExhausted constructs a daily-budget fault.
func QuotaExhausted(code string) *Fault {
	return New(KindQuotaExhausted, code)
}

// TokenRejected constructs a single-use token fault.
func TokenRejected(code string) *Fault {
	return New(KindTokenRejected, code)
}

// Authorization constructs a role or ownership fault.
func Authorization(code string) *Fault {
	return New(KindAuthorization, code)
}

// StateConflict constructs an ineligible-state fault.
func StateConflict(code string) *Fault {
	return New(KindStateConflict, code)
}

// NotFound constructs a missing-entity fault.
func NotFound(code string) *Fault {
	return New(KindNotFound, code)
}

// KindOf extracts the taxonomy kind from an error chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindUnknown
}

// As extracts the fault from an error chain when present.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
