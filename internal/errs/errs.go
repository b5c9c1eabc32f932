// Package errs classifies failures from the object store, the cache, and the
// artifact codec into a small set of kinds that callers can act on: retry,
// surface to the user, or degrade gracefully. It is a classification layer,
// not a replacement for Go's normal error wrapping — every Error still wraps
// its underlying cause and participates in errors.Is/errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is one of the nine failure classes a fastshot operation can surface.
type Kind string

const (
	// Transient is retryable: network blips, throttling, temporary unavailability.
	Transient Kind = "transient"
	// AuthDenied means credentials are present but rejected, or access is denied.
	AuthDenied Kind = "auth_denied"
	// NotFound means the requested key/file does not exist.
	NotFound Kind = "not_found"
	// Integrity means a checksum or required-field validation failed.
	Integrity Kind = "integrity"
	// DecryptionFailed means the body did not decode to a valid ZIP after
	// the XOR pass (a missing artifact sentinel is Integrity instead).
	DecryptionFailed Kind = "decryption_failed"
	// SchemaMismatch means a JSON document could not be reconciled with the
	// expected schema even after backward-compatibility defaulting.
	SchemaMismatch Kind = "schema_mismatch"
	// Cancelled means the operation was cooperatively cancelled.
	Cancelled Kind = "cancelled"
	// NotConfigured means a required configuration value (bucket, key) is
	// absent, so the operation cannot even begin.
	NotConfigured Kind = "not_configured"
	// Fatal is unclassified or unrecoverable; callers should not retry.
	Fatal Kind = "fatal"
)

// Error wraps a cause with a Kind classification.
type Error struct {
	kind Kind
	op   string
	err  error
}

// New creates a classified error. op names the operation that failed
// ("objectstore.Put", "cache.PublishManifest") for log context.
func New(kind Kind, op string, err error) *Error {
	return &Error{kind: kind, op: op, err: err}
}

func (e *Error) Error() string {
	if e.op == "" {
		return fmt.Sprintf("%s: %v", e.kind, e.err)
	}
	return fmt.Sprintf("%s: %s: %v", e.op, e.kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Is reports whether target is a *Error with the same Kind, enabling
// errors.Is(err, errs.New(errs.NotFound, "", nil)) style checks, and also
// supports errors.Is(err, errs.ErrNotFound) sentinel comparisons.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.kind == other.kind
	}
	return false
}

// ClassOf returns the Kind of err if it is (or wraps) an *Error, else Fatal.
func ClassOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Fatal
}

// Retryable reports whether an operation that produced err should be retried.
func Retryable(err error) bool {
	return ClassOf(err) == Transient
}

// Sentinels for direct comparison at call sites that don't need op context.
var (
	ErrNotFound      = New(NotFound, "", errors.New("not found"))
	ErrCancelled     = New(Cancelled, "", errors.New("operation cancelled"))
	ErrNotConfigured = New(NotConfigured, "", errors.New("not configured"))
)

// retryablePatterns are substrings seen in AWS SDK v2 and filesystem errors
// that indicate a transient condition worth retrying.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"server error",
	"throttling",
	"slowdown",
	"requesttimeout",
	"too many requests",
	"eof",
}

// ClassifyNetwork inspects a raw error's message for known transient
// substrings. It is the fallback used when the error isn't already a typed
// AWS SDK error that objectstore can classify directly via errors.As.
func ClassifyNetwork(err error) Kind {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return Transient
		}
	}
	return Fatal
}

// Wrap classifies err via ClassifyNetwork and wraps it, unless err is already
// a classified *Error (in which case it is returned unchanged).
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return New(ClassifyNetwork(err), op, err)
}
