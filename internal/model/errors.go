package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a failure for the orchestrator's retry and status policy.
type Kind int

const (
	// KindTransient covers network and 5xx failures. Retried with backoff.
	KindTransient Kind = iota
	// KindAuthExpired means the credential is no longer valid.
	KindAuthExpired
	// KindRateLimited means the provider is throttling. The account is
	// deferred until its cooldown expires.
	KindRateLimited
	// KindMalformed means the provider response could not be parsed.
	KindMalformed
	// KindStoreFailure is a local persistence failure for one commit.
	KindStoreFailure
	// KindForbidden means the credential is valid but denied access to one
	// resource, such as a calendar whose share was revoked.
	KindForbidden
)

// String returns the taxonomy name of k.
func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "AuthExpired"
	case KindRateLimited:
		return "RateLimited"
	case KindMalformed:
		return "Malformed"
	case KindStoreFailure:
		return "StoreFailure"
	case KindForbidden:
		return "Forbidden"
	default:
		return "Transient"
	}
}

// maxPayload bounds the raw response excerpt kept on Malformed errors.
const maxPayload = 512

// SourceError is the typed error every adapter returns for provider failures.
type SourceError struct {
	Kind Kind
	Op   string

	// RetryAfter is the provider-supplied cooldown for RateLimited errors.
	// Zero means the caller's default applies.
	RetryAfter time.Duration

	// Payload is an excerpt of the unparseable response for Malformed errors.
	Payload string

	Err error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// AuthExpired wraps err as a KindAuthExpired failure of op.
func AuthExpired(op string, err error) error {
	return &SourceError{Kind: KindAuthExpired, Op: op, Err: err}
}

// RateLimited wraps err as a KindRateLimited failure of op.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &SourceError{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// Transient wraps err as a KindTransient failure of op.
func Transient(op string, err error) error {
	return &SourceError{Kind: KindTransient, Op: op, Err: err}
}

// Malformed wraps err as a KindMalformed failure of op, keeping a bounded
// excerpt of the offending payload.
func Malformed(op string, payload []byte, err error) error {
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	return &SourceError{Kind: KindMalformed, Op: op, Payload: string(payload), Err: err}
}

// Forbidden wraps err as a KindForbidden failure of op.
func Forbidden(op string, err error) error {
	return &SourceError{Kind: KindForbidden, Op: op, Err: err}
}

// StoreFailure wraps err as a KindStoreFailure for op.
func StoreFailure(op string, err error) error {
	return &SourceError{Kind: KindStoreFailure, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors, including context
// cancellation, are Transient.
func KindOf(err error) Kind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the provider-supplied cooldown carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var se *SourceError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// IsCancellation reports whether err stems from context cancellation or an
// expired deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ParseRetryAfter interprets an HTTP Retry-After header value, given either
// as delay seconds or as an HTTP date. It returns zero when the value is
// absent, malformed or already in the past.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
