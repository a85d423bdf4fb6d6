// Package fcperr defines the error taxonomy shared by every pipeline
// stage. Stages classify failures once, close to where they happen; the
// orchestrator and the façade only ever branch on Kind.
package fcperr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the machine-readable discriminator of a pipeline error.
type Kind string

const (
	// KindUserInput marks invalid request parameters. Never retried.
	KindUserInput Kind = "user_input"
	// KindTransient marks network errors, 5xx responses and timeouts.
	// Retried within a stage, then surfaced as stage failure.
	KindTransient Kind = "transient"
	// KindRateLimited marks a provider throttle signal. Surfaced with a
	// retry-after hint; never retried silently.
	KindRateLimited Kind = "rate_limited"
	// KindPermanent marks a segment that cannot be resolved: parse
	// failures, permanent 4xx, archive days that definitively do not
	// exist. The pipeline continues around it.
	KindPermanent Kind = "permanent_for_segment"
	// KindIntegrity marks checksum mismatches on cache or archive data.
	KindIntegrity Kind = "integrity"
	// KindSchema marks a canonical-form violation in the final frame.
	// Fatal for the request.
	KindSchema Kind = "schema_violation"
	// KindCancelled marks context cancellation. Propagates, no retry.
	KindCancelled Kind = "cancelled"
)

// Error is the discriminated error surfaced by the façade.
type Error struct {
	Kind    Kind
	Op      string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with no cause.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// With attaches a detail key for operator-facing context.
func (e *Error) With(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the classification of err, mapping context errors to
// KindCancelled and anything unclassified to KindTransient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return KindRateLimited
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindTransient
}

// RateLimitedError carries the provider's throttle hint upward so the
// caller or a supervisor can re-plan instead of hammering the API.
type RateLimitedError struct {
	RetryAfter time.Duration
	StatusCode int
	Host       string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s (status %d), retry after %s",
		e.Host, e.StatusCode, e.RetryAfter)
}
