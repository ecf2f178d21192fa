// Package errors defines the typed failure taxonomy of the ingestion pipeline.
// Callers branch on Kind, never on error strings.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindRateLimited            Kind = "rate_limited"
	KindTransient              Kind = "transient"
	KindPermanent              Kind = "permanent"
	KindParameterLimitExceeded Kind = "parameter_limit_exceeded"
	KindConsolidationConflict  Kind = "consolidation_conflict"
	KindPersistenceFailure     Kind = "persistence_failure"
	KindConfiguration          Kind = "configuration"
	KindUnknown                Kind = "unknown"
)

// Retryable reports whether work that failed with this kind may be attempted again.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindPersistenceFailure:
		return true
	default:
		return false
	}
}

// Error is a classified failure with the component and operation that raised it.
type Error struct {
	Kind       Kind
	Component  string
	Op         string
	Err        error
	RetryAfter time.Duration
	Timestamp  time.Time
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Component != "" {
		msg = e.Component + ": " + msg
	}
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by Kind so that errors.Is(err, &Error{Kind: k})
// works as a kind check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Component == "" || t.Component == e.Component)
}

func newError(kind Kind, component, op string, err error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: err, Timestamp: time.Now().UTC()}
}

// RateLimited reports that an upstream asked the caller to slow down.
func RateLimited(component, op string, retryAfter time.Duration, err error) *Error {
	e := newError(KindRateLimited, component, op, err)
	e.RetryAfter = retryAfter
	return e
}

// Transient reports a failure expected to clear on retry.
func Transient(component, op string, err error) *Error {
	return newError(KindTransient, component, op, err)
}

// Permanent reports a failure that must never be retried.
func Permanent(component, op string, err error) *Error {
	return newError(KindPermanent, component, op, err)
}

// Persistence reports that a whole batch write failed.
func Persistence(component, op string, err error) *Error {
	return newError(KindPersistenceFailure, component, op, err)
}

// Conflict records a high-variance merge. It is informational.
func Conflict(component string, err error) *Error {
	return newError(KindConsolidationConflict, component, "merge", err)
}

// Configuration reports an invalid static setup.
func Configuration(component string, err error) *Error {
	return newError(KindConfiguration, component, "configure", err)
}

// ParameterLimitExceeded is the panic value raised when a statement would bind
// more parameters than the store accepts.
type ParameterLimitExceeded struct {
	Params int
	Limit  int
}

func (p ParameterLimitExceeded) Error() string {
	return fmt.Sprintf("%s: statement binds %d parameters, limit is %d", KindParameterLimitExceeded, p.Params, p.Limit)
}

// KindOf extracts the classification of err. Context errors map to
// Transient; anything unclassified is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var p ParameterLimitExceeded
	if errors.As(err, &p) {
		return KindParameterLimitExceeded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// DefaultRetryAfter is used when an upstream rate limits without a hint.
const DefaultRetryAfter = time.Second

// ClassifyHTTP maps an HTTP response status to a Kind. 2xx returns "".
func ClassifyHTTP(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// ParseRetryAfter reads a Retry-After header given as delta seconds or an
// HTTP date. Missing or unparseable values return DefaultRetryAfter.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
