package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure for retry and escalation decisions.
type Kind string

const (
	KindTransientNetwork     Kind = "transient_network"
	KindRateLimited          Kind = "rate_limited"
	KindCredentialExhausted  Kind = "credential_exhausted"
	KindSessionInvalid       Kind = "session_invalid"
	KindContentDefect        Kind = "content_defect"
	KindConfigurationInvalid Kind = "configuration_invalid"
	KindUnexpectedFault      Kind = "unexpected_fault"
	KindCanceled             Kind = "canceled"
)

// Error tags an underlying error with a Kind and the operation that produced it.
type Error struct {
	Kind       Kind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	parts = append(parts, string(e.Kind))
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind. A nil err still yields an error carrying the message.
func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// RateLimited builds a RateLimited error carrying the server's retry hint.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// KindOf returns the Kind of the first tagged error in the chain. Context
// cancellation maps to KindCanceled; anything else untagged is an unexpected fault.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindUnexpectedFault
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Retryable reports whether a stage may be attempted again after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

// ChannelLevel reports whether err must be escalated beyond the item.
func ChannelLevel(err error) bool {
	switch KindOf(err) {
	case KindSessionInvalid, KindCredentialExhausted, KindConfigurationInvalid, KindUnexpectedFault:
		return true
	default:
		return false
	}
}
