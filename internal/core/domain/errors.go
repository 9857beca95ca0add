package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoCredentials       = errors.New("at least one credential is required")
	ErrDuplicateCredential = errors.New("duplicate credential id")
	ErrInvalidWorkerCount  = errors.New("worker count must be at least 1")
	ErrPoolExhausted       = errors.New("credential pool exhausted")
	ErrAwaitTimeout        = errors.New("timed out waiting for result")
	ErrUnknownRequest      = errors.New("unknown request id")
	ErrPoolStopped         = errors.New("pool is stopped")
	ErrInvalidRequest      = errors.New("invalid request")
)

// FailureKind classifies why an attempt or request failed.
type FailureKind string

const (
	FailureRateLimited    FailureKind = "rate_limited"
	FailureQuotaExceeded  FailureKind = "quota_exceeded"
	FailureTransient      FailureKind = "transient_error"
	FailureTimeout        FailureKind = "timeout"
	FailurePoolExhausted  FailureKind = "pool_exhausted"
	FailureAwaitTimeout   FailureKind = "await_timeout"
	FailureInvalidRequest FailureKind = "invalid_request"
	FailureStopped        FailureKind = "stopped"
	FailureUnknownRequest FailureKind = "unknown_request"
)

// Failure is the failure detail attached to a request outcome.
type Failure struct {
	Kind       FailureKind  `json:"kind"`
	Message    string       `json:"message"`
	Credential CredentialID `json:"credential,omitempty"`
	Attempts   int          `json:"attempts"`
}

func (f *Failure) Error() string {
	if f.Attempts > 0 {
		return fmt.Sprintf("%s after %d attempts: %s", f.Kind, f.Attempts, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Is lets errors.Is match a Failure against the package sentinels.
func (f *Failure) Is(target error) bool {
	switch target {
	case ErrPoolExhausted:
		return f.Kind == FailurePoolExhausted
	case ErrAwaitTimeout:
		return f.Kind == FailureAwaitTimeout
	case ErrPoolStopped:
		return f.Kind == FailureStopped
	case ErrInvalidRequest:
		return f.Kind == FailureInvalidRequest
	case ErrUnknownRequest:
		return f.Kind == FailureUnknownRequest
	}
	return false
}

// UpstreamError lets an upstream adapter state the failure kind explicitly
// instead of relying on message matching.
type UpstreamError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %d (%s): %s", e.StatusCode, e.Kind, msg)
	}
	return fmt.Sprintf("upstream (%s): %s", e.Kind, msg)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
