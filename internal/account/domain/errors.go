package domain

import (
	"fmt"
	"strings"
)

// AuthErrorKind distinguishes credential rejection from an expired session.
type AuthErrorKind string

const (
	AuthInvalidCredentials AuthErrorKind = "invalid_credentials"
	AuthSessionExpired     AuthErrorKind = "session_expired"
)

// AuthError is raised when the upstream refuses to authenticate the account.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "auth: " + string(e.Kind)
	}
	return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInvalidCredentials) match a credential rejection.
func (e *AuthError) Is(target error) bool {
	return target == ErrInvalidCredentials && e.Kind == AuthInvalidCredentials
}

func (e *AuthError) MetricReason() string { return string(e.Kind) }

// UpstreamErrorKind classifies transport and payload failures.
type UpstreamErrorKind string

const (
	UpstreamTimeout           UpstreamErrorKind = "timeout"
	UpstreamConnectionFailed  UpstreamErrorKind = "connection_failed"
	UpstreamServerError       UpstreamErrorKind = "server_error"
	UpstreamMalformedResponse UpstreamErrorKind = "malformed_response"
	UpstreamClientError       UpstreamErrorKind = "client_error"
)

// Retryable reports whether a later cycle may succeed without intervention.
func (k UpstreamErrorKind) Retryable() bool {
	switch k {
	case UpstreamTimeout, UpstreamConnectionFailed, UpstreamServerError:
		return true
	default:
		return false
	}
}

// UpstreamError wraps a failed upstream call.
type UpstreamError struct {
	Kind      UpstreamErrorKind
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func NewUpstreamError(kind UpstreamErrorKind, op string, status int, err error) *UpstreamError {
	return &UpstreamError{
		Kind:      kind,
		Op:        op,
		Status:    status,
		Retryable: kind.Retryable(),
		Err:       err,
	}
}

func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString("upstream ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) MetricReason() string { return string(e.Kind) }
