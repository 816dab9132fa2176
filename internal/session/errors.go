package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/smallbiznis/adminis/internal/account/domain"
)

type (
	AuthError         = domain.AuthError
	AuthErrorKind     = domain.AuthErrorKind
	UpstreamError     = domain.UpstreamError
	UpstreamErrorKind = domain.UpstreamErrorKind
)

var (
	ErrMissingCredentials = errors.New("missing_credentials")
	ErrNoSessionCookie    = errors.New("no_session_cookie")

	errRejected = errors.New("credentials_rejected")
)

// ClassifyTransportError wraps a failed round trip as a retryable UpstreamError.
func ClassifyTransportError(op string, err error) *UpstreamError {
	kind := domain.UpstreamConnectionFailed
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = domain.UpstreamTimeout
	}
	return domain.NewUpstreamError(kind, op, 0, err)
}

// StatusError classifies an unexpected HTTP status.
func StatusError(op string, status int) *UpstreamError {
	kind := domain.UpstreamClientError
	if status >= http.StatusInternalServerError {
		kind = domain.UpstreamServerError
	}
	return domain.NewUpstreamError(kind, op, status, fmt.Errorf("unexpected status %d", status))
}
