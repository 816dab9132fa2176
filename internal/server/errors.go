package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/smallbiznis/adminis/internal/observability/metrics"
	"github.com/smallbiznis/adminis/internal/syncer"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Reason  string            `json:"reason,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var (
		authErr     *domain.AuthError
		upstreamErr *domain.UpstreamError
	)
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid request",
		}
	case errors.Is(err, domain.ErrPropertyNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "property not found",
		}
	case errors.Is(err, domain.ErrNoSnapshot):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "no_snapshot",
			Message: "no snapshot published yet",
		}
	case errors.Is(err, domain.ErrCycleInProgress),
		errors.Is(err, syncer.ErrLockHeld):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "a sync cycle is already running",
		}
	case errors.As(err, &authErr):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_auth_failed",
			Message: "upstream authentication failed",
			Reason:  authErr.MetricReason(),
		}
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_error",
			Message: "upstream request failed",
			Reason:  upstreamErr.MetricReason(),
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// classifyErrorForLog returns the response type and a low-cardinality reason.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, metrics.ClassifyReason(err)
}
