package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/smallbiznis/adminis/internal/account/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributes_DropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("op", "login"),
		attribute.String("email", "owner@example.com"),
		attribute.String("password", "s3cret"),
		attribute.String("cookie", "adminis=abc"),
	)
	require.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("op"), attrs[0].Key)
}

func TestSafeError(t *testing.T) {
	assert.Nil(t, SafeError(nil))

	upstreamErr := domain.NewUpstreamError(domain.UpstreamServerError, "login", 502, errors.New("body with secrets"))
	assert.EqualError(t, SafeError(fmt.Errorf("wrapped: %w", upstreamErr)), "server_error")
	assert.ErrorIs(t, SafeError(fmt.Errorf("x: %w", context.DeadlineExceeded)), context.DeadlineExceeded)
	assert.NotContains(t, SafeError(errors.New("password=s3cret")).Error(), "s3cret")
}

func TestWrapHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("traceparent"))
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := WrapHTTPClient(&http.Client{})
	assert.Same(t, client, WrapHTTPClient(client))

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
