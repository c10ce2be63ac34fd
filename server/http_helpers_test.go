package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/protocol"
)

func TestWithRequestContextSetsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/ping", func(c *gin.Context) {
		if requestID(c) == "" {
			t.Error("request ID not set")
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request ID header")
	}
	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.Code)
	}
}

func TestWithRequestContextKeepsCallerID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "abc123")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, "abc123", resp.Header().Get(requestIDHeader))
}

func TestRequestLoggerCarriesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	r := gin.New()
	r.Use(withRequestContext(base))
	r.GET("/agents/:id", func(c *gin.Context) {
		requestLogger(c, zerolog.Nop()).Info().Str("agent_id", c.Param("id")).Msg("looked up")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/agents/a-1", nil)
	req.Header.Set(requestIDHeader, "req-42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Contains(t, buf.String(), `"request_id":"req-42"`)
	require.Contains(t, buf.String(), `"agent_id":"a-1"`)
	require.Contains(t, buf.String(), `"message":"looked up"`)
}

func TestRequestLoggerFallsBackOutsideMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	requestLogger(c, zerolog.New(&buf)).Warn().Msg("no request context")
	require.Contains(t, buf.String(), `"level":"warn"`)
}

func serveError(t *testing.T, err error) (*httptest.ResponseRecorder, protocol.ErrorResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	baseLogger := zerolog.Nop()
	r := gin.New()
	r.Use(withRequestContext(baseLogger))
	r.GET("/fail", func(c *gin.Context) {
		respondError(c, err, baseLogger)
	})

	req := httptest.NewRequest(http.MethodGet, "/fail", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	var body protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.False(t, body.Success)
	require.Equal(t, resp.Header().Get(requestIDHeader), body.RequestID)
	return resp, body
}

func TestRespondErrorMapsTypedErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apierr.Validation("bad"), http.StatusBadRequest, apierr.CodeInvalidRequest},
		{apierr.AuthenticationFailed("no"), http.StatusUnauthorized, apierr.CodeAuthenticationFailed},
		{apierr.AgentNotFound("a1"), http.StatusNotFound, apierr.CodeAgentNotFound},
		{apierr.Integrity("hash"), http.StatusUnprocessableEntity, apierr.CodeIntegrityError},
		{apierr.AgentDeactivated("a1"), http.StatusConflict, apierr.CodeAgentDeactivated},
		{apierr.Transient(errors.New("db"), time.Time{}, "busy"), http.StatusServiceUnavailable, apierr.CodeTransient},
	}
	for _, tc := range cases {
		resp, body := serveError(t, tc.err)
		require.Equal(t, tc.status, resp.Code, tc.code)
		require.Equal(t, tc.code, body.ErrorCode)
	}
}

func TestRespondErrorHidesInternals(t *testing.T) {
	resp, body := serveError(t, errors.New("sqlite: disk I/O error at /var/lib/dirsync.db"))
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.Equal(t, apierr.CodeInternal, body.ErrorCode)
	require.Equal(t, "internal server error", body.Message)

	resp, body = serveError(t, apierr.Internal(errors.New("secret detail"), "sign certificate"))
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.NotContains(t, body.Message, "secret")
}

func TestRespondErrorCarriesReasonsAndRetryAfter(t *testing.T) {
	typed := apierr.Validation("certificate rejected")
	typed.Reasons = []string{"expired", "untrusted issuer"}
	_, body := serveError(t, typed)
	require.Equal(t, []string{"expired", "untrusted issuer"}, body.Reasons)

	retryAt := time.Now().Add(time.Minute)
	resp, body := serveError(t, apierr.Transient(nil, retryAt, "try later"))
	require.NotNil(t, body.RetryAfter)
	require.NotEmpty(t, resp.Header().Get("Retry-After"))
}

func TestRecoveryReturnsEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(recovery(zerolog.Nop()), withRequestContext(zerolog.Nop()))
	r.GET("/panic", func(c *gin.Context) { panic("boom") })

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	var body protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, apierr.CodeInternal, body.ErrorCode)
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("k", 2, time.Minute))
	require.True(t, rl.Allow("k", 2, time.Minute))
	require.False(t, rl.Allow("k", 2, time.Minute))
	require.True(t, rl.Allow("other", 2, time.Minute))
	require.True(t, rl.Allow("k", 0, time.Minute))

	now = now.Add(2 * time.Minute)
	require.Equal(t, 2, rl.Prune())
	require.Equal(t, 0, rl.Stats().Keys)
	require.True(t, rl.Allow("k", 2, time.Minute))
}
