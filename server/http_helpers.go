package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/protocol"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	requestIDHeader         = "X-Request-ID"
)

const tracerName = "github.com/haasonsaas/dirsync/server"

func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" || len(reqID) > 64 {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		logger := base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("path", c.FullPath()).Logger()
		c.Set(requestLoggerContextKey, logger)

		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		tracer := otel.Tracer(tracerName)
		spanName := c.Request.Method + " " + c.FullPath()
		ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
			attribute.String("http.target", c.Request.URL.RequestURI()),
			attribute.String("request.id", reqID),
		)

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
		logger.Debug().Int("status", status).Dur("elapsed", time.Since(start)).Msg("request handled")
	}
}

// requestLogger returns the request-scoped logger, or fallback when the
// request context middleware did not run.
func requestLogger(c *gin.Context, fallback zerolog.Logger) *zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return &logger
		}
	}
	return &fallback
}

func requestID(c *gin.Context) string {
	if value, ok := c.Get(requestIDContextKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

// respondError writes the error envelope. Untyped errors are reported as
// a generic internal failure; their text is logged, never returned.
func respondError(c *gin.Context, err error, fallback zerolog.Logger) {
	typed, ok := apierr.As(err)
	if !ok {
		typed = apierr.Internal(err, "internal server error")
	}
	if typed.Kind == apierr.KindInternal {
		typed = &apierr.Error{Kind: apierr.KindInternal, Code: apierr.CodeInternal, Message: "internal server error", Err: typed.Err}
	}
	status := typed.Kind.HTTPStatus()

	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Err(err).Int("status", status).Str("error_code", typed.Code).Msg(typed.Message)

	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.code", typed.Code),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(err)
		}
	}

	body := protocol.ErrorResponse{
		Success:   false,
		Message:   typed.Message,
		ErrorCode: typed.Code,
		RequestID: requestID(c),
		Reasons:   typed.Reasons,
	}
	if !typed.RetryAfter.IsZero() {
		at := typed.RetryAfter.UTC()
		body.RetryAfter = &at
		if secs := int(time.Until(at).Seconds()); secs > 0 {
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}
	c.AbortWithStatusJSON(status, body)
}

// bindJSON decodes the body into dst, answering with a validation error
// on failure.
func bindJSON(c *gin.Context, dst any, fallback zerolog.Logger) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, apierr.Validation("invalid request body: %s", err.Error()), fallback)
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(c.Query(key)))
	return b
}

var errRecovered = errors.New("panic recovered")

// recovery converts panics into the internal error envelope.
func recovery(logger zerolog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		requestLogger(c, logger).Error().Interface("panic", recovered).Msg("handler panicked")
		respondError(c, errRecovered, logger)
	})
}
