package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// correlationKeys are span attributes lifted to the same top-level log
// fields the request logger writes, so span lines join request lines.
var correlationKeys = map[attribute.Key]string{
	"agent.id":               "agent_id",
	"request.id":             "request_id",
	"submission.id":          "submission_id",
	"certificate.thumbprint": "thumbprint",
}

// loggingExporter writes finished spans as structured log lines. Failed
// spans are logged at warn level with their status description.
type loggingExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter() sdktrace.SpanExporter {
	return &loggingExporter{logger: log.With().Str("component", "otel").Logger()}
}

func newLoggingExporterWithLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &loggingExporter{logger: logger}
}

func (l *loggingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		event := l.logger.Debug()
		if status := span.Status(); status.Code == codes.Error {
			event = l.logger.Warn().Str("span_error", status.Description)
		}
		sc := span.SpanContext()
		if sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String())
		}
		if parent := span.Parent(); parent.IsValid() {
			event = event.Str("parent_span_id", parent.SpanID().String())
		}
		event = event.Str("span", span.Name()).
			Dur("duration", span.EndTime().Sub(span.StartTime()))

		attrs := make(map[string]any)
		for _, attr := range span.Attributes() {
			if field, ok := correlationKeys[attr.Key]; ok {
				event = event.Str(field, attr.Value.Emit())
				continue
			}
			attrs[string(attr.Key)] = attr.Value.Emit()
		}
		if len(attrs) > 0 {
			event = event.Interface("attributes", attrs)
		}
		event.Msg("span finished")
	}
	return nil
}

func (l *loggingExporter) Shutdown(context.Context) error {
	return nil
}

func (l *loggingExporter) ForceFlush(context.Context) error {
	return nil
}
