package observability

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace derives a logger from the global one, stamped with the
// trace and span ids found in ctx so log lines and spans correlate in the
// backend. A nil or span-less context returns the global logger unchanged.
func LoggerWithTrace(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return &l
	}
	c := l.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String())
	if sc.IsSampled() {
		c = c.Bool("trace_sampled", true)
	}
	l = c.Logger()
	return &l
}
