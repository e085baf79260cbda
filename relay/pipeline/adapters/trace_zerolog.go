package adapters

import (
	"context"
	"time"

	ports "github.com/ZanzyTHEbar/chat-relay/relay/pipeline/ports"
	"github.com/rs/zerolog"
)

type spanLoggerKey struct{}

// ZerologTracer implements the Tracer interface using zerolog.
type ZerologTracer struct {
	logger zerolog.Logger
}

// NewZerologTracer creates a new zerolog tracer.
func NewZerologTracer(logger zerolog.Logger) *ZerologTracer {
	return &ZerologTracer{
		logger: logger,
	}
}

// StartSpan opens a span. Nested spans inherit the attributes of their parent.
func (t *ZerologTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	parent := t.spanLogger(ctx)

	lc := parent.With().Str("span", name)
	for k, v := range attrs {
		lc = lc.Interface(k, v)
	}
	spanLogger := lc.Logger()

	ctx = context.WithValue(ctx, spanLoggerKey{}, spanLogger)
	startTime := time.Now()

	spanLogger.Debug().Str("event", "span_start").Msg("Starting span")

	finish := func(err error) {
		event := spanLogger.Debug()
		if err != nil {
			event = spanLogger.Warn().Err(err)
		}
		event.
			Str("event", "span_end").
			Dur("duration", time.Since(startTime)).
			Msg("Ending span")
	}

	return ctx, finish
}

// Event logs a tracing event with the current span context.
func (t *ZerologTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	logger := t.spanLogger(ctx)
	event := logger.Info()
	for k, v := range attrs {
		event = event.Interface(k, v)
	}
	event.Str("event", name).Msg("Tracing event")
}

func (t *ZerologTracer) spanLogger(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(spanLoggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return t.logger
}

// NoopTracer discards spans and events.
type NoopTracer struct{}

func (NoopTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (NoopTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// Ensure the tracers implement the Tracer interface.
var (
	_ ports.Tracer = (*ZerologTracer)(nil)
	_ ports.Tracer = NoopTracer{}
)
