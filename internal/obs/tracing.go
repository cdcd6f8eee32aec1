// Package obs wires the coordinator's logging and tracing ambient stack:
// logrus for structured logs (the teacher's logging idiom throughout
// prism-api/api), and OpenTelemetry for request/operation spans — a
// dependency the teacher's go.mod declares but never wires up; this repo
// gives it a real home across the event-handling and flush paths.
package obs

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the coordinator's single tracer instance, named after the
// module so spans are attributable in a multi-service trace backend.
var Tracer = otel.Tracer("board-coordinator")

// NewLogger mirrors the teacher's log.New() + conditional DebugLevel
// pattern (prism-api/main.go).
func NewLogger(debug bool) *log.Logger {
	logger := log.New()
	if debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// NewTracerProvider installs an in-process OTel SDK trace provider. No
// exporter is configured, so spans are recorded in process and not sent to
// any collector.
func NewTracerProvider() *sdktrace.TracerProvider {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp
}

// StartSpan opens a span under Tracer, named "board.<op>" so handler and
// flush-queue spans are easy to filter in a trace backend.
func StartSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, "board."+op)
}
