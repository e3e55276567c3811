package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	apitrace "go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("beam")

// StartSpan opens a span named phase ("HANDSHAKE" or "TRANSFER"), scoped to
// sessionID, against the globally configured TracerProvider. Before
// InitTracing installs a real provider (or when no Jaeger endpoint is
// configured) this is the default no-op tracer, so callers may call it
// unconditionally.
func StartSpan(ctx context.Context, phase, sessionID string) (context.Context, apitrace.Span) {
	return tracer.Start(ctx, phase, apitrace.WithAttributes(attribute.String("session_id", sessionID)))
}
