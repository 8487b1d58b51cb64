package hooks

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emberlink/ember/internal/refdb"
)

var tracer = otel.Tracer("github.com/emberlink/ember/internal/hooks")

// withHookSpan wraps one hook entry point in a span named after it,
// recording the urn and the step's outcome.
func withHookSpan(ctx context.Context, step string, urn refdb.URN, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "hooks."+step, trace.WithAttributes(
		attribute.String("hooks.urn", urn.String()),
	))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
