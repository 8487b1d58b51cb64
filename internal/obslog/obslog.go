// Package obslog wraps logrus as emberd's structured logger and wires
// OpenTelemetry spans around the blocking-pool closures and
// request-pull sessions that cross goroutine boundaries.
package obslog

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the global structured logger for emberd. Callers prefer
// WithFields over bare Printf-style calls so log lines stay greppable.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// tracer is the package-wide OTel tracer.
var tracer = otel.Tracer("github.com/emberlink/ember/internal/obslog")

// Fields is a typed alias for logrus.Fields so callers don't need to
// import logrus directly for the common case.
type Fields = logrus.Fields

// Span starts a span named name, attaching attrs, and returns the
// derived context plus an end function that records err (if non-nil)
// before closing the span. Intended for wrapping one blocking-pool
// closure or one request-pull session:
//
//	ctx, end := obslog.Span(ctx, "blockingpool.task", obslog.Int("pool.worker", id))
//	defer func() { end(err) }()
func Span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Str is shorthand for attribute.String.
func Str(key, value string) attribute.KeyValue { return attribute.String(key, value) }

// Int is shorthand for attribute.Int.
func Int(key string, value int) attribute.KeyValue { return attribute.Int(key, value) }
