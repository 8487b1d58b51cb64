package requestpull

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// sessionMetrics holds the OTel instruments for request-pull sessions,
// registered against the global delegating meter provider at init time
// so they are no-ops until telemetry is initialized and then forward
// automatically.
var sessionMetrics struct {
	started  metric.Int64Counter
	active   metric.Int64UpDownCounter
	rejected metric.Int64Counter
	errored  metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/emberlink/ember/internal/requestpull")
	sessionMetrics.started, _ = m.Int64Counter("ember.requestpull.sessions_started",
		metric.WithDescription("request-pull sessions accepted by Server.Serve"),
		metric.WithUnit("{session}"),
	)
	sessionMetrics.active, _ = m.Int64UpDownCounter("ember.requestpull.sessions_active",
		metric.WithDescription("request-pull sessions currently in flight"),
		metric.WithUnit("{session}"),
	)
	sessionMetrics.rejected, _ = m.Int64Counter("ember.requestpull.sessions_rejected",
		metric.WithDescription("request-pull sessions rejected for being over MaxSessions or arriving after Close"),
		metric.WithUnit("{session}"),
	)
	sessionMetrics.errored, _ = m.Int64Counter("ember.requestpull.session_errors",
		metric.WithDescription("request-pull sessions that ended in a terminal Error response or a transport failure"),
		metric.WithUnit("{session}"),
	)
}
