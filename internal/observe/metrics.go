// Package observe provides application-wide observability primitives for
// PlateVoice: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all PlateVoice metrics.
const meterName = "github.com/platevoice/platevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionDuration tracks voice session lifetime from start to close.
	SessionDuration metric.Float64Histogram

	// TurnLatency tracks the time from end of user speech to the final
	// transcript arriving.
	TurnLatency metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts order tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TranscriptTimeouts counts turns abandoned because no final transcript
	// arrived within the bounded wait.
	TranscriptTimeouts metric.Int64Counter

	// BargeIns counts user interruptions of agent playback.
	BargeIns metric.Int64Counter

	// Reconnects counts successful transport redials.
	Reconnects metric.Int64Counter

	// RemoteErrors counts protocol errors by code.
	RemoteErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers whole-session lifetimes.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("platevoice.session.duration",
		metric.WithDescription("Voice session lifetime from start to close."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("platevoice.turn.latency",
		metric.WithDescription("Time from end of user speech to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("platevoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("platevoice.tool.calls",
		metric.WithDescription("Total order tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptTimeouts, err = m.Int64Counter("platevoice.transcript.timeouts",
		metric.WithDescription("Turns abandoned because no final transcript arrived in time."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("platevoice.barge_ins",
		metric.WithDescription("User interruptions of agent playback."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("platevoice.transport.reconnects",
		metric.WithDescription("Successful transport redials."),
	); err != nil {
		return nil, err
	}
	if met.RemoteErrors, err = m.Int64Counter("platevoice.remote.errors",
		metric.WithDescription("Protocol errors by code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("platevoice.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records one tool invocation with the standard attribute set.
// Safe on a nil receiver so metrics stay optional in tests.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			Attr("tool", tool),
			Attr("status", status),
		),
	)
}

// RecordRemoteError records one protocol error by code.
func (m *Metrics) RecordRemoteError(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.RemoteErrors.Add(ctx, 1, metric.WithAttributes(Attr("code", code)))
}

// RecordTranscriptTimeout records one abandoned turn.
func (m *Metrics) RecordTranscriptTimeout(ctx context.Context) {
	if m == nil {
		return
	}
	m.TranscriptTimeouts.Add(ctx, 1)
}

// RecordBargeIn records one playback interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1)
}

// RecordReconnect records one successful transport redial.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	if m == nil {
		return
	}
	m.Reconnects.Add(ctx, 1)
}

// SessionStarted bumps the live session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded drops the live session gauge and records the lifetime.
func (m *Metrics) SessionEnded(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, seconds)
}

// RecordTurnLatency records end-of-speech to final-transcript latency.
func (m *Metrics) RecordTurnLatency(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.TurnLatency.Record(ctx, seconds)
}
