// Package observe provides the observability primitives shared by the relay
// server and the voice client: OpenTelemetry metrics, tracing helpers,
// trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]; [Handler] serves them on /metrics. Tests
// should build their own [Metrics] with [NewMetrics] and a manual reader
// instead of touching [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every metric instrument of the application. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// HandshakeRequests counts relayed SDP handshakes. Attributes:
	//   attribute.String("status", "<http status code>")
	HandshakeRequests metric.Int64Counter

	// MintRequests counts client-secret mint calls. Attributes:
	//   attribute.String("outcome", "ok" | "unconfigured" | "upstream_error" | "circuit_open")
	MintRequests metric.Int64Counter

	// FirstAudioLatency is the time from the end of user speech to the
	// first audio of the assistant's reply.
	FirstAudioLatency metric.Float64Histogram

	// TurnTokens counts tokens per finished response. Attributes:
	//   attribute.String("direction", "input" | "output" | "cached")
	TurnTokens metric.Int64Counter

	// Interruptions counts interrupted or cleared responses. Attributes:
	//   attribute.String("cause", ...)
	Interruptions metric.Int64Counter

	// PlaybackFlushes counts scheduled sources dropped by playback flushes.
	PlaybackFlushes metric.Int64Counter

	// ActiveSessions tracks live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks relay request latency, labelled with
	// method, route (the ServeMux pattern) and status_class.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, tuned for
// conversational response latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	met := &Metrics{}

	if met.HandshakeRequests, err = m.Int64Counter("voxbridge.handshake.requests",
		metric.WithDescription("Relayed SDP handshakes by upstream status."),
	); err != nil {
		return nil, err
	}
	if met.MintRequests, err = m.Int64Counter("voxbridge.mint.requests",
		metric.WithDescription("Client secret mint requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voxbridge.first_audio.latency",
		metric.WithDescription("Time from end of user speech to first assistant audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnTokens, err = m.Int64Counter("voxbridge.turn.tokens",
		metric.WithDescription("Tokens consumed per response by direction."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxbridge.interruptions",
		metric.WithDescription("Interrupted or cleared responses by cause."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("voxbridge.playback.flushes",
		metric.WithDescription("Scheduled playback sources dropped by flushes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("Relay HTTP request latency by route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. It panics if instrument creation fails,
// which the global provider never does.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordHandshake counts one relayed handshake.
func (m *Metrics) RecordHandshake(ctx context.Context, status int) {
	m.HandshakeRequests.Add(ctx, 1, metric.WithAttributes(attribute.Int("status", status)))
}

// RecordMint counts one mint request.
func (m *Metrics) RecordMint(ctx context.Context, outcome string) {
	m.MintRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordFirstAudio records one first-audio latency sample.
func (m *Metrics) RecordFirstAudio(ctx context.Context, d time.Duration) {
	m.FirstAudioLatency.Record(ctx, d.Seconds())
}

// RecordTokens records token usage of one response. Zero counts are skipped.
func (m *Metrics) RecordTokens(ctx context.Context, input, output, cached int) {
	for _, c := range []struct {
		dir string
		n   int
	}{{"input", input}, {"output", output}, {"cached", cached}} {
		if c.n > 0 {
			m.TurnTokens.Add(ctx, int64(c.n), metric.WithAttributes(attribute.String("direction", c.dir)))
		}
	}
}

// RecordInterruption counts one interruption.
func (m *Metrics) RecordInterruption(ctx context.Context, cause string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}
