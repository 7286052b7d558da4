// Package metrics holds the OpenTelemetry instruments of the realtime client.
//
// Instruments are created from a [metric.MeterProvider]. The process-wide
// instance returned by [Default] uses the global provider, which is a no-op
// until [InitProvider] installs the Prometheus-backed SDK provider. Tests
// should call [New] with their own provider.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/lisuiheng/realtime-go"

// Discard reasons used with PlaybackDiscarded.
const (
	ReasonInterrupt = "interrupt"
	ReasonLimit     = "limit"
	ReasonStale     = "stale"
	ReasonClosed    = "closed"
)

// Error kinds used with Errors.
const (
	KindParse     = "parse"
	KindDecode    = "decode"
	KindDevice    = "device"
	KindTransport = "transport"
)

// Metrics holds all instruments. Safe for concurrent use.
type Metrics struct {
	// CaptureFrames counts microphone frames sent upstream.
	CaptureFrames metric.Int64Counter

	// CaptureOverflows counts tolerated input overflows.
	CaptureOverflows metric.Int64Counter

	// PlaybackFrames counts frames written to the output device.
	PlaybackFrames metric.Int64Counter

	// PlaybackDiscarded counts frames dropped before playback. Use with
	// attribute.String("reason", ...).
	PlaybackDiscarded metric.Int64Counter

	// PlaybackQueueDepth tracks frames waiting in the playback queue.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// EventsReceived counts inbound server events by type.
	EventsReceived metric.Int64Counter

	// Errors counts failures by kind.
	Errors metric.Int64Counter
}

// New creates a Metrics instance from the given provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CaptureFrames, err = m.Int64Counter("realtime.capture.frames",
		metric.WithDescription("Microphone frames sent to the server."),
	); err != nil {
		return nil, err
	}
	if met.CaptureOverflows, err = m.Int64Counter("realtime.capture.overflows",
		metric.WithDescription("Input overflows tolerated during capture."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFrames, err = m.Int64Counter("realtime.playback.frames",
		metric.WithDescription("Frames written to the output device."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDiscarded, err = m.Int64Counter("realtime.playback.discarded",
		metric.WithDescription("Frames dropped before playback by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("realtime.playback.queue_depth",
		metric.WithDescription("Frames waiting in the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.EventsReceived, err = m.Int64Counter("realtime.events.received",
		metric.WithDescription("Inbound server events by type."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("realtime.errors",
		metric.WithDescription("Errors by kind."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the package-level instance built on [otel.GetMeterProvider].
// Panics if instrument creation fails.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = New(otel.GetMeterProvider())
		if err != nil {
			panic("metrics: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDiscarded adds n dropped frames with the given reason.
func (m *Metrics) RecordDiscarded(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.PlaybackDiscarded.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordEvent counts one inbound event.
func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	m.EventsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", eventType)),
	)
}

// RecordError counts one error of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
