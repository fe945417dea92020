// Package observe provides the observability primitives of voicerelay:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping via [InitProvider]. Tests should build their own
// [Metrics] with [NewMetrics] and a ManualReader-backed provider to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicerelay metrics.
const meterName = "github.com/MrWong99/voicerelay"

// Metrics holds all OpenTelemetry instruments for the application. The
// underlying OTel types handle their own synchronisation.
type Metrics struct {
	// ─── relay pipeline ───

	// FramesAccepted counts PCM chunks accepted into the frame queue.
	FramesAccepted metric.Int64Counter

	// FramesDropped counts PCM chunks discarded because the queue was full.
	FramesDropped metric.Int64Counter

	// BytesWritten counts bytes handed to the consumer's stdin.
	BytesWritten metric.Int64Counter

	// ConsumerExits counts consumer exits. Attribute: "code".
	ConsumerExits metric.Int64Counter

	// StopTriggers counts fired stop triggers. Attribute: "kind".
	StopTriggers metric.Int64Counter

	// ShutdownDuration tracks how long the shutdown sequence took.
	ShutdownDuration metric.Float64Histogram

	// ActiveSessions tracks the number of running relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ─── media input ───

	// VoicePackets counts Opus packets received from the call. Attribute:
	// "platform".
	VoicePackets metric.Int64Counter

	// DecodeErrors counts packets that failed to decode. Attribute:
	// "platform".
	DecodeErrors metric.Int64Counter

	// ─── HTTP ───

	// HTTPRequestDuration tracks status endpoint latency. Attributes:
	// "method", "path".
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// shutdownBuckets are histogram boundaries (seconds) covering a fast drain up
// to a consumer that had to be killed after its grace period.
var shutdownBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.FramesAccepted, err = m.Int64Counter("voicerelay.frames.accepted",
		metric.WithDescription("PCM chunks accepted into the frame queue."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicerelay.frames.dropped",
		metric.WithDescription("PCM chunks dropped because the frame queue was full."),
	); err != nil {
		return nil, err
	}
	if met.BytesWritten, err = m.Int64Counter("voicerelay.consumer.bytes_written",
		metric.WithDescription("Bytes written to the consumer's standard input."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ConsumerExits, err = m.Int64Counter("voicerelay.consumer.exits",
		metric.WithDescription("Consumer process exits by exit code."),
	); err != nil {
		return nil, err
	}
	if met.StopTriggers, err = m.Int64Counter("voicerelay.stop.triggers",
		metric.WithDescription("Fired stop triggers by kind."),
	); err != nil {
		return nil, err
	}
	if met.ShutdownDuration, err = m.Float64Histogram("voicerelay.shutdown.duration",
		metric.WithDescription("Duration of the relay shutdown sequence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(shutdownBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicerelay.active_sessions",
		metric.WithDescription("Number of running relay sessions."),
	); err != nil {
		return nil, err
	}
	if met.VoicePackets, err = m.Int64Counter("voicerelay.voice.packets",
		metric.WithDescription("Opus packets received from the voice call."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voicerelay.voice.decode_errors",
		metric.WithDescription("Opus packets that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicerelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics] instance built on the
// global meter provider. Call it after [InitProvider].
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

// RecordVoicePacket counts one received packet for platform.
func (m *Metrics) RecordVoicePacket(ctx context.Context, platform string) {
	m.VoicePackets.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

// RecordDecodeError counts one undecodable packet for platform.
func (m *Metrics) RecordDecodeError(ctx context.Context, platform string) {
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("platform", platform)))
}

// RegisterQueueDepth reports depth() as the voicerelay.queue.depth gauge on
// every collection until the returned registration is unregistered.
func (m *Metrics) RegisterQueueDepth(depth func() int64) (metric.Registration, error) {
	gauge, err := m.meter.Int64ObservableGauge("voicerelay.queue.depth",
		metric.WithDescription("PCM chunks waiting in the frame queue."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, depth())
		return nil
	}, gauge)
}

// VoiceRecorder counts received and undecodable packets of one platform. It
// satisfies the audio.Recorder hooks of the platform adapters.
type VoiceRecorder struct {
	m        *Metrics
	platform string
}

// NewVoiceRecorder returns a recorder labelling every sample with platform.
func NewVoiceRecorder(m *Metrics, platform string) *VoiceRecorder {
	return &VoiceRecorder{m: m, platform: platform}
}

func (r *VoiceRecorder) PacketReceived() {
	r.m.RecordVoicePacket(context.Background(), r.platform)
}

func (r *VoiceRecorder) DecodeFailed() {
	r.m.RecordDecodeError(context.Background(), r.platform)
}

// RelayRecorder adapts [Metrics] to the relay pipeline's recorder hooks.
// Every method is non-blocking.
type RelayRecorder struct {
	m *Metrics
}

// NewRelayRecorder returns a recorder that writes to m.
func NewRelayRecorder(m *Metrics) *RelayRecorder {
	return &RelayRecorder{m: m}
}

func (r *RelayRecorder) FrameAccepted() {
	r.m.FramesAccepted.Add(context.Background(), 1)
}

func (r *RelayRecorder) FrameDropped() {
	r.m.FramesDropped.Add(context.Background(), 1)
}

func (r *RelayRecorder) BytesWritten(n int) {
	r.m.BytesWritten.Add(context.Background(), int64(n))
}

func (r *RelayRecorder) ConsumerExited(code int) {
	r.m.ConsumerExits.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("code", strconv.Itoa(code))),
	)
}

func (r *RelayRecorder) StopTriggered(kind string) {
	r.m.StopTriggers.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

func (r *RelayRecorder) ShutdownCompleted(d time.Duration) {
	r.m.ShutdownDuration.Record(context.Background(), d.Seconds())
}
