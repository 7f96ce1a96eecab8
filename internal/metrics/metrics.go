// Package metrics holds the OpenTelemetry instruments for the dictation
// pipeline. Instruments are created against an explicit MeterProvider so
// tests can read them back through a ManualReader.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/loqalabs/kevio/pipeline"

// latencyBuckets are in seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	meter metric.Meter

	FramesDropped       metric.Int64Counter
	UtterancesClosed    metric.Int64Counter
	UtterancesCancelled metric.Int64Counter
	RecognitionDuration metric.Float64Histogram
	RecognitionErrors   metric.Int64Counter
	ResultsStale        metric.Int64Counter
	Injections          metric.Int64Counter
	Toggles             metric.Int64Counter
	DeviceErrors        metric.Int64Counter

	generation metric.Int64ObservableGauge
	listening  metric.Int64ObservableGauge
}

func New(mp metric.MeterProvider) (*Pipeline, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	p := &Pipeline{meter: m}
	var err error

	if p.FramesDropped, err = m.Int64Counter("kevio.audio.frames_dropped",
		metric.WithDescription("Frames evicted from the full capture queue."),
	); err != nil {
		return nil, err
	}
	if p.UtterancesClosed, err = m.Int64Counter("kevio.segment.utterances_closed",
		metric.WithDescription("Utterances closed by trailing silence or the length bound."),
	); err != nil {
		return nil, err
	}
	if p.UtterancesCancelled, err = m.Int64Counter("kevio.segment.utterances_cancelled",
		metric.WithDescription("Open utterances dropped by a generation change."),
	); err != nil {
		return nil, err
	}
	if p.RecognitionDuration, err = m.Float64Histogram("kevio.stt.duration",
		metric.WithDescription("Latency of utterance recognition."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if p.RecognitionErrors, err = m.Int64Counter("kevio.stt.errors",
		metric.WithDescription("Utterances whose recognition failed."),
	); err != nil {
		return nil, err
	}
	if p.ResultsStale, err = m.Int64Counter("kevio.results.stale",
		metric.WithDescription("Results discarded because their generation was superseded."),
	); err != nil {
		return nil, err
	}
	if p.Injections, err = m.Int64Counter("kevio.inject.events",
		metric.WithDescription("Injection attempts by status."),
	); err != nil {
		return nil, err
	}
	if p.Toggles, err = m.Int64Counter("kevio.listen.transitions",
		metric.WithDescription("Listening state transitions by target mode."),
	); err != nil {
		return nil, err
	}
	if p.DeviceErrors, err = m.Int64Counter("kevio.audio.device_errors",
		metric.WithDescription("Capture device failures by operation."),
	); err != nil {
		return nil, err
	}
	if p.generation, err = m.Int64ObservableGauge("kevio.listen.generation",
		metric.WithDescription("Current listening generation."),
	); err != nil {
		return nil, err
	}
	if p.listening, err = m.Int64ObservableGauge("kevio.listen.active",
		metric.WithDescription("1 while listening, 0 when idle."),
	); err != nil {
		return nil, err
	}
	return p, nil
}

// Discard returns a Pipeline backed by a no-op provider.
func Discard() *Pipeline {
	p, _ := New(noop.NewMeterProvider())
	return p
}

func (p *Pipeline) RecordDropped(ctx context.Context, n int64) {
	if n > 0 {
		p.FramesDropped.Add(ctx, n)
	}
}

func (p *Pipeline) RecordUtteranceClosed(ctx context.Context, forced bool) {
	p.UtterancesClosed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
}

func (p *Pipeline) RecordUtteranceCancelled(ctx context.Context) {
	p.UtterancesCancelled.Add(ctx, 1)
}

func (p *Pipeline) RecordRecognition(ctx context.Context, engine string, elapsed time.Duration, err error) {
	p.RecognitionDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("engine", engine)))
	if err != nil {
		p.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

// RecordStale counts a stale result. stage is where it was caught.
func (p *Pipeline) RecordStale(ctx context.Context, stage string) {
	p.ResultsStale.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (p *Pipeline) RecordInjection(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	p.Injections.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (p *Pipeline) RecordTransition(ctx context.Context, mode string) {
	p.Toggles.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (p *Pipeline) RecordDeviceError(ctx context.Context, op string) {
	p.DeviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// ObserveState registers the generation and listening gauges. The returned
// registration must be unregistered on shutdown.
func (p *Pipeline) ObserveState(read func() (generation uint64, listening bool)) (metric.Registration, error) {
	return p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		gen, active := read()
		o.ObserveInt64(p.generation, int64(gen))
		var v int64
		if active {
			v = 1
		}
		o.ObserveInt64(p.listening, v)
		return nil
	}, p.generation, p.listening)
}
