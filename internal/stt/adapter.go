package stt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/kevio/internal/metrics"
	"github.com/loqalabs/kevio/internal/segment"
)

const tracerName = "github.com/loqalabs/kevio/stt"

type AdapterConfig struct {
	SampleRate int
	Language   string
	// Workers bounds concurrent recognitions.
	Workers int
	// Timeout bounds one utterance, waiting for a worker included.
	Timeout time.Duration
	// Partials forwards advisory partial text to the result callback.
	Partials bool
}

// Adapter runs every submitted utterance on its own goroutine and reports
// through the emit callback. For each utterance emit receives zero or more
// partial Results followed by exactly one final Result, even when the engine
// fails or the timeout expires.
type Adapter struct {
	engine  Engine
	cfg     AdapterConfig
	emit    func(Result)
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *metrics.Pipeline
	tracer  trace.Tracer

	wg sync.WaitGroup
}

func NewAdapter(engine Engine, cfg AdapterConfig, emit func(Result), logger *slog.Logger, m *metrics.Pipeline) *Adapter {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &Adapter{
		engine:  engine,
		cfg:     cfg,
		emit:    emit,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		logger:  logger.With(slog.String("component", "stt")),
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Submit never blocks on recognition. ctx should outlive the listening
// generation: a toggle does not cancel work already submitted.
func (a *Adapter) Submit(ctx context.Context, u *segment.Utterance) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.emit(a.recognize(ctx, u))
	}()
}

// Wait blocks until every submitted utterance has reported its final result.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) recognize(parent context.Context, u *segment.Utterance) Result {
	start := time.Now()
	res := Result{Generation: u.Generation, StartSeq: u.StartSeq, Final: true}

	ctx := parent
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, a.cfg.Timeout)
		defer cancel()
	}
	ctx, span := a.tracer.Start(ctx, "stt.recognize", trace.WithAttributes(
		attribute.String("stt.engine", a.engine.Name()),
		attribute.Int64("utterance.generation", int64(u.Generation)),
		attribute.Int64("utterance.start_seq", int64(u.StartSeq)),
		attribute.Int("utterance.frames", len(u.Frames)),
	))
	defer span.End()

	text, err := a.run(ctx, u)
	res.Elapsed = time.Since(start)
	a.metrics.RecordRecognition(parent, a.engine.Name(), res.Elapsed, err)
	if err != nil {
		res.Err = &RecognitionError{Generation: u.Generation, StartSeq: u.StartSeq, Err: err}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Warn("recognition failed",
			slog.Uint64("generation", u.Generation),
			slog.Uint64("start_seq", u.StartSeq),
			slogError(err),
		)
		return res
	}
	res.Text = text
	span.SetAttributes(attribute.Int("stt.text_length", len(text)))
	a.logger.Debug("recognition finished",
		slog.Uint64("generation", u.Generation),
		slog.Uint64("start_seq", u.StartSeq),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res
}

func (a *Adapter) run(ctx context.Context, u *segment.Utterance) (text string, err error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("wait for recognition worker: %w", err)
	}
	defer a.sem.Release(1)

	stream, err := a.engine.NewStream(ctx, StreamConfig{
		SampleRate: a.cfg.SampleRate,
		Language:   a.cfg.Language,
		Generation: u.Generation,
		StartSeq:   u.StartSeq,
	})
	if err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			a.logger.Debug("stt stream close failed", slogError(closeErr))
		}
	}()

	for _, frame := range u.Frames {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		partial, err := stream.Feed(frame.PCM)
		if err != nil {
			return "", fmt.Errorf("feed: %w", err)
		}
		if partial != "" && a.cfg.Partials {
			a.emit(Result{Generation: u.Generation, StartSeq: u.StartSeq, Text: partial})
		}
	}
	text, err = stream.Finalize()
	if err != nil {
		return "", fmt.Errorf("finalize: %w", err)
	}
	return text, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
