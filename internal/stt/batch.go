package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// TranscribeFunc decodes a whole PCM buffer. final is false for interim
// passes.
type TranscribeFunc func(ctx context.Context, pcm []byte, final bool) (string, error)

// BatchStream adapts an engine that only decodes complete buffers to the
// Stream interface. Audio accumulates on Feed; when partialEvery is non-zero
// an interim pass runs each time that much new audio has arrived. A failed
// interim pass is logged and skipped; only Finalize fails the utterance.
type BatchStream struct {
	ctx          context.Context
	transcribe   TranscribeFunc
	sampleRate   int
	partialEvery time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	pcm       []byte
	sincePass int
	finalized bool
	closed    bool
}

var errStreamClosed = errors.New("stt: stream closed")

func NewBatchStream(ctx context.Context, cfg StreamConfig, partialEvery time.Duration, fn TranscribeFunc) *BatchStream {
	return &BatchStream{
		ctx:          ctx,
		transcribe:   fn,
		sampleRate:   cfg.SampleRate,
		partialEvery: partialEvery,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithLogger sets where failed interim passes are logged.
func (s *BatchStream) WithLogger(logger *slog.Logger) *BatchStream {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *BatchStream) Feed(pcm []byte) (string, error) {
	s.mu.Lock()
	if s.closed || s.finalized {
		s.mu.Unlock()
		return "", errStreamClosed
	}
	s.pcm = append(s.pcm, pcm...)
	s.sincePass += len(pcm)
	due := s.partialEvery > 0 && s.sampleRate > 0 &&
		time.Duration(s.sincePass/2)*time.Second/time.Duration(s.sampleRate) >= s.partialEvery
	var snapshot []byte
	if due {
		s.sincePass = 0
		snapshot = append([]byte(nil), s.pcm...)
	}
	s.mu.Unlock()

	if !due {
		return "", nil
	}
	partial, err := s.transcribe(s.ctx, snapshot, false)
	if err != nil {
		s.logger.Debug("interim pass failed",
			slog.Int("bytes", len(snapshot)),
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	return partial, nil
}

func (s *BatchStream) Finalize() (string, error) {
	s.mu.Lock()
	if s.closed || s.finalized {
		s.mu.Unlock()
		return "", errStreamClosed
	}
	s.finalized = true
	pcm := s.pcm
	s.mu.Unlock()
	return s.transcribe(s.ctx, pcm, true)
}

func (s *BatchStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pcm = nil
	return nil
}

var _ Stream = (*BatchStream)(nil)
