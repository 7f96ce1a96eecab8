// Package stt runs closed utterances through an offline recognition engine.
//
// Engines are selected by name at configuration time. The mock and exec
// engines are built in; other engines register themselves from their own
// package (see the whisper subpackage).
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/kevio/internal/config"
)

// StreamConfig describes the audio a Stream will be fed.
type StreamConfig struct {
	SampleRate int
	Language   string
	Generation uint64
	StartSeq   uint64
}

// Engine is a loaded recognition model. NewStream may be called from many
// goroutines at once.
type Engine interface {
	Name() string
	NewStream(ctx context.Context, cfg StreamConfig) (Stream, error)
	Close() error
}

// Stream decodes one utterance. Feed returns advisory partial text, which
// may be empty. Finalize returns the final text or the error that ended the
// utterance. Close releases the stream and is safe after Finalize.
type Stream interface {
	Feed(pcm []byte) (string, error)
	Finalize() (string, error)
	Close() error
}

// Result is what the adapter reports for an utterance. Exactly one Result
// per utterance has Final set; it carries either Text or Err.
type Result struct {
	Generation uint64
	StartSeq   uint64
	Text       string
	Final      bool
	Err        error
	Elapsed    time.Duration
}

// RecognitionError wraps an engine failure for a single utterance.
type RecognitionError struct {
	Generation uint64
	StartSeq   uint64
	Err        error
}

func (e *RecognitionError) Error() string {
	return fmt.Sprintf("recognition of utterance %d/%d failed: %v", e.Generation, e.StartSeq, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// Loader builds an Engine from configuration. Loading the model happens
// here, so a failure is reported before listening starts.
type Loader func(cfg config.STTConfig, logger *slog.Logger) (Engine, error)

var (
	loadersMu sync.RWMutex
	loaders   = map[string]Loader{}
)

// Register makes an engine available under name. It panics on duplicates.
func Register(name string, loader Loader) {
	loadersMu.Lock()
	defer loadersMu.Unlock()
	if _, dup := loaders[name]; dup {
		panic("stt: Register called twice for engine " + name)
	}
	loaders[name] = loader
}

// Engines lists the registered engine names.
func Engines() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewEngine loads the engine named by cfg.Mode.
func NewEngine(cfg config.STTConfig, logger *slog.Logger) (Engine, error) {
	loadersMu.RLock()
	loader, ok := loaders[cfg.Mode]
	loadersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("stt engine %q is not available in this build", cfg.Mode)
	}
	engine, err := loader(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("load stt engine %s: %w", cfg.Mode, err)
	}
	return engine, nil
}

func init() {
	Register("mock", func(cfg config.STTConfig, _ *slog.Logger) (Engine, error) {
		return &MockEngine{}, nil
	})
	Register("exec", func(cfg config.STTConfig, logger *slog.Logger) (Engine, error) {
		return NewExecEngine(cfg, logger)
	})
}
