package inject

import (
	"context"
	"log/slog"
	"sync"
)

// LogInjector writes text to the log instead of the keyboard. It backs the
// headless "log" mode.
type LogInjector struct {
	Logger *slog.Logger
}

func (l *LogInjector) Inject(ctx context.Context, text string, pace Pacer) error {
	for range text {
		if err := pace.Wait(ctx); err != nil {
			return err
		}
	}
	l.Logger.Info("transcript", slog.String("text", text))
	return nil
}

// Recorder keeps injected text in memory. Fail, when set, is consulted
// before each injection.
type Recorder struct {
	Fail func(text string) error

	mu    sync.Mutex
	texts []string
	ch    chan string
}

func NewRecorder() *Recorder {
	return &Recorder{ch: make(chan string, 64)}
}

func (r *Recorder) Inject(ctx context.Context, text string, pace Pacer) error {
	if r.Fail != nil {
		if err := r.Fail(text); err != nil {
			return err
		}
	}
	for range text {
		if err := pace.Wait(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	select {
	case r.ch <- text:
	default:
	}
	return nil
}

// Texts returns everything injected so far.
func (r *Recorder) Texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

// Injected receives each injected text, best effort.
func (r *Recorder) Injected() <-chan string { return r.ch }
