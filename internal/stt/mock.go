package stt

import (
	"context"
	"fmt"
	"time"
)

// MockEngine answers without a model. Respond, when set, decides the text
// for each pass; otherwise the text describes the buffer length.
type MockEngine struct {
	Respond      func(ctx context.Context, cfg StreamConfig, pcm []byte, final bool) (string, error)
	PartialEvery time.Duration
}

func (m *MockEngine) Name() string { return "mock" }

func (m *MockEngine) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	return NewBatchStream(ctx, cfg, m.PartialEvery, func(ctx context.Context, pcm []byte, final bool) (string, error) {
		if m.Respond != nil {
			return m.Respond(ctx, cfg, pcm, final)
		}
		mode := "partial"
		if final {
			mode = "final"
		}
		return fmt.Sprintf("[%s transcript length=%d]", mode, len(pcm)), nil
	}), nil
}

func (m *MockEngine) Close() error { return nil }
