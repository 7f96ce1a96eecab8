// Package whisper registers the "whisper" recognition engine, backed by the
// whisper.cpp bindings. libwhisper and its headers must be available at link
// time (LIBRARY_PATH and C_INCLUDE_PATH).
//
// Import it for its side effect:
//
//	import _ "github.com/loqalabs/kevio/internal/stt/whisper"
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/kevio/internal/audio"
	"github.com/loqalabs/kevio/internal/config"
	"github.com/loqalabs/kevio/internal/stt"
)

// whisper.cpp models are trained on 16 kHz mono audio.
const sampleRate = 16000

func init() {
	stt.Register("whisper", func(cfg config.STTConfig, logger *slog.Logger) (stt.Engine, error) {
		return New(cfg, logger)
	})
}

// Engine shares one loaded model across streams. Every decoding pass gets
// its own whisper context.
type Engine struct {
	model        whisperlib.Model
	language     string
	partialEvery time.Duration
	logger       *slog.Logger
}

func New(cfg config.STTConfig, logger *slog.Logger) (*Engine, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper: model_path must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	model, err := whisperlib.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.ModelPath, err)
	}
	e := &Engine{model: model, language: cfg.Language, logger: logger}
	if cfg.PublishInterim {
		e.partialEvery = time.Duration(cfg.PartialEveryMS) * time.Millisecond
	}
	logger.Info("whisper model loaded", slog.String("path", cfg.ModelPath), slog.Bool("multilingual", model.IsMultilingual()))
	return e, nil
}

func (e *Engine) Name() string { return "whisper" }

func (e *Engine) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.SampleRate != sampleRate {
		return nil, fmt.Errorf("whisper: audio must be %d Hz, got %d", sampleRate, cfg.SampleRate)
	}
	language := cfg.Language
	if language == "" {
		language = e.language
	}
	return stt.NewBatchStream(ctx, cfg, e.partialEvery, func(ctx context.Context, pcm []byte, _ bool) (string, error) {
		return e.infer(ctx, pcm, language)
	}).WithLogger(e.logger), nil
}

func (e *Engine) Close() error {
	return e.model.Close()
}

func (e *Engine) infer(ctx context.Context, pcm []byte, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	samples := audio.ToFloat32(pcm)

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			e.logger.Warn("whisper language not supported, using model default",
				slog.String("language", language),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

var _ stt.Engine = (*Engine)(nil)
