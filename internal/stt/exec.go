package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/kevio/internal/audio"
	"github.com/loqalabs/kevio/internal/config"
)

// ExecEngine runs an external offline recognizer once per pass. The
// utterance is written to a temporary WAV file and passed as --audio; the
// process answers with one or more JSON lines on stdout.
type ExecEngine struct {
	cmd          []string
	cfg          config.STTConfig
	partialEvery time.Duration
	logger       *slog.Logger
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

func NewExecEngine(cfg config.STTConfig, logger *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("stt command %q: %w", args[0], err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &ExecEngine{cmd: args, cfg: cfg, logger: logger}
	if cfg.PublishInterim {
		e.partialEvery = time.Duration(cfg.PartialEveryMS) * time.Millisecond
	}
	return e, nil
}

func (e *ExecEngine) Name() string { return "exec" }

func (e *ExecEngine) NewStream(ctx context.Context, cfg StreamConfig) (Stream, error) {
	return NewBatchStream(ctx, cfg, e.partialEvery, func(ctx context.Context, pcm []byte, final bool) (string, error) {
		return e.transcribe(ctx, pcm, cfg, final)
	}).WithLogger(e.logger), nil
}

func (e *ExecEngine) Close() error { return nil }

func (e *ExecEngine) transcribe(ctx context.Context, pcm []byte, cfg StreamConfig, final bool) (string, error) {
	file, err := os.CreateTemp("", "kevio_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, pcm, cfg.SampleRate); err != nil {
		return "", err
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	language := cfg.Language
	if language == "" {
		language = e.cfg.Language
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeExecOutput(stdout.Bytes())
}

// decodeExecOutput returns the text of the last JSON line. A line carrying
// an error field fails the pass.
func decodeExecOutput(out []byte) (string, error) {
	var (
		last  execResult
		found bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResult
		if err := json.Unmarshal(line, &resp); err != nil {
			return "", fmt.Errorf("decode stt response: %w", err)
		}
		if resp.Error != "" {
			return "", fmt.Errorf("stt engine: %s", resp.Error)
		}
		last = resp
		found = true
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stt response: %w", err)
	}
	if !found {
		return "", errors.New("stt command produced no output")
	}
	return strings.TrimSpace(last.Text), nil
}
