package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://127.0.0.1:4233" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Segmenter.SilenceTimeoutMS != 2000 {
		t.Fatalf("unexpected audio defaults: %+v %+v", cfg.Audio, cfg.Segmenter)
	}
	if cfg.Hotkey.Key != "F9" {
		t.Fatalf("expected F9 hotkey, got %q", cfg.Hotkey.Key)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kevio.yaml")
	data := []byte(`
vad:
  aggressiveness: 7
segmenter:
  silence_timeout_ms: 1200
stt:
  mode: exec
  command: "vosk-transcribe --json"
  language: de
inject:
  typing_delay: 0.05
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.VAD.Aggressiveness != 7 {
		t.Fatalf("out-of-range aggressiveness must load untouched, got %d", cfg.VAD.Aggressiveness)
	}
	if cfg.Segmenter.SilenceTimeoutMS != 1200 {
		t.Fatalf("expected silence timeout 1200, got %d", cfg.Segmenter.SilenceTimeoutMS)
	}
	if cfg.STT.Language != "de" || cfg.STT.Command != "vosk-transcribe --json" {
		t.Fatalf("unexpected stt config: %+v", cfg.STT)
	}
	if cfg.Inject.TypingDelay != 0.05 {
		t.Fatalf("expected typing delay 0.05, got %v", cfg.Inject.TypingDelay)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("defaults must survive partial files, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEVIO_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("KEVIO_BUS_USERNAME", "alice")
	t.Setenv("KEVIO_BUS_PASSWORD", "secret")
	t.Setenv("KEVIO_BUS_TLS_INSECURE", "true")
	t.Setenv("KEVIO_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("KEVIO_AUDIO_SAMPLE_RATE", "48000")
	t.Setenv("KEVIO_VAD_AGGRESSIVENESS", "3")
	t.Setenv("KEVIO_SEGMENTER_SILENCE_TIMEOUT_MS", "800")
	t.Setenv("KEVIO_STT_MODEL_PATH", "/models/vosk")
	t.Setenv("KEVIO_INJECT_TYPING_DELAY", "0.002")
	t.Setenv("KEVIO_HOTKEY_KEY", "ctrl+shift+space")
	t.Setenv("KEVIO_CONTROLLER_AUTO_START", "true")
	t.Setenv("KEVIO_EVENT_STORE_RETENTION_MODE", "persistent")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Fatalf("expected sample rate override")
	}
	if cfg.VAD.Aggressiveness != 3 {
		t.Fatalf("expected vad override")
	}
	if cfg.Segmenter.SilenceTimeoutMS != 800 {
		t.Fatalf("expected silence timeout override")
	}
	if cfg.STT.ModelPath != "/models/vosk" {
		t.Fatalf("expected model path override")
	}
	if cfg.Inject.TypingDelay != 0.002 {
		t.Fatalf("expected typing delay override")
	}
	if cfg.Hotkey.Key != "ctrl+shift+space" {
		t.Fatalf("expected hotkey override")
	}
	if !cfg.Controller.AutoStart {
		t.Fatalf("expected auto start override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative silence", func(c *Config) { c.Segmenter.SilenceTimeoutMS = -1 }},
		{"unknown policy", func(c *Config) { c.Segmenter.SilencePolicy = "sometimes" }},
		{"exec without command", func(c *Config) { c.STT.Mode = "exec"; c.STT.Command = "" }},
		{"negative typing delay", func(c *Config) { c.Inject.TypingDelay = -0.1 }},
		{"stereo", func(c *Config) { c.Audio.Channels = 2 }},
		{"fractional frame", func(c *Config) { c.Audio.SampleRate = 44100; c.Audio.FrameDurationMS = 15 }},
		{"file without path", func(c *Config) { c.Audio.Mode = "file" }},
		{"zero workers", func(c *Config) { c.STT.Workers = 0 }},
		{"whisper at 48kHz", func(c *Config) {
			c.STT.Mode = "whisper"
			c.STT.ModelPath = "/models/ggml-base.en.bin"
			c.Audio.SampleRate = 48000
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsZeroSilenceTimeout(t *testing.T) {
	cfg := Default()
	cfg.Segmenter.SilenceTimeoutMS = 0
	if err := validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
