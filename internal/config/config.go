package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	SentryDSN      string `yaml:"sentry_dsn"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	VAD         VADConfig        `yaml:"vad"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	STT         STTConfig        `yaml:"stt"`
	Inject      InjectConfig     `yaml:"inject"`
	Hotkey      HotkeyConfig     `yaml:"hotkey"`
	Controller  ControllerConfig `yaml:"controller"`
	Notify      NotifyConfig     `yaml:"notify"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	Mode            string `yaml:"mode"` // portaudio, file
	Device          string `yaml:"device"`
	FilePath        string `yaml:"file_path"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	QueueCapacity   int    `yaml:"queue_capacity"`
}

type VADConfig struct {
	// Aggressiveness outside 0..3 is not rejected here; the detector falls
	// back to its default and warns.
	Aggressiveness int `yaml:"aggressiveness"`
}

type SegmenterConfig struct {
	SilenceTimeoutMS int    `yaml:"silence_timeout_ms"`
	SilencePolicy    string `yaml:"silence_policy"` // contiguous, cumulative
	MaxUtteranceMS   int    `yaml:"max_utterance_ms"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, whisper
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	Workers        int    `yaml:"workers"`
	TimeoutMS      int    `yaml:"timeout_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
}

type InjectConfig struct {
	Mode        string  `yaml:"mode"` // keyboard, log
	TypingDelay float64 `yaml:"typing_delay"`
	AppendSpace bool    `yaml:"append_space"`
}

type HotkeyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Key        string `yaml:"key"`
	DebounceMS int    `yaml:"debounce_ms"`
}

type ControllerConfig struct {
	AutoStart           bool `yaml:"auto_start"`
	MaxReopenAttempts   int  `yaml:"max_reopen_attempts"`
	ReopenBackoffMS     int  `yaml:"reopen_backoff_ms"`
	HeartbeatIntervalMS int  `yaml:"heartbeat_interval_ms"`
}

type NotifyConfig struct {
	ShowNotifications bool `yaml:"show_notifications"`
}

func Default() Config {
	return Config{
		RuntimeName: "kevio",
		Environment: "desktop",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4233,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://127.0.0.1:4233"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/kevio-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Mode:            "portaudio",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			QueueCapacity:   250,
		},
		VAD: VADConfig{
			Aggressiveness: 1,
		},
		Segmenter: SegmenterConfig{
			SilenceTimeoutMS: 2000,
			SilencePolicy:    "contiguous",
			MaxUtteranceMS:   30000,
		},
		STT: STTConfig{
			Mode:      "mock",
			ModelPath: "models/ggml-base.en.bin",
			Language:  "en",
			Workers:        2,
			TimeoutMS:      45000,
			PartialEveryMS: 1000,
		},
		Inject: InjectConfig{
			Mode:        "keyboard",
			TypingDelay: 0.01,
			AppendSpace: true,
		},
		Hotkey: HotkeyConfig{
			Enabled:    true,
			Key:        "F9",
			DebounceMS: 250,
		},
		Controller: ControllerConfig{
			AutoStart:           false,
			MaxReopenAttempts:   3,
			ReopenBackoffMS:     250,
			HeartbeatIntervalMS: 5000,
		},
		Notify: NotifyConfig{
			ShowNotifications: true,
		},
	}
}

// DefaultPath returns ~/.kevio/config.yaml, or "" when the home directory
// cannot be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kevio", "config.yaml")
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "KEVIO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "KEVIO_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "KEVIO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "KEVIO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "KEVIO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "KEVIO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "KEVIO_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "KEVIO_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.SentryDSN, "KEVIO_TELEMETRY_SENTRY_DSN")
	overrideBool(&cfg.Bus.Embedded, "KEVIO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "KEVIO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "KEVIO_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "KEVIO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "KEVIO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "KEVIO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "KEVIO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "KEVIO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "KEVIO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "KEVIO_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "KEVIO_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "KEVIO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "KEVIO_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "KEVIO_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Mode, "KEVIO_AUDIO_MODE")
	overrideString(&cfg.Audio.Device, "KEVIO_AUDIO_DEVICE")
	overrideString(&cfg.Audio.FilePath, "KEVIO_AUDIO_FILE_PATH")
	overrideInt(&cfg.Audio.SampleRate, "KEVIO_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "KEVIO_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "KEVIO_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.QueueCapacity, "KEVIO_AUDIO_QUEUE_CAPACITY")
	overrideInt(&cfg.VAD.Aggressiveness, "KEVIO_VAD_AGGRESSIVENESS")
	overrideInt(&cfg.Segmenter.SilenceTimeoutMS, "KEVIO_SEGMENTER_SILENCE_TIMEOUT_MS")
	overrideString(&cfg.Segmenter.SilencePolicy, "KEVIO_SEGMENTER_SILENCE_POLICY")
	overrideInt(&cfg.Segmenter.MaxUtteranceMS, "KEVIO_SEGMENTER_MAX_UTTERANCE_MS")
	overrideString(&cfg.STT.Mode, "KEVIO_STT_MODE")
	overrideString(&cfg.STT.Command, "KEVIO_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "KEVIO_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "KEVIO_STT_LANGUAGE")
	overrideInt(&cfg.STT.Workers, "KEVIO_STT_WORKERS")
	overrideInt(&cfg.STT.TimeoutMS, "KEVIO_STT_TIMEOUT_MS")
	overrideBool(&cfg.STT.PublishInterim, "KEVIO_STT_PUBLISH_INTERIM")
	overrideInt(&cfg.STT.PartialEveryMS, "KEVIO_STT_PARTIAL_EVERY_MS")
	overrideString(&cfg.Inject.Mode, "KEVIO_INJECT_MODE")
	overrideFloat(&cfg.Inject.TypingDelay, "KEVIO_INJECT_TYPING_DELAY")
	overrideBool(&cfg.Inject.AppendSpace, "KEVIO_INJECT_APPEND_SPACE")
	overrideBool(&cfg.Hotkey.Enabled, "KEVIO_HOTKEY_ENABLED")
	overrideString(&cfg.Hotkey.Key, "KEVIO_HOTKEY_KEY")
	overrideInt(&cfg.Hotkey.DebounceMS, "KEVIO_HOTKEY_DEBOUNCE_MS")
	overrideBool(&cfg.Controller.AutoStart, "KEVIO_CONTROLLER_AUTO_START")
	overrideInt(&cfg.Controller.MaxReopenAttempts, "KEVIO_CONTROLLER_MAX_REOPEN_ATTEMPTS")
	overrideInt(&cfg.Controller.ReopenBackoffMS, "KEVIO_CONTROLLER_REOPEN_BACKOFF_MS")
	overrideInt(&cfg.Controller.HeartbeatIntervalMS, "KEVIO_CONTROLLER_HEARTBEAT_INTERVAL_MS")
	overrideBool(&cfg.Notify.ShowNotifications, "KEVIO_NOTIFY_SHOW_NOTIFICATIONS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Mode {
	case "portaudio", "file":
	default:
		return errors.New("audio.mode must be one of portaudio|file")
	}
	if cfg.Audio.Mode == "file" && cfg.Audio.FilePath == "" {
		return errors.New("audio.file_path must be set when mode=file")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.SampleRate*cfg.Audio.FrameDurationMS%1000 != 0 {
		return errors.New("audio.frame_duration_ms must cover a whole number of samples")
	}
	if cfg.Audio.QueueCapacity <= 0 {
		return errors.New("audio.queue_capacity must be >= 1")
	}
	if cfg.Segmenter.SilenceTimeoutMS < 0 {
		return errors.New("segmenter.silence_timeout_ms must be >= 0")
	}
	switch cfg.Segmenter.SilencePolicy {
	case "contiguous", "cumulative":
	default:
		return errors.New("segmenter.silence_policy must be one of contiguous|cumulative")
	}
	if cfg.Segmenter.MaxUtteranceMS < 0 {
		return errors.New("segmenter.max_utterance_ms must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.STT.Mode == "whisper" && cfg.Audio.SampleRate != 16000 {
		return errors.New("audio.sample_rate must be 16000 when stt.mode=whisper")
	}
	if cfg.STT.Workers <= 0 {
		return errors.New("stt.workers must be >= 1")
	}
	if cfg.STT.TimeoutMS <= 0 {
		return errors.New("stt.timeout_ms must be positive")
	}
	if cfg.STT.PartialEveryMS < 0 {
		return errors.New("stt.partial_every_ms must be >= 0")
	}
	switch cfg.Inject.Mode {
	case "keyboard", "log":
	default:
		return errors.New("inject.mode must be one of keyboard|log")
	}
	if cfg.Inject.TypingDelay < 0 {
		return errors.New("inject.typing_delay must be >= 0")
	}
	if cfg.Hotkey.Enabled && strings.TrimSpace(cfg.Hotkey.Key) == "" {
		return errors.New("hotkey.key must not be empty when hotkey is enabled")
	}
	if cfg.Hotkey.DebounceMS < 0 {
		return errors.New("hotkey.debounce_ms must be >= 0")
	}
	if cfg.Controller.MaxReopenAttempts < 0 {
		return errors.New("controller.max_reopen_attempts must be >= 0")
	}
	if cfg.Controller.HeartbeatIntervalMS <= 0 {
		return errors.New("controller.heartbeat_interval_ms must be positive")
	}
	return nil
}
