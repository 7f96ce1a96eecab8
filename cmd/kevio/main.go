package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/loqalabs/kevio/internal/audio/portaudio"
	"github.com/loqalabs/kevio/internal/config"
	"github.com/loqalabs/kevio/internal/runtime"
	"github.com/loqalabs/kevio/internal/stt"
	_ "github.com/loqalabs/kevio/internal/stt/whisper"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		listDevices bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (default ~/.kevio/config.yaml when present)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&listDevices, "list-devices", false, "List audio input devices and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if listDevices {
		names, err := portaudio.InputDevices()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return
	}

	if configPath == "" {
		if p := config.DefaultPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				configPath = p
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))
	logger.Info("starting kevio",
		slog.String("version", version),
		slog.String("config", configPath),
		slog.String("stt_engine", cfg.STT.Mode),
		slog.String("available_engines", strings.Join(stt.Engines(), ",")),
	)

	if cfg.Telemetry.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Telemetry.SentryDSN,
			Environment: cfg.Environment,
			Release:     "kevio@" + version,
		})
		if err != nil {
			logger.Warn("sentry init failed", slog.String("error", err.Error()))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
