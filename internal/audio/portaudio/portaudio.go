// Package portaudio captures microphone audio through PortAudio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/kevio/internal/audio"
	"github.com/loqalabs/kevio/internal/config"
)

func init() {
	audio.RegisterSource("portaudio", func(cfg config.AudioConfig, logger *slog.Logger) (audio.Source, error) {
		return &Source{Device: cfg.Device, Capacity: cfg.QueueCapacity, Logger: logger}, nil
	})
}

// Source opens the default input device, or the first input device whose
// name contains Device.
type Source struct {
	Device   string
	Capacity int
	Logger   *slog.Logger
	Options  []audio.StreamOption
}

func (s *Source) Open(ctx context.Context, format audio.Format) (audio.Capture, error) {
	if err := format.Validate(); err != nil {
		return nil, &audio.DeviceError{Op: "open", Err: err}
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "open", Err: fmt.Errorf("portaudio init: %w", err)}
	}

	samples := format.SamplesPerFrame()
	in := make([]int16, samples)
	stream, err := s.openStream(format, in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, &audio.DeviceError{Op: "open", Err: fmt.Errorf("start stream: %w", err)}
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var mu sync.Mutex
	read := func(buf []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if err := stream.Read(); err != nil {
			if !errors.Is(err, portaudio.InputOverflowed) {
				return err
			}
			logger.Debug("portaudio input overflowed")
		}
		audio.EncodeInt16(buf, in)
		return nil
	}
	release := func() error {
		stopErr := stream.Stop()
		closeErr := stream.Close()
		termErr := portaudio.Terminate()
		return errors.Join(stopErr, closeErr, termErr)
	}

	opts := append([]audio.StreamOption{audio.WithLogger(logger)}, s.Options...)
	return audio.StartCapture(ctx, format, s.Capacity, read, release, opts...), nil
}

func (s *Source) openStream(format audio.Format, in []int16) (*portaudio.Stream, error) {
	if s.Device == "" {
		stream, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), len(in), in)
		if err != nil {
			return nil, fmt.Errorf("open default stream: %w", err)
		}
		return stream, nil
	}
	dev, err := findDevice(s.Device)
	if err != nil {
		return nil, err
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = len(in)
	stream, err := portaudio.OpenStream(params, in)
	if err != nil {
		return nil, fmt.Errorf("open stream on %q: %w", dev.Name, err)
	}
	return stream, nil
}

func findDevice(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", name)
}

// InputDevices lists the names of devices that can capture audio.
func InputDevices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	defer portaudio.Terminate()
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			names = append(names, dev.Name)
		}
	}
	return names, nil
}
