package vad

import (
	"bytes"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/kevio/internal/audio"
)

var format = audio.Format{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond}

func frameAt(amplitude int16) audio.Frame {
	samples := make([]int16, format.SamplesPerFrame())
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	pcm := make([]byte, format.BytesPerFrame())
	audio.EncodeInt16(pcm, samples)
	return audio.Frame{SampleRate: format.SampleRate, PCM: pcm}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSilenceAndSpeech(t *testing.T) {
	d := NewEnergyDetector(0, discard())
	if got := d.Classify(frameAt(0)); got != Silence {
		t.Fatalf("expected silence, got %s", got)
	}
	if got := d.Classify(frameAt(8000)); got != Speech {
		t.Fatalf("expected speech, got %s", got)
	}
}

func TestHighAggressivenessIgnoresIsolatedFrame(t *testing.T) {
	d := NewEnergyDetector(3, discard())
	if got := d.Classify(frameAt(8000)); got != Silence {
		t.Fatalf("expected isolated loud frame to be silence at level 3, got %s", got)
	}
	if got := d.Classify(frameAt(8000)); got != Speech {
		t.Fatalf("expected second loud frame to be speech, got %s", got)
	}
	d.Reset()
	if got := d.Classify(frameAt(8000)); got != Silence {
		t.Fatalf("expected reset to clear history, got %s", got)
	}
}

func TestInvalidLevelFallsBack(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	for _, level := range []int{-1, 4, 99} {
		buf.Reset()
		d := NewEnergyDetector(level, logger)
		if d.Level() != DefaultAggressiveness {
			t.Fatalf("level %d: expected fallback to %d, got %d", level, DefaultAggressiveness, d.Level())
		}
		if !strings.Contains(buf.String(), "invalid vad aggressiveness") {
			t.Fatalf("level %d: expected warning, got %q", level, buf.String())
		}
	}
	if got := Aggressiveness(2, logger); got != 2 {
		t.Fatalf("expected valid level to pass through, got %d", got)
	}
}

func TestHigherLevelSpeechIsSubset(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	frames := make([]audio.Frame, 2000)
	for i := range frames {
		frames[i] = frameAt(int16(rng.Intn(600)))
	}
	var labels [MaxAggressiveness + 1][]Label
	for level := MinAggressiveness; level <= MaxAggressiveness; level++ {
		d := NewEnergyDetector(level, discard())
		for _, f := range frames {
			labels[level] = append(labels[level], d.Classify(f))
		}
	}
	for level := MinAggressiveness + 1; level <= MaxAggressiveness; level++ {
		speech := 0
		for i := range frames {
			if labels[level][i] == Speech {
				speech++
				if labels[level-1][i] != Speech {
					t.Fatalf("frame %d: speech at level %d but not at level %d", i, level, level-1)
				}
			}
		}
		if speech == 0 && level < MaxAggressiveness {
			t.Fatalf("level %d classified no speech; test signal too quiet", level)
		}
	}
}
