package vad

import (
	"log/slog"

	"github.com/loqalabs/kevio/internal/audio"
)

// Thresholds are RMS levels as a fraction of int16 full scale.
var thresholds = [MaxAggressiveness + 1]float64{0.002, 0.005, 0.008, 0.010}

// required raw speech frames in the lookback window, current frame included.
var required = [MaxAggressiveness + 1]int{1, 1, 2, 2}

const window = 3

// EnergyDetector is an RMS energy detector. A frame is speech when its own
// energy clears the threshold and enough recent frames did too, so isolated
// clicks are ignored at the higher levels.
type EnergyDetector struct {
	level     int
	threshold float64
	history   [window]bool
	next      int
}

// NewEnergyDetector builds a detector for the given aggressiveness. Invalid
// levels fall back to DefaultAggressiveness.
func NewEnergyDetector(level int, logger *slog.Logger) *EnergyDetector {
	level = Aggressiveness(level, logger)
	return &EnergyDetector{
		level:     level,
		threshold: thresholds[level] * 32768,
	}
}

func (d *EnergyDetector) Level() int { return d.level }

func (d *EnergyDetector) Classify(frame audio.Frame) Label {
	raw := audio.RMS(frame.PCM) >= d.threshold
	d.history[d.next] = raw
	d.next = (d.next + 1) % window
	if !raw {
		return Silence
	}
	count := 0
	for _, v := range d.history {
		if v {
			count++
		}
	}
	if count >= required[d.level] {
		return Speech
	}
	return Silence
}

func (d *EnergyDetector) Reset() {
	d.history = [window]bool{}
	d.next = 0
}

var _ Detector = (*EnergyDetector)(nil)
