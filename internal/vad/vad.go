// Package vad labels audio frames as speech or silence.
package vad

import (
	"log/slog"

	"github.com/loqalabs/kevio/internal/audio"
)

// Label is the per-frame decision.
type Label int

const (
	Silence Label = iota
	Speech
)

func (l Label) String() string {
	if l == Speech {
		return "speech"
	}
	return "silence"
}

// Detector classifies frames one at a time, in capture order. Implementations
// may keep a short history and must forget it on Reset.
type Detector interface {
	Classify(frame audio.Frame) Label
	Reset()
}

const (
	MinAggressiveness     = 0
	MaxAggressiveness     = 3
	DefaultAggressiveness = 1
)

// Aggressiveness returns level when it is in range and DefaultAggressiveness
// otherwise, logging a warning for the fallback.
func Aggressiveness(level int, logger *slog.Logger) int {
	if level >= MinAggressiveness && level <= MaxAggressiveness {
		return level
	}
	if logger != nil {
		logger.Warn("invalid vad aggressiveness, using default",
			slog.Int("requested", level),
			slog.Int("default", DefaultAggressiveness),
		)
	}
	return DefaultAggressiveness
}
