// Package listen owns the listening state machine. It starts and stops
// capture, runs frames through the detector and segmenter, hands closed
// utterances to recognition and gates results by generation before they
// reach the injection dispatcher.
package listen

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Mode int

const (
	Idle Mode = iota
	Listening
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle", "off":
		return Idle, nil
	case "listening", "on":
		return Listening, nil
	default:
		return Idle, fmt.Errorf("unknown mode %q", s)
	}
}

// ErrModeUnchanged is returned by SetMode when the controller is already in
// the requested mode.
var ErrModeUnchanged = errors.New("listen: mode unchanged")

// State is an immutable snapshot. A new State is published for every
// transition; readers never see a partially updated one.
type State struct {
	Mode       Mode
	Generation uint64
	// SessionID identifies the listening session; empty while idle.
	SessionID string
	// Err is the failure that forced the last transition, if any.
	Err     error
	Changed time.Time
}

func (s State) Listening() bool { return s.Mode == Listening }
