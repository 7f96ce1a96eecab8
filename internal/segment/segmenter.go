// Package segment groups labelled frames into utterances.
//
// A Segmenter is owned by the single VAD consumer goroutine and is not safe
// for concurrent use.
package segment

import (
	"fmt"
	"time"

	"github.com/loqalabs/kevio/internal/audio"
	"github.com/loqalabs/kevio/internal/vad"
)

// State of the segmenter state machine.
type State int

const (
	Waiting State = iota
	Open
	// Closing is Open with a trailing silence run in progress.
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SilencePolicy decides which silence counts toward the timeout.
type SilencePolicy int

const (
	// Contiguous counts only the current trailing silence run; speech resets it.
	Contiguous SilencePolicy = iota
	// Cumulative counts every silence frame since the utterance opened.
	Cumulative
)

// ParsePolicy maps the configuration names to a SilencePolicy.
func ParsePolicy(name string) (SilencePolicy, error) {
	switch name {
	case "", "contiguous":
		return Contiguous, nil
	case "cumulative":
		return Cumulative, nil
	default:
		return Contiguous, fmt.Errorf("unknown silence policy %q", name)
	}
}

type Config struct {
	SampleRate     int
	SilenceTimeout time.Duration
	Policy         SilencePolicy
	// MaxUtterance force-closes utterances longer than this. Zero disables it.
	MaxUtterance time.Duration
}

// Utterance is one speech episode. Frames runs from the first speech frame to
// the frame that closed it, trailing silence included.
type Utterance struct {
	Generation uint64
	StartSeq   uint64
	EndSeq     uint64
	Frames     []audio.Frame
	Closed     bool
	// Forced is set when MaxUtterance closed the utterance.
	Forced bool
}

// Duration is the audio duration covered by the utterance.
func (u *Utterance) Duration() time.Duration {
	var d time.Duration
	for _, f := range u.Frames {
		d += f.Duration()
	}
	return d
}

// PCM concatenates the frame payloads.
func (u *Utterance) PCM() []byte {
	size := 0
	for _, f := range u.Frames {
		size += len(f.PCM)
	}
	out := make([]byte, 0, size)
	for _, f := range u.Frames {
		out = append(out, f.PCM...)
	}
	return out
}

type Segmenter struct {
	cfg            Config
	silenceSamples int64
	maxSamples     int64

	generation uint64
	state      State
	current    *Utterance
	silence    int64
	total      int64
}

func New(cfg Config, generation uint64) *Segmenter {
	s := &Segmenter{cfg: cfg, generation: generation}
	s.silenceSamples = durationToSamples(cfg.SilenceTimeout, cfg.SampleRate)
	if cfg.MaxUtterance > 0 {
		s.maxSamples = durationToSamples(cfg.MaxUtterance, cfg.SampleRate)
	}
	return s
}

func durationToSamples(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

func (s *Segmenter) State() State { return s.state }

func (s *Segmenter) Generation() uint64 { return s.generation }

// Push feeds one labelled frame. It returns the utterance and true when this
// frame closed it.
func (s *Segmenter) Push(frame audio.Frame, label vad.Label) (*Utterance, bool) {
	if s.state == Closed {
		s.state = Waiting
	}
	samples := int64(frame.Samples())

	if s.state == Waiting {
		if label != vad.Speech {
			return nil, false
		}
		s.current = &Utterance{
			Generation: s.generation,
			StartSeq:   frame.Seq,
			EndSeq:     frame.Seq,
			Frames:     []audio.Frame{frame},
		}
		s.state = Open
		s.silence = 0
		s.total = samples
		return s.checkMax()
	}

	s.current.Frames = append(s.current.Frames, frame)
	s.current.EndSeq = frame.Seq
	s.total += samples

	if label == vad.Speech {
		if s.cfg.Policy == Contiguous {
			s.silence = 0
		}
		s.state = Open
		return s.checkMax()
	}

	s.silence += samples
	s.state = Closing
	if s.silence >= s.silenceSamples {
		return s.close(false), true
	}
	return s.checkMax()
}

func (s *Segmenter) checkMax() (*Utterance, bool) {
	if s.maxSamples > 0 && s.total >= s.maxSamples {
		return s.close(true), true
	}
	return nil, false
}

func (s *Segmenter) close(forced bool) *Utterance {
	u := s.current
	u.Closed = true
	u.Forced = forced
	s.current = nil
	s.state = Closed
	s.silence = 0
	s.total = 0
	return u
}

// Cancel drops any in-progress utterance without emitting it and starts over
// in Waiting under generation. It reports whether an utterance was dropped.
func (s *Segmenter) Cancel(generation uint64) bool {
	dropped := s.current != nil
	s.current = nil
	s.state = Waiting
	s.silence = 0
	s.total = 0
	s.generation = generation
	return dropped
}
