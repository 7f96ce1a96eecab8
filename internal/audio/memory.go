package audio

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// MemorySource plays back in-memory PCM frames. It backs tests and the
// replay tooling; FailAfter and OpenErr simulate device faults.
type MemorySource struct {
	// Frames holds one PCM payload per frame, played in order on every Open.
	Frames [][]byte
	// Hold keeps the capture open after the last frame until Close.
	Hold bool
	// FailAfter, when > 0, fails the read after that many frames with ReadErr.
	FailAfter int
	ReadErr   error
	// OpenErr is returned (wrapped in a DeviceError) by Open.
	OpenErr  error
	Capacity int
	Options  []StreamOption

	opens atomic.Int32
}

// Opens reports how many times Open succeeded or failed.
func (m *MemorySource) Opens() int { return int(m.opens.Load()) }

func (m *MemorySource) Open(ctx context.Context, format Format) (Capture, error) {
	m.opens.Add(1)
	if m.OpenErr != nil {
		return nil, &DeviceError{Op: "open", Err: m.OpenErr}
	}
	var (
		mu   sync.Mutex
		next int
	)
	hold := make(chan struct{})
	var holdOnce sync.Once
	read := func(buf []byte) error {
		mu.Lock()
		i := next
		next++
		mu.Unlock()
		if m.FailAfter > 0 && i >= m.FailAfter {
			return m.ReadErr
		}
		if i >= len(m.Frames) {
			if m.Hold {
				<-hold
			}
			return io.EOF
		}
		copy(buf, m.Frames[i])
		return nil
	}
	release := func() error {
		holdOnce.Do(func() { close(hold) })
		return nil
	}
	capacity := m.Capacity
	if capacity <= 0 {
		capacity = len(m.Frames) + 1
	}
	var opts []StreamOption
	if m.Hold {
		// a held read only unblocks on release
		opts = append(opts, WithReleaseTimeout(20*time.Millisecond))
	}
	opts = append(opts, m.Options...)
	return StartCapture(ctx, format, capacity, read, release, opts...), nil
}
