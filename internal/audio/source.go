package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultReleaseTimeout bounds how long Close waits for the capture loop
// before releasing the device anyway.
const DefaultReleaseTimeout = 500 * time.Millisecond

// Source opens capture sessions. Open failures are *DeviceError.
type Source interface {
	Open(ctx context.Context, format Format) (Capture, error)
}

// Capture is one running capture session.
type Capture interface {
	// Frames delivers captured frames and is closed when capture ends.
	Frames() <-chan Frame
	// Err reports why capture ended. It is nil for Close and clean EOF and a
	// *DeviceError for device failures. Only meaningful after Frames closes.
	Err() error
	// Dropped is the number of frames evicted from the full queue so far.
	Dropped() uint64
	// Close stops capture and releases the device. Safe to call repeatedly.
	Close() error
}

// ReadFunc fills buf with the next frame of PCM. It returns io.EOF when the
// input is exhausted; any other error ends the capture as a device failure.
type ReadFunc func(buf []byte) error

type streamOptions struct {
	pace           time.Duration
	releaseTimeout time.Duration
	onDrop         func(Frame)
	logger         *slog.Logger
	clock          func() time.Time
}

// StreamOption configures a Stream.
type StreamOption func(*streamOptions)

// WithPacing sleeps d between frames. Sources backed by real devices block in
// ReadFunc instead and leave pacing off.
func WithPacing(d time.Duration) StreamOption {
	return func(o *streamOptions) { o.pace = d }
}

func WithReleaseTimeout(d time.Duration) StreamOption {
	return func(o *streamOptions) {
		if d > 0 {
			o.releaseTimeout = d
		}
	}
}

// WithDropHook is invoked on the capture goroutine for every evicted frame.
func WithDropHook(fn func(Frame)) StreamOption {
	return func(o *streamOptions) { o.onDrop = fn }
}

func WithLogger(logger *slog.Logger) StreamOption {
	return func(o *streamOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) StreamOption {
	return func(o *streamOptions) { o.clock = clock }
}

// Stream runs a capture loop on its own goroutine and feeds a Queue. It is
// the shared Capture implementation behind every Source in this module.
type Stream struct {
	format  Format
	read    ReadFunc
	release func() error
	opts    streamOptions
	queue   *Queue

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu  sync.Mutex
	err error
}

// StartCapture starts the capture loop immediately. release, when non-nil,
// is called exactly once by Close, after the loop exits or the release
// timeout expires, whichever comes first.
func StartCapture(ctx context.Context, format Format, capacity int, read ReadFunc, release func() error, opts ...StreamOption) *Stream {
	o := streamOptions{
		releaseTimeout: DefaultReleaseTimeout,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	q := NewQueue(capacity)
	q.onDrop = o.onDrop

	s := &Stream{
		format:  format,
		read:    read,
		release: release,
		opts:    o,
		queue:   q,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop(ctx)
	return s
}

func (s *Stream) loop(ctx context.Context) {
	defer close(s.done)
	defer s.queue.Close()

	var ticker *time.Ticker
	if s.opts.pace > 0 {
		ticker = time.NewTicker(s.opts.pace)
		defer ticker.Stop()
	}

	size := s.format.BytesPerFrame()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		buf := make([]byte, size)
		if err := s.read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-s.stop:
				// read failures while closing are expected
				return
			default:
			}
			s.setErr(&DeviceError{Op: "read", Err: err})
			s.opts.logger.Warn("capture read failed", slog.String("error", err.Error()))
			return
		}

		s.queue.Push(Frame{
			Seq:        seq,
			Captured:   s.opts.clock(),
			SampleRate: s.format.SampleRate,
			PCM:        buf,
		})
		seq++

		if ticker != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}
	}
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) Frames() <-chan Frame { return s.queue.Frames() }

func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Dropped() uint64 { return s.queue.Dropped() }

// Done is closed once the capture loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		timer := time.NewTimer(s.opts.releaseTimeout)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.opts.logger.Warn("capture loop did not stop in time, releasing device", slog.Duration("timeout", s.opts.releaseTimeout))
		}
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}

var _ Capture = (*Stream)(nil)
