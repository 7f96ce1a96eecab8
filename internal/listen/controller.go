package listen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/kevio/internal/audio"
	"github.com/loqalabs/kevio/internal/inject"
	"github.com/loqalabs/kevio/internal/metrics"
	"github.com/loqalabs/kevio/internal/segment"
	"github.com/loqalabs/kevio/internal/stt"
	"github.com/loqalabs/kevio/internal/vad"
)

// Reporter receives fatal errors: device failures that forced Idle.
type Reporter interface {
	Report(err error)
}

// Hooks observe pipeline activity. Every hook is optional and must not block.
type Hooks struct {
	// OnSession runs before the session's first frame is read.
	OnSession     func(generation uint64, sessionID string)
	OnUtterance   func(u *segment.Utterance)
	OnPartial     func(r stt.Result)
	OnResult      func(r stt.Result, stale bool)
	OnDeviceError func(generation uint64, attempt int, err error)
	OnDropped     func(generation uint64, n uint64)
}

type Options struct {
	Format            audio.Format
	Segmenter         segment.Config
	VADAggressiveness int
	// MaxReopenAttempts bounds device re-opens after a mid-session failure.
	MaxReopenAttempts int
	// ReopenBackoff is the first re-open delay; it doubles per attempt.
	ReopenBackoff time.Duration

	Source        audio.Source
	Engine        stt.Engine
	Adapter       stt.AdapterConfig
	Injector      inject.Injector
	InjectOptions []inject.Option

	Reporter Reporter
	Hooks    Hooks
	Logger   *slog.Logger
	Metrics  *metrics.Pipeline
}

type session struct {
	generation uint64
	id         string
	cancel     context.CancelFunc
	done       chan struct{}
	// nextSeq keeps frame numbers increasing across device re-opens. Only
	// the session goroutine touches it.
	nextSeq uint64

	mu      sync.Mutex
	capture audio.Capture
	stopped bool
}

// Controller is safe for concurrent use. Transitions are serialized; the
// published State is readable without locks.
type Controller struct {
	opts       Options
	logger     *slog.Logger
	metrics    *metrics.Pipeline
	adapter    *stt.Adapter
	dispatcher *inject.Dispatcher

	state atomic.Pointer[State]
	stale atomic.Uint64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	session *session

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	if opts.Segmenter.SampleRate == 0 {
		opts.Segmenter.SampleRate = opts.Format.SampleRate
	}
	if opts.Adapter.SampleRate == 0 {
		opts.Adapter.SampleRate = opts.Format.SampleRate
	}
	own := logger.With(slog.String("component", "listen"))
	opts.VADAggressiveness = vad.Aggressiveness(opts.VADAggressiveness, own)
	c := &Controller{
		opts:    opts,
		logger:  own,
		metrics: m,
		subs:    make(map[int]chan State),
	}
	c.state.Store(&State{Mode: Idle, Changed: time.Now()})

	injectOpts := append([]inject.Option{
		inject.WithLogger(logger),
		inject.WithMetrics(m),
	}, opts.InjectOptions...)
	c.dispatcher = inject.NewDispatcher(opts.Injector, c.Generation, injectOpts...)
	c.adapter = stt.NewAdapter(opts.Engine, opts.Adapter, c.gate, logger, m)
	return c
}

// Start runs the dispatcher. Transitions are rejected before Start and
// after Close.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return errors.New("listen: controller already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.dispatcher.Start(c.ctx)
	return nil
}

// Close stops listening, cancels and waits for in-flight recognitions and
// stops the dispatcher.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	if cur := c.state.Load(); cur.Mode == Listening {
		c.transitionLocked(Idle, nil)
	}
	s := c.session
	c.mu.Unlock()

	if s != nil {
		<-s.done
	}
	c.cancel()
	c.adapter.Wait()
	c.dispatcher.Close()
}

// State returns the current snapshot.
func (c *Controller) State() State { return *c.state.Load() }

// Generation returns the current generation.
func (c *Controller) Generation() uint64 { return c.state.Load().Generation }

// Dispatcher exposes the injection dispatcher for diagnostics.
func (c *Controller) Dispatcher() *inject.Dispatcher { return c.dispatcher }

// StaleDropped counts final results discarded at the gate.
func (c *Controller) StaleDropped() uint64 { return c.stale.Load() }

// Toggle flips between Idle and Listening.
func (c *Controller) Toggle() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil || c.ctx.Err() != nil {
		return c.State(), errors.New("listen: controller not running")
	}
	next := Listening
	if c.state.Load().Mode == Listening {
		next = Idle
	}
	return c.transitionLocked(next, nil)
}

// SetMode moves to mode. It returns ErrModeUnchanged when already there.
func (c *Controller) SetMode(mode Mode) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil || c.ctx.Err() != nil {
		return c.State(), errors.New("listen: controller not running")
	}
	if c.state.Load().Mode == mode {
		return c.State(), ErrModeUnchanged
	}
	return c.transitionLocked(mode, nil)
}

// Subscribe returns a channel that always holds the latest State. Slow
// readers miss intermediate states but never block the controller.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()
	ch <- c.State()
	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish(next *State) {
	c.state.Store(next)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *next:
		default:
		}
	}
}

// transitionLocked requires c.mu.
func (c *Controller) transitionLocked(mode Mode, cause error) (State, error) {
	cur := c.state.Load()

	if mode == Listening {
		gen := cur.Generation + 1
		capture, err := c.opts.Source.Open(c.ctx, c.opts.Format)
		if err != nil {
			err = fmt.Errorf("start listening: %w", err)
			c.metrics.RecordDeviceError(c.ctx, "open")
			c.publish(&State{Mode: Idle, Generation: cur.Generation, Err: err, Changed: time.Now()})
			c.logger.Error("cannot enter listening", slogError(err))
			c.report(err)
			return c.State(), err
		}
		next := &State{Mode: Listening, Generation: gen, SessionID: uuid.NewString(), Changed: time.Now()}
		c.publish(next)
		c.metrics.RecordTransition(c.ctx, next.Mode.String())
		c.dispatcher.Reset(gen)
		if h := c.opts.Hooks.OnSession; h != nil {
			h(gen, next.SessionID)
		}
		c.startSession(next, capture)
		c.logger.Info("listening", slog.Uint64("generation", gen), slog.String("session_id", next.SessionID))
		return *next, nil
	}

	next := &State{Mode: Idle, Generation: cur.Generation + 1, Err: cause, Changed: time.Now()}
	c.publish(next)
	c.metrics.RecordTransition(c.ctx, next.Mode.String())
	c.stopSession()
	dropped := c.dispatcher.Reset(next.Generation)
	c.logger.Info("idle",
		slog.Uint64("generation", next.Generation),
		slog.Int("abandoned_slots", dropped),
	)
	return *next, nil
}

func (c *Controller) startSession(st *State, capture audio.Capture) {
	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		generation: st.Generation,
		id:         st.SessionID,
		cancel:     cancel,
		done:       make(chan struct{}),
		capture:    capture,
	}
	c.session = s
	go c.runSession(ctx, s)
}

// stopSession releases the device right away. The session goroutine drops
// its open utterance on its own.
func (c *Controller) stopSession() {
	s := c.session
	if s == nil {
		return
	}
	s.cancel()
	s.mu.Lock()
	s.stopped = true
	capture := s.capture
	s.mu.Unlock()
	if err := capture.Close(); err != nil {
		c.logger.Warn("release capture device", slogError(err))
	}
}

func (c *Controller) runSession(ctx context.Context, s *session) {
	defer close(s.done)
	logger := c.logger.With(slog.Uint64("generation", s.generation), slog.String("session_id", s.id))
	det := vad.NewEnergyDetector(c.opts.VADAggressiveness, logger)
	seg := segment.New(c.opts.Segmenter, s.generation)
	defer func() {
		if seg.Cancel(s.generation) {
			c.metrics.RecordUtteranceCancelled(context.Background())
		}
	}()

	s.mu.Lock()
	capture := s.capture
	s.mu.Unlock()
	for {
		c.consume(ctx, s, capture, det, seg)
		if ctx.Err() != nil {
			return
		}
		err := capture.Err()
		_ = capture.Close()
		if err == nil {
			logger.Info("capture ended")
			c.end(s.generation, nil)
			return
		}
		next, err := c.reopen(ctx, s, err, logger)
		if err != nil {
			if ctx.Err() == nil {
				c.end(s.generation, err)
			}
			return
		}
		capture = next
		det.Reset()
		if seg.Cancel(s.generation) {
			c.metrics.RecordUtteranceCancelled(ctx)
		}
	}
}

func (c *Controller) consume(ctx context.Context, s *session, capture audio.Capture, det vad.Detector, seg *segment.Segmenter) {
	var reported uint64
	base := s.nextSeq
	frames := capture.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			frame.Seq += base
			s.nextSeq = frame.Seq + 1
			if dropped := capture.Dropped(); dropped > reported {
				delta := dropped - reported
				reported = dropped
				c.metrics.RecordDropped(ctx, int64(delta))
				if h := c.opts.Hooks.OnDropped; h != nil {
					h(s.generation, delta)
				}
			}
			u, closed := seg.Push(frame, det.Classify(frame))
			if !closed {
				continue
			}
			// a toggle may land between close and reservation
			if !c.dispatcher.Reserve(u.Generation, u.StartSeq) {
				c.metrics.RecordUtteranceCancelled(ctx)
				continue
			}
			c.metrics.RecordUtteranceClosed(ctx, u.Forced)
			if h := c.opts.Hooks.OnUtterance; h != nil {
				h(u)
			}
			// recognition outlives the session
			c.adapter.Submit(c.ctx, u)
		}
	}
}

// reopen retries the source with exponential backoff while the session's
// generation is current.
func (c *Controller) reopen(ctx context.Context, s *session, cause error, logger *slog.Logger) (audio.Capture, error) {
	c.metrics.RecordDeviceError(ctx, "read")
	if h := c.opts.Hooks.OnDeviceError; h != nil {
		h(s.generation, 0, cause)
	}
	logger.Warn("capture device failed", slogError(cause))

	backoff := c.opts.ReopenBackoff
	lastErr := cause
	for attempt := 1; attempt <= c.opts.MaxReopenAttempts; attempt++ {
		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}
		if ctx.Err() != nil || c.Generation() != s.generation {
			return nil, context.Canceled
		}
		capture, err := c.opts.Source.Open(ctx, c.opts.Format)
		if err != nil {
			lastErr = err
			c.metrics.RecordDeviceError(ctx, "open")
			if h := c.opts.Hooks.OnDeviceError; h != nil {
				h(s.generation, attempt, err)
			}
			logger.Warn("reopen capture device failed", slog.Int("attempt", attempt), slogError(err))
			continue
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = capture.Close()
			return nil, context.Canceled
		}
		s.capture = capture
		s.mu.Unlock()
		logger.Info("capture device reopened", slog.Int("attempt", attempt))
		return capture, nil
	}
	return nil, fmt.Errorf("capture device lost after %d reopen attempts: %w", c.opts.MaxReopenAttempts, lastErr)
}

// end forces Idle when the session that failed is still the current one.
func (c *Controller) end(generation uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.state.Load()
	if cur.Generation != generation || cur.Mode != Listening {
		return
	}
	c.transitionLocked(Idle, cause)
	if cause != nil {
		c.logger.Error("listening stopped by device failure", slogError(cause))
		c.report(cause)
	}
}

func (c *Controller) report(err error) {
	if c.opts.Reporter != nil {
		c.opts.Reporter.Report(err)
	}
}

// gate is the adapter callback. Results from a superseded generation are
// dropped here; everything else fills its dispatcher slot.
func (c *Controller) gate(r stt.Result) {
	cur := c.state.Load()
	current := r.Generation == cur.Generation && cur.Mode == Listening

	if !r.Final {
		if current {
			if h := c.opts.Hooks.OnPartial; h != nil {
				h(r)
			}
		}
		return
	}
	if h := c.opts.Hooks.OnResult; h != nil {
		h(r, !current)
	}
	if !current {
		c.stale.Add(1)
		c.metrics.RecordStale(context.Background(), "controller")
		c.dispatcher.Skip(r.Generation, r.StartSeq)
		return
	}
	if r.Err != nil {
		c.dispatcher.Skip(r.Generation, r.StartSeq)
		return
	}
	c.dispatcher.Deliver(inject.Event{Generation: r.Generation, StartSeq: r.StartSeq, Text: r.Text})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
