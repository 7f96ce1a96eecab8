// Package inject types recognized text into the focused application, one
// utterance at a time and in the order the utterances started.
package inject

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/loqalabs/kevio/internal/metrics"
)

// Event is recognized text ready for injection.
type Event struct {
	Generation uint64
	StartSeq   uint64
	Text       string
}

// Pacer spaces out keystrokes. *rate.Limiter satisfies it.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Injector emits text as keystrokes. It calls pace.Wait before every
// keystroke. Implementations are only ever called from one goroutine.
type Injector interface {
	Inject(ctx context.Context, text string, pace Pacer) error
}

// Status of a dispatched event.
type Status string

const (
	StatusInjected Status = "injected"
	StatusFailed   Status = "failed"
	StatusStale    Status = "stale"
	StatusEmpty    Status = "empty"
)

// Outcome is reported to the observer for every event leaving the dispatcher.
type Outcome struct {
	Event  Event
	Status Status
	Err    error
}

type key struct {
	generation uint64
	startSeq   uint64
}

// Dispatcher serializes injection. Slots are reserved when an utterance
// closes; the text fills the slot when recognition finishes. The writer only
// releases the lowest reserved slot, so text appears in utterance start order
// regardless of completion order.
type Dispatcher struct {
	injector    Injector
	current     func() uint64
	pacer       *rate.Limiter
	appendSpace bool
	logger      *slog.Logger
	metrics     *metrics.Pipeline
	observer    func(Outcome)

	mu      sync.Mutex
	floor   uint64
	pending slotHeap
	index   map[key]*slot
	wake    chan struct{}

	injected atomic.Uint64
	failed   atomic.Uint64
	stale    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

// WithTypingDelay sets the pause between keystrokes. Zero types at full speed.
func WithTypingDelay(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d <= 0 {
			disp.pacer = rate.NewLimiter(rate.Inf, 1)
			return
		}
		disp.pacer = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithAppendSpace controls the space typed after every transcription (on by default).
func WithAppendSpace(enabled bool) Option {
	return func(disp *Dispatcher) { disp.appendSpace = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = logger }
}

func WithMetrics(m *metrics.Pipeline) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// WithObserver is called for every event that leaves the dispatcher. Stale
// events without a slot are reported on the goroutine calling Deliver.
func WithObserver(fn func(Outcome)) Option {
	return func(disp *Dispatcher) { disp.observer = fn }
}

// NewDispatcher builds a dispatcher. current reports the live listening
// generation and is consulted again right before every injection.
func NewDispatcher(injector Injector, current func() uint64, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		injector:    injector,
		current:     current,
		pacer:       rate.NewLimiter(rate.Inf, 1),
		appendSpace: true,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		index:       make(map[key]*slot),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.Discard()
	}
	d.logger = d.logger.With(slog.String("component", "inject"))
	return d
}

// Start launches the writer goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Close stops the writer. Pending slots are abandoned.
func (d *Dispatcher) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Reserve claims the injection position for an utterance. Call it in
// utterance close order, before recognition is submitted. It reports false
// and reserves nothing for a generation that is no longer current.
func (d *Dispatcher) Reserve(generation, startSeq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if generation < d.floor || generation < d.current() {
		d.logger.Debug("refusing reservation for superseded generation",
			slog.Uint64("generation", generation),
			slog.Uint64("start_seq", startSeq),
		)
		return false
	}
	k := key{generation, startSeq}
	if _, ok := d.index[k]; ok {
		return true
	}
	s := &slot{generation: generation, startSeq: startSeq}
	d.index[k] = s
	heap.Push(&d.pending, s)
	return true
}

// Deliver fills a reserved slot with text. An event for a superseded
// generation, or one whose slot was dropped, is counted as stale.
func (d *Dispatcher) Deliver(ev Event) {
	d.fill(ev, false)
}

// Skip releases a reserved slot without typing anything, so a failed
// recognition does not hold back later utterances.
func (d *Dispatcher) Skip(generation, startSeq uint64) {
	d.fill(Event{Generation: generation, StartSeq: startSeq}, true)
}

func (d *Dispatcher) fill(ev Event, skip bool) {
	d.mu.Lock()
	s, ok := d.index[key{ev.Generation, ev.StartSeq}]
	if ok && !s.filled {
		s.filled = true
		s.skip = skip
		s.text = ev.Text
	}
	d.mu.Unlock()

	if !ok {
		if !skip {
			d.dropStale(context.Background(), ev)
		}
		return
	}
	d.signal()
}

// Reset drops every slot older than generation. Events delivered for them
// later are counted as stale.
func (d *Dispatcher) Reset(generation uint64) int {
	d.mu.Lock()
	if generation > d.floor {
		d.floor = generation
	}
	kept := d.pending[:0]
	dropped := 0
	for _, s := range d.pending {
		if s.generation < generation {
			delete(d.index, key{s.generation, s.startSeq})
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(d.pending); i++ {
		d.pending[i] = nil
	}
	d.pending = kept
	heap.Init(&d.pending)
	d.mu.Unlock()
	d.signal()
	return dropped
}

// Pending is the number of reserved slots not yet released.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Len()
}

func (d *Dispatcher) Injected() uint64 { return d.injected.Load() }

func (d *Dispatcher) Failed() uint64 { return d.failed.Load() }

func (d *Dispatcher) StaleDropped() uint64 { return d.stale.Load() }

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
		for _, s := range d.ready() {
			if ctx.Err() != nil {
				return
			}
			if s.skip {
				continue
			}
			d.dispatch(ctx, Event{Generation: s.generation, StartSeq: s.startSeq, Text: s.text})
		}
	}
}

// ready pops the filled slots at the head of the order.
func (d *Dispatcher) ready() []*slot {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*slot
	for d.pending.Len() > 0 {
		head := d.pending[0]
		if !head.filled {
			break
		}
		heap.Pop(&d.pending)
		delete(d.index, key{head.generation, head.startSeq})
		out = append(out, head)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	if ev.Generation != d.current() {
		d.dropStale(ctx, ev)
		return
	}
	if ev.Text == "" {
		d.notify(Outcome{Event: ev, Status: StatusEmpty})
		return
	}
	text := ev.Text
	if d.appendSpace {
		text += " "
	}
	err := d.injector.Inject(ctx, text, d.pacer)
	d.metrics.RecordInjection(ctx, err)
	if err != nil {
		d.failed.Add(1)
		d.logger.Warn("injection failed",
			slog.Uint64("generation", ev.Generation),
			slog.Uint64("start_seq", ev.StartSeq),
			slog.String("error", err.Error()),
		)
		d.notify(Outcome{Event: ev, Status: StatusFailed, Err: err})
		return
	}
	d.injected.Add(1)
	d.notify(Outcome{Event: ev, Status: StatusInjected})
}

func (d *Dispatcher) dropStale(ctx context.Context, ev Event) {
	d.stale.Add(1)
	d.metrics.RecordStale(ctx, "dispatcher")
	d.logger.Debug("dropping stale event",
		slog.Uint64("generation", ev.Generation),
		slog.Uint64("start_seq", ev.StartSeq),
	)
	d.notify(Outcome{Event: ev, Status: StatusStale})
}

func (d *Dispatcher) notify(o Outcome) {
	if d.observer != nil {
		d.observer(o)
	}
}
