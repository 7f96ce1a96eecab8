package listen

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/kevio/internal/audio"
	"github.com/loqalabs/kevio/internal/inject"
	"github.com/loqalabs/kevio/internal/segment"
	"github.com/loqalabs/kevio/internal/stt"
)

var format = audio.Format{SampleRate: 16000, Channels: 1, FrameDuration: 20 * time.Millisecond}

func pcm(amplitude int16) []byte {
	samples := make([]int16, format.SamplesPerFrame())
	for i := range samples {
		samples[i] = amplitude
	}
	buf := make([]byte, format.BytesPerFrame())
	audio.EncodeInt16(buf, samples)
	return buf
}

// speech builds runs of (speech frames, silence frames).
func speech(runs ...int) [][]byte {
	var frames [][]byte
	for i, n := range runs {
		amp := int16(8000)
		if i%2 == 1 {
			amp = 0
		}
		for j := 0; j < n; j++ {
			frames = append(frames, pcm(amp))
		}
	}
	return frames
}

type sequenceSource struct {
	mu      sync.Mutex
	sources []audio.Source
	opens   int
}

func (s *sequenceSource) Open(ctx context.Context, f audio.Format) (audio.Capture, error) {
	s.mu.Lock()
	i := s.opens
	if i >= len(s.sources) {
		i = len(s.sources) - 1
	}
	s.opens++
	src := s.sources[i]
	s.mu.Unlock()
	return src.Open(ctx, f)
}

func (s *sequenceSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReporter) Report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

type fixture struct {
	ctrl     *Controller
	recorder *inject.Recorder
	reporter *recordingReporter
}

func newFixture(t *testing.T, src audio.Source, engine stt.Engine, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{recorder: inject.NewRecorder(), reporter: &recordingReporter{}}
	opts := Options{
		Format:            format,
		Segmenter:         segment.Config{SilenceTimeout: 2 * time.Second},
		VADAggressiveness: 1,
		MaxReopenAttempts: 2,
		ReopenBackoff:     time.Millisecond,
		Source:            src,
		Engine:            engine,
		Adapter:           stt.AdapterConfig{Workers: 2, Timeout: 5 * time.Second},
		Injector:          f.recorder,
		Reporter:          f.reporter,
	}
	for _, m := range mutate {
		m(&opts)
	}
	f.ctrl = New(opts)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(f.ctrl.Close)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHelloWorldThenToggleOffDropsLateResult(t *testing.T) {
	secondStarted := make(chan struct{})
	release := make(chan struct{})
	engine := &stt.MockEngine{Respond: func(ctx context.Context, cfg stt.StreamConfig, _ []byte, _ bool) (string, error) {
		if cfg.StartSeq == 0 {
			return "hello world", nil
		}
		close(secondStarted)
		<-release
		return "should never appear", nil
	}}
	src := &audio.MemorySource{Frames: speech(50, 100, 50, 100), Hold: true}
	f := newFixture(t, src, engine)

	st, err := f.ctrl.Toggle()
	if err != nil || st.Mode != Listening || st.Generation != 1 {
		t.Fatalf("toggle on: %+v %v", st, err)
	}
	waitFor(t, "first injection", func() bool { return len(f.recorder.Texts()) == 1 })
	if got := f.recorder.Texts()[0]; got != "hello world " {
		t.Fatalf("unexpected injection %q", got)
	}

	<-secondStarted
	st, err = f.ctrl.Toggle()
	if err != nil || st.Mode != Idle || st.Generation != 2 {
		t.Fatalf("toggle off: %+v %v", st, err)
	}
	close(release)

	waitFor(t, "stale drop", func() bool { return f.ctrl.StaleDropped() == 1 })
	time.Sleep(20 * time.Millisecond)
	if got := f.recorder.Texts(); len(got) != 1 {
		t.Fatalf("late result was injected: %v", got)
	}
}

func TestToggleOffDiscardsOpenUtterance(t *testing.T) {
	var mu sync.Mutex
	var utterances, results int
	engine := &stt.MockEngine{}
	src := &audio.MemorySource{Frames: speech(60, 40), Hold: true}
	f := newFixture(t, src, engine, func(o *Options) {
		o.Hooks.OnUtterance = func(*segment.Utterance) { mu.Lock(); utterances++; mu.Unlock() }
		o.Hooks.OnResult = func(stt.Result, bool) { mu.Lock(); results++; mu.Unlock() }
	})

	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	// every frame has been read once the held capture reports no more frames
	time.Sleep(50 * time.Millisecond)
	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if utterances != 0 || results != 0 {
		t.Fatalf("closing utterance leaked: utterances=%d results=%d", utterances, results)
	}
	if len(f.recorder.Texts()) != 0 {
		t.Fatalf("unexpected injection %v", f.recorder.Texts())
	}
}

func TestInjectionOrderFollowsStartOrder(t *testing.T) {
	engine := &stt.MockEngine{Respond: func(_ context.Context, cfg stt.StreamConfig, _ []byte, _ bool) (string, error) {
		if cfg.StartSeq == 0 {
			time.Sleep(100 * time.Millisecond)
			return "first", nil
		}
		return "second", nil
	}}
	src := &audio.MemorySource{Frames: speech(20, 100, 20, 100), Hold: true}
	f := newFixture(t, src, engine)
	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	waitFor(t, "two injections", func() bool { return len(f.recorder.Texts()) == 2 })
	got := f.recorder.Texts()
	if got[0] != "first " || got[1] != "second " {
		t.Fatalf("unexpected order %q", got)
	}
}

func TestRecognitionErrorDoesNotStallOrder(t *testing.T) {
	engine := &stt.MockEngine{Respond: func(_ context.Context, cfg stt.StreamConfig, _ []byte, _ bool) (string, error) {
		if cfg.StartSeq == 0 {
			return "", errors.New("decoder crashed")
		}
		return "recovered", nil
	}}
	src := &audio.MemorySource{Frames: speech(20, 100, 20, 100), Hold: true}
	f := newFixture(t, src, engine)
	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	waitFor(t, "injection after failure", func() bool { return len(f.recorder.Texts()) == 1 })
	if f.recorder.Texts()[0] != "recovered " {
		t.Fatalf("unexpected texts %v", f.recorder.Texts())
	}
	if st := f.ctrl.State(); st.Mode != Listening {
		t.Fatalf("recognition error must not leave listening, got %s", st.Mode)
	}
}

func TestDeviceFailureReopens(t *testing.T) {
	failing := &audio.MemorySource{Frames: speech(10), FailAfter: 5, ReadErr: errors.New("unplugged")}
	healthy := &audio.MemorySource{Frames: speech(20, 100), Hold: true}
	src := &sequenceSource{sources: []audio.Source{failing, healthy}}
	engine := &stt.MockEngine{Respond: func(context.Context, stt.StreamConfig, []byte, bool) (string, error) {
		return "after reopen", nil
	}}
	var mu sync.Mutex
	var deviceErrs int
	f := newFixture(t, src, engine, func(o *Options) {
		o.Hooks.OnDeviceError = func(uint64, int, error) { mu.Lock(); deviceErrs++; mu.Unlock() }
	})

	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	waitFor(t, "injection after reopen", func() bool { return len(f.recorder.Texts()) == 1 })
	if src.Opens() != 2 {
		t.Fatalf("expected 2 opens, got %d", src.Opens())
	}
	st := f.ctrl.State()
	if st.Mode != Listening || st.Generation != 1 {
		t.Fatalf("reopen must keep the session, got %+v", st)
	}
	if f.reporter.count() != 0 {
		t.Fatalf("recovered failure must not be reported")
	}
	mu.Lock()
	defer mu.Unlock()
	if deviceErrs != 1 {
		t.Fatalf("expected 1 device error hook, got %d", deviceErrs)
	}
}

func TestDeviceLostForcesIdle(t *testing.T) {
	failing := &audio.MemorySource{Frames: speech(10), FailAfter: 3, ReadErr: errors.New("unplugged")}
	gone := &audio.MemorySource{OpenErr: errors.New("no device")}
	src := &sequenceSource{sources: []audio.Source{failing, gone}}
	f := newFixture(t, src, &stt.MockEngine{})
	updates, unsubscribe := f.ctrl.Subscribe()
	defer unsubscribe()

	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	waitFor(t, "forced idle", func() bool { return f.ctrl.State().Mode == Idle })
	st := f.ctrl.State()
	if st.Err == nil || st.Generation != 2 {
		t.Fatalf("expected idle with error at generation 2, got %+v", st)
	}
	var devErr *audio.DeviceError
	if !errors.As(st.Err, &devErr) {
		t.Fatalf("expected device error cause, got %v", st.Err)
	}
	if src.Opens() != 3 {
		t.Fatalf("expected initial open plus 2 reopen attempts, got %d", src.Opens())
	}
	waitFor(t, "report", func() bool { return f.reporter.count() == 1 })

	latest := <-updates
	if latest.Mode != Idle || latest.Err == nil {
		t.Fatalf("subscriber did not see the forced idle state: %+v", latest)
	}
}

func TestOpenFailureAtToggleOn(t *testing.T) {
	src := &audio.MemorySource{OpenErr: errors.New("permission denied")}
	f := newFixture(t, src, &stt.MockEngine{})

	st, err := f.ctrl.Toggle()
	if err == nil {
		t.Fatalf("expected open failure")
	}
	if st.Mode != Idle || st.Generation != 0 || st.Err == nil {
		t.Fatalf("unexpected state %+v", st)
	}
	if src.Opens() != 1 {
		t.Fatalf("open must not be retried at toggle-on, got %d opens", src.Opens())
	}
	if f.reporter.count() != 1 {
		t.Fatalf("expected failure to be reported")
	}
}

func TestCleanEndOfInputReturnsToIdle(t *testing.T) {
	src := &audio.MemorySource{Frames: speech(20, 100)}
	f := newFixture(t, src, &stt.MockEngine{Respond: func(context.Context, stt.StreamConfig, []byte, bool) (string, error) {
		return "done", nil
	}})
	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	waitFor(t, "idle after replay", func() bool { return f.ctrl.State().Mode == Idle })
	if st := f.ctrl.State(); st.Err != nil {
		t.Fatalf("clean end must not carry an error: %v", st.Err)
	}
}

func TestSetModeAndSubscribe(t *testing.T) {
	src := &audio.MemorySource{Hold: true}
	f := newFixture(t, src, &stt.MockEngine{})

	updates, unsubscribe := f.ctrl.Subscribe()
	defer unsubscribe()
	if first := <-updates; first.Mode != Idle || first.Generation != 0 {
		t.Fatalf("unexpected initial state %+v", first)
	}

	if _, err := f.ctrl.SetMode(Idle); !errors.Is(err, ErrModeUnchanged) {
		t.Fatalf("expected ErrModeUnchanged, got %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := f.ctrl.Toggle(); err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
	}
	latest := <-updates
	if latest.Mode != Listening || latest.Generation != 5 {
		t.Fatalf("expected latest state listening/5, got %+v", latest)
	}
	select {
	case extra := <-updates:
		t.Fatalf("subscriber should only hold the latest state, got extra %+v", extra)
	default:
	}
	st, err := f.ctrl.SetMode(Idle)
	if err != nil || st.Generation != 6 || st.SessionID != "" {
		t.Fatalf("set idle: %+v %v", st, err)
	}
}

func TestToggleBeforeStart(t *testing.T) {
	c := New(Options{Format: format, Source: &audio.MemorySource{}, Engine: &stt.MockEngine{}, Injector: inject.NewRecorder()})
	if _, err := c.Toggle(); err == nil {
		t.Fatalf("expected error before start")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"idle": Idle, "LISTENING": Listening, "on": Listening, "off": Idle} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("maybe"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSessionHookSeesEveryListeningGeneration(t *testing.T) {
	var mu sync.Mutex
	sessions := map[uint64]string{}
	src := &audio.MemorySource{Hold: true}
	f := newFixture(t, src, &stt.MockEngine{}, func(o *Options) {
		o.Hooks.OnSession = func(gen uint64, id string) { mu.Lock(); sessions[gen] = id; mu.Unlock() }
	})

	first, err := f.ctrl.Toggle()
	if err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if _, err := f.ctrl.Toggle(); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	second, err := f.ctrl.Toggle()
	if err != nil {
		t.Fatalf("toggle on again: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sessions) != 2 {
		t.Fatalf("expected two sessions, got %v", sessions)
	}
	if sessions[first.Generation] != first.SessionID || sessions[second.Generation] != second.SessionID {
		t.Fatalf("session ids do not match state: %v vs %s/%s", sessions, first.SessionID, second.SessionID)
	}
	if first.SessionID == second.SessionID {
		t.Fatalf("session id reused across generations")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInvalidAggressivenessWarnsOnce(t *testing.T) {
	var logs lockedBuffer
	src := &audio.MemorySource{Hold: true}
	f := newFixture(t, src, &stt.MockEngine{}, func(o *Options) {
		o.VADAggressiveness = 9
		o.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	})

	for i := 0; i < 4; i++ {
		if _, err := f.ctrl.Toggle(); err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
	}
	waitFor(t, "second session", func() bool { return src.Opens() == 2 })
	time.Sleep(20 * time.Millisecond)

	if n := strings.Count(logs.String(), "invalid vad aggressiveness"); n != 1 {
		t.Fatalf("expected one fallback warning, got %d:\n%s", n, logs.String())
	}
}
