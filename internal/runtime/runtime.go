// Package runtime assembles the daemon: telemetry, bus, journal, the
// listening pipeline, the hotkey and the HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/kevio/internal/audio"
	"github.com/loqalabs/kevio/internal/bus"
	"github.com/loqalabs/kevio/internal/config"
	"github.com/loqalabs/kevio/internal/eventstore"
	"github.com/loqalabs/kevio/internal/hotkey"
	"github.com/loqalabs/kevio/internal/inject"
	"github.com/loqalabs/kevio/internal/inject/keyboard"
	"github.com/loqalabs/kevio/internal/listen"
	"github.com/loqalabs/kevio/internal/metrics"
	"github.com/loqalabs/kevio/internal/natsserver"
	"github.com/loqalabs/kevio/internal/notify"
	"github.com/loqalabs/kevio/internal/protocol"
	"github.com/loqalabs/kevio/internal/segment"
	"github.com/loqalabs/kevio/internal/status"
	"github.com/loqalabs/kevio/internal/stt"
)

type Option func(*Runtime)

// WithSource replaces the audio source built from audio.mode.
func WithSource(src audio.Source) Option {
	return func(r *Runtime) { r.source = src }
}

// WithInjector replaces the injector built from inject.mode.
func WithInjector(inj inject.Injector) Option {
	return func(r *Runtime) { r.injector = inj }
}

// WithTraceWriter sets where the stdout span exporter writes.
func WithTraceWriter(w io.Writer) Option {
	return func(r *Runtime) { r.traceOut = w }
}

type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	source   audio.Source
	injector inject.Injector
	traceOut io.Writer

	httpServer    *http.Server
	metricsServer *http.Server
	ready         atomic.Bool
	wg            sync.WaitGroup

	mu      sync.Mutex
	addr    string
	ctrl    *listen.Controller
	bus     *bus.Client
	store   *eventstore.Store
	dropped atomic.Uint64
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		traceOut: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the daemon until ctx is cancelled. Failing to load the
// recognition engine or to open the journal is fatal.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	pipeline, err := metrics.New(tel.meterProvider)
	if err != nil {
		return fmt.Errorf("create instruments: %w", err)
	}

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	defer busClient.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	jr := newJournal(store, r.logger)
	defer jr.Close()

	engine, err := stt.NewEngine(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("load recognition engine: %w", err)
	}
	defer engine.Close()
	r.logger.Info("recognition engine ready", slog.String("engine", engine.Name()))

	source, err := r.buildSource()
	if err != nil {
		return err
	}
	injector, err := r.buildInjector()
	if err != nil {
		return err
	}

	var ctrl *listen.Controller
	notifier := notify.New(
		notify.WithPublisher(busClient),
		notify.WithDesktop(r.cfg.Notify.ShowNotifications),
		notify.WithLogger(r.logger),
		notify.WithGeneration(func() uint64 { return ctrl.Generation() }),
	)

	ctrl = listen.New(listen.Options{
		Format: audio.Format{
			SampleRate:    r.cfg.Audio.SampleRate,
			Channels:      r.cfg.Audio.Channels,
			FrameDuration: time.Duration(r.cfg.Audio.FrameDurationMS) * time.Millisecond,
		},
		Segmenter: segment.Config{
			SampleRate:     r.cfg.Audio.SampleRate,
			SilenceTimeout: time.Duration(r.cfg.Segmenter.SilenceTimeoutMS) * time.Millisecond,
			Policy:         mustPolicy(r.cfg.Segmenter.SilencePolicy),
			MaxUtterance:   time.Duration(r.cfg.Segmenter.MaxUtteranceMS) * time.Millisecond,
		},
		VADAggressiveness: r.cfg.VAD.Aggressiveness,
		MaxReopenAttempts: r.cfg.Controller.MaxReopenAttempts,
		ReopenBackoff:     time.Duration(r.cfg.Controller.ReopenBackoffMS) * time.Millisecond,
		Source:            source,
		Engine:            engine,
		Adapter: stt.AdapterConfig{
			SampleRate: r.cfg.Audio.SampleRate,
			Language:   r.cfg.STT.Language,
			Workers:    r.cfg.STT.Workers,
			Timeout:    time.Duration(r.cfg.STT.TimeoutMS) * time.Millisecond,
			Partials:   r.cfg.STT.PublishInterim,
		},
		Injector: injector,
		InjectOptions: []inject.Option{
			inject.WithTypingDelay(time.Duration(r.cfg.Inject.TypingDelay * float64(time.Second))),
			inject.WithAppendSpace(r.cfg.Inject.AppendSpace),
			inject.WithObserver(func(o inject.Outcome) { r.onOutcome(jr, busClient, o) }),
		},
		Reporter: notifier,
		Hooks:    r.hooks(jr, busClient),
		Logger:   r.logger,
		Metrics:  pipeline,
	})
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Close()

	statusSvc, err := status.NewService(ctx, status.Config{
		HeartbeatInterval: time.Duration(r.cfg.Controller.HeartbeatIntervalMS) * time.Millisecond,
		Counters:          r.counters,
		OnChange:          notifier.StateChanged,
	}, ctrl, busClient, pipeline, r.logger)
	if err != nil {
		return err
	}
	defer statusSvc.Close()

	r.mu.Lock()
	r.ctrl, r.bus, r.store = ctrl, busClient, store
	r.mu.Unlock()

	if r.cfg.Hotkey.Enabled {
		r.startHotkey(ctx, ctrl)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)
	mux.HandleFunc("/toggle", r.handleToggle)
	mux.HandleFunc("/mode", r.handleMode)
	mux.HandleFunc("/sessions", r.handleSessions)
	mux.Handle("/metrics", tel.metricHandler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.mu.Unlock()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, ln, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		if mln, err := net.Listen("tcp", bind); err != nil {
			r.logger.Warn("prometheus listener unavailable", slog.String("bind", bind), slogError(err))
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", tel.metricHandler)
			r.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, mln, "metrics")
		}
	}

	if r.cfg.Controller.AutoStart {
		if _, err := ctrl.SetMode(listen.Listening); err != nil && !errors.Is(err, listen.ErrModeUnchanged) {
			r.logger.Warn("auto start failed", slogError(err))
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.Addr()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slogError(err))
		}
	}()
}

// Addr is the HTTP listen address once the runtime is ready.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Ready reports whether the HTTP surface is serving.
func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) buildSource() (audio.Source, error) {
	if r.source != nil {
		return r.source, nil
	}
	src, err := audio.NewSource(r.cfg.Audio, r.logger)
	if err != nil {
		return nil, fmt.Errorf("build audio source: %w", err)
	}
	return src, nil
}

func (r *Runtime) buildInjector() (inject.Injector, error) {
	if r.injector != nil {
		return r.injector, nil
	}
	switch r.cfg.Inject.Mode {
	case "keyboard":
		kb, err := keyboard.New(r.logger)
		if err != nil {
			return nil, err
		}
		return kb, nil
	case "log":
		return &inject.LogInjector{Logger: r.logger.With(slog.String("component", "inject"))}, nil
	default:
		return nil, fmt.Errorf("unknown inject mode %q", r.cfg.Inject.Mode)
	}
}

// startHotkey wires the global hotkey. Registration failures leave the
// daemon controllable over the bus and HTTP.
func (r *Runtime) startHotkey(ctx context.Context, ctrl *listen.Controller) {
	debounce := time.Duration(r.cfg.Hotkey.DebounceMS) * time.Millisecond
	err := hotkey.Listen(ctx, r.cfg.Hotkey.Key, debounce, func() {
		if _, err := ctrl.Toggle(); err != nil {
			r.logger.Warn("hotkey toggle failed", slogError(err))
		}
	})
	switch {
	case errors.Is(err, hotkey.ErrUnsupported):
		r.logger.Info("global hotkey unavailable on this platform")
	case err != nil:
		r.logger.Warn("global hotkey registration failed", slog.String("key", r.cfg.Hotkey.Key), slogError(err))
	default:
		r.logger.Info("global hotkey registered", slog.String("key", r.cfg.Hotkey.Key))
	}
}

func (r *Runtime) hooks(jr *journal, busClient *bus.Client) listen.Hooks {
	return listen.Hooks{
		OnSession: jr.session,
		OnUtterance: func(u *segment.Utterance) {
			jr.record(u.Generation, eventstore.TypeUtteranceClosed, map[string]any{
				"start_seq":   u.StartSeq,
				"end_seq":     u.EndSeq,
				"frames":      len(u.Frames),
				"duration_ms": u.Duration().Milliseconds(),
				"forced":      u.Forced,
			})
		},
		OnPartial: func(res stt.Result) {
			r.publishTranscript(busClient, jr, res.Generation, res.StartSeq, res.Text, true, false)
		},
		OnResult: func(res stt.Result, stale bool) {
			switch {
			case stale:
				jr.record(res.Generation, eventstore.TypeTranscriptStale, map[string]any{
					"start_seq": res.StartSeq,
					"stage":     "controller",
				})
			case res.Err != nil:
				jr.record(res.Generation, eventstore.TypeRecognitionError, map[string]any{
					"start_seq": res.StartSeq,
					"error":     res.Err.Error(),
				})
			}
		},
		OnDeviceError: func(generation uint64, attempt int, err error) {
			jr.record(generation, eventstore.TypeDeviceError, map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
			})
		},
		OnDropped: func(generation uint64, n uint64) {
			r.dropped.Add(n)
			jr.record(generation, eventstore.TypeCaptureDropped, map[string]any{"frames": n})
		},
	}
}

func (r *Runtime) onOutcome(jr *journal, busClient *bus.Client, o inject.Outcome) {
	ev := o.Event
	switch o.Status {
	case inject.StatusInjected:
		jr.record(ev.Generation, eventstore.TypeTranscriptInjected, map[string]any{
			"start_seq": ev.StartSeq,
			"text":      ev.Text,
		})
		r.publishTranscript(busClient, jr, ev.Generation, ev.StartSeq, ev.Text, false, true)
	case inject.StatusFailed:
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		jr.record(ev.Generation, eventstore.TypeInjectionError, map[string]any{
			"start_seq": ev.StartSeq,
			"error":     msg,
		})
		r.publishTranscript(busClient, jr, ev.Generation, ev.StartSeq, ev.Text, false, false)
	case inject.StatusStale:
		jr.record(ev.Generation, eventstore.TypeTranscriptStale, map[string]any{
			"start_seq": ev.StartSeq,
			"stage":     "dispatcher",
		})
	}
}

func (r *Runtime) publishTranscript(busClient *bus.Client, jr *journal, generation, startSeq uint64, text string, partial, injected bool) {
	subject := protocol.SubjectTranscriptFinal
	if partial {
		subject = protocol.SubjectTranscriptPartial
	}
	msg := protocol.Transcript{
		SessionID:  jr.sessionID(generation),
		Generation: generation,
		StartSeq:   startSeq,
		Text:       text,
		Partial:    partial,
		Injected:   injected,
		Timestamp:  time.Now().UTC(),
	}
	if err := busClient.PublishJSON(subject, msg); err != nil {
		r.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func (r *Runtime) counters() protocol.Counters {
	r.mu.Lock()
	ctrl := r.ctrl
	r.mu.Unlock()
	c := protocol.Counters{FramesDropped: r.dropped.Load()}
	if ctrl == nil {
		return c
	}
	d := ctrl.Dispatcher()
	c.Injected = d.Injected()
	c.InjectFailed = d.Failed()
	c.StaleInjects = d.StaleDropped()
	c.PendingSlots = d.Pending()
	c.StaleResults = ctrl.StaleDropped()
	return c
}

func (r *Runtime) controller() *listen.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctrl
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	busOK := r.bus.Healthy()
	r.mu.Unlock()
	if r.ready.Load() && busOK {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctrl := r.controller()
	if ctrl == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	counters := r.counters()
	writeJSON(w, http.StatusOK, status.Message(ctrl.State(), &counters))
}

func (r *Runtime) handleToggle(w http.ResponseWriter, req *http.Request) {
	r.control(w, req, protocol.ControlRequest{Action: protocol.ActionToggle})
}

func (r *Runtime) handleMode(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if req.Method == http.MethodPost {
		if err := json.NewDecoder(io.LimitReader(req.Body, 4096)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: fmt.Sprintf("invalid body: %v", err)})
			return
		}
	}
	r.control(w, req, protocol.ControlRequest{Action: protocol.ActionSetMode, Mode: body.Mode})
}

func (r *Runtime) control(w http.ResponseWriter, req *http.Request, creq protocol.ControlRequest) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctrl := r.controller()
	if ctrl == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	st, err := status.Apply(ctrl, creq)
	reply := protocol.ControlReply{OK: err == nil, State: status.Message(st, nil)}
	code := http.StatusOK
	if err != nil {
		reply.Error = err.Error()
		code = http.StatusConflict
	}
	writeJSON(w, code, reply)
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.mu.Lock()
	store := r.store
	r.mu.Unlock()
	if store == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	sessions, err := store.ListSessions(req.Context(), 20)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type session struct {
		ID         string    `json:"id"`
		Generation uint64    `json:"generation"`
		StartedAt  time.Time `json:"started_at"`
		Events     int       `json:"events"`
	}
	out := make([]session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, session{ID: s.ID, Generation: s.Generation, StartedAt: s.StartedAt.UTC(), Events: s.Events})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func mustPolicy(name string) segment.SilencePolicy {
	p, err := segment.ParsePolicy(name)
	if err != nil {
		return segment.Contiguous
	}
	return p
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
