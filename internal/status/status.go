// Package status is the daemon's control plane on the bus. It broadcasts
// every state transition, republishes the current state on a heartbeat so
// late-joining observers catch up, and serves control requests.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/kevio/internal/bus"
	"github.com/loqalabs/kevio/internal/listen"
	"github.com/loqalabs/kevio/internal/metrics"
	"github.com/loqalabs/kevio/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"
)

// Controller is the part of listen.Controller the service drives.
type Controller interface {
	State() listen.State
	Subscribe() (<-chan listen.State, func())
	Toggle() (listen.State, error)
	SetMode(listen.Mode) (listen.State, error)
}

type Config struct {
	HeartbeatInterval time.Duration
	// Counters, when set, is attached to heartbeat messages.
	Counters func() protocol.Counters
	// OnChange runs for every observed transition.
	OnChange func(listen.State)
}

type Service struct {
	cfg     Config
	ctrl    Controller
	bus     *bus.Client
	log     *slog.Logger
	metrics *metrics.Pipeline

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sub      *nats.Subscription
	reg      metric.Registration
	lastBeat atomic.Int64
}

func NewService(ctx context.Context, cfg Config, ctrl Controller, busClient *bus.Client, m *metrics.Pipeline, log *slog.Logger) (*Service, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("status: heartbeat interval must be positive")
	}
	if m == nil {
		m = metrics.Discard()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		cfg:     cfg,
		ctrl:    ctrl,
		bus:     busClient,
		log:     log.With(slog.String("component", "status")),
		metrics: m,
		cancel:  cancel,
	}

	reg, err := m.ObserveState(func() (uint64, bool) {
		st := ctrl.State()
		return st.Generation, st.Listening()
	})
	if err != nil {
		s.log.Warn("failed to register state gauges", slog.String("error", err.Error()))
	}
	s.reg = reg

	if busClient != nil {
		sub, err := busClient.Conn().Subscribe(protocol.SubjectControl, s.handleControl)
		if err != nil {
			cancel()
			s.unregister()
			return nil, fmt.Errorf("subscribe control: %w", err)
		}
		s.sub = sub
	}

	states, unsubscribe := ctrl.Subscribe()
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.watch(ctx, states)
	}()
	go func() {
		defer s.wg.Done()
		s.runHeartbeat(ctx)
	}()
	return s, nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
	s.unregister()
}

func (s *Service) unregister() {
	if s.reg != nil {
		_ = s.reg.Unregister()
	}
}

// Healthy reports whether a heartbeat went out within two intervals.
func (s *Service) Healthy() bool {
	last := s.lastBeat.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) <= 2*s.cfg.HeartbeatInterval
}

// Message converts a snapshot into its wire form.
func Message(st listen.State, counters *protocol.Counters) protocol.StateMessage {
	msg := protocol.StateMessage{
		Mode:       st.Mode.String(),
		Generation: st.Generation,
		SessionID:  st.SessionID,
		Changed:    st.Changed.UTC(),
		Counters:   counters,
		Timestamp:  time.Now().UTC(),
	}
	if st.Err != nil {
		msg.Error = st.Err.Error()
	}
	return msg
}

func (s *Service) watch(ctx context.Context, states <-chan listen.State) {
	var last uint64
	seen := false
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			if seen && st.Generation == last {
				continue
			}
			seen, last = true, st.Generation
			if s.cfg.OnChange != nil {
				s.cfg.OnChange(st)
			}
			s.publish(st)
		}
	}
}

func (s *Service) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	s.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat()
		}
	}
}

func (s *Service) beat() {
	s.publish(s.ctrl.State())
	s.lastBeat.Store(time.Now().UnixNano())
}

func (s *Service) counters() *protocol.Counters {
	if s.cfg.Counters == nil {
		return nil
	}
	c := s.cfg.Counters()
	return &c
}

func (s *Service) publish(st listen.State) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(protocol.SubjectState, Message(st, s.counters())); err != nil {
		s.log.Warn("failed to publish state", slog.String("error", err.Error()))
	}
}

func (s *Service) handleControl(msg *nats.Msg) {
	var req protocol.ControlRequest
	reply := protocol.ControlReply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("invalid control request", slog.String("error", err.Error()))
		reply.Error = fmt.Sprintf("invalid control request: %v", err)
		reply.State = Message(s.ctrl.State(), nil)
		s.respond(msg, reply)
		return
	}

	st, err := Apply(s.ctrl, req)
	reply.State = Message(st, nil)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.OK = true
	}
	s.log.Info("control request", slog.String("action", req.Action), slog.String("mode", st.Mode.String()), slog.Bool("ok", reply.OK))
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to answer control request", slog.String("error", err.Error()))
	}
}

// Apply executes a control request. Asking for the current mode is not an
// error.
func Apply(ctrl Controller, req protocol.ControlRequest) (listen.State, error) {
	switch req.Action {
	case protocol.ActionToggle:
		return ctrl.Toggle()
	case protocol.ActionSetMode:
		mode, err := listen.ParseMode(req.Mode)
		if err != nil {
			return ctrl.State(), err
		}
		st, err := ctrl.SetMode(mode)
		if errors.Is(err, listen.ErrModeUnchanged) {
			return st, nil
		}
		return st, err
	default:
		return ctrl.State(), fmt.Errorf("unknown action %q", req.Action)
	}
}
