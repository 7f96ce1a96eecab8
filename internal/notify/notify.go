// Package notify reports fatal pipeline errors and state changes to the user
// (desktop notification), to observers on the bus and to Sentry.
package notify

import (
	"io"
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/getsentry/sentry-go"

	"github.com/loqalabs/kevio/internal/listen"
	"github.com/loqalabs/kevio/internal/protocol"
)

const appName = "Kevio"

// Publisher is the part of the bus client the notifier needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Option func(*Notifier)

// WithPublisher forwards error reports to SubjectError.
func WithPublisher(p Publisher) Option {
	return func(n *Notifier) { n.bus = p }
}

// WithDesktop turns desktop notifications on or off.
func WithDesktop(enabled bool) Option {
	return func(n *Notifier) { n.desktop = enabled }
}

// WithAlert replaces the desktop notification call.
func WithAlert(fn func(title, message string) error) Option {
	return func(n *Notifier) { n.alert = fn }
}

func WithGeneration(fn func() uint64) Option {
	return func(n *Notifier) { n.generation = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// Notifier implements listen.Reporter.
type Notifier struct {
	bus        Publisher
	desktop    bool
	alert      func(title, message string) error
	generation func() uint64
	logger     *slog.Logger
	clock      func() time.Time
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		alert:  func(title, message string) error { return beeep.Notify(title, message, "") },
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With(slog.String("component", "notify"))
	return n
}

// Report handles an error that stopped listening.
func (n *Notifier) Report(err error) {
	if err == nil {
		return
	}
	var gen uint64
	if n.generation != nil {
		gen = n.generation()
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "listen")
		scope.SetExtra("generation", gen)
		sentry.CaptureException(err)
	})

	if n.bus != nil {
		report := protocol.ErrorReport{Error: err.Error(), Generation: gen, Timestamp: n.clock().UTC()}
		if perr := n.bus.PublishJSON(protocol.SubjectError, report); perr != nil {
			n.logger.Warn("publish error report failed", slog.String("error", perr.Error()))
		}
	}
	n.show(appName+" stopped listening", err.Error())
}

// StateChanged announces a transition on the desktop.
func (n *Notifier) StateChanged(st listen.State) {
	if st.Err != nil {
		// Report already told the user
		return
	}
	if st.Listening() {
		n.show(appName, "Listening")
		return
	}
	n.show(appName, "Stopped listening")
}

func (n *Notifier) show(title, message string) {
	if !n.desktop || n.alert == nil {
		return
	}
	if err := n.alert(title, message); err != nil {
		n.logger.Debug("desktop notification failed", slog.String("error", err.Error()))
	}
}

var _ listen.Reporter = (*Notifier)(nil)
