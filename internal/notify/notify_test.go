package notify

import (
	"errors"
	"sync"
	"testing"

	"github.com/loqalabs/kevio/internal/listen"
	"github.com/loqalabs/kevio/internal/protocol"
)

type recordingBus struct {
	mu       sync.Mutex
	subjects []string
	reports  []protocol.ErrorReport
}

func (b *recordingBus) PublishJSON(subject string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	if r, ok := v.(protocol.ErrorReport); ok {
		b.reports = append(b.reports, r)
	}
	return nil
}

type alerts struct {
	mu       sync.Mutex
	messages []string
}

func (a *alerts) alert(title, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, title+": "+message)
	return nil
}

func TestReportPublishesAndAlerts(t *testing.T) {
	bus := &recordingBus{}
	al := &alerts{}
	n := New(
		WithPublisher(bus),
		WithDesktop(true),
		WithAlert(al.alert),
		WithGeneration(func() uint64 { return 7 }),
	)

	n.Report(errors.New("microphone unplugged"))

	if len(bus.subjects) != 1 || bus.subjects[0] != protocol.SubjectError {
		t.Fatalf("expected one error report, got %v", bus.subjects)
	}
	if bus.reports[0].Error != "microphone unplugged" || bus.reports[0].Generation != 7 {
		t.Fatalf("unexpected report: %+v", bus.reports[0])
	}
	if len(al.messages) != 1 || al.messages[0] != "Kevio stopped listening: microphone unplugged" {
		t.Fatalf("unexpected alerts: %v", al.messages)
	}

	n.Report(nil)
	if len(bus.subjects) != 1 {
		t.Fatalf("nil error must not be reported")
	}
}

func TestDesktopDisabled(t *testing.T) {
	al := &alerts{}
	n := New(WithDesktop(false), WithAlert(al.alert))
	n.Report(errors.New("boom"))
	n.StateChanged(listen.State{Mode: listen.Listening})
	if len(al.messages) != 0 {
		t.Fatalf("expected no desktop notifications, got %v", al.messages)
	}
}

func TestStateChanged(t *testing.T) {
	al := &alerts{}
	n := New(WithDesktop(true), WithAlert(al.alert))
	n.StateChanged(listen.State{Mode: listen.Listening, Generation: 1})
	n.StateChanged(listen.State{Mode: listen.Idle, Generation: 2})
	n.StateChanged(listen.State{Mode: listen.Idle, Generation: 3, Err: errors.New("lost")})

	want := []string{"Kevio: Listening", "Kevio: Stopped listening"}
	if len(al.messages) != len(want) {
		t.Fatalf("expected %v, got %v", want, al.messages)
	}
	for i := range want {
		if al.messages[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, al.messages)
		}
	}
}
