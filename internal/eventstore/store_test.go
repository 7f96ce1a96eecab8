package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/kevio/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.Record(ctx, "s", 1, TypeUtteranceClosed, map[string]int{"frames": 3}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(ctx, "s", 10)
	if err != nil || events != nil {
		t.Fatalf("expected nothing stored, got %v, %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.AppendSession(context.Background(), sessionID, 1); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: sessionID, Generation: 1, Type: TypeCaptureDropped, Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Record(context.Background(), sessionID, 1, TypeTranscriptInjected, map[string]string{"text": "hello world"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", events[0].Payload)
	}
	var payload map[string]string
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil || payload["text"] != "hello world" {
		t.Fatalf("unexpected recorded payload %s (%v)", events[1].Payload, err)
	}
	if events[1].Type != TypeTranscriptInjected || events[1].Generation != 1 {
		t.Fatalf("unexpected event: %+v", events[1])
	}

	sessions, err := es.ListSessions(context.Background(), 5)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sessionID || sessions[0].Events != 2 {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "old-session", 1); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Record(context.Background(), "old-session", 1, TypeDeviceError, nil); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(context.Background(), "new-session", 3); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("expected only the new session, got %+v", sessions)
	}
}
