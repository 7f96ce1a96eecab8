package runtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/kevio/internal/eventstore"
)

// keepSessions bounds the generation -> session id map. Late results of a
// recent generation still find their session.
const keepSessions = 8

type journalEntry struct {
	generation uint64
	sessionID  string
	typ        string
	payload    any
}

// journal moves event store writes off the pipeline goroutines. Pipeline
// hooks must not block, so entries are dropped when the buffer is full.
type journal struct {
	store    *eventstore.Store
	log      *slog.Logger
	mu       sync.Mutex
	sessions map[uint64]string
	order    []uint64
	entries  chan journalEntry
	lost     atomic.Uint64
	done     chan struct{}
	closeMu  sync.RWMutex
	closed   bool
}

func newJournal(store *eventstore.Store, log *slog.Logger) *journal {
	j := &journal{
		store:    store,
		log:      log.With(slog.String("component", "journal")),
		sessions: make(map[uint64]string),
		entries:  make(chan journalEntry, 256),
		done:     make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *journal) run() {
	defer close(j.done)
	ctx := context.Background()
	for e := range j.entries {
		if e.typ == "" {
			// session marker
			if e.sessionID != "" {
				if err := j.store.AppendSession(ctx, e.sessionID, e.generation); err != nil {
					j.log.Warn("journal session write failed", slog.String("error", err.Error()))
				}
			}
			continue
		}
		if err := j.store.Record(ctx, j.sessionID(e.generation), e.generation, e.typ, e.payload); err != nil {
			j.log.Warn("journal write failed", slog.String("type", e.typ), slog.String("error", err.Error()))
		}
	}
}

func (j *journal) sessionID(generation uint64) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sessions[generation]
}

func (j *journal) session(generation uint64, id string) {
	j.mu.Lock()
	if _, ok := j.sessions[generation]; !ok {
		j.order = append(j.order, generation)
	}
	j.sessions[generation] = id
	for len(j.order) > keepSessions {
		delete(j.sessions, j.order[0])
		j.order = j.order[1:]
	}
	j.mu.Unlock()
	j.enqueue(journalEntry{generation: generation, sessionID: id})
}

func (j *journal) record(generation uint64, typ string, payload any) {
	j.enqueue(journalEntry{generation: generation, typ: typ, payload: payload})
}

func (j *journal) enqueue(e journalEntry) {
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- e:
	default:
		if n := j.lost.Add(1); n == 1 || n%100 == 0 {
			j.log.Warn("journal buffer full, dropping entries", slog.Uint64("lost", n))
		}
	}
}

// Close flushes queued entries. The store stays open.
func (j *journal) Close() {
	j.closeMu.Lock()
	if j.closed {
		j.closeMu.Unlock()
		return
	}
	j.closed = true
	close(j.entries)
	j.closeMu.Unlock()
	<-j.done
}
