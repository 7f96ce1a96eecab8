package audio

import "sync/atomic"

// Queue is a bounded single-producer frame queue. Push never blocks: when the
// queue is full the oldest frame is discarded and the drop counter grows.
type Queue struct {
	ch      chan Frame
	dropped atomic.Uint64
	onDrop  func(Frame)
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Frame, capacity)}
}

// Push enqueues f, evicting the oldest queued frames until it fits.
func (q *Queue) Push(f Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case old := <-q.ch:
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop(old)
			}
		default:
		}
	}
}

// Frames is the consumer side. It is closed by Close.
func (q *Queue) Frames() <-chan Frame { return q.ch }

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Close must only be called by the producer.
func (q *Queue) Close() { close(q.ch) }
