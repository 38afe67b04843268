// Package progress carries observational run events from the iteration loop
// to whatever transport is watching. Emission never blocks the run.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Phase names the stage of an iteration an event describes.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseExecuting   Phase = "executing"
	PhaseSummarizing Phase = "summarizing"
)

// Event is one progress notification. Seq is assigned by the Queue and is
// strictly increasing per queue.
type Event struct {
	RunID          string        `json:"run_id"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Seq            uint64        `json:"seq"`
	Iteration      int           `json:"iteration"`
	Phase          Phase         `json:"phase"`
	Tool           string        `json:"tool,omitempty"`
	Elapsed        time.Duration `json:"elapsed_ns,omitempty"`
	Detail         string        `json:"detail,omitempty"`
	Time           time.Time     `json:"time"`
}

// Emitter accepts progress events. Implementations must not block.
type Emitter interface {
	Emit(Event)
}

// Sink receives events in emission order from a single goroutine.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// DropCounter is notified of discarded events. *telemetry.Metrics satisfies it.
type DropCounter interface {
	ProgressDrop(n int)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

const defaultBuffer = 128

// Queue is a bounded Emitter drained by one goroutine into a Sink.
type Queue struct {
	sink    Sink
	drops   DropCounter
	events  chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithBuffer sets the queue capacity.
func WithBuffer(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.events = make(chan Event, n)
		}
	}
}

// WithDropCounter reports dropped events to c.
func WithDropCounter(c DropCounter) QueueOption {
	return func(q *Queue) { q.drops = c }
}

// NewQueue starts a queue delivering to sink.
func NewQueue(sink Sink, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:   sink,
		events: make(chan Event, defaultBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.drain()
	return q
}

// Emit enqueues ev without blocking. A full or closed queue drops the event.
func (q *Queue) Emit(ev Event) {
	if q == nil {
		return
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop()
		return
	}
	ev.Seq = q.seq.Add(1)
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case q.events <- ev:
	default:
		q.drop()
	}
}

func (q *Queue) drop() {
	q.dropped.Add(1)
	if q.drops != nil {
		q.drops.ProgressDrop(1)
	}
}

func (q *Queue) drain() {
	defer close(q.done)
	for ev := range q.events {
		if q.sink == nil {
			continue
		}
		if err := q.sink.Deliver(q.ctx, ev); err != nil {
			q.failed.Add(1)
		}
	}
}

// Close stops accepting events and waits until buffered events are delivered
// or ctx is done, whichever comes first.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// Dropped reports events discarded because the queue was full or closed.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Failed reports events the sink refused.
func (q *Queue) Failed() uint64 { return q.failed.Load() }
