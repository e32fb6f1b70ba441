// Package playback serializes audio segments so they render back-to-back with
// no overlap, regardless of which upstream stage produced them.
//
// The queue is a mutex-guarded FIFO drained by a single worker goroutine; the
// no-overlap guarantee comes from the worker rendering one item to completion
// before dequeuing the next, not from extra synchronization. When the queue
// stays empty past a grace period the worker exits and releases the sink's
// audio route; the next enqueue starts a fresh worker.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/babelroom/babelroom/pkg/audio"
)

const (
	// DefaultIdleTimeout is how long the worker lingers on an empty queue
	// before tearing down and releasing the audio route.
	DefaultIdleTimeout = 2 * time.Second
)

// Item is one audio segment queued for sequential playback.
type Item struct {
	// Data is raw PCM.
	Data []byte

	// Format is the PCM layout of Data.
	Format audio.Format

	// SourceUtteranceID ties the segment back to a room utterance, when it
	// has one. Local echo segments leave it empty.
	SourceUtteranceID string

	// OnStart, when non-nil, is invoked just before the first byte is
	// rendered. Used to publish "playing" status.
	OnStart func()

	// OnDone, when non-nil, is invoked after the segment has fully rendered.
	// Used to publish "played" status.
	OnDone func()
}

// Option configures a Queue.
type Option func(*Queue)

// WithIdleTimeout overrides the worker teardown grace period.
func WithIdleTimeout(d time.Duration) Option {
	return func(q *Queue) { q.idleTimeout = d }
}

// WithPacing makes the worker sleep for each segment's PCM duration after
// writing it to the sink. Enable this for sinks that buffer internally and
// return immediately; leave it off for sinks that block for the render.
func WithPacing() Option {
	return func(q *Queue) { q.pace = true }
}

// WithDepthFunc registers fn, called with +1 when an item is enqueued and -1
// when it finishes rendering or is dropped at Close. Used to feed a queue
// depth gauge.
func WithDepthFunc(fn func(delta int)) Option {
	return func(q *Queue) { q.depth = fn }
}

// Queue is the playback queue. Enqueue never blocks the producer beyond a
// short-held lock; rendering happens on the worker goroutine.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	sink        audio.Sink
	idleTimeout time.Duration
	pace        bool
	depth       func(delta int)

	mu            sync.Mutex
	items         []Item
	workerRunning bool
	closed        bool
	notify        chan struct{}

	// wg tracks the worker so Close can wait for the route to be released.
	wg sync.WaitGroup
}

// New creates a Queue that renders to sink. No worker runs until the first
// enqueue.
func New(sink audio.Sink, opts ...Option) *Queue {
	q := &Queue{
		sink:        sink,
		idleTimeout: DefaultIdleTimeout,
		notify:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends item and ensures a worker is draining the queue. Items
// render strictly in enqueue order. Enqueue after Close is a no-op.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	if q.depth != nil {
		q.depth(1)
	}
	start := !q.workerRunning
	if start {
		q.workerRunning = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.worker()
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued (not yet started) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items, waits for the in-flight item to finish, drops
// the rest, and releases the audio route before returning. Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.wg.Wait()
		return nil
	}
	q.closed = true
	dropped := len(q.items)
	q.items = nil
	q.mu.Unlock()

	if q.depth != nil && dropped > 0 {
		q.depth(-dropped)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.wg.Wait()
	return q.sink.Release()
}

// worker drains the queue, rendering one item at a time. It exits when the
// queue has been empty for the idle timeout or the queue is closed, releasing
// the sink route on the way out.
func (q *Queue) worker() {
	defer q.wg.Done()
	defer func() {
		if err := q.sink.Release(); err != nil {
			slog.Warn("playback: release audio route", "error", err)
		}
	}()

	idle := time.NewTimer(q.idleTimeout)
	defer idle.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.workerRunning = false
			q.mu.Unlock()
			return
		}
		var item Item
		have := len(q.items) > 0
		if have {
			item = q.items[0]
			q.items = q.items[1:]
		}
		q.mu.Unlock()

		if have {
			q.render(item)
			if q.depth != nil {
				q.depth(-1)
			}
			continue
		}

		// Park until a new item arrives or the grace period elapses.
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(q.idleTimeout)

		select {
		case <-q.notify:
			// Re-check the queue (or observe close).
		case <-idle.C:
			q.mu.Lock()
			// An item may have slipped in between the check and the timer.
			if len(q.items) == 0 || q.closed {
				q.workerRunning = false
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
		}
	}
}

// render plays a single item to completion. Sink errors are logged, never
// propagated; the queue is local and must not fail its producers.
func (q *Queue) render(item Item) {
	if item.OnStart != nil {
		item.OnStart()
	}

	// Zero-byte items are marker items carrying only hooks; skip the sink.
	if len(item.Data) > 0 {
		if err := q.sink.Write(item.Data, item.Format); err != nil {
			slog.Warn("playback: sink write failed",
				"bytes", len(item.Data),
				"utterance_id", item.SourceUtteranceID,
				"error", err,
			)
		} else if q.pace {
			time.Sleep(audio.Duration(len(item.Data), item.Format))
		}
	}

	if item.OnDone != nil {
		item.OnDone()
	}
}
