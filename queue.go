package portmon

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// Queue is the ordered event buffer of one listener.
//
// Publishers hand events to Deliver; readers pull them with Poll, Info and
// Pop. A reader that finds the queue empty parks on it and is completed
// directly by the next Deliver, so an event is never buffered only to be
// copied out again a moment later. All methods are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    *queue.Queue
	capacity int
	waiters  []*waiter
	dropped  uint64

	// reported is the data event whose header Info last returned. It is held
	// outside items so the capacity bound never evicts it before Pop.
	reported *Event
	closed   bool
	done     chan struct{}
}

// waiter is a parked reader. A take waiter consumes the event it receives;
// a peek waiter only observes it (GetEventInfo) and leaves data events queued
// for the subsequent ReadEvent.
type waiter struct {
	take  bool
	ready chan *Event
}

// NewQueue returns an empty queue holding at most capacity events besides a
// reported head. When full, the oldest unreported event is discarded to make
// room. A capacity <= 0 means unbounded.
func NewQueue(capacity int) *Queue {
	return &Queue{
		items:    queue.New(),
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// Deliver hands ev to the parked readers in arrival order, or appends it to
// the tail. Peek readers all observe ev; the first take reader consumes it and
// readers behind that one stay parked. It reports whether the queue accepted
// the event and how many older events were discarded to make room for it. A
// closed queue accepts nothing.
func (q *Queue) Deliver(ev *Event) (accepted bool, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, 0
	}

	seen := false
	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		w.ready <- ev
		seen = true
		if w.take {
			return true, 0
		}
	}
	if seen {
		// Readers only park on an empty queue, so ev is now the head and
		// its header has been reported. Markers are consumed on sight.
		if !ev.Marker() {
			q.reported = ev
		}
		return true, 0
	}

	if q.capacity > 0 && q.items.Length() >= q.capacity {
		q.items.Remove()
		q.dropped++
		dropped = 1
	}
	q.items.Add(ev)
	return true, dropped
}

// Poll removes and returns the head event. When the queue is empty it parks
// until an event arrives, ctx is done or the queue is closed, unless
// nonBlocking is set, in which case it returns ErrWouldBlock.
func (q *Queue) Poll(ctx context.Context, nonBlocking bool) (*Event, error) {
	return q.wait(ctx, true, nonBlocking)
}

// Info returns the head event without consuming it, except that a marker is
// removed as soon as it has been reported. A reported data event stays at the
// head until Poll or Pop takes it and is never discarded by the capacity
// bound. Blocking behaviour matches Poll.
func (q *Queue) Info(ctx context.Context, nonBlocking bool) (*Event, error) {
	return q.wait(ctx, false, nonBlocking)
}

// Pop removes and returns the head event without waiting.
func (q *Queue) Pop() (*Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrListenerClosed
	}
	if ev := q.takeReported(); ev != nil {
		return ev, nil
	}
	if q.items.Length() == 0 {
		return nil, ErrNoMoreEntries
	}
	return q.items.Remove().(*Event), nil
}

// takeReported clears and returns the reported head, if any. Callers hold mu.
func (q *Queue) takeReported() *Event {
	ev := q.reported
	q.reported = nil
	return ev
}

func (q *Queue) wait(ctx context.Context, take, nonBlocking bool) (*Event, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrListenerClosed
	}
	if q.reported != nil {
		ev := q.reported
		if take {
			q.reported = nil
		}
		q.mu.Unlock()
		return ev, nil
	}
	if q.items.Length() > 0 {
		ev := q.items.Remove().(*Event)
		if !take && !ev.Marker() {
			q.reported = ev
		}
		q.mu.Unlock()
		return ev, nil
	}
	if nonBlocking {
		q.mu.Unlock()
		return nil, ErrWouldBlock
	}
	w := &waiter{take: take, ready: make(chan *Event, 1)}
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case ev := <-w.ready:
		return ev, nil
	case <-q.done:
		// Close and Deliver both run under mu, so a delivery that won the
		// race is already sitting in ready.
		select {
		case ev := <-w.ready:
			return ev, nil
		default:
			return nil, ErrListenerClosed
		}
	case <-ctx.Done():
		q.mu.Lock()
		q.removeWaiter(w)
		q.mu.Unlock()
		select {
		case ev := <-w.ready:
			return ev, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// removeWaiter unlinks w if it is still parked. Callers hold mu.
func (q *Queue) removeWaiter(w *waiter) {
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Len returns the number of buffered events, including a reported head.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.items.Length()
	if q.reported != nil {
		n++
	}
	return n
}

// Waiting returns the number of parked readers.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// Dropped returns how many events were discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close discards buffered events and releases every parked reader with
// ErrListenerClosed. Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.waiters = nil
	q.reported = nil
	q.items = queue.New()
	close(q.done)
}
