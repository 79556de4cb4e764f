package store

import "sync"

// eventQueue decouples event producers from a consumer without bounding or
// blocking either side. The subscription contract requires an unbounded,
// order-preserving stream: a slow consumer must not stall the producer, and
// events must never be dropped while the subscription is open.
type eventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []Event
	closed  bool

	out  chan Event
	quit chan struct{}
	done chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		out:  make(chan Event),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push enqueues one event. No-op after close.
func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, ev)
	q.cond.Signal()
}

// close stops delivery and waits for the pump to exit. Pending events are
// discarded; the consumer sees the out channel close.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.pending = nil
	close(q.quit)
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *eventQueue) pump() {
	defer close(q.done)
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.quit:
			return
		}
	}
}
