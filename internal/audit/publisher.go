package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "opdesk_audit_events_dropped_total",
	Help: "Audit events dropped because the inbox was full",
})

// Publisher hands events to the audit worker without ever blocking domain
// logic. The audit trail is a side channel: losing an event under pressure is
// preferable to stalling a cancellation.
type Publisher struct {
	inbox chan Event
}

// NewPublisher builds a publisher with the given inbox capacity.
func NewPublisher(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = 256
	}
	return &Publisher{inbox: make(chan Event, capacity)}
}

// Emit enqueues an event, stamping the timestamp when unset. Drops (and
// counts) the event if the inbox is full.
func (p *Publisher) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case p.inbox <- event:
	default:
		droppedEvents.Inc()
	}
}

// Inbox exposes the consuming side for the worker.
func (p *Publisher) Inbox() <-chan Event { return p.inbox }
