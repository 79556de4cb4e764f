// Package notify publishes visit lifecycle notices to downstream consumers
// such as the billing desk and ward displays.
package notify

import "context"

// Kind names the lifecycle transition a notice describes.
type Kind string

const (
	KindRegistered Kind = "visit.registered"
	KindDischarged Kind = "visit.discharged"
	KindCancelled  Kind = "visit.cancelled"
)

// Notice is the payload published for a lifecycle transition.
type Notice struct {
	Kind      Kind   `json:"kind"`
	PatientID string `json:"patient_id"`
	VisitID   string `json:"visit_id"`
	Day       string `json:"day,omitempty"`
}

// Notifier publishes notices. Implementations must not block domain logic
// beyond enqueueing.
type Notifier interface {
	Publish(ctx context.Context, notice Notice) error
}

// Noop discards all notices. Default when no broker is configured.
type Noop struct{}

func (Noop) Publish(context.Context, Notice) error { return nil }
