package audit

import "time"

// Action names an auditable front-desk operation.
type Action string

const (
	ActionRegister  Action = "visit.register"
	ActionDischarge Action = "visit.discharge"
	ActionCancel    Action = "visit.cancel"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp time.Time
	Action    Action
	PatientID string
	VisitID   string
	ShardKey  string
	Detail    string
}
