package protocol

// Event represents a row in the events SQLite table.
// Tracks orchestrator lifecycle events for audit.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	TicketID  string `json:"ticket_id"`
	TaskID    string `json:"task_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// Event type names written by the orchestrator.
const (
	EventPicked        = "picked"
	EventDone          = "done"
	EventBlocked       = "blocked"
	EventFailed        = "failed"
	EventRequeued      = "requeued"
	EventStalled       = "stalled"
	EventEscalated     = "escalated"
	EventRouted        = "routed"
	EventParked        = "parked"
	EventCycle         = "dependency_cycle"
	EventAnswerTimeout = "answer_timeout"
)
