package approval

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Type classifies the guarded operation.
type Type string

const (
	TypeRead  Type = "read"
	TypeWrite Type = "write"
	TypeExec  Type = "exec"
	TypeOther Type = "other"
)

// Outcome is the result of waiting on a request.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	// OutcomeTimeout means nobody responded in time. Distinct from a
	// rejection: callers may retry the operation later.
	OutcomeTimeout Outcome = "timeout"
)

// Meta carries the execution context captured at suspension time so a
// resolved request can resume the run that raised it.
type Meta struct {
	SessionKey  string `json:"session_key"`
	Channel     string `json:"channel"`
	InitiatorID string `json:"initiator_id"`
	RunID       string `json:"run_id"`
	// ContextLen is the session log length at suspension. Resumption
	// reloads exactly this prefix so the run continues from the state
	// it was suspended in.
	ContextLen int `json:"context_len"`
}

// Request is one pending or resolved approval.
type Request struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	Action      string     `json:"action"`
	Details     string     `json:"details"`
	// Payload is the serialized tool call this request guards, replayed
	// verbatim when a suspended run resumes after approval.
	Payload string `json:"payload,omitempty"`
	Status      Status     `json:"status"`
	Response    string     `json:"response"`
	Meta        Meta       `json:"meta"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// NewID generates a short approval identifier.
func NewID() string {
	id, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
	if err != nil {
		// gonanoid only fails when the RNG does; fall back to time
		return time.Now().Format("20060102150405.000000000")
	}
	return id
}
