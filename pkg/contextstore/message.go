package contextstore

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a context message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Part is one content block of a message.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Meta carries per-message bookkeeping.
type Meta struct {
	SessionKey string    `json:"sessionKey"`
	Ts         time.Time `json:"ts"`
	RequestID  string    `json:"requestId,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
}

// Message is a single conversation turn. Messages are append-only: the
// store never mutates a stored entry, compaction only rewrites the prefix.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
	Meta  Meta   `json:"meta"`
}

// NewText builds a single-part text message.
func NewText(role Role, text string, meta Meta) Message {
	if meta.Ts.IsZero() {
		meta.Ts = time.Now()
	}
	return Message{
		ID:    uuid.NewString(),
		Role:  role,
		Parts: []Part{{Type: "text", Text: text}},
		Meta:  meta,
	}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	out := ""
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// Valid reports whether the message can be stored.
func (m Message) Valid() bool {
	if m.Role == "" || len(m.Parts) == 0 {
		return false
	}
	return m.Text() != ""
}
