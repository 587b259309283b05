package lane

import "time"

// EntryKind distinguishes fresh user input from approval resumptions.
type EntryKind string

const (
	// KindUser is a normal inbound message.
	KindUser EntryKind = "user"
	// KindResume re-enters a run suspended on approvals. Resumptions go
	// through the same lane buffer as user messages so a session never
	// runs twice concurrently.
	KindResume EntryKind = "resume"
)

// QueueEntry is one unit of work for a session lane.
type QueueEntry struct {
	Kind          EntryKind
	Text          string
	SourceChannel string
	ChatID        string
	MessageID     string
	ActorID       string
	ThreadID      string
	// ApprovalIDs carries the resolved approval ids for resume entries.
	ApprovalIDs []string
	EnqueuedAt  time.Time
}

// EnqueueResult tells the caller what happened to their entry.
type EnqueueResult string

const (
	// ResultAccepted means the entry started a new execution.
	ResultAccepted EnqueueResult = "accepted"
	// ResultMerged means the lane was busy and the entry was buffered
	// for the running execution to pick up.
	ResultMerged EnqueueResult = "merged"
)
