package cron

import "time"

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule represents a time specification for job execution
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at" schedule
	At string `json:"at,omitempty"` // ISO 8601 timestamp

	// For "every" schedule
	EveryMs  int64  `json:"everyMs,omitempty"`  // Interval in milliseconds
	AnchorMs *int64 `json:"anchorMs,omitempty"` // Optional anchor point

	// For "cron" schedule
	Expr string `json:"expr,omitempty"` // Cron expression (5-field format)
	TZ   string `json:"tz,omitempty"`   // Optional timezone
}

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAtMs       *int64 `json:"nextRunAtMs,omitempty"`
	RunningAtMs       *int64 `json:"runningAtMs,omitempty"`
	LastRunAtMs       *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus        string `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError         string `json:"lastError,omitempty"`
	ConsecutiveErrors int    `json:"consecutiveErrors,omitempty"`
}

// Job represents a scheduled prompt. When a job fires, its prompt is
// enqueued into the job's session lane like any other inbound message.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	Schedule       Schedule `json:"schedule"`

	// Prompt is the message handed to the session when the job fires.
	Prompt string `json:"prompt"`

	// Channel and ChatID configure result delivery. Empty means the
	// run executes without an egress target.
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`

	State JobState `json:"state"`
}

// SessionKey returns the lane key the job's runs execute under.
func (j *Job) SessionKey() string {
	return "cron:" + j.ID
}

// AddParams contains parameters for creating a job
type AddParams struct {
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule `json:"schedule"`
	Prompt         string   `json:"prompt"`
	Channel        string   `json:"channel,omitempty"`
	ChatID         string   `json:"chatId,omitempty"`
}

// JobPatch contains fields that can be updated
type JobPatch struct {
	Name           *string   `json:"name,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	DeleteAfterRun *bool     `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule `json:"schedule,omitempty"`
	Prompt         *string   `json:"prompt,omitempty"`
	Channel        *string   `json:"channel,omitempty"`
	ChatID         *string   `json:"chatId,omitempty"`
}

// Now returns current time in milliseconds
func Now() int64 {
	return time.Now().UnixMilli()
}

// Int64Ptr returns a pointer to an int64 value
func Int64Ptr(v int64) *int64 {
	return &v
}
