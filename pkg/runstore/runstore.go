package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Trigger identifies what started a run.
type Trigger string

const (
	TriggerChat     Trigger = "chat"
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
)

// Run is one execution of the engine for a session.
type Run struct {
	ID                string    `json:"id"`
	Trigger           Trigger   `json:"trigger"`
	SessionKey        string    `json:"session_key"`
	Status            Status    `json:"status"`
	PendingApprovalID string    `json:"pending_approval_id,omitempty"`
	Output            string    `json:"output,omitempty"`
	Error             string    `json:"error,omitempty"`
	Notified          bool      `json:"notified"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Terminal reports whether the run can no longer change state.
func (r Run) Terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Store persists runs in the embedded database.
type Store struct {
	db *sql.DB
}

// New wraps an opened database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new run record and returns it with an assigned id.
func (s *Store) Create(ctx context.Context, trigger Trigger, sessionKey string) (Run, error) {
	if sessionKey == "" {
		return Run{}, fmt.Errorf("session key is required")
	}

	now := time.Now()
	run := Run{
		ID:         uuid.NewString(),
		Trigger:    trigger,
		SessionKey: sessionKey,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, trigger, session_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), run.SessionKey, string(run.Status), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return Run{}, fmt.Errorf("failed to create run: %w", err)
	}

	log.Debug().
		Str("run_id", run.ID).
		Str("trigger", string(trigger)).
		Str("session_key", sessionKey).
		Msg("Run created")

	return run, nil
}

// Get loads one run by id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger, session_key, status, pending_approval_id, output, error, notified, created_at, updated_at
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

// UpdateStatus transitions a run. Output and errText land in their
// respective columns; pass empty strings to leave them cleared.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, output, errText string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, output = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(status), output, errText, time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	log.Debug().Str("run_id", id).Str("status", string(status)).Msg("Run status updated")
	return nil
}

// SetPendingApproval marks a run suspended on an approval request.
// An empty approvalID clears the suspension marker.
func (s *Store) SetPendingApproval(ctx context.Context, id, approvalID string) error {
	status := StatusSuspended
	if approvalID == "" {
		status = StatusRunning
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET pending_approval_id = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		approvalID, string(status), time.Now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set pending approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set pending approval: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// MarkNotified records that the run outcome was delivered to its
// originating channel.
func (s *Store) MarkNotified(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE runs SET notified = 1, updated_at = ? WHERE id = ?", time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark run notified: %w", err)
	}
	return nil
}

// ListBySession returns runs for a session, newest first.
func (s *Store) ListBySession(ctx context.Context, sessionKey string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger, session_key, status, pending_approval_id, output, error, notified, created_at, updated_at
		FROM runs WHERE session_key = ?
		ORDER BY created_at DESC LIMIT ?`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListSuspended returns runs waiting on an approval, oldest first. Used
// at startup to restore suspended work.
func (s *Store) ListSuspended(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger, session_key, status, pending_approval_id, output, error, notified, created_at, updated_at
		FROM runs WHERE status = ?
		ORDER BY created_at ASC`, string(StatusSuspended))
	if err != nil {
		return nil, fmt.Errorf("failed to list suspended runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (Run, error) {
	var run Run
	var trigger, status string
	var notified int

	err := row.Scan(
		&run.ID, &trigger, &run.SessionKey, &status, &run.PendingApprovalID,
		&run.Output, &run.Error, &notified, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return Run{}, err
	}

	run.Trigger = Trigger(trigger)
	run.Status = Status(status)
	run.Notified = notified != 0
	return run, nil
}
