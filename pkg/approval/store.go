package approval

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harun/veyra/internal/observability"
	"github.com/rs/zerolog/log"
)

// Store persists approval requests in the embedded database. Requests
// survive process restarts, so a run suspended on an approval can resume
// after a crash.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	observability.EnsureRegistered()
	return &Store{db: db}
}

// Create inserts a new pending request.
func (s *Store) Create(ctx context.Context, req Request) error {
	if req.ID == "" {
		return fmt.Errorf("approval id is required")
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals
			(id, type, action, details, payload, status, response, session_key, channel, initiator_id, run_id, context_len, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, string(req.Type), req.Action, req.Details, req.Payload, string(req.Status), req.Response,
		req.Meta.SessionKey, req.Meta.Channel, req.Meta.InitiatorID, req.Meta.RunID,
		req.Meta.ContextLen, req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}

	s.updatePendingMetric(ctx)
	log.Info().
		Str("approval_id", req.ID).
		Str("type", string(req.Type)).
		Str("session_key", req.Meta.SessionKey).
		Msg("Approval created")

	return nil
}

// Get loads one request by id.
func (s *Store) Get(ctx context.Context, id string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, action, details, payload, status, response,
			session_key, channel, initiator_id, run_id, context_len,
			created_at, responded_at
		FROM approvals WHERE id = ?`, id)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return Request{}, fmt.Errorf("approval not found: %s", id)
	}
	if err != nil {
		return Request{}, fmt.Errorf("failed to load approval: %w", err)
	}
	return req, nil
}

// Resolve transitions a pending request to the given terminal status.
// First writer wins: returns false without error when the request was
// already resolved, so duplicate responses are harmless.
func (s *Store) Resolve(ctx context.Context, id string, status Status, response string) (bool, error) {
	if status != StatusApproved && status != StatusRejected {
		return false, fmt.Errorf("invalid resolution status: %s", status)
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, response = ?, responded_at = ?
		WHERE id = ? AND status = ?`,
		string(status), response, now, id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to resolve approval: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	s.updatePendingMetric(ctx)
	observability.RecordApprovalResolved(string(status))
	log.Info().
		Str("approval_id", id).
		Str("status", string(status)).
		Msg("Approval resolved")

	return true, nil
}

// ListPending returns pending requests, oldest first. Empty sessionKey
// lists across all sessions.
func (s *Store) ListPending(ctx context.Context, sessionKey string) ([]Request, error) {
	query := `
		SELECT id, type, action, details, payload, status, response,
			session_key, channel, initiator_id, run_id, context_len,
			created_at, responded_at
		FROM approvals WHERE status = ?`
	args := []any{string(StatusPending)}

	if sessionKey != "" {
		query += " AND session_key = ?"
		args = append(args, sessionKey)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (s *Store) updatePendingMetric(ctx context.Context) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM approvals WHERE status = ?", string(StatusPending),
	).Scan(&n); err != nil {
		return
	}
	observability.SetPendingApprovals(n)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRequest(row scannable) (Request, error) {
	var req Request
	var typ, status string
	var respondedAt sql.NullTime

	err := row.Scan(
		&req.ID, &typ, &req.Action, &req.Details, &req.Payload, &status, &req.Response,
		&req.Meta.SessionKey, &req.Meta.Channel, &req.Meta.InitiatorID, &req.Meta.RunID,
		&req.Meta.ContextLen, &req.CreatedAt, &respondedAt,
	)
	if err != nil {
		return Request{}, err
	}

	req.Type = Type(typ)
	req.Status = Status(status)
	if respondedAt.Valid {
		t := respondedAt.Time
		req.RespondedAt = &t
	}
	return req, nil
}
