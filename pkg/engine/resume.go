package engine

import (
	"context"
	"fmt"

	"github.com/harun/veyra/pkg/approval"
	"github.com/harun/veyra/pkg/lane"
	"github.com/harun/veyra/pkg/runstore"
	"github.com/rs/zerolog/log"
)

// Enqueuer is the slice of the scheduler the resumer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionKey string, entry lane.QueueEntry) (lane.EnqueueResult, error)
}

// Resumer turns resolved approvals back into scheduled work. Resumption
// rides the normal lane buffer, so it serializes with user messages and
// can never run a session twice concurrently.
type Resumer struct {
	approvals *approval.Engine
	runs      *runstore.Store
	scheduler Enqueuer
}

// NewResumer wires a resumer.
func NewResumer(approvals *approval.Engine, runs *runstore.Store, scheduler Enqueuer) *Resumer {
	return &Resumer{approvals: approvals, runs: runs, scheduler: scheduler}
}

// ResumeFromApproval enqueues a resume entry for one resolved approval.
// Pending approvals are an error: resolution must come first. Only runs
// suspended on this exact approval get resumed; a live run picks the
// resolution up through its in-process waiter, and enqueuing for it
// would replay the tool call a second time.
func (r *Resumer) ResumeFromApproval(ctx context.Context, approvalID string) error {
	req, err := r.approvals.Store().Get(ctx, approvalID)
	if err != nil {
		return err
	}
	if req.Status == approval.StatusPending {
		return fmt.Errorf("approval %s is still pending", approvalID)
	}
	if req.Meta.RunID == "" {
		return fmt.Errorf("approval %s has no run to resume", approvalID)
	}

	run, err := r.runs.Get(ctx, req.Meta.RunID)
	if err != nil {
		return err
	}
	if run.Status != runstore.StatusSuspended || run.PendingApprovalID != req.ID {
		return fmt.Errorf("run %s is not suspended on approval %s", run.ID, approvalID)
	}

	entry := lane.QueueEntry{
		Kind:          lane.KindResume,
		SourceChannel: req.Meta.Channel,
		ChatID:        req.Meta.SessionKey,
		ActorID:       req.Meta.InitiatorID,
		ApprovalIDs:   []string{approvalID},
	}

	result, err := r.scheduler.Enqueue(ctx, req.Meta.SessionKey, entry)
	if err != nil {
		return err
	}

	log.Info().
		Str("approval_id", approvalID).
		Str("session_key", req.Meta.SessionKey).
		Str("result", string(result)).
		Msg("Resume enqueued for resolved approval")
	return nil
}

// RestoreSuspended scans suspended runs at startup and re-enqueues the
// ones whose approval resolved while the process was down. Runs whose
// approval is still pending stay suspended; they resume when the
// resolution lands.
func (r *Resumer) RestoreSuspended(ctx context.Context) error {
	suspended, err := r.runs.ListSuspended(ctx)
	if err != nil {
		return err
	}

	for _, run := range suspended {
		if run.PendingApprovalID == "" {
			continue
		}
		req, err := r.approvals.Store().Get(ctx, run.PendingApprovalID)
		if err != nil {
			log.Warn().
				Str("run_id", run.ID).
				Str("approval_id", run.PendingApprovalID).
				Err(err).
				Msg("Suspended run references missing approval")
			continue
		}
		if req.Status == approval.StatusPending {
			continue
		}

		if err := r.ResumeFromApproval(ctx, req.ID); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to restore suspended run")
		}
	}
	return nil
}
