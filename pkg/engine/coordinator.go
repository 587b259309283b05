package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/veyra/internal/observability"
	"github.com/harun/veyra/internal/tracing"
	"github.com/harun/veyra/pkg/approval"
	"github.com/harun/veyra/pkg/contextstore"
	"github.com/harun/veyra/pkg/dispatch"
	"github.com/harun/veyra/pkg/lane"
	"github.com/harun/veyra/pkg/model"
	"github.com/harun/veyra/pkg/runstore"
	"github.com/harun/veyra/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Drainer exposes the scheduler's merge buffer to a running execution.
type Drainer interface {
	DrainMerged(sessionKey string) []lane.QueueEntry
}

// Config tunes one coordinator.
type Config struct {
	Model           string
	SystemPrompt    string
	MaxSteps        int
	FreshnessReruns int
	MaxTokens       int
	Temperature     float64
	Compaction      contextstore.Params
	ApprovalTimeout time.Duration
}

// Deps are the collaborators a coordinator drives.
type Deps struct {
	Contexts   *contextstore.Store
	Approvals  *approval.Engine
	Runs       *runstore.Store
	Tools      *tool.Registry
	Invoker    model.Invoker
	Dispatch   *dispatch.Registry
	Drainer    Drainer
	Summarizer contextstore.Summarizer
}

// Coordinator runs the tool loop for exactly one session. It implements
// lane.Executor; the scheduler guarantees at most one Execute per
// session at a time, and the coordinator refuses work for any other
// session.
type Coordinator struct {
	sessionKey string
	deps       Deps
	cfg        Config
}

// egress is where results and prompts for the current execution go.
type egress struct {
	channel  string
	chatID   string
	threadID string
	actorID  string
}

// toolCallPayload is the serialized form of a guarded tool call, stored
// on the approval row for replay at resume time.
type toolCallPayload struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params"`
}

// NewCoordinator builds a coordinator bound to sessionKey.
func NewCoordinator(sessionKey string, deps Deps, cfg Config) *Coordinator {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 30
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = deps.Approvals.Timeout()
	}
	return &Coordinator{
		sessionKey: sessionKey,
		deps:       deps,
		cfg:        cfg,
	}
}

// Execute runs one lane execution: record inbound entries, replay any
// resolved approvals, then step the model until it produces a final
// answer, suspends on an approval, or fails.
func (c *Coordinator) Execute(ctx context.Context, sessionKey string, entries []lane.QueueEntry) (err error) {
	if sessionKey != c.sessionKey {
		return fmt.Errorf("%w: bound=%s got=%s", ErrSchedulerBinding, c.sessionKey, sessionKey)
	}
	if len(entries) == 0 {
		return nil
	}

	ctx = tracing.NewRunContext(ctx)
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"veyra.engine",
		"engine.execute",
		attribute.String("session_key", sessionKey),
		attribute.Int("entries", len(entries)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	out := egressFromEntries(entries)
	trigger := triggerFromChannel(out.channel)

	run, err := c.resolveRun(ctx, trigger, entries)
	if err != nil {
		return err
	}
	start := time.Now()

	// Tool handlers are external code; a panic there must fail the run,
	// not take the daemon down.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool loop panic: %v", r)
			c.finishFailed(ctx, run, out, trigger, start, err, logger)
		}
	}()

	if err := c.deps.Runs.UpdateStatus(ctx, run.ID, runstore.StatusRunning, "", ""); err != nil {
		return err
	}

	transcript, err := c.prepare(ctx, entries, logger)
	if err != nil {
		c.finishFailed(ctx, run, out, trigger, start, err, logger)
		return err
	}

	finalText, suspended, err := c.step(ctx, run, out, transcript, logger)
	if err != nil {
		c.finishFailed(ctx, run, out, trigger, start, err, logger)
		return err
	}
	if suspended {
		observability.RecordRun(string(trigger), "suspended", time.Since(start))
		logger.Info().Str("run_id", run.ID).Msg("Run suspended awaiting approval")
		return nil
	}

	if err := c.deps.Runs.UpdateStatus(ctx, run.ID, runstore.StatusSucceeded, finalText, ""); err != nil {
		return err
	}
	c.deliver(ctx, run.ID, out, finalText, logger)
	observability.RecordRun(string(trigger), "succeeded", time.Since(start))

	return nil
}

// resolveRun reuses the suspended run when this execution resumes one,
// otherwise creates a fresh run.
func (c *Coordinator) resolveRun(ctx context.Context, trigger runstore.Trigger, entries []lane.QueueEntry) (runstore.Run, error) {
	for _, entry := range entries {
		if entry.Kind != lane.KindResume {
			continue
		}
		for _, id := range entry.ApprovalIDs {
			req, err := c.deps.Approvals.Store().Get(ctx, id)
			if err != nil || req.Meta.RunID == "" {
				continue
			}
			run, err := c.deps.Runs.Get(ctx, req.Meta.RunID)
			if err == nil && !run.Terminal() {
				if err := c.deps.Runs.SetPendingApproval(ctx, run.ID, ""); err != nil {
					return runstore.Run{}, err
				}
				return run, nil
			}
		}
	}
	return c.deps.Runs.Create(ctx, trigger, c.sessionKey)
}

// prepare records inbound entries, replays resolved approvals, compacts
// if over budget, and returns the working transcript.
//
// Resuming executions rebuild their transcript from the prefix snapshot
// taken at suspension time plus the replayed approval outcomes, so the
// run continues from the state it was suspended in. Fresh executions
// load the whole log and compact it when over budget.
func (c *Coordinator) prepare(ctx context.Context, entries []lane.QueueEntry, logger zerolog.Logger) ([]model.Message, error) {
	resumePrefix := -1
	approved, rejected := 0, 0
	var replayNotes []model.Message
	var freshUser []model.Message

	for _, entry := range entries {
		switch entry.Kind {
		case lane.KindResume:
			replay, err := c.replayApprovals(ctx, entry.ApprovalIDs, logger)
			if err != nil {
				return nil, err
			}
			replayNotes = append(replayNotes, replay.notes...)
			approved += replay.approved
			rejected += replay.rejected
			if replay.prefix >= 0 && (resumePrefix == -1 || replay.prefix < resumePrefix) {
				resumePrefix = replay.prefix
			}
		default:
			if err := c.recordUserEntry(ctx, entry); err != nil {
				return nil, err
			}
			if entry.Text != "" {
				freshUser = append(freshUser, model.Message{Role: "user", Content: entry.Text})
			}
		}
	}

	if resumePrefix >= 0 {
		if approved == 0 && rejected > 0 && len(freshUser) == 0 {
			return nil, fmt.Errorf("%w: every pending action was refused", ErrApprovalRejected)
		}
		stored, err := c.deps.Contexts.LoadPrefix(ctx, c.sessionKey, resumePrefix)
		if err != nil {
			return nil, err
		}
		transcript := buildModelMessages(stored)
		transcript = append(transcript, replayNotes...)
		transcript = append(transcript, freshUser...)
		return transcript, nil
	}

	if _, err := c.deps.Contexts.CompactIfNeeded(ctx, c.sessionKey, c.cfg.Compaction, c.deps.Summarizer); err != nil {
		logger.Warn().Err(err).Msg("Compaction failed, continuing with full context")
	}

	stored, err := c.deps.Contexts.LoadAll(ctx, c.sessionKey)
	if err != nil {
		return nil, err
	}
	return buildModelMessages(stored), nil
}

// recordUserEntry appends a user message, once. A redelivery matching
// the last stored user message is dropped; the check reads the durable
// log, so it survives restarts and stays flat in memory.
func (c *Coordinator) recordUserEntry(ctx context.Context, entry lane.QueueEntry) error {
	if entry.Text == "" {
		return nil
	}

	if entry.MessageID != "" {
		channel, requestID, err := c.deps.Contexts.LastUserRequest(ctx, c.sessionKey)
		if err != nil {
			return err
		}
		if requestID == entry.MessageID && channel == entry.SourceChannel {
			return nil
		}
	}

	msg := contextstore.NewText(contextstore.RoleUser, entry.Text, contextstore.Meta{
		SessionKey: c.sessionKey,
		Channel:    entry.SourceChannel,
		RequestID:  entry.MessageID,
	})
	return c.deps.Contexts.Append(ctx, c.sessionKey, msg)
}

// replayResult reports what a resume batch actually replayed.
type replayResult struct {
	prefix   int
	notes    []model.Message
	approved int
	rejected int
}

// replayApprovals executes the tool calls behind resolved approvals and
// records their outcomes. Returns the smallest suspension snapshot
// length seen plus the outcome notes for the transcript. Approvals whose
// run already finished were consumed by an earlier resumption and are
// skipped, so a duplicate resume entry cannot re-execute the call.
func (c *Coordinator) replayApprovals(ctx context.Context, approvalIDs []string, logger zerolog.Logger) (replayResult, error) {
	out := replayResult{prefix: -1}
	seen := make(map[string]bool, len(approvalIDs))

	for _, id := range approvalIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		req, err := c.deps.Approvals.Store().Get(ctx, id)
		if err != nil {
			logger.Warn().Str("approval_id", id).Err(err).Msg("Resume references unknown approval, skipping")
			continue
		}
		if req.Meta.RunID != "" {
			if owner, err := c.deps.Runs.Get(ctx, req.Meta.RunID); err == nil && owner.Terminal() {
				logger.Warn().Str("approval_id", id).Str("run_id", owner.ID).Msg("Approval already consumed, skipping replay")
				continue
			}
		}
		if out.prefix == -1 || req.Meta.ContextLen < out.prefix {
			out.prefix = req.Meta.ContextLen
		}

		var note string
		switch req.Status {
		case approval.StatusApproved:
			note = c.replayOne(ctx, req, logger)
			out.approved++
		case approval.StatusRejected:
			note = fmt.Sprintf("The action %q was rejected: %s", req.Action, req.Response)
			out.rejected++
		default:
			logger.Warn().Str("approval_id", id).Msg("Resume references unresolved approval, skipping")
			continue
		}

		msg := contextstore.NewText(contextstore.RoleTool, note, contextstore.Meta{
			SessionKey: c.sessionKey,
			Channel:    req.Meta.Channel,
			ToolCallID: req.ID,
		})
		if err := c.deps.Contexts.Append(ctx, c.sessionKey, msg); err != nil {
			return out, err
		}
		out.notes = append(out.notes, model.Message{Role: "user", Content: "[tool output]\n" + note})
	}

	return out, nil
}

func (c *Coordinator) replayOne(ctx context.Context, req approval.Request, logger zerolog.Logger) string {
	var payload toolCallPayload
	if err := json.Unmarshal([]byte(req.Payload), &payload); err != nil {
		logger.Error().Str("approval_id", req.ID).Err(err).Msg("Approval payload is unreadable")
		return fmt.Sprintf("The approved action %q could not be replayed: stored call is unreadable", req.Action)
	}

	out, err := c.deps.Tools.Execute(ctx, payload.Name, payload.Params)
	if err != nil {
		return fmt.Sprintf("The approved action %q failed: %v", req.Action, err)
	}
	return fmt.Sprintf("The approved action %q completed:\n%s", req.Action, out)
}

// step drives the model/tool loop. Returns the final text, or
// suspended=true when an approval timeout parked the run.
func (c *Coordinator) step(ctx context.Context, run runstore.Run, out egress, transcript []model.Message, logger zerolog.Logger) (string, bool, error) {
	reruns := 0

	for stepNum := 0; stepNum < c.cfg.MaxSteps; stepNum++ {
		resp, err := c.invoke(ctx, transcript, logger)
		if err != nil {
			return "", false, err
		}

		if resp.Content != "" {
			msg := contextstore.NewText(contextstore.RoleAssistant, resp.Content, contextstore.Meta{
				SessionKey: c.sessionKey,
			})
			if err := c.deps.Contexts.Append(ctx, c.sessionKey, msg); err != nil {
				return "", false, err
			}
		}

		if len(resp.ToolCalls) == 0 {
			// Final answer candidate. Messages that arrived mid-run get
			// one more look before we commit to it.
			fresh := c.drainFresh(ctx, logger)
			if len(fresh) > 0 && reruns < c.cfg.FreshnessReruns {
				reruns++
				if resp.Content != "" {
					transcript = append(transcript, model.Message{Role: "assistant", Content: resp.Content})
				}
				transcript = append(transcript, fresh...)
				logger.Debug().Int("rerun", reruns).Int("fresh", len(fresh)).Msg("Rerunning for freshly merged messages")
				continue
			}
			return resp.Content, false, nil
		}

		transcript = append(transcript, model.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result, suspended, err := c.handleToolCall(ctx, run, out, call, logger)
			if err != nil {
				return "", false, err
			}
			if suspended {
				return "", true, nil
			}

			transcript = append(transcript, model.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: call.ID,
			})
			msg := contextstore.NewText(contextstore.RoleTool, result, contextstore.Meta{
				SessionKey: c.sessionKey,
				ToolCallID: call.ID,
			})
			if err := c.deps.Contexts.Append(ctx, c.sessionKey, msg); err != nil {
				return "", false, err
			}
		}

		// Safe point between steps: splice in merged messages.
		transcript = append(transcript, c.drainFresh(ctx, logger)...)
	}

	return "", false, ErrMaxStepsExceeded
}

// invoke calls the model, compacting with a shrinking budget when the
// provider reports context overflow. Attempts are bounded so a prompt
// that cannot fit fails deterministically.
func (c *Coordinator) invoke(ctx context.Context, transcript []model.Message, logger zerolog.Logger) (*model.Response, error) {
	req := model.Request{
		Model:       c.cfg.Model,
		System:      c.cfg.SystemPrompt,
		Messages:    transcript,
		Tools:       c.toolSpecs(),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	resp, err := c.deps.Invoker.Invoke(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !model.IsContextOverflow(err) {
		return nil, err
	}

	for attempt := 1; attempt <= contextstore.MaxCompactionAttempts; attempt++ {
		params := contextstore.ShrinkForAttempt(c.cfg.Compaction, attempt)
		logger.Warn().
			Int("attempt", attempt).
			Int("max_tokens", params.MaxInputTokens).
			Int("keep_last", params.KeepLastMessages).
			Msg("Context overflow, compacting with shrunk budget")

		if _, err := c.deps.Contexts.CompactIfNeeded(ctx, c.sessionKey, params, c.deps.Summarizer); err != nil {
			return nil, err
		}
		stored, err := c.deps.Contexts.LoadAll(ctx, c.sessionKey)
		if err != nil {
			return nil, err
		}
		req.Messages = buildModelMessages(stored)

		resp, err = c.deps.Invoker.Invoke(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !model.IsContextOverflow(err) {
			return nil, err
		}
	}

	return nil, ErrContextLengthExceeded
}

// handleToolCall applies permission policy and runs the tool. Policy
// denials and tool failures are absorbed as tool results so the model
// can react; a rejected approval fails the run, and so do
// infrastructure errors. suspended=true means an approval wait timed
// out and the run is parked.
func (c *Coordinator) handleToolCall(ctx context.Context, run runstore.Run, out egress, call model.ToolCall, logger zerolog.Logger) (string, bool, error) {
	def, err := c.deps.Tools.Get(call.Name)
	if err != nil {
		return fmt.Sprintf("Tool error: %v", err), false, nil
	}

	contextLen, err := c.deps.Contexts.Len(ctx, c.sessionKey)
	if err != nil {
		return "", false, err
	}

	action, details := c.deps.Tools.Describe(call.Name, call.Params)
	payload, err := json.Marshal(toolCallPayload{Name: call.Name, Params: call.Params})
	if err != nil {
		return "", false, fmt.Errorf("failed to serialize tool call: %w", err)
	}

	meta := approval.Meta{
		SessionKey:  c.sessionKey,
		Channel:     out.channel,
		InitiatorID: out.actorID,
		RunID:       run.ID,
		ContextLen:  contextLen,
	}
	decision, err := c.deps.Approvals.CheckToolCall(ctx, approval.Type(def.Kind), action, details, string(payload), meta)
	if err != nil {
		return "", false, err
	}

	switch {
	case decision.Denied:
		return fmt.Sprintf("Permission denied: %s is not allowed by policy", call.Name), false, nil

	case decision.RequiresApproval:
		c.sendToEgress(ctx, out, approval.FormatPrompt(*decision.Request), logger)

		outcome, err := c.deps.Approvals.Wait(ctx, decision.Request.ID, c.cfg.ApprovalTimeout)
		if err != nil {
			return "", false, err
		}
		switch outcome {
		case approval.OutcomeRejected:
			req, _ := c.deps.Approvals.Store().Get(ctx, decision.Request.ID)
			return "", false, fmt.Errorf("%w: %s", ErrApprovalRejected, req.Response)
		case approval.OutcomeTimeout:
			if err := c.deps.Runs.SetPendingApproval(ctx, run.ID, decision.Request.ID); err != nil {
				return "", false, err
			}
			c.sendToEgress(ctx, out,
				fmt.Sprintf("Still waiting on approval %s; I'll pick this up once it's resolved.", decision.Request.ID),
				logger)
			return "", true, nil
		}
	}

	result, err := c.deps.Tools.Execute(ctx, call.Name, call.Params)
	if err != nil {
		return fmt.Sprintf("Tool error: %v", err), false, nil
	}
	return result, false, nil
}

// drainFresh takes merged entries from the scheduler buffer, records the
// user ones, and returns them as transcript messages. Resume entries are
// left for their own execution.
func (c *Coordinator) drainFresh(ctx context.Context, logger zerolog.Logger) []model.Message {
	if c.deps.Drainer == nil {
		return nil
	}

	var fresh []model.Message
	for _, entry := range c.deps.Drainer.DrainMerged(c.sessionKey) {
		if entry.Kind == lane.KindResume {
			replay, err := c.replayApprovals(ctx, entry.ApprovalIDs, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to replay approvals from merged entry")
			}
			fresh = append(fresh, replay.notes...)
			continue
		}
		if entry.Text == "" {
			continue
		}
		if err := c.recordUserEntry(ctx, entry); err != nil {
			logger.Error().Err(err).Msg("Failed to record merged entry")
			continue
		}
		fresh = append(fresh, model.Message{Role: "user", Content: entry.Text})
	}
	return fresh
}

func (c *Coordinator) toolSpecs() []model.ToolSpec {
	defs := c.deps.Tools.List()
	specs := make([]model.ToolSpec, 0, len(defs))
	for _, def := range defs {
		schema, err := c.deps.Tools.InputSchema(def.Name)
		if err != nil {
			continue
		}
		specs = append(specs, model.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return specs
}

func (c *Coordinator) finishFailed(ctx context.Context, run runstore.Run, out egress, trigger runstore.Trigger, start time.Time, runErr error, logger zerolog.Logger) {
	if err := c.deps.Runs.UpdateStatus(ctx, run.ID, runstore.StatusFailed, "", runErr.Error()); err != nil {
		logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record run failure")
	}
	c.deliver(ctx, run.ID, out, fmt.Sprintf("Execution failed: %v", runErr), logger)
	observability.RecordRun(string(trigger), "failed", time.Since(start))
	logger.Error().Err(runErr).Str("run_id", run.ID).Msg("Run failed")
}

// deliver sends text to the originating channel and marks the run
// notified. Runs without an egress (no source channel) skip delivery.
func (c *Coordinator) deliver(ctx context.Context, runID string, out egress, text string, logger zerolog.Logger) {
	if out.channel == "" || text == "" {
		return
	}
	if err := c.deps.Dispatch.Send(ctx, out.channel, out.chatID, text, out.threadID); err != nil {
		logger.Error().Err(err).Str("channel", out.channel).Msg("Failed to deliver run output")
		return
	}
	if err := c.deps.Runs.MarkNotified(ctx, runID); err != nil {
		logger.Error().Err(err).Str("run_id", runID).Msg("Failed to mark run notified")
	}
}

func (c *Coordinator) sendToEgress(ctx context.Context, out egress, text string, logger zerolog.Logger) {
	if out.channel == "" {
		return
	}
	if err := c.deps.Dispatch.Send(ctx, out.channel, out.chatID, text, out.threadID); err != nil {
		logger.Error().Err(err).Str("channel", out.channel).Msg("Failed to send to channel")
	}
}

func egressFromEntries(entries []lane.QueueEntry) egress {
	for _, entry := range entries {
		if entry.SourceChannel != "" {
			return egress{
				channel:  entry.SourceChannel,
				chatID:   entry.ChatID,
				threadID: entry.ThreadID,
				actorID:  entry.ActorID,
			}
		}
	}
	return egress{}
}

func triggerFromChannel(channel string) runstore.Trigger {
	switch channel {
	case "cron", "schedule":
		return runstore.TriggerSchedule
	case "api", "gateway":
		return runstore.TriggerAPI
	default:
		return runstore.TriggerChat
	}
}

// buildModelMessages flattens the durable log into provider-neutral
// turns. Tool and summary entries become plain text: the durable log
// does not preserve provider tool-call pairing across executions.
func buildModelMessages(stored []contextstore.Message) []model.Message {
	out := make([]model.Message, 0, len(stored))
	for _, msg := range stored {
		text := msg.Text()
		if text == "" {
			continue
		}
		switch msg.Role {
		case contextstore.RoleAssistant:
			out = append(out, model.Message{Role: "assistant", Content: text})
		case contextstore.RoleTool:
			out = append(out, model.Message{Role: "user", Content: "[tool output]\n" + text})
		case contextstore.RoleSystem:
			out = append(out, model.Message{Role: "user", Content: "[conversation summary]\n" + text})
		default:
			out = append(out, model.Message{Role: "user", Content: text})
		}
	}
	return out
}
