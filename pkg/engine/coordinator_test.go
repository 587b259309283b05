package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/veyra/internal/config"
	"github.com/harun/veyra/internal/storage"
	"github.com/harun/veyra/pkg/approval"
	"github.com/harun/veyra/pkg/contextstore"
	"github.com/harun/veyra/pkg/dispatch"
	"github.com/harun/veyra/pkg/lane"
	"github.com/harun/veyra/pkg/model"
	"github.com/harun/veyra/pkg/runstore"
	"github.com/harun/veyra/pkg/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptItem is one scripted model exchange.
type scriptItem struct {
	resp *model.Response
	err  error
}

// scriptedInvoker replays a fixed script of model responses.
type scriptedInvoker struct {
	mu     sync.Mutex
	script []scriptItem
	calls  []model.Request
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req model.Request) (*model.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)
	if len(s.script) == 0 {
		return nil, fmt.Errorf("invoker script exhausted after %d calls", len(s.calls))
	}
	item := s.script[0]
	s.script = s.script[1:]
	return item.resp, item.err
}

func (s *scriptedInvoker) Provider() string { return "scripted" }

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// fakeDrainer hands out queued batches, one per DrainMerged call.
type fakeDrainer struct {
	mu      sync.Mutex
	batches [][]lane.QueueEntry
}

func (d *fakeDrainer) DrainMerged(sessionKey string) []lane.QueueEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.batches) == 0 {
		return nil
	}
	batch := d.batches[0]
	d.batches = d.batches[1:]
	return batch
}

// sendRecord captures dispatched messages.
type sendRecord struct {
	chatID string
	text   string
}

type harness struct {
	coord    *Coordinator
	invoker  *scriptedInvoker
	drainer  *fakeDrainer
	contexts *contextstore.Store
	approvEng *approval.Engine
	runs     *runstore.Store
	tools    *tool.Registry

	mu    sync.Mutex
	sends []sendRecord
}

func (h *harness) sent() []sendRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sendRecord, len(h.sends))
	copy(out, h.sends)
	return out
}

func finalResponse(text string) scriptItem {
	return scriptItem{resp: &model.Response{Content: text}}
}

func toolCallResponse(id, name string, params map[string]any) scriptItem {
	return scriptItem{resp: &model.Response{
		ToolCalls: []model.ToolCall{{ID: id, Name: name, Params: params}},
	}}
}

func newHarness(t *testing.T, sessionKey string, script []scriptItem, mutate ...func(*Config)) *harness {
	t.Helper()

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	contexts, err := contextstore.New(t.TempDir())
	require.NoError(t, err)

	policies := config.PermissionsConfig{
		Read:  config.PolicyAllow,
		Write: config.PolicyApproval,
		Exec:  config.PolicyApproval,
		Other: config.PolicyDeny,
	}
	approvEng := approval.NewEngine(approval.NewStore(db), policies,
		approval.WithPollInterval(20*time.Millisecond))
	runs := runstore.New(db)

	tools := tool.NewRegistry()
	require.NoError(t, tools.Register(tool.Definition{
		Name:        "lookup",
		Description: "Look up a value.",
		Kind:        tool.KindRead,
		Parameters: []tool.Parameter{
			{Name: "key", Type: "string", Description: "Key to look up", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			key, _ := params["key"].(string)
			return "value-for-" + key, nil
		},
	}))
	require.NoError(t, tools.Register(tool.Definition{
		Name:        "deploy",
		Description: "Deploy the service.",
		Kind:        tool.KindExec,
		Parameters: []tool.Parameter{
			{Name: "target", Type: "string", Description: "Deploy target", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			target, _ := params["target"].(string)
			return "deployed to " + target, nil
		},
	}))
	require.NoError(t, tools.Register(tool.Definition{
		Name:        "probe",
		Description: "Unclassified probe.",
		Kind:        tool.KindOther,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return "probed", nil
		},
	}))
	require.NoError(t, tools.Register(tool.Definition{
		Name:        "flaky",
		Description: "Always fails.",
		Kind:        tool.KindRead,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	h := &harness{
		invoker:   &scriptedInvoker{script: script},
		drainer:   &fakeDrainer{},
		contexts:  contexts,
		approvEng: approvEng,
		runs:      runs,
		tools:     tools,
	}

	dr := dispatch.NewRegistry()
	require.NoError(t, dr.Register("chat", dispatch.DispatcherFunc(
		func(ctx context.Context, chatID, text, threadID string) error {
			h.mu.Lock()
			h.sends = append(h.sends, sendRecord{chatID: chatID, text: text})
			h.mu.Unlock()
			return nil
		})))

	cfg := Config{
		Model:           "test-model",
		SystemPrompt:    "You are a test agent.",
		MaxSteps:        8,
		FreshnessReruns: 2,
		MaxTokens:       1024,
		Compaction:      contextstore.Params{MaxInputTokens: 100000, KeepLastMessages: 20},
		ApprovalTimeout: 150 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	h.coord = NewCoordinator(sessionKey, Deps{
		Contexts:  contexts,
		Approvals: approvEng,
		Runs:      runs,
		Tools:     tools,
		Invoker:   h.invoker,
		Dispatch:  dr,
		Drainer:   h.drainer,
	}, cfg)

	return h
}

func userEntry(text, msgID string) lane.QueueEntry {
	return lane.QueueEntry{
		Kind:          lane.KindUser,
		Text:          text,
		SourceChannel: "chat",
		ChatID:        "chat-1",
		MessageID:     msgID,
		ActorID:       "user-7",
	}
}

func lastRun(t *testing.T, h *harness, sessionKey string) runstore.Run {
	t.Helper()
	runs, err := h.runs.ListBySession(context.Background(), sessionKey, 1)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	return runs[0]
}

func TestExecuteFinalAnswer(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{finalResponse("All done.")})
	ctx := context.Background()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("do the thing", "m1")})
	require.NoError(t, err)

	run := lastRun(t, h, "chat-1")
	assert.Equal(t, runstore.StatusSucceeded, run.Status)
	assert.Equal(t, "All done.", run.Output)
	assert.True(t, run.Notified)

	sends := h.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "chat-1", sends[0].chatID)
	assert.Equal(t, "All done.", sends[0].text)

	messages, err := h.contexts.LoadAll(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, contextstore.RoleUser, messages[0].Role)
	assert.Equal(t, contextstore.RoleAssistant, messages[1].Role)
}

func TestExecuteRejectsForeignSession(t *testing.T) {
	h := newHarness(t, "chat-1", nil)

	err := h.coord.Execute(context.Background(), "chat-2", []lane.QueueEntry{userEntry("x", "m1")})
	assert.ErrorIs(t, err, ErrSchedulerBinding)
}

func TestExecuteToolLoop(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "lookup", map[string]any{"key": "answer"}),
		finalResponse("The answer is value-for-answer."),
	})
	ctx := context.Background()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("look it up", "m1")})
	require.NoError(t, err)

	assert.Equal(t, 2, h.invoker.callCount())
	run := lastRun(t, h, "chat-1")
	assert.Equal(t, runstore.StatusSucceeded, run.Status)

	// The second model call sees the tool result.
	second := h.invoker.calls[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.Content == "value-for-answer" {
			found = true
		}
	}
	assert.True(t, found, "tool result missing from follow-up request")

	// Tool result lands in the durable log too.
	messages, err := h.contexts.LoadAll(ctx, "chat-1")
	require.NoError(t, err)
	var toolMsgs int
	for _, m := range messages {
		if m.Role == contextstore.RoleTool {
			toolMsgs++
		}
	}
	assert.Equal(t, 1, toolMsgs)
}

func TestToolErrorIsAbsorbed(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "flaky", nil),
		finalResponse("Could not reach the backend."),
	})

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("try it", "m1")})
	require.NoError(t, err)

	second := h.invoker.calls[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.Content == "Tool error: backend unavailable" {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, runstore.StatusSucceeded, lastRun(t, h, "chat-1").Status)
}

func TestPolicyDenialIsAbsorbed(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "probe", nil), // KindOther is deny
		finalResponse("I am not allowed to do that."),
	})

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("probe it", "m1")})
	require.NoError(t, err)

	second := h.invoker.calls[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.Content == "Permission denied: probe is not allowed by policy" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestApprovalApprovedMidWait(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "deploy", map[string]any{"target": "prod"}),
		finalResponse("Deployed."),
	}, func(cfg *Config) { cfg.ApprovalTimeout = 5 * time.Second })
	ctx := context.Background()

	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(20 * time.Millisecond)
			pending, err := h.approvEng.ListPending(context.Background(), "chat-1")
			if err == nil && len(pending) == 1 {
				_, _ = h.approvEng.Approve(context.Background(), pending[0].ID, "ship it")
				return
			}
		}
	}()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("deploy to prod", "m1")})
	require.NoError(t, err)

	run := lastRun(t, h, "chat-1")
	assert.Equal(t, runstore.StatusSucceeded, run.Status)

	// The approval prompt and the final answer both went to the channel.
	sends := h.sent()
	require.Len(t, sends, 2)
	assert.Contains(t, sends[0].text, "Approval required")
	assert.Equal(t, "Deployed.", sends[1].text)

	second := h.invoker.calls[1]
	found := false
	for _, msg := range second.Messages {
		if msg.Role == "tool" && msg.Content == "deployed to prod" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestApprovalRejectedFailsRun(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "deploy", map[string]any{"target": "prod"}),
	}, func(cfg *Config) { cfg.ApprovalTimeout = 5 * time.Second })

	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(20 * time.Millisecond)
			pending, err := h.approvEng.ListPending(context.Background(), "chat-1")
			if err == nil && len(pending) == 1 {
				_, _ = h.approvEng.Reject(context.Background(), pending[0].ID, "too risky")
				return
			}
		}
	}()

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("deploy", "m1")})
	assert.ErrorIs(t, err, ErrApprovalRejected)

	run := lastRun(t, h, "chat-1")
	assert.Equal(t, runstore.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "too risky")

	sends := h.sent()
	require.NotEmpty(t, sends)
	assert.Contains(t, sends[len(sends)-1].text, "Execution failed")
}

func TestApproveWhileWaitingExecutesOnce(t *testing.T) {
	var releases int32
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "release", nil),
		finalResponse("Released."),
	}, func(cfg *Config) { cfg.ApprovalTimeout = 5 * time.Second })
	require.NoError(t, h.tools.Register(tool.Definition{
		Name:        "release",
		Description: "Release the current build.",
		Kind:        tool.KindExec,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			atomic.AddInt32(&releases, 1)
			return "released", nil
		},
	}))

	enq := newRecordingEnqueuer()
	resumer := NewResumer(h.approvEng, h.runs, enq)

	// Resolution over the API approves and then asks for a resume, the
	// way the gateway does; the run is live and mid-wait the whole time.
	go func() {
		for i := 0; i < 100; i++ {
			time.Sleep(20 * time.Millisecond)
			pending, err := h.approvEng.ListPending(context.Background(), "chat-1")
			if err == nil && len(pending) == 1 {
				_, _ = h.approvEng.Approve(context.Background(), pending[0].ID, "go")
				_ = resumer.ResumeFromApproval(context.Background(), pending[0].ID)
				return
			}
		}
	}()

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("release it", "m1")})
	require.NoError(t, err)

	assert.Equal(t, runstore.StatusSucceeded, lastRun(t, h, "chat-1").Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&releases))
	assert.Empty(t, enq.forSession("chat-1"), "live run must not get a resume entry")
}

func TestApprovalTimeoutSuspendsRun(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "deploy", map[string]any{"target": "prod"}),
	})
	ctx := context.Background()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("deploy", "m1")})
	require.NoError(t, err)

	run := lastRun(t, h, "chat-1")
	assert.Equal(t, runstore.StatusSuspended, run.Status)
	require.NotEmpty(t, run.PendingApprovalID)

	// The approval stays pending with the suspension snapshot recorded.
	req, err := h.approvEng.Store().Get(ctx, run.PendingApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, req.Status)
	assert.Equal(t, 1, req.Meta.ContextLen) // just the user message
	assert.NotEmpty(t, req.Payload)

	// Only one model call happened; nothing was delivered as final.
	assert.Equal(t, 1, h.invoker.callCount())
}

func TestSuspendedRunResumesAfterApproval(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "deploy", map[string]any{"target": "prod"}),
		finalResponse("Deployment finished."),
	})
	ctx := context.Background()

	// First execution times out waiting and suspends.
	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("deploy", "m1")})
	require.NoError(t, err)
	run := lastRun(t, h, "chat-1")
	require.Equal(t, runstore.StatusSuspended, run.Status)

	won, err := h.approvEng.Approve(ctx, run.PendingApprovalID, "approved late")
	require.NoError(t, err)
	require.True(t, won)

	// Resumption arrives as a resume entry through the lane.
	err = h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{{
		Kind:          lane.KindResume,
		SourceChannel: "chat",
		ChatID:        "chat-1",
		ApprovalIDs:   []string{run.PendingApprovalID},
	}})
	require.NoError(t, err)

	// The suspended run was reused, not replaced.
	resumed, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, resumed.Status)
	assert.Equal(t, "Deployment finished.", resumed.Output)

	// The approved tool ran exactly once, at resume time.
	secondCall := h.invoker.calls[1]
	found := false
	for _, msg := range secondCall.Messages {
		if msg.Role == "user" && msg.Content == "[tool output]\nThe approved action \"deploy\" completed:\ndeployed to prod" {
			found = true
		}
	}
	assert.True(t, found, "replayed tool output missing from resume transcript")
}

func TestResumeWithOnlyRejectedApprovalFailsRun(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "deploy", map[string]any{"target": "prod"}),
	})
	ctx := context.Background()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("deploy", "m1")})
	require.NoError(t, err)
	run := lastRun(t, h, "chat-1")
	require.Equal(t, runstore.StatusSuspended, run.Status)

	won, err := h.approvEng.Reject(ctx, run.PendingApprovalID, "not today")
	require.NoError(t, err)
	require.True(t, won)

	err = h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{{
		Kind:          lane.KindResume,
		SourceChannel: "chat",
		ChatID:        "chat-1",
		ApprovalIDs:   []string{run.PendingApprovalID},
	}})
	assert.ErrorIs(t, err, ErrApprovalRejected)

	resumed, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusFailed, resumed.Status)

	// The rejection still lands in the durable log for audit.
	messages, err := h.contexts.LoadAll(ctx, "chat-1")
	require.NoError(t, err)
	found := false
	for _, m := range messages {
		if m.Role == contextstore.RoleTool && strings.Contains(m.Text(), "was rejected: not today") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestResumeWithRejectionAndFreshTextContinues(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "deploy", map[string]any{"target": "prod"}),
		finalResponse("Understood, skipping the deploy."),
	})
	ctx := context.Background()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("deploy", "m1")})
	require.NoError(t, err)
	run := lastRun(t, h, "chat-1")
	require.Equal(t, runstore.StatusSuspended, run.Status)

	_, err = h.approvEng.Reject(ctx, run.PendingApprovalID, "changed my mind")
	require.NoError(t, err)

	// A rejection arriving together with new user input keeps the run
	// alive: the model gets to react.
	err = h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{
		{
			Kind:          lane.KindResume,
			SourceChannel: "chat",
			ChatID:        "chat-1",
			ApprovalIDs:   []string{run.PendingApprovalID},
		},
		userEntry("never mind then", "m2"),
	})
	require.NoError(t, err)

	resumed, err := h.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runstore.StatusSucceeded, resumed.Status)
	assert.Equal(t, "Understood, skipping the deploy.", resumed.Output)
}

func TestResumeReplayIsSingleShot(t *testing.T) {
	var releases int32
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "release", nil),
		finalResponse("Done."),
		finalResponse("Nothing left to do."),
	})
	require.NoError(t, h.tools.Register(tool.Definition{
		Name:        "release",
		Description: "Release the current build.",
		Kind:        tool.KindExec,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			atomic.AddInt32(&releases, 1)
			return "released", nil
		},
	}))
	ctx := context.Background()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("release it", "m1")})
	require.NoError(t, err)
	run := lastRun(t, h, "chat-1")
	require.Equal(t, runstore.StatusSuspended, run.Status)

	_, err = h.approvEng.Approve(ctx, run.PendingApprovalID, "go")
	require.NoError(t, err)

	resume := lane.QueueEntry{
		Kind:          lane.KindResume,
		SourceChannel: "chat",
		ChatID:        "chat-1",
		ApprovalIDs:   []string{run.PendingApprovalID},
	}
	require.NoError(t, h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{resume}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&releases))

	// A duplicate resume entry must not run the approved call again.
	require.NoError(t, h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{resume}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&releases))
}

func TestToolPanicFailsRun(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		toolCallResponse("tc-1", "explode", nil),
	})
	require.NoError(t, h.tools.Register(tool.Definition{
		Name:        "explode",
		Description: "Always panics.",
		Kind:        tool.KindRead,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			panic("handler blew up")
		},
	}))

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("boom", "m1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	run := lastRun(t, h, "chat-1")
	assert.Equal(t, runstore.StatusFailed, run.Status)

	sends := h.sent()
	require.NotEmpty(t, sends)
	assert.Contains(t, sends[len(sends)-1].text, "Execution failed")
}

func TestContextOverflowShrinkRetry(t *testing.T) {
	overflow := scriptItem{err: errors.New("400: prompt is too long")}
	h := newHarness(t, "chat-1", []scriptItem{
		overflow,
		finalResponse("Recovered."),
	}, func(cfg *Config) {
		cfg.Compaction = contextstore.Params{MaxInputTokens: 100, KeepLastMessages: 8}
	})
	ctx := context.Background()

	// Seed enough history that shrink compaction has something to evict.
	for i := 0; i < 30; i++ {
		msg := contextstore.NewText(contextstore.RoleUser, fmt.Sprintf("historical message number %d with some padding text", i), contextstore.Meta{})
		require.NoError(t, h.contexts.Append(ctx, "chat-1", msg))
	}

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("go", "m1")})
	require.NoError(t, err)

	assert.Equal(t, 2, h.invoker.callCount())
	assert.Equal(t, runstore.StatusSucceeded, lastRun(t, h, "chat-1").Status)

	// History was compacted down for the retry.
	n, err := h.contexts.Len(ctx, "chat-1")
	require.NoError(t, err)
	assert.Less(t, n, 31)
}

func TestContextOverflowExhaustsRetries(t *testing.T) {
	overflow := scriptItem{err: errors.New("context_length_exceeded")}
	h := newHarness(t, "chat-1", []scriptItem{overflow, overflow, overflow, overflow})

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("go", "m1")})
	assert.ErrorIs(t, err, ErrContextLengthExceeded)

	run := lastRun(t, h, "chat-1")
	assert.Equal(t, runstore.StatusFailed, run.Status)

	sends := h.sent()
	require.NotEmpty(t, sends)
	assert.Contains(t, sends[len(sends)-1].text, "Execution failed")
}

func TestMaxStepsExceeded(t *testing.T) {
	script := make([]scriptItem, 0, 4)
	for i := 0; i < 4; i++ {
		script = append(script, toolCallResponse(fmt.Sprintf("tc-%d", i), "lookup", map[string]any{"key": "k"}))
	}
	h := newHarness(t, "chat-1", script, func(cfg *Config) { cfg.MaxSteps = 3 })

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("loop forever", "m1")})
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, runstore.StatusFailed, lastRun(t, h, "chat-1").Status)
	assert.Equal(t, 3, h.invoker.callCount())
}

func TestFreshnessRerun(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		finalResponse("First answer."),
		finalResponse("Updated answer covering the late message."),
	})
	// A message arrives mid-run; it is seen before the answer commits.
	h.drainer.batches = [][]lane.QueueEntry{
		{userEntry("wait, also consider this", "m2")},
	}

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("question", "m1")})
	require.NoError(t, err)

	assert.Equal(t, 2, h.invoker.callCount())
	run := lastRun(t, h, "chat-1")
	assert.Equal(t, "Updated answer covering the late message.", run.Output)

	// Only the committed answer was delivered.
	sends := h.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "Updated answer covering the late message.", sends[0].text)
}

func TestFreshnessRerunsAreBounded(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{
		finalResponse("v1"),
		finalResponse("v2"),
		finalResponse("v3"),
	}, func(cfg *Config) { cfg.FreshnessReruns = 2 })
	h.drainer.batches = [][]lane.QueueEntry{
		{userEntry("late 1", "m2")},
		{userEntry("late 2", "m3")},
		{userEntry("late 3", "m4")}, // beyond the rerun budget
	}

	err := h.coord.Execute(context.Background(), "chat-1", []lane.QueueEntry{userEntry("q", "m1")})
	require.NoError(t, err)

	// Two reruns max, then the answer commits even with more pending.
	assert.Equal(t, 3, h.invoker.callCount())
	assert.Equal(t, "v3", lastRun(t, h, "chat-1").Output)
}

func TestDuplicateMessageIDsRecordedOnce(t *testing.T) {
	h := newHarness(t, "chat-1", []scriptItem{finalResponse("ok"), finalResponse("ok again")})
	ctx := context.Background()

	err := h.coord.Execute(ctx, "chat-1", []lane.QueueEntry{
		userEntry("hello", "m1"),
		userEntry("hello", "m1"), // redelivery
	})
	require.NoError(t, err)

	messages, err := h.contexts.LoadAll(ctx, "chat-1")
	require.NoError(t, err)
	var userMsgs int
	for _, m := range messages {
		if m.Role == contextstore.RoleUser {
			userMsgs++
		}
	}
	assert.Equal(t, 1, userMsgs)
}

func TestDuplicateRedeliverySkippedAfterRestart(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := t.TempDir()
	policies := config.PermissionsConfig{
		Read:  config.PolicyAllow,
		Write: config.PolicyApproval,
		Exec:  config.PolicyApproval,
		Other: config.PolicyDeny,
	}
	approvEng := approval.NewEngine(approval.NewStore(db), policies)
	runs := runstore.New(db)
	tools := tool.NewRegistry()
	dr := dispatch.NewRegistry()
	cfg := Config{Model: "test-model", MaxSteps: 3, ApprovalTimeout: time.Second}

	// Each coordinator gets a fresh store over the same directory, the
	// way a restarted daemon would.
	newCoord := func(script []scriptItem) *Coordinator {
		contexts, err := contextstore.New(dir)
		require.NoError(t, err)
		return NewCoordinator("chat-1", Deps{
			Contexts:  contexts,
			Approvals: approvEng,
			Runs:      runs,
			Tools:     tools,
			Invoker:   &scriptedInvoker{script: script},
			Dispatch:  dr,
		}, cfg)
	}

	first := newCoord([]scriptItem{finalResponse("first")})
	require.NoError(t, first.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("hello", "m1")}))

	second := newCoord([]scriptItem{finalResponse("second")})
	require.NoError(t, second.Execute(ctx, "chat-1", []lane.QueueEntry{userEntry("hello", "m1")}))

	contexts, err := contextstore.New(dir)
	require.NoError(t, err)
	messages, err := contexts.LoadAll(ctx, "chat-1")
	require.NoError(t, err)
	var userMsgs int
	for _, m := range messages {
		if m.Role == contextstore.RoleUser {
			userMsgs++
		}
	}
	assert.Equal(t, 1, userMsgs)
}

func TestEmptyEntryBatchIsNoop(t *testing.T) {
	h := newHarness(t, "chat-1", nil)
	require.NoError(t, h.coord.Execute(context.Background(), "chat-1", nil))
	assert.Equal(t, 0, h.invoker.callCount())
}

func TestScheduleTriggerClassification(t *testing.T) {
	h := newHarness(t, "cron:job-1", []scriptItem{finalResponse("ran")})

	entry := lane.QueueEntry{
		Kind:          lane.KindUser,
		Text:          "scheduled prompt",
		SourceChannel: "cron",
		ChatID:        "cron:job-1",
	}
	err := h.coord.Execute(context.Background(), "cron:job-1", []lane.QueueEntry{entry})
	require.NoError(t, err)

	run := lastRun(t, h, "cron:job-1")
	assert.Equal(t, runstore.TriggerSchedule, run.Trigger)
}
