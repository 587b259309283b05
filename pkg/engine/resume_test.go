package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harun/veyra/internal/config"
	"github.com/harun/veyra/internal/storage"
	"github.com/harun/veyra/pkg/approval"
	"github.com/harun/veyra/pkg/lane"
	"github.com/harun/veyra/pkg/runstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu      sync.Mutex
	entries map[string][]lane.QueueEntry
}

func newRecordingEnqueuer() *recordingEnqueuer {
	return &recordingEnqueuer{entries: make(map[string][]lane.QueueEntry)}
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, sessionKey string, entry lane.QueueEntry) (lane.EnqueueResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[sessionKey] = append(e.entries[sessionKey], entry)
	return lane.ResultAccepted, nil
}

func (e *recordingEnqueuer) forSession(key string) []lane.QueueEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[key]
}

func newResumerFixture(t *testing.T) (*Resumer, *approval.Engine, *runstore.Store, *recordingEnqueuer) {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	approvEng := approval.NewEngine(approval.NewStore(db), config.PermissionsConfig{
		Read: config.PolicyAllow, Write: config.PolicyApproval,
		Exec: config.PolicyApproval, Other: config.PolicyDeny,
	})
	runs := runstore.New(db)
	enq := newRecordingEnqueuer()
	return NewResumer(approvEng, runs, enq), approvEng, runs, enq
}

func suspendedFixture(t *testing.T, approvEng *approval.Engine, runs *runstore.Store) (runstore.Run, approval.Request) {
	t.Helper()
	ctx := context.Background()

	run, err := runs.Create(ctx, runstore.TriggerChat, "chat-1")
	require.NoError(t, err)

	req := approval.Request{
		ID:      approval.NewID(),
		Type:    approval.TypeExec,
		Action:  "make deploy",
		Payload: `{"name":"deploy","params":{"target":"prod"}}`,
		Meta: approval.Meta{
			SessionKey: "chat-1",
			Channel:    "chat",
			RunID:      run.ID,
			ContextLen: 3,
		},
		CreatedAt: time.Now(),
	}
	require.NoError(t, approvEng.Store().Create(ctx, req))
	require.NoError(t, runs.SetPendingApproval(ctx, run.ID, req.ID))
	return run, req
}

func TestResumeFromApproval(t *testing.T) {
	r, approvEng, runs, enq := newResumerFixture(t)
	ctx := context.Background()
	_, req := suspendedFixture(t, approvEng, runs)

	_, err := approvEng.Approve(ctx, req.ID, "go")
	require.NoError(t, err)

	require.NoError(t, r.ResumeFromApproval(ctx, req.ID))

	entries := enq.forSession("chat-1")
	require.Len(t, entries, 1)
	assert.Equal(t, lane.KindResume, entries[0].Kind)
	assert.Equal(t, []string{req.ID}, entries[0].ApprovalIDs)
	assert.Equal(t, "chat", entries[0].SourceChannel)
}

func TestResumeFromApprovalRejectsPending(t *testing.T) {
	r, approvEng, runs, enq := newResumerFixture(t)
	_, req := suspendedFixture(t, approvEng, runs)

	err := r.ResumeFromApproval(context.Background(), req.ID)
	assert.Error(t, err)
	assert.Empty(t, enq.forSession("chat-1"))
}

func TestResumeFromApprovalSkipsLiveRun(t *testing.T) {
	r, approvEng, runs, enq := newResumerFixture(t)
	ctx := context.Background()
	run, req := suspendedFixture(t, approvEng, runs)

	// The run picked the resolution up in-process and is running again;
	// enqueuing a resume entry now would replay the tool call twice.
	require.NoError(t, runs.SetPendingApproval(ctx, run.ID, ""))

	_, err := approvEng.Approve(ctx, req.ID, "go")
	require.NoError(t, err)

	err = r.ResumeFromApproval(ctx, req.ID)
	assert.Error(t, err)
	assert.Empty(t, enq.forSession("chat-1"))
}

func TestResumeFromApprovalUnknownID(t *testing.T) {
	r, _, _, _ := newResumerFixture(t)
	assert.Error(t, r.ResumeFromApproval(context.Background(), "ghost"))
}

func TestRestoreSuspendedEnqueuesResolvedOnly(t *testing.T) {
	r, approvEng, runs, enq := newResumerFixture(t)
	ctx := context.Background()

	// One run whose approval resolved while the process was down.
	_, resolved := suspendedFixture(t, approvEng, runs)
	_, err := approvEng.Approve(ctx, resolved.ID, "ok")
	require.NoError(t, err)

	// One run still waiting.
	pendingRun, err := runs.Create(ctx, runstore.TriggerChat, "chat-2")
	require.NoError(t, err)
	pendingReq := approval.Request{
		ID:     approval.NewID(),
		Type:   approval.TypeExec,
		Action: "rm -rf /",
		Meta:   approval.Meta{SessionKey: "chat-2", Channel: "chat", RunID: pendingRun.ID},
	}
	require.NoError(t, approvEng.Store().Create(ctx, pendingReq))
	require.NoError(t, runs.SetPendingApproval(ctx, pendingRun.ID, pendingReq.ID))

	require.NoError(t, r.RestoreSuspended(ctx))

	assert.Len(t, enq.forSession("chat-1"), 1)
	assert.Empty(t, enq.forSession("chat-2"))
}
