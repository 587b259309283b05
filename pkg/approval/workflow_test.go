package approval

import (
	"context"
	"testing"
	"time"

	"github.com/harun/veyra/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultPolicies() config.PermissionsConfig {
	return config.PermissionsConfig{
		Read:  config.PolicyAllow,
		Write: config.PolicyApproval,
		Exec:  config.PolicyApproval,
		Other: config.PolicyDeny,
	}
}

func newTestEngine(t *testing.T, policies config.PermissionsConfig, opts ...Option) *Engine {
	t.Helper()
	return NewEngine(newTestStore(t), policies, opts...)
}

func TestCheckToolCallAllow(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())

	d, err := e.CheckToolCall(context.Background(), TypeRead, "read_file /etc/hosts", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.RequiresApproval)
	assert.Nil(t, d.Request)
}

func TestCheckToolCallDeny(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())

	d, err := e.CheckToolCall(context.Background(), TypeOther, "mystery_tool", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	assert.True(t, d.Denied)
	assert.False(t, d.Allowed)
}

func TestCheckToolCallApprovalPersistsRequest(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "rm -rf build", "cleanup", "", Meta{SessionKey: "chat-1", RunID: "run-1", ContextLen: 8})
	require.NoError(t, err)
	require.True(t, d.RequiresApproval)
	require.NotNil(t, d.Request)

	stored, err := e.Store().Get(ctx, d.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, 8, stored.Meta.ContextLen)
}

func TestWritePathCarveOut(t *testing.T) {
	policies := defaultPolicies()
	policies.WritePaths = []string{"/tmp/workspace"}
	e := newTestEngine(t, policies)
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeWrite, "/tmp/workspace/notes.md", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// Prefix trickery does not escape the carve-out.
	d, err = e.CheckToolCall(ctx, TypeWrite, "/tmp/workspace-evil/x", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)

	d, err = e.CheckToolCall(ctx, TypeWrite, "/tmp/workspace/../../etc/passwd", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)
}

func TestExecAllowlistCarveOut(t *testing.T) {
	al, err := NewAllowlist(t.TempDir() + "/allow.json")
	require.NoError(t, err)
	t.Cleanup(func() { al.Close() })
	require.NoError(t, al.Add("ls"))

	e := newTestEngine(t, defaultPolicies(), WithAllowlist(al))
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "ls -la /tmp", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = e.CheckToolCall(ctx, TypeExec, "rm -rf /", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	assert.True(t, d.RequiresApproval)
}

func TestWaitApproved(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "make deploy", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	require.True(t, d.RequiresApproval)

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := e.Wait(ctx, d.Request.ID, 5*time.Second)
		assert.NoError(t, err)
		done <- outcome
	}()

	time.Sleep(50 * time.Millisecond)
	won, err := e.Approve(ctx, d.Request.ID, "go ahead")
	require.NoError(t, err)
	assert.True(t, won)

	select {
	case outcome := <-done:
		assert.Equal(t, OutcomeApproved, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestWaitRejected(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "make deploy", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, err := e.Reject(ctx, d.Request.ID, "not now")
		assert.NoError(t, err)
	}()

	outcome, err := e.Wait(ctx, d.Request.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
}

func TestWaitTimeoutIsNotRejection(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "make deploy", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)

	outcome, err := e.Wait(ctx, d.Request.ID, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimeout, outcome)

	// The request stays pending: a later resolution still lands.
	stored, err := e.Store().Get(ctx, d.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestWaitSeesResolutionFromAnotherWriter(t *testing.T) {
	// Resolve through the store directly so no waiter channel fires;
	// only the poll ticker can observe it.
	e := newTestEngine(t, defaultPolicies(), WithPollInterval(20*time.Millisecond))
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "make deploy", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, err := e.Store().Resolve(ctx, d.Request.ID, StatusApproved, "external")
		assert.NoError(t, err)
	}()

	outcome, err := e.Wait(ctx, d.Request.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, outcome)
}

func TestWaitAlreadyResolved(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "make deploy", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)
	_, err = e.Approve(ctx, d.Request.ID, "yes")
	require.NoError(t, err)

	outcome, err := e.Wait(ctx, d.Request.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, outcome)
}

func TestWaitCanceledContext(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())

	d, err := e.CheckToolCall(context.Background(), TypeExec, "make deploy", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = e.Wait(ctx, d.Request.ID, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApproveAfterRejectLoses(t *testing.T) {
	e := newTestEngine(t, defaultPolicies())
	ctx := context.Background()

	d, err := e.CheckToolCall(ctx, TypeExec, "make deploy", "", "", Meta{SessionKey: "chat-1"})
	require.NoError(t, err)

	won, err := e.Reject(ctx, d.Request.ID, "no")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = e.Approve(ctx, d.Request.ID, "yes")
	require.NoError(t, err)
	assert.False(t, won)
}

func TestFormatPrompt(t *testing.T) {
	req := pendingRequest("apr-1")
	prompt := FormatPrompt(req)

	assert.Contains(t, prompt, "apr-1")
	assert.Contains(t, prompt, "rm -rf build")
	assert.Contains(t, prompt, "/approve apr-1")
	assert.Contains(t, prompt, "/reject apr-1")
}
