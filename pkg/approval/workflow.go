package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/veyra/internal/config"
	"github.com/harun/veyra/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Decision is the outcome of a policy check for one guarded operation.
type Decision struct {
	Allowed          bool
	Denied           bool
	RequiresApproval bool
	// Request is populated when RequiresApproval is set. It has already
	// been persisted as pending.
	Request *Request
}

// Engine evaluates permission policy and runs the human-in-the-loop
// approval workflow on top of the durable store.
type Engine struct {
	store        *Store
	policies     config.PermissionsConfig
	allowlist    *Allowlist
	timeout      time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	waiters map[string][]chan Outcome
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllowlist attaches a pre-approved exec command list.
func WithAllowlist(al *Allowlist) Option {
	return func(e *Engine) { e.allowlist = al }
}

// WithTimeout overrides the default approval wait timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithPollInterval overrides how often Wait falls back to polling the
// store for resolutions made by another process.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// NewEngine creates an approval engine.
func NewEngine(store *Store, policies config.PermissionsConfig, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		policies:     policies,
		timeout:      5 * time.Minute,
		pollInterval: 500 * time.Millisecond,
		waiters:      make(map[string][]chan Outcome),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Timeout returns the configured wait timeout.
func (e *Engine) Timeout() time.Duration {
	return e.timeout
}

// Store exposes the backing store for listing and resumption scans.
func (e *Engine) Store() *Store {
	return e.store
}

// CheckToolCall evaluates policy for one tool call. When the policy says
// "approval", a pending request is persisted before returning so the
// decision survives a crash.
func (e *Engine) CheckToolCall(ctx context.Context, typ Type, action, details, payload string, meta Meta) (Decision, error) {
	mode := e.modeFor(typ, action)

	switch mode {
	case config.PolicyAllow:
		return Decision{Allowed: true}, nil
	case config.PolicyDeny:
		log.Warn().
			Str("type", string(typ)).
			Str("action", action).
			Str("session_key", meta.SessionKey).
			Msg("Tool call denied by policy")
		return Decision{Denied: true}, nil
	}

	req := Request{
		ID:        NewID(),
		Type:      typ,
		Action:    action,
		Details:   details,
		Payload:   payload,
		Status:    StatusPending,
		Meta:      meta,
		CreatedAt: time.Now(),
	}
	if err := e.store.Create(ctx, req); err != nil {
		return Decision{}, err
	}

	return Decision{RequiresApproval: true, Request: &req}, nil
}

// modeFor resolves the policy mode for a call, applying the write-path
// and exec-allowlist carve-outs.
func (e *Engine) modeFor(typ Type, action string) config.PolicyMode {
	switch typ {
	case TypeRead:
		return e.policies.Read
	case TypeWrite:
		if e.pathAllowed(action) {
			return config.PolicyAllow
		}
		return e.policies.Write
	case TypeExec:
		if e.allowlist != nil && e.allowlist.Contains(execCommand(action)) {
			return config.PolicyAllow
		}
		return e.policies.Exec
	default:
		return e.policies.Other
	}
}

func (e *Engine) pathAllowed(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	for _, prefix := range e.policies.WritePaths {
		prefix = filepath.Clean(prefix)
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// execCommand extracts the command word from an exec action string.
func execCommand(action string) string {
	fields := strings.Fields(action)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Wait blocks until the request resolves or the timeout elapses. Local
// resolutions arrive on a waiter channel; a poll ticker also watches the
// store so a resolution written by another process still wakes the
// waiter.
func (e *Engine) Wait(ctx context.Context, id string, timeout time.Duration) (Outcome, error) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"veyra.approval",
		"approval.wait",
		attribute.String("approval_id", id),
	)
	defer span.End()

	// The request may already be resolved by the time the caller waits.
	if outcome, resolved, err := e.checkResolved(ctx, id); err != nil {
		return "", err
	} else if resolved {
		return outcome, nil
	}

	ch := e.addWaiter(id)
	defer e.removeWaiter(id, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case outcome := <-ch:
			return outcome, nil

		case <-ticker.C:
			outcome, resolved, err := e.checkResolved(ctx, id)
			if err != nil {
				return "", err
			}
			if resolved {
				return outcome, nil
			}

		case <-timer.C:
			log.Warn().
				Str("approval_id", id).
				Dur("timeout", timeout).
				Msg("Approval wait timed out")
			return OutcomeTimeout, nil

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (e *Engine) checkResolved(ctx context.Context, id string) (Outcome, bool, error) {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return "", false, err
	}
	switch req.Status {
	case StatusApproved:
		return OutcomeApproved, true, nil
	case StatusRejected:
		return OutcomeRejected, true, nil
	default:
		return "", false, nil
	}
}

// Approve resolves a pending request as approved. Returns false when the
// request was already resolved.
func (e *Engine) Approve(ctx context.Context, id, response string) (bool, error) {
	return e.resolve(ctx, id, StatusApproved, response)
}

// Reject resolves a pending request as rejected.
func (e *Engine) Reject(ctx context.Context, id, response string) (bool, error) {
	return e.resolve(ctx, id, StatusRejected, response)
}

func (e *Engine) resolve(ctx context.Context, id string, status Status, response string) (bool, error) {
	won, err := e.store.Resolve(ctx, id, status, response)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	outcome := OutcomeApproved
	if status == StatusRejected {
		outcome = OutcomeRejected
	}
	e.notifyWaiters(id, outcome)

	return true, nil
}

// ListPending proxies to the store.
func (e *Engine) ListPending(ctx context.Context, sessionKey string) ([]Request, error) {
	return e.store.ListPending(ctx, sessionKey)
}

func (e *Engine) addWaiter(id string) chan Outcome {
	ch := make(chan Outcome, 1)
	e.mu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) removeWaiter(id string, ch chan Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	waiters := e.waiters[id]
	for i, w := range waiters {
		if w == ch {
			e.waiters[id] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

func (e *Engine) notifyWaiters(id string, outcome Outcome) {
	e.mu.Lock()
	waiters := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- outcome:
		default:
		}
	}
}

// FormatPrompt renders an approval request for a chat channel.
func FormatPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Approval required [%s]\n", req.ID)
	fmt.Fprintf(&b, "Type: %s\n", req.Type)
	fmt.Fprintf(&b, "Action: %s\n", req.Action)
	if req.Details != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Details)
	}
	fmt.Fprintf(&b, "\nReply with /approve %s or /reject %s", req.ID, req.ID)
	return b.String()
}
