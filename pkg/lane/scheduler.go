package lane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/veyra/internal/observability"
	"github.com/harun/veyra/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Executor runs one execution for a session. entries holds at least one
// element. Implementations may call DrainMerged mid-run to splice in
// messages that arrived after the run started.
type Executor interface {
	Execute(ctx context.Context, sessionKey string, entries []QueueEntry) error
}

// ExecutorFactory builds the executor for a session. Called at most once
// per session key; the scheduler caches the result.
type ExecutorFactory func(sessionKey string) Executor

// laneState is the per-session serialization point.
type laneState struct {
	mu     sync.Mutex
	busy   bool
	buffer []QueueEntry
}

// Scheduler serializes executions per session. A session lane is either
// idle or busy; at most one execution runs per session at any time, and
// entries arriving while busy are buffered for merging.
type Scheduler struct {
	factory ExecutorFactory

	mu    sync.Mutex
	lanes map[string]*laneState

	execMu    sync.Mutex
	executors map[string]Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler backed by the given executor factory.
func NewScheduler(factory ExecutorFactory) *Scheduler {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		factory:   factory,
		lanes:     make(map[string]*laneState),
		executors: make(map[string]Executor),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Scheduler) lane(sessionKey string) *laneState {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.lanes[sessionKey]
	if !ok {
		ls = &laneState{}
		s.lanes[sessionKey] = ls
	}
	return ls
}

func (s *Scheduler) executor(sessionKey string) Executor {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	exec, ok := s.executors[sessionKey]
	if !ok {
		exec = s.factory(sessionKey)
		s.executors[sessionKey] = exec
	}
	return exec
}

// Enqueue submits an entry to the session lane. When the lane is idle a
// new execution starts; when busy the entry is buffered and will be
// merged into the running execution or drained into the next one.
func (s *Scheduler) Enqueue(ctx context.Context, sessionKey string, entry QueueEntry) (EnqueueResult, error) {
	if sessionKey == "" {
		return "", fmt.Errorf("session key is required")
	}
	if entry.Kind == "" {
		entry.Kind = KindUser
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"veyra.lane",
		"lane.enqueue",
		attribute.String("session_key", sessionKey),
		attribute.String("kind", string(entry.Kind)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	select {
	case <-s.ctx.Done():
		return "", fmt.Errorf("scheduler is shut down")
	default:
	}

	// Claim the lane while still holding the registry lock: a concurrent
	// Remove must either run before (we create a fresh lane) or see the
	// lane busy and leave it mapped. Resolving first and locking later
	// would let Remove delete the lane in between, orphaning this entry.
	s.mu.Lock()
	ls, ok := s.lanes[sessionKey]
	if !ok {
		ls = &laneState{}
		s.lanes[sessionKey] = ls
	}
	ls.mu.Lock()
	s.mu.Unlock()

	if ls.busy {
		ls.buffer = append(ls.buffer, entry)
		size := len(ls.buffer)
		ls.mu.Unlock()

		observability.RecordLaneEnqueue(sessionKey, string(ResultMerged), size)
		logger.Debug().Int("buffered", size).Str("kind", string(entry.Kind)).Msg("Entry merged into busy lane")
		return ResultMerged, nil
	}
	ls.busy = true
	ls.mu.Unlock()

	observability.RecordLaneEnqueue(sessionKey, string(ResultAccepted), 0)
	logger.Debug().Str("kind", string(entry.Kind)).Msg("Entry accepted, starting execution")

	s.wg.Add(1)
	go s.run(sessionKey, ls, []QueueEntry{entry})

	return ResultAccepted, nil
}

// DrainMerged atomically takes all buffered entries for a session. Safe
// to call from a running execution at merge points.
func (s *Scheduler) DrainMerged(sessionKey string) []QueueEntry {
	ls := s.lane(sessionKey)

	ls.mu.Lock()
	drained := ls.buffer
	ls.buffer = nil
	ls.mu.Unlock()

	if len(drained) > 0 {
		observability.RecordLaneDrain(sessionKey, len(drained))
	}
	return drained
}

// Busy reports whether a session lane is mid-execution.
func (s *Scheduler) Busy(sessionKey string) bool {
	ls := s.lane(sessionKey)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.busy
}

// Pending returns the number of buffered entries for a session.
func (s *Scheduler) Pending(sessionKey string) int {
	ls := s.lane(sessionKey)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.buffer)
}

// run executes entries and then drains the buffer: anything that arrived
// during the run starts a follow-up execution instead of being dropped.
// The lane goes idle only when the buffer is empty at completion time.
// It operates on the laneState claimed by Enqueue, never a re-lookup:
// the claimed lane is the one holding the buffered entries.
func (s *Scheduler) run(sessionKey string, ls *laneState, entries []QueueEntry) {
	defer s.wg.Done()

	exec := s.executor(sessionKey)

	for {
		start := time.Now()
		err := s.execute(exec, sessionKey, entries)
		status := "ok"
		if err != nil {
			status = "error"
			log.Error().Err(err).Str("session_key", sessionKey).Msg("Lane execution failed")
		}
		observability.RecordLaneCompletion(sessionKey, status, time.Since(start))

		ls.mu.Lock()
		if len(ls.buffer) == 0 {
			ls.busy = false
			ls.mu.Unlock()
			return
		}
		entries = ls.buffer
		ls.buffer = nil
		ls.mu.Unlock()

		observability.RecordLaneDrain(sessionKey, len(entries))
		log.Debug().
			Str("session_key", sessionKey).
			Int("drained", len(entries)).
			Msg("Draining buffered entries into follow-up execution")
	}
}

// execute runs the executor with a panic guard. A panicking executor
// surfaces as an execution error, so the drain loop still runs and the
// lane still releases.
func (s *Scheduler) execute(exec Executor, sessionKey string, entries []QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(s.ctx, sessionKey, entries)
}

// Shutdown stops accepting work and waits for running executions.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Remove discards the lane and cached executor for an idle session.
// Busy lanes are left untouched.
func (s *Scheduler) Remove(sessionKey string) bool {
	s.mu.Lock()
	ls, ok := s.lanes[sessionKey]
	if !ok {
		s.mu.Unlock()
		return false
	}

	ls.mu.Lock()
	if ls.busy || len(ls.buffer) > 0 {
		ls.mu.Unlock()
		s.mu.Unlock()
		return false
	}
	ls.mu.Unlock()

	delete(s.lanes, sessionKey)
	s.mu.Unlock()

	s.execMu.Lock()
	delete(s.executors, sessionKey)
	s.execMu.Unlock()

	return true
}
