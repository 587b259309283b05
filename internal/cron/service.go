package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harun/veyra/pkg/dispatch"
	"github.com/harun/veyra/pkg/lane"
)

// Enqueuer is the slice of the lane scheduler the cron service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionKey string, entry lane.QueueEntry) (lane.EnqueueResult, error)
}

// ServiceOptions configures the cron service
type ServiceOptions struct {
	StorePath string // Path to the jobs JSON registry
	Enabled   bool   // Master enable flag

	// Scheduler receives the fired prompts. Each job runs in its own
	// session lane, so overlapping fires of the same job coalesce.
	Scheduler Enqueuer

	// Dispatch forwards run output to the job's delivery channel.
	// Optional: jobs without delivery run silently.
	Dispatch *dispatch.Registry
}

// Service manages scheduled prompts. Jobs persist to a JSON registry
// and fire into session lanes keyed `cron:<jobID>`.
type Service struct {
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	options ServiceOptions
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new cron service and loads the job registry.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		options: opts,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadJobs(); err != nil {
		log.Warn().Err(err).Msg("Failed to load jobs, starting with empty registry")
	}

	if opts.Enabled {
		s.scheduleAll()
	}

	log.Info().Int("jobCount", len(s.jobs)).Bool("enabled", opts.Enabled).Msg("Cron service initialized")

	return s, nil
}

// AddJob creates a new cron job
func (s *Service) AddJob(params AddParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	if params.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("job prompt is required")
	}

	nextRunAtMs, err := CalculateNextRun(params.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	now := Now()
	job := &Job{
		ID:             uuid.New().String(),
		Name:           params.Name,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		Schedule:       params.Schedule,
		Prompt:         params.Prompt,
		Channel:        params.Channel,
		ChatID:         params.ChatID,
		State: JobState{
			NextRunAtMs: Int64Ptr(nextRunAtMs),
		},
	}

	s.jobs[job.ID] = job

	if err := s.persist(); err != nil {
		delete(s.jobs, job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if job.Enabled && s.options.Enabled {
		s.scheduleJobLocked(job)
	}

	log.Info().
		Str("jobId", job.ID).
		Str("name", job.Name).
		Bool("enabled", job.Enabled).
		Msg("Job created")

	return job, nil
}

// UpdateJob updates an existing job
func (s *Service) UpdateJob(id string, patch JobPatch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}

	scheduleChanged := false
	oldEnabled := job.Enabled

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.Prompt != nil {
		job.Prompt = *patch.Prompt
	}
	if patch.Channel != nil {
		job.Channel = *patch.Channel
	}
	if patch.ChatID != nil {
		job.ChatID = *patch.ChatID
	}

	job.UpdatedAtMs = Now()

	if scheduleChanged {
		nextRunAtMs, err := CalculateNextRun(job.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
		job.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
	}

	if err := s.persist(); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if scheduleChanged || oldEnabled != job.Enabled {
		s.cancelJobLocked(id)
		if job.Enabled && s.options.Enabled {
			s.scheduleJobLocked(job)
		}
	}

	log.Info().
		Str("jobId", id).
		Str("name", job.Name).
		Bool("scheduleChanged", scheduleChanged).
		Msg("Job updated")

	return job, nil
}

// RemoveJob deletes a job
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	s.cancelJobLocked(id)
	delete(s.jobs, id)

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	log.Info().Str("jobId", id).Str("name", job.Name).Msg("Job removed")

	return nil
}

// RunJob manually fires a job regardless of its schedule.
func (s *Service) RunJob(id string) error {
	s.mu.RLock()
	job, exists := s.jobs[id]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	go s.executeJob(job.ID)

	return nil
}

// ListJobs returns all jobs, optionally filtered by enabled state,
// ordered by creation time.
func (s *Service) ListJobs(enabled *bool) []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if enabled != nil && job.Enabled != *enabled {
			continue
		}
		jobs = append(jobs, job)
	}

	for i := 0; i < len(jobs)-1; i++ {
		for j := i + 1; j < len(jobs); j++ {
			if jobs[j].CreatedAtMs < jobs[i].CreatedAtMs {
				jobs[i], jobs[j] = jobs[j], jobs[i]
			}
		}
	}

	return jobs
}

// GetJob returns a specific job
func (s *Service) GetJob(id string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.jobs[id]
}

// Forward routes run output for a cron session to the owning job's
// delivery channel. The lane's source channel is "cron" and its chat
// id is the job id, so a dispatch adapter calls back in here.
func (s *Service) Forward(ctx context.Context, jobID, text string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Channel == "" || s.options.Dispatch == nil {
		log.Debug().Str("jobId", jobID).Msg("Job has no delivery target, dropping output")
		return nil
	}
	return s.options.Dispatch.Send(ctx, job.Channel, job.ChatID, text, "")
}

// Stop gracefully shuts down the service
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	s.stopped = true
	s.cancel()

	for id := range s.timers {
		s.cancelJobLocked(id)
	}

	if err := s.persist(); err != nil {
		log.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}

	log.Info().Msg("Cron service stopped")

	return nil
}

// scheduleAll schedules all enabled jobs
func (s *Service) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}
}

// scheduleJobLocked schedules a job (must hold lock)
func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRunAtMs == nil {
		log.Warn().Str("jobId", job.ID).Msg("Cannot schedule job without next run time")
		return
	}

	delay := *job.State.NextRunAtMs - Now()
	if delay < 0 {
		delay = 0
	}

	id := job.ID
	timer := time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		s.executeJob(id)
	})

	s.timers[id] = timer

	log.Debug().
		Str("jobId", id).
		Int64("delayMs", delay).
		Time("nextRun", time.UnixMilli(*job.State.NextRunAtMs)).
		Msg("Job scheduled")
}

// cancelJobLocked cancels a job's timer (must hold lock)
func (s *Service) cancelJobLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

// executeJob fires a job: the prompt goes into the job's session lane
// and the next run is scheduled. If the lane is still busy from the
// previous fire, the enqueue merges into its buffer instead of
// overlapping.
func (s *Service) executeJob(jobID string) {
	s.mu.Lock()

	job, exists := s.jobs[jobID]
	if !exists || s.stopped {
		s.mu.Unlock()
		return
	}

	startMs := Now()
	job.State.RunningAtMs = Int64Ptr(startMs)
	entry := lane.QueueEntry{
		Kind:          lane.KindUser,
		Text:          job.Prompt,
		SourceChannel: "cron",
		ChatID:        job.ID,
		MessageID:     fmt.Sprintf("%s-%d", job.ID, startMs),
		ActorID:       "cron",
		EnqueuedAt:    time.UnixMilli(startMs),
	}
	sessionKey := job.SessionKey()
	s.mu.Unlock()

	log.Info().Str("jobId", jobID).Str("name", job.Name).Msg("Firing job")

	result, err := s.options.Scheduler.Enqueue(s.ctx, sessionKey, entry)

	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists = s.jobs[jobID]
	if !exists {
		return
	}

	job.State.RunningAtMs = nil
	job.State.LastRunAtMs = Int64Ptr(startMs)

	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		job.State.ConsecutiveErrors++
		log.Error().
			Str("jobId", jobID).
			Err(err).
			Int("consecutiveErrors", job.State.ConsecutiveErrors).
			Msg("Job fire failed")
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		job.State.ConsecutiveErrors = 0
		log.Info().
			Str("jobId", jobID).
			Str("result", string(result)).
			Msg("Job fired")
	}

	if job.DeleteAfterRun && err == nil {
		s.cancelJobLocked(jobID)
		delete(s.jobs, jobID)
		if persistErr := s.persist(); persistErr != nil {
			log.Error().Err(persistErr).Msg("Failed to persist after delete")
		}
		return
	}

	// One-shot "at" schedules do not repeat
	if job.Schedule.Kind == ScheduleKindAt {
		job.Enabled = false
		job.State.NextRunAtMs = nil
	} else if nextRunAtMs, calcErr := CalculateNextRun(job.Schedule); calcErr != nil {
		log.Error().Str("jobId", jobID).Err(calcErr).Msg("Failed to calculate next run")
	} else {
		job.State.NextRunAtMs = Int64Ptr(nextRunAtMs)
		if job.Enabled && s.options.Enabled {
			s.cancelJobLocked(jobID)
			s.scheduleJobLocked(job)
		}
	}

	if persistErr := s.persist(); persistErr != nil {
		log.Error().Err(persistErr).Msg("Failed to persist job state")
	}
}

// loadJobs loads jobs from storage
func (s *Service) loadJobs() error {
	if _, err := os.Stat(s.options.StorePath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(s.options.StorePath)
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	s.jobs = make(map[string]*Job)
	for _, job := range jobs {
		// A crash mid-fire can leave a stale running marker
		job.State.RunningAtMs = nil
		s.jobs[job.ID] = job
	}

	log.Info().Int("count", len(jobs)).Msg("Loaded jobs from registry")

	return nil
}

// persist saves jobs to storage (must hold lock)
func (s *Service) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.options.StorePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
