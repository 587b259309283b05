package lane

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Registry tracks session activity and evicts idle sessions after a TTL.
// Eviction only releases scheduler state; durable session logs are
// untouched.
type Registry struct {
	scheduler *Scheduler
	ttl       time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewRegistry creates a session registry with the given idle TTL.
func NewRegistry(scheduler *Scheduler, ttl time.Duration) *Registry {
	return &Registry{
		scheduler: scheduler,
		ttl:       ttl,
		lastSeen:  make(map[string]time.Time),
	}
}

// Touch records activity for a session.
func (r *Registry) Touch(sessionKey string) {
	r.mu.Lock()
	r.lastSeen[sessionKey] = time.Now()
	r.mu.Unlock()
}

// Sessions returns the tracked session keys.
func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.lastSeen))
	for key := range r.lastSeen {
		out = append(out, key)
	}
	return out
}

// Sweep evicts sessions idle past the TTL. Busy lanes are never evicted
// regardless of age; they are retried on the next sweep.
func (r *Registry) Sweep() []string {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var candidates []string
	for key, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			candidates = append(candidates, key)
		}
	}
	r.mu.Unlock()

	var evicted []string
	for _, key := range candidates {
		if r.scheduler.Busy(key) {
			continue
		}
		if !r.scheduler.Remove(key) {
			continue
		}

		r.mu.Lock()
		delete(r.lastSeen, key)
		r.mu.Unlock()
		evicted = append(evicted, key)
	}

	if len(evicted) > 0 {
		log.Info().Int("evicted", len(evicted)).Msg("Idle sessions evicted")
	}
	return evicted
}

// Run sweeps periodically until stop is closed.
func (r *Registry) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-stop:
			return
		}
	}
}
