// Package dispatch routes outbound messages to their originating
// channel. Channels register a Dispatcher; the engine and tools send
// through the registry without knowing transport details.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Dispatcher delivers text to a chat on one channel.
type Dispatcher interface {
	// SendText delivers text to chatID. threadID is optional and
	// channel-specific.
	SendText(ctx context.Context, chatID, text, threadID string) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, chatID, text, threadID string) error

// SendText implements Dispatcher.
func (f DispatcherFunc) SendText(ctx context.Context, chatID, text, threadID string) error {
	return f(ctx, chatID, text, threadID)
}

// Registry maps channel names to dispatchers.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

// NewRegistry creates an empty dispatcher registry.
func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

// Register adds a dispatcher for a channel, replacing any existing one.
func (r *Registry) Register(channel string, d Dispatcher) error {
	if channel == "" {
		return fmt.Errorf("channel name cannot be empty")
	}
	if d == nil {
		return fmt.Errorf("dispatcher cannot be nil")
	}

	r.mu.Lock()
	r.dispatchers[channel] = d
	r.mu.Unlock()

	log.Debug().Str("channel", channel).Msg("Dispatcher registered")
	return nil
}

// Get returns the dispatcher for a channel.
func (r *Registry) Get(channel string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dispatchers[channel]
	if !ok {
		return nil, fmt.Errorf("no dispatcher for channel: %s", channel)
	}
	return d, nil
}

// Send delivers text through the channel's dispatcher.
func (r *Registry) Send(ctx context.Context, channel, chatID, text, threadID string) error {
	d, err := r.Get(channel)
	if err != nil {
		return err
	}
	return d.SendText(ctx, chatID, text, threadID)
}

// Channels lists registered channel names.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.dispatchers))
	for name := range r.dispatchers {
		out = append(out, name)
	}
	return out
}
