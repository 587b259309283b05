// Package model abstracts LLM providers behind a single Invoker
// interface so the engine can run tool loops without caring which
// vendor serves them.
package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/harun/veyra/internal/config"
)

// Message is one conversation turn in provider-neutral form.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID     string
	Name   string
	Params map[string]any
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Request is one model invocation.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
}

// Invoker makes model API calls.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
	Provider() string
}

// NewInvoker builds an invoker for one auth profile.
func NewInvoker(profile config.AuthProfile) (Invoker, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("auth profile %s has no API key", profile.ID)
	}

	switch profile.Provider {
	case "anthropic":
		return NewAnthropicInvoker(profile.APIKey), nil
	case "openai":
		return NewOpenAIInvoker(profile.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// NewInvokerFromProfiles picks the highest-priority usable profile.
func NewInvokerFromProfiles(profiles []config.AuthProfile) (Invoker, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no auth profiles configured")
	}

	ordered := make([]config.AuthProfile, len(profiles))
	copy(ordered, profiles)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	var lastErr error
	for _, profile := range ordered {
		invoker, err := NewInvoker(profile)
		if err != nil {
			lastErr = err
			continue
		}
		return invoker, nil
	}
	return nil, fmt.Errorf("no usable auth profile: %w", lastErr)
}
