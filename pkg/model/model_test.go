package model

import (
	"errors"
	"testing"

	"github.com/harun/veyra/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInvoker(t *testing.T) {
	inv, err := NewInvoker(config.AuthProfile{ID: "a", Provider: "anthropic", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", inv.Provider())

	inv, err = NewInvoker(config.AuthProfile{ID: "o", Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", inv.Provider())
}

func TestNewInvokerRejectsMissingKey(t *testing.T) {
	_, err := NewInvoker(config.AuthProfile{ID: "a", Provider: "anthropic"})
	assert.Error(t, err)
}

func TestNewInvokerRejectsUnknownProvider(t *testing.T) {
	_, err := NewInvoker(config.AuthProfile{ID: "x", Provider: "acme", APIKey: "k"})
	assert.Error(t, err)
}

func TestNewInvokerFromProfilesPicksByPriority(t *testing.T) {
	inv, err := NewInvokerFromProfiles([]config.AuthProfile{
		{ID: "backup", Provider: "openai", APIKey: "k2", Priority: 2},
		{ID: "primary", Provider: "anthropic", APIKey: "k1", Priority: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", inv.Provider())
}

func TestNewInvokerFromProfilesSkipsUnusable(t *testing.T) {
	inv, err := NewInvokerFromProfiles([]config.AuthProfile{
		{ID: "broken", Provider: "anthropic", Priority: 1}, // no key
		{ID: "ok", Provider: "openai", APIKey: "k", Priority: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", inv.Provider())
}

func TestNewInvokerFromProfilesEmpty(t *testing.T) {
	_, err := NewInvokerFromProfiles(nil)
	assert.Error(t, err)
}

func TestIsContextOverflow(t *testing.T) {
	assert.True(t, IsContextOverflow(errors.New("400: prompt is too long: 210000 tokens")))
	assert.True(t, IsContextOverflow(errors.New("context_length_exceeded")))
	assert.True(t, IsContextOverflow(errors.New("This model's maximum context length is 128000 tokens")))
	assert.False(t, IsContextOverflow(errors.New("invalid api key")))
	assert.False(t, IsContextOverflow(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("429 Too Many Requests")))
	assert.True(t, IsRetryable(errors.New("server overloaded, please retry")))
	assert.True(t, IsRetryable(errors.New("503 Service Unavailable")))
	assert.False(t, IsRetryable(errors.New("401 Unauthorized")))
	assert.False(t, IsRetryable(nil))
}
