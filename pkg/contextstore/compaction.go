package contextstore

import (
	"context"
	"fmt"

	"github.com/harun/veyra/internal/observability"
	"github.com/harun/veyra/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// MinKeepMessages is the floor below which retry shrinking stops.
	MinKeepMessages = 6
	// MinTokenBudget is the floor below which retry shrinking stops.
	MinTokenBudget = 2000
	// MaxCompactionAttempts bounds the overflow retry loop.
	MaxCompactionAttempts = 3

	// charsPerToken is the approximation used for budgeting.
	charsPerToken = 4
)

// Params controls one compaction pass.
type Params struct {
	MaxInputTokens   int
	KeepLastMessages int
	ArchiveOnCompact bool
}

// Summarizer produces a summary of evicted messages, typically via one
// extra model call.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, messages []Message) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// EstimateTokens approximates the token count of a message set.
func EstimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Text())
	}
	return chars / charsPerToken
}

// ShrinkForAttempt halves the budget per retry attempt, floored at the
// safety minimums so retries always terminate.
func ShrinkForAttempt(p Params, attempt int) Params {
	shrunk := p
	if attempt <= 0 {
		return shrunk
	}

	divisor := 1 << attempt
	shrunk.KeepLastMessages = p.KeepLastMessages / divisor
	shrunk.MaxInputTokens = p.MaxInputTokens / divisor

	if shrunk.KeepLastMessages < MinKeepMessages {
		shrunk.KeepLastMessages = MinKeepMessages
	}
	if shrunk.MaxInputTokens < MinTokenBudget {
		shrunk.MaxInputTokens = MinTokenBudget
	}

	return shrunk
}

// CompactIfNeeded replaces the oldest messages with a single summary entry
// when the session log exceeds the token budget. The newest
// KeepLastMessages entries survive verbatim. Evicted raw messages go to
// the archive log first when ArchiveOnCompact is set: compaction is lossy
// for the active context but lossless for audit.
func (s *Store) CompactIfNeeded(ctx context.Context, sessionKey string, params Params, summarizer Summarizer) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"veyra.contextstore",
		"contextstore.compact",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()

	messages, err := s.LoadAll(ctx, sessionKey)
	if err != nil {
		return false, err
	}

	if EstimateTokens(messages) <= params.MaxInputTokens {
		return false, nil
	}
	if len(messages) <= params.KeepLastMessages {
		return false, nil
	}

	cut := len(messages) - params.KeepLastMessages
	evicted := messages[:cut]
	kept := messages[cut:]

	summaryText := ""
	if summarizer != nil {
		summaryText, err = summarizer.Summarize(ctx, evicted)
		if err != nil {
			logger.Warn().Err(err).Msg("Summarizer failed, using placeholder summary")
			summaryText = ""
		}
	}
	if summaryText == "" {
		summaryText = fmt.Sprintf("[Previous conversation summary: %d messages exchanged]", len(evicted))
	}

	// Keep strict timestamp ordering: the summary inherits the newest
	// evicted timestamp so it sorts before every kept message.
	summary := NewText(RoleSystem, summaryText, Meta{
		SessionKey: sessionKey,
		Ts:         evicted[len(evicted)-1].Meta.Ts,
		Channel:    "compaction",
	})

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if params.ArchiveOnCompact {
		for _, msg := range evicted {
			if err := s.appendLocked(s.archivePath(sessionKey), msg); err != nil {
				return false, fmt.Errorf("failed to archive evicted messages: %w", err)
			}
		}
	}

	rewritten := make([]Message, 0, len(kept)+1)
	rewritten = append(rewritten, summary)
	rewritten = append(rewritten, kept...)

	if err := s.rewriteLocked(sessionKey, rewritten); err != nil {
		return false, err
	}

	observability.RecordCompaction(len(evicted))
	logger.Info().
		Int("evicted", len(evicted)).
		Int("kept", len(kept)).
		Int("tokens_before", EstimateTokens(messages)).
		Int("tokens_after", EstimateTokens(rewritten)).
		Msg("Context compacted")

	return true, nil
}
