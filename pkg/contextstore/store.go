package contextstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/veyra/internal/observability"
	"github.com/harun/veyra/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Store persists per-session conversation logs as JSONL files, one file per
// session plus an append-only archive fed by compaction.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex

	lastUserMu sync.Mutex
	lastUser   map[string]userMark
}

// userMark identifies the newest user message of a session. Cached per
// session so redelivery checks stay O(1) after the first lookup.
type userMark struct {
	channel   string
	requestID string
}

// New creates a context store rooted at dir.
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".veyra", "sessions")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		lastUser:   make(map[string]userMark),
	}

	log.Info().Str("dir", dir).Msg("Context store initialized")
	s.updateActiveSessionsMetric()

	return s, nil
}

// validateSessionKey rejects keys that could escape the store directory.
func (s *Store) validateSessionKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (s *Store) logPath(sessionKey string) string {
	return filepath.Join(s.dir, sessionKey+".jsonl")
}

func (s *Store) archivePath(sessionKey string) string {
	return filepath.Join(s.dir, sessionKey+".archive.jsonl")
}

func (s *Store) updateActiveSessionsMetric() {
	sessions, err := s.ListSessions()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(sessions))
}

func (s *Store) getWriteLock(sessionKey string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[sessionKey] = lock
	return lock
}

// Append appends a message to the session log, creating the log on first use.
func (s *Store) Append(ctx context.Context, sessionKey string, message Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"veyra.contextstore",
		"contextstore.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", string(message.Role)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordContextAppend(time.Since(start))
	}()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !message.Valid() {
		return fmt.Errorf("message must have a role and non-empty content")
	}
	if message.Meta.Ts.IsZero() {
		message.Meta.Ts = time.Now()
	}
	if message.Meta.SessionKey == "" {
		message.Meta.SessionKey = sessionKey
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := s.appendLocked(s.logPath(sessionKey), message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if message.Role == RoleUser {
		s.lastUserMu.Lock()
		s.lastUser[sessionKey] = userMark{channel: message.Meta.Channel, requestID: message.Meta.RequestID}
		s.lastUserMu.Unlock()
	}

	s.updateActiveSessionsMetric()
	logger.Debug().
		Str("role", string(message.Role)).
		Msg("Context message appended")

	return nil
}

func (s *Store) appendLocked(path string, message Message) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync session log: %w", err)
	}

	return nil
}

// LoadAll loads all messages from a session log, oldest first. Corrupt
// lines are skipped, not fatal.
func (s *Store) LoadAll(ctx context.Context, sessionKey string) ([]Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"veyra.contextstore",
		"contextstore.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	start := time.Now()
	defer func() {
		observability.RecordContextLoad(time.Since(start))
	}()

	if err := s.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	messages, err := s.readLog(s.logPath(sessionKey), logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	logger.Debug().Int("messages", len(messages)).Msg("Context loaded")
	return messages, nil
}

// LoadPrefix loads at most n oldest messages. Used by the approval
// resumption path to restore the snapshot taken before a suspension.
func (s *Store) LoadPrefix(ctx context.Context, sessionKey string, n int) ([]Message, error) {
	messages, err := s.LoadAll(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0
	}
	if n > len(messages) {
		n = len(messages)
	}
	return messages[:n], nil
}

// LastUserRequest returns the channel and request id of the newest user
// message in the session log. Empty strings when the session has no user
// messages yet. Cold sessions read the log once; afterwards the answer
// comes from the in-memory mark maintained by Append.
func (s *Store) LastUserRequest(ctx context.Context, sessionKey string) (channel, requestID string, err error) {
	if err := s.validateSessionKey(sessionKey); err != nil {
		return "", "", err
	}

	s.lastUserMu.Lock()
	mark, ok := s.lastUser[sessionKey]
	s.lastUserMu.Unlock()
	if ok {
		return mark.channel, mark.requestID, nil
	}

	messages, err := s.LoadAll(ctx, sessionKey)
	if err != nil {
		return "", "", err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			mark = userMark{channel: messages[i].Meta.Channel, requestID: messages[i].Meta.RequestID}
			break
		}
	}

	s.lastUserMu.Lock()
	s.lastUser[sessionKey] = mark
	s.lastUserMu.Unlock()
	return mark.channel, mark.requestID, nil
}

// Len returns the number of messages in the session log.
func (s *Store) Len(ctx context.Context, sessionKey string) (int, error) {
	messages, err := s.LoadAll(ctx, sessionKey)
	if err != nil {
		return 0, err
	}
	return len(messages), nil
}

// LoadArchive loads the archived (compacted-away) messages for a session.
func (s *Store) LoadArchive(ctx context.Context, sessionKey string) ([]Message, error) {
	if err := s.validateSessionKey(sessionKey); err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", sessionKey).Logger()
	return s.readLog(s.archivePath(sessionKey), logger)
}

func (s *Store) readLog(path string, logger zerolog.Logger) ([]Message, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if !msg.Valid() {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}

		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}

	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

// Delete removes a session log (the archive is kept for audit).
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if err := s.validateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.logPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session log: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, sessionKey)
	s.locksMu.Unlock()

	s.lastUserMu.Lock()
	delete(s.lastUser, sessionKey)
	s.lastUserMu.Unlock()
	s.updateActiveSessionsMetric()

	log.Info().Str("session_key", sessionKey).Msg("Session log deleted")
	return nil
}

// ListSessions lists all session keys with an active log.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, ".archive.jsonl") {
			continue
		}

		sessions = append(sessions, strings.TrimSuffix(name, ".jsonl"))
	}

	return sessions, nil
}

// Repair rewrites a session log, dropping corrupt lines.
func (s *Store) Repair(ctx context.Context, sessionKey string) error {
	messages, err := s.LoadAll(ctx, sessionKey)
	if err != nil {
		return err
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := s.rewriteLocked(sessionKey, messages); err != nil {
		return err
	}

	log.Info().
		Str("session_key", sessionKey).
		Int("entries", len(messages)).
		Msg("Session log repaired")

	return nil
}

// rewriteLocked atomically replaces the active log with the given messages.
// Caller must hold the session's write lock.
func (s *Store) rewriteLocked(sessionKey string, messages []Message) error {
	logPath := s.logPath(sessionKey)
	tempPath := logPath + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, logPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session log: %w", err)
	}

	return nil
}
