package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Allowlist holds commands pre-approved for execution without a human in
// the loop. The backing file is watched so operator edits apply without a
// restart.
type Allowlist struct {
	path     string
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}

	mu       sync.RWMutex
	commands map[string]bool
}

type allowlistFile struct {
	Commands []string `json:"commands"`
}

// NewAllowlist loads the allowlist at path and starts watching it for
// changes. A missing file means an empty allowlist, not an error.
func NewAllowlist(path string) (*Allowlist, error) {
	al := &Allowlist{
		path:     path,
		logger:   log.With().Str("component", "allowlist").Logger(),
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
		commands: make(map[string]bool),
	}

	if err := al.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create allowlist watcher: %w", err)
	}
	al.watcher = watcher

	// Watch the directory, not the file: editors replace files and the
	// watch would die with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch allowlist directory: %w", err)
	}

	go al.run()

	return al, nil
}

// Contains reports whether a command is pre-approved.
func (al *Allowlist) Contains(command string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return al.commands[command]
}

// Commands returns the current allowlist entries.
func (al *Allowlist) Commands() []string {
	al.mu.RLock()
	defer al.mu.RUnlock()

	out := make([]string, 0, len(al.commands))
	for cmd := range al.commands {
		out = append(out, cmd)
	}
	return out
}

// Add appends a command to the allowlist and persists it.
func (al *Allowlist) Add(command string) error {
	if command == "" {
		return fmt.Errorf("command cannot be empty")
	}

	al.mu.Lock()
	al.commands[command] = true
	entries := make([]string, 0, len(al.commands))
	for cmd := range al.commands {
		entries = append(entries, cmd)
	}
	al.mu.Unlock()

	data, err := json.MarshalIndent(allowlistFile{Commands: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}
	if err := os.WriteFile(al.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write allowlist: %w", err)
	}

	al.logger.Info().Str("command", command).Msg("Command allowlisted")
	return nil
}

// Close stops the watcher.
func (al *Allowlist) Close() error {
	close(al.stopCh)
	if al.watcher != nil {
		return al.watcher.Close()
	}
	return nil
}

func (al *Allowlist) reload() error {
	data, err := os.ReadFile(al.path)
	if err != nil {
		if os.IsNotExist(err) {
			al.mu.Lock()
			al.commands = make(map[string]bool)
			al.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read allowlist: %w", err)
	}

	var file allowlistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse allowlist: %w", err)
	}

	commands := make(map[string]bool, len(file.Commands))
	for _, cmd := range file.Commands {
		commands[cmd] = true
	}

	al.mu.Lock()
	al.commands = commands
	al.mu.Unlock()

	al.logger.Debug().Int("commands", len(commands)).Msg("Allowlist loaded")
	return nil
}

func (al *Allowlist) run() {
	for {
		select {
		case event, ok := <-al.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(al.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				al.scheduleReload()
			}

		case err, ok := <-al.watcher.Errors:
			if !ok {
				return
			}
			al.logger.Error().Err(err).Msg("Allowlist watcher error")

		case <-al.stopCh:
			return
		}
	}
}

func (al *Allowlist) scheduleReload() {
	if al.timer != nil {
		al.timer.Stop()
	}
	al.timer = time.AfterFunc(al.debounce, func() {
		if err := al.reload(); err != nil {
			al.logger.Error().Err(err).Msg("Allowlist reload failed")
		}
	})
}
