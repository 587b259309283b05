package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/veyra/pkg/approval"
	"github.com/harun/veyra/pkg/dispatch"
)

// BuiltinOptions configures builtin tool registration.
type BuiltinOptions struct {
	WorkspaceRoot string
	Dispatch      *dispatch.Registry
	ExecTimeout   time.Duration
}

// RegisterBuiltins registers the baseline filesystem, exec, and messaging
// tools.
func RegisterBuiltins(registry *Registry, opts BuiltinOptions) error {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Second
	}

	defs := []Definition{
		readFileTool(opts),
		writeFileTool(opts),
		listDirTool(opts),
		execTool(opts),
	}
	if opts.Dispatch != nil {
		defs = append(defs, sendMessageTool(opts))
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}
	return nil
}

// resolvePath confines a tool path to the workspace root.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	clean := filepath.Clean(path)

	rootClean := filepath.Clean(root)
	if clean != rootClean && !strings.HasPrefix(clean, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return clean, nil
}

func readFileTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "read_file",
		Description: "Read a file from the workspace.",
		Kind:        KindRead,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			raw, _ := params["path"].(string)
			path, err := resolvePath(opts.WorkspaceRoot, raw)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read file: %w", err)
			}
			return string(data), nil
		},
	}
}

func writeFileTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating it if missing.",
		Kind:        KindWrite,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "Full file content", Required: true},
		},
		Describe: func(params map[string]any) (string, string) {
			raw, _ := params["path"].(string)
			content, _ := params["content"].(string)
			path, err := resolvePath(opts.WorkspaceRoot, raw)
			if err != nil {
				return raw, err.Error()
			}
			return path, approval.WriteDiff(path, content)
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			raw, _ := params["path"].(string)
			content, _ := params["content"].(string)

			path, err := resolvePath(opts.WorkspaceRoot, raw)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				return nil, fmt.Errorf("failed to write file: %w", err)
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		},
	}
}

func listDirTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "list_dir",
		Description: "List entries of a workspace directory.",
		Kind:        KindRead,
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "Directory path relative to the workspace", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			raw, _ := params["path"].(string)
			if raw == "" {
				raw = "."
			}
			path, err := resolvePath(opts.WorkspaceRoot, raw)
			if err != nil {
				return nil, err
			}

			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("failed to list directory: %w", err)
			}

			names := make([]string, 0, len(entries))
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() {
					name += "/"
				}
				names = append(names, name)
			}
			return strings.Join(names, "\n"), nil
		},
	}
}

func execTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "exec",
		Description: "Execute a shell command in the workspace.",
		Kind:        KindExec,
		Parameters: []Parameter{
			{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
		},
		Describe: func(params map[string]any) (string, string) {
			command, _ := params["command"].(string)
			return command, fmt.Sprintf("Run in %s", opts.WorkspaceRoot)
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			command, _ := params["command"].(string)
			command = strings.TrimSpace(command)
			if command == "" {
				return nil, fmt.Errorf("command is required")
			}

			timeout := opts.ExecTimeout
			if secs, ok := params["timeout"].(float64); ok && secs > 0 {
				timeout = time.Duration(secs * float64(time.Second))
			}

			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(execCtx, "sh", "-c", command)
			cmd.Dir = opts.WorkspaceRoot

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()
			if execCtx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("command timed out after %v", timeout)
			}
			if runErr != nil {
				// Non-zero exits go back to the model as output, not as
				// an execution failure.
				if _, ok := runErr.(*exec.ExitError); !ok {
					return nil, fmt.Errorf("command failed: %w", runErr)
				}
			}
			return map[string]any{
				"stdout":    stdout.String(),
				"stderr":    stderr.String(),
				"exit_code": cmd.ProcessState.ExitCode(),
			}, nil
		},
	}
}

func sendMessageTool(opts BuiltinOptions) Definition {
	return Definition{
		Name:        "send_message",
		Description: "Send a message to a chat on a connected channel.",
		Kind:        KindOther,
		Parameters: []Parameter{
			{Name: "channel", Type: "string", Description: "Target channel name", Required: true},
			{Name: "chat_id", Type: "string", Description: "Target chat identifier", Required: true},
			{Name: "text", Type: "string", Description: "Message text", Required: true},
			{Name: "thread_id", Type: "string", Description: "Optional thread identifier", Required: false},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			channel, _ := params["channel"].(string)
			chatID, _ := params["chat_id"].(string)
			text, _ := params["text"].(string)
			threadID, _ := params["thread_id"].(string)

			if err := opts.Dispatch.Send(ctx, channel, chatID, text, threadID); err != nil {
				return nil, err
			}
			return "Message sent", nil
		},
	}
}
