package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/veyra/pkg/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuiltinRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinOptions{WorkspaceRoot: root}))
	return r, root
}

func TestReadFileTool(t *testing.T) {
	r, root := newBuiltinRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.txt"), []byte("contents"), 0600))

	out, err := r.Execute(context.Background(), "read_file", map[string]any{"path": "note.txt"})
	require.NoError(t, err)
	assert.Equal(t, "contents", out)
}

func TestWriteFileTool(t *testing.T) {
	r, root := newBuiltinRegistry(t)

	out, err := r.Execute(context.Background(), "write_file", map[string]any{
		"path":    "sub/new.txt",
		"content": "hello",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote 5 bytes")

	data, err := os.ReadFile(filepath.Join(root, "sub", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFileDescribeRendersDiff(t *testing.T) {
	r, root := newBuiltinRegistry(t)

	def, err := r.Get("write_file")
	require.NoError(t, err)
	require.NotNil(t, def.Describe)

	action, details := def.Describe(map[string]any{"path": "fresh.txt", "content": "data\n"})
	assert.Equal(t, filepath.Join(root, "fresh.txt"), action)
	assert.Contains(t, details, "New file")
}

func TestPathConfinement(t *testing.T) {
	r, _ := newBuiltinRegistry(t)
	ctx := context.Background()

	_, err := r.Execute(ctx, "read_file", map[string]any{"path": "../outside.txt"})
	assert.Error(t, err)

	_, err = r.Execute(ctx, "write_file", map[string]any{"path": "/etc/passwd", "content": "x"})
	assert.Error(t, err)
}

func TestListDirTool(t *testing.T) {
	r, root := newBuiltinRegistry(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0700))

	out, err := r.Execute(context.Background(), "list_dir", map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, "dir/")
}

func TestExecTool(t *testing.T) {
	r, _ := newBuiltinRegistry(t)

	out, err := r.Execute(context.Background(), "exec", map[string]any{"command": "echo hello"})
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, `"exit_code":0`)
}

func TestExecToolNonZeroExitIsOutput(t *testing.T) {
	r, _ := newBuiltinRegistry(t)

	out, err := r.Execute(context.Background(), "exec", map[string]any{"command": "exit 3"})
	require.NoError(t, err)
	assert.Contains(t, out, `"exit_code":3`)
}

func TestSendMessageTool(t *testing.T) {
	root := t.TempDir()
	dr := dispatch.NewRegistry()

	var gotChat, gotText string
	require.NoError(t, dr.Register("chat", dispatch.DispatcherFunc(
		func(ctx context.Context, chatID, text, threadID string) error {
			gotChat, gotText = chatID, text
			return nil
		})))

	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, BuiltinOptions{WorkspaceRoot: root, Dispatch: dr}))

	out, err := r.Execute(context.Background(), "send_message", map[string]any{
		"channel": "chat",
		"chat_id": "chat-1",
		"text":    "ping",
	})
	require.NoError(t, err)
	assert.Equal(t, "Message sent", out)
	assert.Equal(t, "chat-1", gotChat)
	assert.Equal(t, "ping", gotText)
}
