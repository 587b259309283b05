package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFileHelpers(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "veyra.pid")

	assert.False(t, isRunning(pidFile))

	require.NoError(t, writePIDFile(pidFile))

	pid, err := readPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Our own PID counts as a running process.
	assert.True(t, isRunning(pidFile))
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "veyra.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid"), 0644))

	_, err := readPID(pidFile)
	assert.Error(t, err)
	assert.False(t, isRunning(pidFile))
}

func TestIsRunningWithDeadPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "veyra.pid")

	// PIDs are capped well below this on Linux.
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(1<<30)), 0644))
	assert.False(t, isRunning(pidFile))
}

func TestPIDFilePath(t *testing.T) {
	assert.Equal(t, "/data/veyra.pid", pidFilePath("/data"))
	assert.NotEmpty(t, pidFilePath(""))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m10s", formatDuration(2*time.Minute+10*time.Second))
	assert.Equal(t, "1h0m5s", formatDuration(time.Hour+5*time.Second))
}
