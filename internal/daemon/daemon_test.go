package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/veyra/internal/config"
	"github.com/harun/veyra/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.WorkspacePath = filepath.Join(dataDir, "workspace")
	cfg.Permissions.ExecAllowlistPath = filepath.Join(dataDir, "exec-approvals.json")
	cfg.Cron.StorePath = filepath.Join(dataDir, "cron-jobs.json")
	cfg.Gateway.Enabled = false
	cfg.Models.Profiles = []config.AuthProfile{
		{ID: "test", Provider: "anthropic", APIKey: "test-key", Priority: 1},
	}
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestDaemonLifecycle(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)

	assert.False(t, d.Status().Running)

	require.NoError(t, d.Start())
	status := d.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())

	assert.Error(t, d.Start())

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())
}

func TestDaemonWiresModules(t *testing.T) {
	d, err := New(testConfig(t), testLogger(t))
	require.NoError(t, err)
	defer func() {
		if d.Status().Running {
			d.Stop()
		} else {
			d.closeCoreModules()
		}
	}()

	assert.NotNil(t, d.GetScheduler())
	assert.NotNil(t, d.GetDispatch())
	assert.NotNil(t, d.GetApprovals())
	assert.NotNil(t, d.GetRuns())
	assert.NotNil(t, d.GetCronService())
	assert.Nil(t, d.GetGatewayServer())

	// Cron egress routes through the dispatch registry.
	assert.Contains(t, d.GetDispatch().Channels(), "cron")
}

func TestDaemonRequiresModelProfiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Models.Profiles = nil

	_, err := New(cfg, testLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model provider")
}

func TestDaemonGatewayEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = 18791

	d, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	defer d.closeCoreModules()

	assert.NotNil(t, d.GetGatewayServer())
	assert.Contains(t, d.GetDispatch().Channels(), "gateway")
}
