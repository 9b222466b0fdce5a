package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(4), cfg.Engine.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Engine.StageTimeout)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.True(t, cfg.Pipelines.Watch)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keelci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  cors_origins: ["https://ci.example.com"]
engine:
  workers: 8
  grace_period: 3s
storage:
  backend: memory
webhook:
  secret: from-file
`), 0o644))
	t.Setenv("KEELCI_WEBHOOK_SECRET", "from-env")
	t.Setenv("KEELCI_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://ci.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, int64(8), cfg.Engine.Workers)
	assert.Equal(t, 3*time.Second, cfg.Engine.GracePeriod)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "from-env", cfg.Webhook.Secret)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keelci.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: postgres\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestLoadRejectsZeroBurstWithRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keelci.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webhook:\n  rate: 5\n  burst: 0\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.burst")

	require.NoError(t, os.WriteFile(path, []byte("webhook:\n  rate: 0\n  burst: 0\n"), 0o644))
	_, err = Load(path)
	assert.NoError(t, err, "no limit without a rate")
}
