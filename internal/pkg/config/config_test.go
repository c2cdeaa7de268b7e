package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Calculation.Timeout)
	assert.Equal(t, 2*time.Second, cfg.LiveSync.ProbeTimeout)
	assert.Equal(t, 10*time.Second, cfg.LiveSync.HeartbeatInterval)
	assert.True(t, cfg.Calculation.WorkerEnabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
calculation:
  worker_enabled: false
  timeout: 250ms
livesync:
  user_id: cashier-1
gateway:
  require_token: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Calculation.WorkerEnabled)
	assert.Equal(t, 250*time.Millisecond, cfg.Calculation.Timeout)
	assert.Equal(t, "cashier-1", cfg.LiveSync.UserID)
	assert.True(t, cfg.Gateway.RequireToken)
	// 未出现在文件里的字段保持默认值
	assert.Equal(t, 64, cfg.Calculation.QueueSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("POS_USER_ID", "from-env")
	t.Setenv("NACOS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Infra.Kafka.Brokers)
	assert.Equal(t, "from-env", cfg.LiveSync.UserID)
	assert.True(t, cfg.Infra.Nacos.Enabled)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calculation: [oops"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
