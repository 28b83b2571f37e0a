package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_WritesDefaultFileWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "config.yaml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// The default file must have been created.
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	assert.Equal(t, ":8007", cfg.Port)
	assert.Equal(t, "gpu-lifecycle-controller", cfg.ServiceName)
	assert.Equal(t, 3, cfg.RacePoolSize)
	assert.Equal(t, 3, cfg.RaceMaxRounds)
	assert.Equal(t, 90*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, 30*time.Second, cfg.StandbySyncInterval)
	assert.Equal(t, "lifecycle.race.progress", cfg.NatsRaceProgressSubjectPrefix)
	assert.Equal(t, "lifecycle.failover.phase", cfg.NatsFailoverSubjectPrefix)
	assert.Equal(t, "workspace-snapshots", cfg.Minio.SnapshotBucket)
}

func TestLoadConfig_BackfillsUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	partial := `
port: ":9100"
race_pool_size: 5
fallback_regions:
  - us-west
  - eu-central
`
	require.NoError(t, os.WriteFile(path, []byte(partial), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	// Explicit values survive.
	assert.Equal(t, ":9100", cfg.Port)
	assert.Equal(t, 5, cfg.RacePoolSize)
	assert.Equal(t, []string{"us-west", "eu-central"}, cfg.FallbackRegions)

	// Unset values come from defaults.
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 3, cfg.RaceMaxRounds)
	assert.Equal(t, "gpu-marketplace", cfg.MarketplaceServiceName)
	assert.Equal(t, "standby-provisioner", cfg.StandbyProvisionerServiceName)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryInitialDelay)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [broken"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestGenerateServiceID(t *testing.T) {
	a := GenerateServiceID("gpu-lifecycle-controller-")
	b := GenerateServiceID("gpu-lifecycle-controller-")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "gpu-lifecycle-controller-")
}
