package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keeperhq/cellar/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cellar.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
pools:
  - name: local
    mountpoint: /mnt/local
  - name: backup
    mountpoint: /mnt/backup
datasets:
  - name: home
    pool: local
    source: /mnt/local/home
    interval: 1h
    targets: [backup]
    retention:
      - granularity: hourly
        keep: 24
      - granularity: daily
        keep: 7
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	// Defaults fill everything the file left out
	assert.Equal(t, "/var/lib/cellar", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:8618", cfg.APIAddr)
	assert.Equal(t, 30*time.Second, cfg.SchedulerTick)
	assert.Equal(t, 15*time.Minute, cfg.PruneInterval)
	assert.Equal(t, 4, cfg.Transfer.Workers)
	assert.Equal(t, time.Second, cfg.Transfer.BaseDelay)
	assert.Equal(t, float64(2), cfg.Transfer.Multiplier)
	assert.Equal(t, 3, cfg.Transfer.MaxAttempts)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{
			name: "duplicate pool names",
			config: `
pools:
  - name: local
    mountpoint: /a
  - name: local
    mountpoint: /b
`,
		},
		{
			name: "pool without mountpoint",
			config: `
pools:
  - name: local
`,
		},
		{
			name: "dataset references unknown pool",
			config: `
pools:
  - name: local
    mountpoint: /a
datasets:
  - name: home
    pool: nope
    source: /a/home
    interval: 1h
`,
		},
		{
			name: "dataset without interval",
			config: `
pools:
  - name: local
    mountpoint: /a
datasets:
  - name: home
    pool: local
    source: /a/home
`,
		},
		{
			name: "unknown catch_up policy",
			config: `
pools:
  - name: local
    mountpoint: /a
datasets:
  - name: home
    pool: local
    source: /a/home
    interval: 1h
    catch_up: sometimes
`,
		},
		{
			name: "unknown granularity",
			config: `
pools:
  - name: local
    mountpoint: /a
datasets:
  - name: home
    pool: local
    source: /a/home
    interval: 1h
    retention:
      - granularity: fortnightly
        keep: 2
`,
		},
		{
			name: "target references unknown pool",
			config: `
pools:
  - name: local
    mountpoint: /a
datasets:
  - name: home
    pool: local
    source: /a/home
    interval: 1h
    targets: [offsite]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			assert.ErrorIs(t, err, types.ErrConfigInvalid)
		})
	}
}

func TestBuildDatasets(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	datasets := cfg.BuildDatasets(now)
	require.Len(t, datasets, 1)

	dataset := datasets[0]
	assert.Equal(t, "home", dataset.ID)
	assert.Equal(t, "local", dataset.PoolID)
	assert.Equal(t, types.CatchUpFireOnce, dataset.Schedule.CatchUp, "fire-once is the default")
	assert.Equal(t, time.Unix(0, 0).UTC(), dataset.Schedule.Anchor)
	assert.True(t, dataset.Snapshotting)
	assert.True(t, dataset.Pruning)
	require.Len(t, dataset.Retention, 2)
	assert.Equal(t, types.GranularityHourly, dataset.Retention[0].Granularity)
	require.Len(t, dataset.Targets, 1)
	assert.Equal(t, "backup", dataset.Targets[0].PoolID)
}

func TestBuildPoolsStartOffline(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	pools := cfg.BuildPools()
	require.Len(t, pools, 2)
	for _, pool := range pools {
		assert.Equal(t, types.PoolOffline, pool.Health, "health is unknown until the first probe")
	}
}
