package config

import (
	"fmt"
	"os"
	"time"

	"github.com/keeperhq/cellar/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration loaded at startup. It is
// treated as immutable; changes require a restart.
type Config struct {
	DataDir string    `yaml:"data_dir"`
	APIAddr string    `yaml:"api_addr"`
	Log     LogConfig `yaml:"log"`

	SchedulerTick    time.Duration `yaml:"scheduler_tick"`
	PruneInterval    time.Duration `yaml:"prune_interval"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	Transfer TransferConfig  `yaml:"transfer"`
	Pools    []PoolConfig    `yaml:"pools"`
	Datasets []DatasetConfig `yaml:"datasets"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TransferConfig bounds the transfer engine and its retry policy
type TransferConfig struct {
	Workers         int           `yaml:"workers"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxAttempts     int           `yaml:"max_attempts"`
	ProgressTimeout time.Duration `yaml:"progress_timeout"`
}

// PoolConfig declares a storage pool
type PoolConfig struct {
	Name       string `yaml:"name"`
	Mountpoint string `yaml:"mountpoint"`
	Endpoint   string `yaml:"endpoint"`
}

// DatasetConfig declares a managed dataset
type DatasetConfig struct {
	Name         string            `yaml:"name"`
	Pool         string            `yaml:"pool"`
	Source       string            `yaml:"source"`
	Interval     time.Duration     `yaml:"interval"`
	Anchor       time.Time         `yaml:"anchor"`
	CatchUp      string            `yaml:"catch_up"`
	Snapshotting *bool             `yaml:"snapshotting"`
	Pruning      *bool             `yaml:"pruning"`
	Retention    []RetentionConfig `yaml:"retention"`
	Targets      []string          `yaml:"targets"`
}

// RetentionConfig is one granularity tier
type RetentionConfig struct {
	Granularity string `yaml:"granularity"`
	Keep        int    `yaml:"keep"`
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", types.ErrConfigInvalid, path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", types.ErrConfigInvalid, path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/cellar"
	}
	if c.APIAddr == "" {
		c.APIAddr = "127.0.0.1:8618"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.SchedulerTick == 0 {
		c.SchedulerTick = 30 * time.Second
	}
	if c.PruneInterval == 0 {
		c.PruneInterval = 15 * time.Minute
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = time.Minute
	}
	if c.Transfer.Workers == 0 {
		c.Transfer.Workers = 4
	}
	if c.Transfer.BaseDelay == 0 {
		c.Transfer.BaseDelay = time.Second
	}
	if c.Transfer.Multiplier == 0 {
		c.Transfer.Multiplier = 2
	}
	if c.Transfer.MaxAttempts == 0 {
		c.Transfer.MaxAttempts = 3
	}
	if c.Transfer.ProgressTimeout == 0 {
		c.Transfer.ProgressTimeout = 2 * time.Minute
	}
}

var validGranularities = map[string]types.Granularity{
	"hourly":  types.GranularityHourly,
	"daily":   types.GranularityDaily,
	"weekly":  types.GranularityWeekly,
	"monthly": types.GranularityMonthly,
	"yearly":  types.GranularityYearly,
}

// Validate checks internal consistency; any failure is fatal at startup
func (c *Config) Validate() error {
	poolNames := make(map[string]bool)
	for _, p := range c.Pools {
		if p.Name == "" {
			return fmt.Errorf("%w: pool with empty name", types.ErrConfigInvalid)
		}
		if p.Mountpoint == "" {
			return fmt.Errorf("%w: pool %s has no mountpoint", types.ErrConfigInvalid, p.Name)
		}
		if poolNames[p.Name] {
			return fmt.Errorf("%w: duplicate pool name %s", types.ErrConfigInvalid, p.Name)
		}
		poolNames[p.Name] = true
	}

	datasetNames := make(map[string]bool)
	for _, d := range c.Datasets {
		if d.Name == "" {
			return fmt.Errorf("%w: dataset with empty name", types.ErrConfigInvalid)
		}
		if datasetNames[d.Name] {
			return fmt.Errorf("%w: duplicate dataset name %s", types.ErrConfigInvalid, d.Name)
		}
		datasetNames[d.Name] = true
		if !poolNames[d.Pool] {
			return fmt.Errorf("%w: dataset %s references unknown pool %s", types.ErrConfigInvalid, d.Name, d.Pool)
		}
		if d.Source == "" {
			return fmt.Errorf("%w: dataset %s has no source", types.ErrConfigInvalid, d.Name)
		}
		if d.Interval <= 0 {
			return fmt.Errorf("%w: dataset %s has no snapshot interval", types.ErrConfigInvalid, d.Name)
		}
		switch d.CatchUp {
		case "", string(types.CatchUpFireOnce), string(types.CatchUpFireAll):
		default:
			return fmt.Errorf("%w: dataset %s has unknown catch_up policy %q", types.ErrConfigInvalid, d.Name, d.CatchUp)
		}
		for _, r := range d.Retention {
			if _, ok := validGranularities[r.Granularity]; !ok {
				return fmt.Errorf("%w: dataset %s has unknown granularity %q", types.ErrConfigInvalid, d.Name, r.Granularity)
			}
			if r.Keep < 0 {
				return fmt.Errorf("%w: dataset %s has negative keep for %s", types.ErrConfigInvalid, d.Name, r.Granularity)
			}
		}
		for _, t := range d.Targets {
			if !poolNames[t] {
				return fmt.Errorf("%w: dataset %s targets unknown pool %s", types.ErrConfigInvalid, d.Name, t)
			}
		}
	}
	return nil
}

// BuildPools converts pool configs into model entities. Names double as
// IDs; they are validated unique.
func (c *Config) BuildPools() []*types.Pool {
	pools := make([]*types.Pool, 0, len(c.Pools))
	for _, p := range c.Pools {
		pools = append(pools, &types.Pool{
			ID:         p.Name,
			Name:       p.Name,
			Mountpoint: p.Mountpoint,
			Endpoint:   p.Endpoint,
			Health:     types.PoolOffline,
		})
	}
	return pools
}

// BuildDatasets converts dataset configs into model entities
func (c *Config) BuildDatasets(now time.Time) []*types.Dataset {
	datasets := make([]*types.Dataset, 0, len(c.Datasets))
	for _, d := range c.Datasets {
		catchUp := types.CatchUpFireOnce
		if d.CatchUp == string(types.CatchUpFireAll) {
			catchUp = types.CatchUpFireAll
		}
		anchor := d.Anchor
		if anchor.IsZero() {
			anchor = time.Unix(0, 0).UTC()
		}

		var retention []types.RetentionTier
		for _, r := range d.Retention {
			retention = append(retention, types.RetentionTier{
				Granularity: validGranularities[r.Granularity],
				Keep:        r.Keep,
			})
		}

		var targets []types.Target
		for _, t := range d.Targets {
			targets = append(targets, types.Target{PoolID: t})
		}

		datasets = append(datasets, &types.Dataset{
			ID:         d.Name,
			Name:       d.Name,
			PoolID:     d.Pool,
			SourcePath: d.Source,
			Schedule: types.Schedule{
				Interval: d.Interval,
				Anchor:   anchor,
				CatchUp:  catchUp,
			},
			Retention:    retention,
			Targets:      targets,
			Snapshotting: d.Snapshotting == nil || *d.Snapshotting,
			Pruning:      d.Pruning == nil || *d.Pruning,
			CreatedAt:    now,
		})
	}
	return datasets
}
