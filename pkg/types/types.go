package types

import (
	"fmt"
	"time"
)

// Pool represents a mounted btrfs filesystem capable of holding
// subvolumes and received snapshots. Pools are created from configuration
// and their health is maintained exclusively by the supervisor.
type Pool struct {
	ID         string
	Name       string
	Mountpoint string
	// Endpoint is an optional remote address for pools reached over a
	// stream transport. Empty means the pool is local.
	Endpoint  string
	Health    PoolHealth
	FreeBytes int64
	CheckedAt time.Time
}

// PoolHealth represents the reachability state of a pool
type PoolHealth string

const (
	PoolOnline   PoolHealth = "online"
	PoolDegraded PoolHealth = "degraded"
	PoolOffline  PoolHealth = "offline"
)

// CatchUpPolicy controls how the scheduler handles intervals missed
// while the process was down.
type CatchUpPolicy string

const (
	// CatchUpFireOnce creates a single snapshot and resynchronizes the
	// schedule to now. This is the default to avoid snapshot storms.
	CatchUpFireOnce CatchUpPolicy = "fire-once"

	// CatchUpFireAll creates one snapshot per missed interval, oldest
	// first.
	CatchUpFireAll CatchUpPolicy = "fire-all"
)

// Schedule defines when snapshots of a dataset are due
type Schedule struct {
	Interval time.Duration
	Anchor   time.Time
	CatchUp  CatchUpPolicy
}

// Granularity is a retention bucket size
type Granularity string

const (
	GranularityHourly  Granularity = "hourly"
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
	GranularityYearly  Granularity = "yearly"
)

// RetentionTier keeps the N most-recent bucket representatives for one
// granularity.
type RetentionTier struct {
	Granularity Granularity
	Keep        int
}

// Target binds a dataset to a pool it replicates to
type Target struct {
	PoolID   string
	Endpoint string // optional remote endpoint override
}

// Dataset is the managed unit: one source subvolume, its schedule,
// retention policy, and replication targets.
type Dataset struct {
	ID   string
	Name string
	// PoolID is the pool holding the source subvolume and its local
	// snapshot container.
	PoolID     string
	SourcePath string
	Schedule     Schedule
	Retention    []RetentionTier
	Targets      []Target
	Snapshotting bool
	Pruning      bool
	// NextDue is the next scheduled snapshot time. Zero until the
	// scheduler computes it.
	NextDue   time.Time
	LastError string
	CreatedAt time.Time
}

// SnapshotStatus is the per-target transfer status of a snapshot
type SnapshotStatus string

const (
	SnapshotPending  SnapshotStatus = "pending"
	SnapshotInFlight SnapshotStatus = "inflight"
	SnapshotVerified SnapshotStatus = "verified"
	SnapshotFailed   SnapshotStatus = "failed"
)

// Snapshot is an immutable, generation-numbered point-in-time copy of a
// dataset's source subvolume. Generations are strictly increasing per
// dataset and are never renumbered when older snapshots are deleted.
type Snapshot struct {
	DatasetID  string
	Generation uint64
	CreatedAt  time.Time
	Path       string
	// TargetStatus tracks the replication status per target pool ID
	TargetStatus map[string]SnapshotStatus
}

// Key returns the storage key for a snapshot
func (s *Snapshot) Key() string {
	return SnapshotKey(s.DatasetID, s.Generation)
}

// SnapshotKey builds the composite storage key for (dataset, generation).
// The generation is fixed-width hex so keys sort in generation order.
func SnapshotKey(datasetID string, generation uint64) string {
	return fmt.Sprintf("%s/%016x", datasetID, generation)
}

// JobState represents the state of a transfer job
type JobState string

const (
	JobQueued    JobState = "queued"
	JobSending   JobState = "sending"
	JobVerifying JobState = "verifying"
	JobRetrying  JobState = "retrying"
	JobComplete  JobState = "complete"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state is final
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// TransferJob replicates one snapshot to one target pool. At most one
// job per (dataset, target) pair may be in a non-terminal state.
type TransferJob struct {
	ID         string
	DatasetID  string
	Generation uint64
	PoolID     string
	// ParentGeneration is the incremental basis. Nil means full send.
	// It is chosen when the job enters Sending, so it always points at
	// the newest snapshot verified on the target at that moment.
	ParentGeneration *uint64
	State            JobState
	Retries          int
	BytesSent        int64
	// NextAttempt is when a Retrying job becomes eligible again
	NextAttempt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the storage key for a job
func (j *TransferJob) Key() string {
	return JobKey(j.DatasetID, j.Generation, j.PoolID)
}

// PairKey identifies the (dataset, target) serialization domain
func (j *TransferJob) PairKey() string {
	return j.DatasetID + "/" + j.PoolID
}

// JobKey builds the composite storage key for (dataset, generation, target)
func JobKey(datasetID string, generation uint64, poolID string) string {
	return fmt.Sprintf("%s/%016x/%s", datasetID, generation, poolID)
}
