package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/keeperhq/cellar/pkg/btrfs"
	"github.com/keeperhq/cellar/pkg/clock"
	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/metrics"
	"github.com/keeperhq/cellar/pkg/storage"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/rs/zerolog"
)

// snapshotTimeFormat names snapshot subvolumes on disk
const snapshotTimeFormat = "2006-01-02T15-04-05Z"

// Manager owns the shared pool, dataset, snapshot, and job state. The
// scheduler, pruner, transfer engine, and supervisor coordinate through
// it rather than calling each other directly. It guards per-dataset and
// per-(dataset, target) critical sections and enforces the snapshot and
// job invariants.
type Manager struct {
	store  storage.Store
	fs     btrfs.Filesystem
	clock  clock.Clock
	broker *events.Broker
	logger zerolog.Logger

	mu           sync.Mutex
	datasetLocks map[string]*sync.Mutex
	pairLocks    map[string]*sync.Mutex
	cancellers   map[string]context.CancelFunc

	// poolMu serializes pool health updates; the supervisor is the only
	// writer.
	poolMu sync.RWMutex
}

// NewManager creates a manager on top of a store and filesystem
func NewManager(store storage.Store, fs btrfs.Filesystem, clk clock.Clock, broker *events.Broker) *Manager {
	return &Manager{
		store:        store,
		fs:           fs,
		clock:        clk,
		broker:       broker,
		logger:       log.WithComponent("manager"),
		datasetLocks: make(map[string]*sync.Mutex),
		pairLocks:    make(map[string]*sync.Mutex),
		cancellers:   make(map[string]context.CancelFunc),
	}
}

// Clock returns the manager's clock
func (m *Manager) Clock() clock.Clock { return m.clock }

// Filesystem returns the underlying snapshot primitives
func (m *Manager) Filesystem() btrfs.Filesystem { return m.fs }

// Broker returns the event broker
func (m *Manager) Broker() *events.Broker { return m.broker }

// LockDataset returns the mutex serializing snapshot creation and
// pruning for one dataset.
func (m *Manager) LockDataset(datasetID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.datasetLocks[datasetID]
	if !ok {
		lock = &sync.Mutex{}
		m.datasetLocks[datasetID] = lock
	}
	return lock
}

// PairLock returns the mutex serializing transfers for one
// (dataset, target) pair.
func (m *Manager) PairLock(pairKey string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.pairLocks[pairKey]
	if !ok {
		lock = &sync.Mutex{}
		m.pairLocks[pairKey] = lock
	}
	return lock
}

// --- Pool registry ---

// RegisterPool records a configured pool, preserving any persisted
// health state from a prior run.
func (m *Manager) RegisterPool(pool *types.Pool) error {
	if existing, err := m.store.GetPool(pool.ID); err == nil {
		pool.Health = existing.Health
		pool.FreeBytes = existing.FreeBytes
		pool.CheckedAt = existing.CheckedAt
	}
	return m.store.SavePool(pool)
}

// GetPool returns a pool by id
func (m *Manager) GetPool(id string) (*types.Pool, error) {
	m.poolMu.RLock()
	defer m.poolMu.RUnlock()
	return m.store.GetPool(id)
}

// ListPools returns all pools
func (m *Manager) ListPools() ([]*types.Pool, error) {
	m.poolMu.RLock()
	defer m.poolMu.RUnlock()
	return m.store.ListPools()
}

// SetPoolHealth updates a pool's health state. Only the supervisor
// calls this; transitions are published as events.
func (m *Manager) SetPoolHealth(id string, health types.PoolHealth, freeBytes int64) error {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()

	pool, err := m.store.GetPool(id)
	if err != nil {
		return err
	}
	previous := pool.Health
	pool.Health = health
	pool.FreeBytes = freeBytes
	pool.CheckedAt = m.clock.Now()
	if err := m.store.SavePool(pool); err != nil {
		return err
	}

	metrics.PoolFreeBytes.WithLabelValues(pool.Name).Set(float64(freeBytes))
	if previous != health {
		m.logger.Info().Str("pool_id", id).
			Str("from", string(previous)).Str("to", string(health)).
			Msg("pool health changed")
		m.broker.Publish(&events.Event{
			Type:   poolEventType(health),
			PoolID: id,
		})
	}
	return nil
}

func poolEventType(health types.PoolHealth) events.EventType {
	switch health {
	case types.PoolOnline:
		return events.EventPoolOnline
	case types.PoolDegraded:
		return events.EventPoolDegraded
	default:
		return events.EventPoolOffline
	}
}

// --- Dataset model ---

// RegisterDataset records a configured dataset, preserving scheduling
// state persisted by a prior run.
func (m *Manager) RegisterDataset(dataset *types.Dataset) error {
	if existing, err := m.store.GetDataset(dataset.ID); err == nil {
		dataset.NextDue = existing.NextDue
		dataset.LastError = existing.LastError
		dataset.CreatedAt = existing.CreatedAt
	}
	return m.store.SaveDataset(dataset)
}

// GetDataset returns a dataset by id
func (m *Manager) GetDataset(id string) (*types.Dataset, error) {
	return m.store.GetDataset(id)
}

// ListDatasets returns all datasets
func (m *Manager) ListDatasets() ([]*types.Dataset, error) {
	return m.store.ListDatasets()
}

// SaveDataset persists scheduling state changes
func (m *Manager) SaveDataset(dataset *types.Dataset) error {
	return m.store.SaveDataset(dataset)
}

// --- Snapshot history ---

// ListSnapshots returns a dataset's snapshots in generation order
func (m *Manager) ListSnapshots(datasetID string) ([]*types.Snapshot, error) {
	return m.store.ListSnapshots(datasetID)
}

// GetSnapshot returns one snapshot
func (m *Manager) GetSnapshot(datasetID string, generation uint64) (*types.Snapshot, error) {
	return m.store.GetSnapshot(datasetID, generation)
}

// CreateSnapshot creates and records the next snapshot of a dataset.
// The caller must hold the dataset lock. Creation failure is transient:
// the dataset's due time is not advanced and the next tick retries.
func (m *Manager) CreateSnapshot(ctx context.Context, datasetID string) (*types.Snapshot, error) {
	dataset, err := m.store.GetDataset(datasetID)
	if err != nil {
		return nil, err
	}
	pool, err := m.GetPool(dataset.PoolID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	generation := uint64(1)
	snapshots, err := m.store.ListSnapshots(datasetID)
	if err != nil {
		return nil, err
	}
	if len(snapshots) > 0 {
		generation = snapshots[len(snapshots)-1].Generation + 1
	}

	name := fmt.Sprintf("%s-%d", now.Format(snapshotTimeFormat), generation)
	path := filepath.Join(pool.Mountpoint, ".cellar", "snapshots", datasetID, name)

	if err := m.fs.CreateSnapshot(ctx, dataset.SourcePath, path); err != nil {
		dataset.LastError = err.Error()
		if saveErr := m.store.SaveDataset(dataset); saveErr != nil {
			m.logger.Error().Err(saveErr).Str("dataset_id", datasetID).Msg("failed to record snapshot error")
		}
		metrics.SnapshotCreateFailures.WithLabelValues(dataset.Name).Inc()
		m.broker.Publish(&events.Event{
			Type:      events.EventSnapshotCreateFailed,
			DatasetID: datasetID,
			Message:   err.Error(),
		})
		return nil, err
	}

	targetStatus := make(map[string]types.SnapshotStatus, len(dataset.Targets))
	for _, target := range dataset.Targets {
		targetStatus[target.PoolID] = types.SnapshotPending
	}
	snapshot := &types.Snapshot{
		DatasetID:    datasetID,
		Generation:   generation,
		CreatedAt:    now,
		Path:         path,
		TargetStatus: targetStatus,
	}
	if err := m.store.SaveSnapshot(snapshot); err != nil {
		return nil, err
	}

	dataset.LastError = ""
	if err := m.store.SaveDataset(dataset); err != nil {
		return nil, err
	}

	metrics.SnapshotsCreated.WithLabelValues(dataset.Name).Inc()
	metrics.SnapshotsTotal.WithLabelValues(dataset.Name).Set(float64(len(snapshots) + 1))
	m.logger.Info().Str("dataset_id", datasetID).Uint64("generation", generation).Msg("snapshot created")
	m.broker.Publish(&events.Event{
		Type:      events.EventSnapshotCreated,
		DatasetID: datasetID,
		Message:   name,
	})
	return snapshot, nil
}

// DeleteSnapshot removes a snapshot from disk and from the store. The
// caller must hold the dataset lock and have checked the safety
// constraints.
func (m *Manager) DeleteSnapshot(ctx context.Context, datasetID string, generation uint64) error {
	snapshot, err := m.store.GetSnapshot(datasetID, generation)
	if err != nil {
		return err
	}
	if err := m.fs.DeleteSnapshot(ctx, snapshot.Path); err != nil {
		return err
	}
	if err := m.store.DeleteSnapshot(datasetID, generation); err != nil {
		return err
	}
	m.broker.Publish(&events.Event{
		Type:      events.EventSnapshotPruned,
		DatasetID: datasetID,
		Message:   fmt.Sprintf("generation %d", generation),
	})
	return nil
}

// SetSnapshotTargetStatus updates a snapshot's replication status for
// one target pool.
func (m *Manager) SetSnapshotTargetStatus(datasetID string, generation uint64, poolID string, status types.SnapshotStatus) error {
	snapshot, err := m.store.GetSnapshot(datasetID, generation)
	if err != nil {
		return err
	}
	if snapshot.TargetStatus == nil {
		snapshot.TargetStatus = make(map[string]types.SnapshotStatus)
	}
	snapshot.TargetStatus[poolID] = status
	return m.store.SaveSnapshot(snapshot)
}

// LastVerified returns the newest generation verified on a target, the
// only valid incremental basis for the next transfer.
func (m *Manager) LastVerified(datasetID, poolID string) (uint64, bool, error) {
	snapshots, err := m.store.ListSnapshots(datasetID)
	if err != nil {
		return 0, false, err
	}
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].TargetStatus[poolID] == types.SnapshotVerified {
			return snapshots[i].Generation, true, nil
		}
	}
	return 0, false, nil
}

// ProtectedGenerations returns the generations of a dataset that must
// not be pruned: sources and parents of unfinished jobs, and the newest
// verified snapshot on each target.
func (m *Manager) ProtectedGenerations(datasetID string) (map[uint64]bool, error) {
	protected := make(map[uint64]bool)

	jobs, err := m.store.ListJobsByDataset(datasetID)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.State.Terminal() {
			continue
		}
		protected[job.Generation] = true
		if job.ParentGeneration != nil {
			protected[*job.ParentGeneration] = true
		}
	}

	dataset, err := m.store.GetDataset(datasetID)
	if err != nil {
		return nil, err
	}
	for _, target := range dataset.Targets {
		generation, ok, err := m.LastVerified(datasetID, target.PoolID)
		if err != nil {
			return nil, err
		}
		if ok {
			protected[generation] = true
		}
	}
	return protected, nil
}

// --- Transfer jobs ---

// SaveJob persists a job
func (m *Manager) SaveJob(job *types.TransferJob) error {
	job.UpdatedAt = m.clock.Now()
	return m.store.SaveJob(job)
}

// GetJob returns the job for (dataset, generation, target)
func (m *Manager) GetJob(datasetID string, generation uint64, poolID string) (*types.TransferJob, error) {
	return m.store.GetJob(datasetID, generation, poolID)
}

// GetJobByID returns a job by its uuid
func (m *Manager) GetJobByID(id string) (*types.TransferJob, error) {
	return m.store.GetJobByID(id)
}

// ListJobs returns all jobs
func (m *Manager) ListJobs() ([]*types.TransferJob, error) {
	return m.store.ListJobs()
}

// ListJobsByDataset returns a dataset's jobs
func (m *Manager) ListJobsByDataset(datasetID string) ([]*types.TransferJob, error) {
	return m.store.ListJobsByDataset(datasetID)
}

// DeleteJob removes a job record
func (m *Manager) DeleteJob(datasetID string, generation uint64, poolID string) error {
	return m.store.DeleteJob(datasetID, generation, poolID)
}

// RegisterCanceller exposes a running job's cancel function so
// operators can abort it. Cancellation is cooperative: the engine
// checks at stream-chunk boundaries.
func (m *Manager) RegisterCanceller(jobID string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancellers[jobID] = cancel
}

// UnregisterCanceller removes a job's cancel function
func (m *Manager) UnregisterCanceller(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancellers, jobID)
}

// CancelJob aborts a job. A running job is cancelled cooperatively; a
// queued or retrying job moves directly to terminal Failed.
func (m *Manager) CancelJob(jobID string) error {
	// Held across the check and the state write. Dispatch registers a
	// canceller under the same lock before an attempt reloads the job,
	// so either the canceller is visible here or the attempt's reload
	// sees the terminal state written below.
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.store.GetJobByID(jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.State)
	}
	if cancel, running := m.cancellers[jobID]; running {
		cancel()
		return nil
	}

	job.State = types.JobFailed
	job.LastError = "cancelled by operator"
	if err := m.SaveJob(job); err != nil {
		return err
	}
	// Mark the snapshot too, so replication does not re-enqueue it
	if err := m.SetSnapshotTargetStatus(job.DatasetID, job.Generation, job.PoolID, types.SnapshotFailed); err != nil {
		m.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to mark snapshot status")
	}
	m.broker.Publish(&events.Event{
		Type:      events.EventJobFailed,
		DatasetID: job.DatasetID,
		PoolID:    job.PoolID,
		JobID:     job.ID,
		Message:   job.LastError,
	})
	return nil
}
