package transfer

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keeperhq/cellar/pkg/config"
	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/metrics"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/rs/zerolog"
)

// Engine replicates snapshots to target pools. Each scan cycle it
// reconciles the job table against the snapshot histories, then hands
// eligible jobs to a bounded worker pool. At most one job per
// (dataset, target) pair is ever in a non-terminal state; the next
// snapshot for a pair is only enqueued once the previous job finished.
type Engine struct {
	manager *manager.Manager
	cfg     config.TransferConfig
	tick    time.Duration
	logger  zerolog.Logger

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a transfer engine scanning for work at the given cadence
func New(mgr *manager.Manager, cfg config.TransferConfig, tick time.Duration) *Engine {
	return &Engine{
		manager:  mgr,
		cfg:      cfg,
		tick:     tick,
		logger:   log.WithComponent("transfer"),
		sem:      make(chan struct{}, cfg.Workers),
		inflight: make(map[string]bool),
	}
}

// Run scans until the context is cancelled
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick runs one reconcile-and-dispatch cycle
func (e *Engine) Tick(ctx context.Context) {
	if err := e.Reconcile(ctx); err != nil {
		e.logger.Error().Err(err).Msg("reconcile failed")
	}
	e.dispatch(ctx)
	e.refreshJobGauge()
}

// Reconcile creates a queued job for every (dataset, target) pair that
// has unreplicated snapshots and no job underway. Snapshots replicate
// oldest first, so a burst of catch-up snapshots transfers serially in
// generation order.
func (e *Engine) Reconcile(ctx context.Context) error {
	datasets, err := e.manager.ListDatasets()
	if err != nil {
		return err
	}
	for _, dataset := range datasets {
		jobs, err := e.manager.ListJobsByDataset(dataset.ID)
		if err != nil {
			return err
		}
		active := make(map[string]bool)
		for _, job := range jobs {
			if !job.State.Terminal() {
				active[job.PoolID] = true
			}
		}

		snapshots, err := e.manager.ListSnapshots(dataset.ID)
		if err != nil {
			return err
		}
		for _, target := range dataset.Targets {
			if active[target.PoolID] {
				continue
			}
			candidate := nextPending(snapshots, target.PoolID)
			if candidate == nil {
				continue
			}
			if err := e.enqueue(dataset, candidate, target.PoolID); err != nil {
				e.logger.Error().Err(err).Str("dataset_id", dataset.ID).
					Str("pool_id", target.PoolID).Msg("failed to enqueue job")
			}
		}
	}
	return nil
}

// nextPending returns the oldest snapshot still awaiting transfer to a
// target. Snapshots marked Failed for the target are skipped; they need
// operator intervention, not another identical attempt.
func nextPending(snapshots []*types.Snapshot, poolID string) *types.Snapshot {
	for _, snapshot := range snapshots {
		switch snapshot.TargetStatus[poolID] {
		case types.SnapshotPending, types.SnapshotInFlight:
			return snapshot
		}
	}
	return nil
}

func (e *Engine) enqueue(dataset *types.Dataset, snapshot *types.Snapshot, poolID string) error {
	// A terminal record for this exact snapshot may remain from an
	// earlier attempt; a fresh job supersedes it.
	now := e.manager.Clock().Now()
	job := &types.TransferJob{
		ID:         uuid.NewString(),
		DatasetID:  dataset.ID,
		Generation: snapshot.Generation,
		PoolID:     poolID,
		State:      types.JobQueued,
		CreatedAt:  now,
	}
	if err := e.manager.SaveJob(job); err != nil {
		return err
	}
	e.logger.Info().Str("job_id", job.ID).Str("dataset_id", dataset.ID).
		Uint64("generation", snapshot.Generation).Str("pool_id", poolID).
		Msg("job queued")
	e.manager.Broker().Publish(&events.Event{
		Type:      events.EventJobQueued,
		DatasetID: dataset.ID,
		PoolID:    poolID,
		JobID:     job.ID,
	})
	return nil
}

// dispatch assigns eligible jobs to workers, bounded by the pool size
func (e *Engine) dispatch(ctx context.Context) {
	jobs, err := e.manager.ListJobs()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list jobs")
		return
	}
	now := e.manager.Clock().Now()

	for _, job := range jobs {
		if !e.eligible(job, now) {
			continue
		}
		select {
		case e.sem <- struct{}{}:
		default:
			return // worker pool saturated, next cycle resumes
		}

		e.mu.Lock()
		if e.inflight[job.PairKey()] {
			e.mu.Unlock()
			<-e.sem
			continue
		}
		e.inflight[job.PairKey()] = true
		e.mu.Unlock()

		// The canceller is registered before the worker starts so a
		// concurrent CancelJob either finds it or wins the state write
		// the attempt's reload will observe.
		jobCtx, cancel := context.WithCancel(ctx)
		e.manager.RegisterCanceller(job.ID, cancel)

		go func(job *types.TransferJob, jobCtx context.Context, cancel context.CancelFunc) {
			defer func() {
				e.manager.UnregisterCanceller(job.ID)
				cancel()
				e.mu.Lock()
				delete(e.inflight, job.PairKey())
				e.mu.Unlock()
				<-e.sem
			}()
			e.runJob(ctx, jobCtx, job)
		}(job, jobCtx, cancel)
	}
}

// eligible reports whether a job may start an attempt now
func (e *Engine) eligible(job *types.TransferJob, now time.Time) bool {
	switch job.State {
	case types.JobQueued:
	case types.JobRetrying:
		if job.NextAttempt.After(now) {
			return false
		}
	default:
		return false
	}

	pool, err := e.manager.GetPool(job.PoolID)
	if err != nil || pool.Health != types.PoolOnline {
		return false
	}
	return true
}

func (e *Engine) refreshJobGauge() {
	jobs, err := e.manager.ListJobs()
	if err != nil {
		return
	}
	counts := map[types.JobState]int{}
	for _, job := range jobs {
		counts[job.State]++
	}
	for _, state := range []types.JobState{
		types.JobQueued, types.JobSending, types.JobVerifying,
		types.JobRetrying, types.JobComplete, types.JobFailed,
	} {
		metrics.JobsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

// Backoff returns the delay before retry attempt n (1-based):
// base_delay scaled by multiplier for each prior retry.
func Backoff(cfg config.TransferConfig, retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	scale := math.Pow(cfg.Multiplier, float64(retries-1))
	return time.Duration(float64(cfg.BaseDelay) * scale)
}
