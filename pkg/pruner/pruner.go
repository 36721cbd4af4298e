package pruner

import (
	"context"
	"fmt"
	"time"

	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/metrics"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/rs/zerolog"
)

// Pruner evaluates retention policy against each dataset's snapshot
// history on a fixed cadence and deletes excess snapshots, subject to
// the incremental-basis safety constraints.
type Pruner struct {
	manager  *manager.Manager
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a pruner running at the given cadence
func New(mgr *manager.Manager, interval time.Duration) *Pruner {
	return &Pruner{
		manager:  mgr,
		interval: interval,
		logger:   log.WithComponent("pruner"),
	}
}

// Run ticks until the context is cancelled
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick prunes every dataset with pruning enabled
func (p *Pruner) Tick(ctx context.Context) {
	datasets, err := p.manager.ListDatasets()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to list datasets")
		return
	}
	for _, dataset := range datasets {
		if !dataset.Pruning {
			continue
		}
		if err := p.PruneDataset(ctx, dataset.ID); err != nil {
			p.logger.Error().Err(err).Str("dataset_id", dataset.ID).Msg("prune failed")
		}
	}
}

// PruneDataset evaluates retention for one dataset and deletes the
// candidates that are safe to remove. Each deletion is independent: a
// failure is logged and does not abort the remaining candidates.
func (p *Pruner) PruneDataset(ctx context.Context, datasetID string) error {
	lock := p.manager.LockDataset(datasetID)
	lock.Lock()
	defer lock.Unlock()

	dataset, err := p.manager.GetDataset(datasetID)
	if err != nil {
		return err
	}
	snapshots, err := p.manager.ListSnapshots(datasetID)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	keep := Evaluate(snapshots, dataset.Retention)
	protected, err := p.manager.ProtectedGenerations(datasetID)
	if err != nil {
		return err
	}

	logger := log.WithDataset(p.logger, datasetID)
	deleted := 0
	for _, snapshot := range snapshots {
		if keep[snapshot.Generation] {
			continue
		}
		if protected[snapshot.Generation] {
			// Internal guard: the snapshot still serves as an
			// incremental basis. Not an operator-visible failure.
			logger.Debug().Uint64("generation", snapshot.Generation).
				Msg("delete blocked: snapshot in use as incremental basis")
			metrics.PruneBlocked.Inc()
			p.manager.Broker().Publish(&events.Event{
				Type:      events.EventPruneBlocked,
				DatasetID: datasetID,
			})
			continue
		}
		if err := p.manager.DeleteSnapshot(ctx, datasetID, snapshot.Generation); err != nil {
			logger.Error().Err(err).Uint64("generation", snapshot.Generation).
				Msg("failed to delete snapshot")
			continue
		}
		p.cleanupJobs(snapshot)
		deleted++
		metrics.SnapshotsPruned.WithLabelValues(dataset.Name).Inc()
	}

	if deleted > 0 {
		logger.Info().Int("deleted", deleted).Msg("pruned snapshots")
		metrics.SnapshotsTotal.WithLabelValues(dataset.Name).Set(float64(len(snapshots) - deleted))
	}
	return nil
}

// cleanupJobs drops terminal job records of a deleted snapshot
func (p *Pruner) cleanupJobs(snapshot *types.Snapshot) {
	for poolID := range snapshot.TargetStatus {
		job, err := p.manager.GetJob(snapshot.DatasetID, snapshot.Generation, poolID)
		if err != nil || !job.State.Terminal() {
			continue
		}
		if err := p.manager.DeleteJob(snapshot.DatasetID, snapshot.Generation, poolID); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to remove job record")
		}
	}
}

// Evaluate classifies snapshots into granularity buckets, selects the
// most-recent snapshot of each bucket as its representative, and keeps
// the N most-recent representatives per tier. A snapshot kept by any
// tier survives. The most recent snapshot always survives, even under
// an empty policy, so a valid incremental basis always exists.
func Evaluate(snapshots []*types.Snapshot, tiers []types.RetentionTier) map[uint64]bool {
	keep := make(map[uint64]bool)
	if len(snapshots) == 0 {
		return keep
	}

	for _, tier := range tiers {
		if tier.Keep <= 0 {
			continue
		}
		// Most recent snapshot per bucket; snapshots arrive in
		// generation order so later entries win.
		representatives := make(map[string]*types.Snapshot)
		var order []string
		for _, snapshot := range snapshots {
			key := bucketKey(snapshot.CreatedAt, tier.Granularity)
			if _, ok := representatives[key]; !ok {
				order = append(order, key)
			}
			representatives[key] = snapshot
		}
		// Buckets were appended oldest first; keep the last N
		start := len(order) - tier.Keep
		if start < 0 {
			start = 0
		}
		for _, key := range order[start:] {
			keep[representatives[key].Generation] = true
		}
	}

	// Never prune to zero
	keep[snapshots[len(snapshots)-1].Generation] = true
	return keep
}

func bucketKey(t time.Time, granularity types.Granularity) string {
	t = t.UTC()
	switch granularity {
	case types.GranularityHourly:
		return t.Format("2006-01-02T15")
	case types.GranularityDaily:
		return t.Format("2006-01-02")
	case types.GranularityWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case types.GranularityMonthly:
		return t.Format("2006-01")
	case types.GranularityYearly:
		return t.Format("2006")
	default:
		return t.Format(time.RFC3339)
	}
}
