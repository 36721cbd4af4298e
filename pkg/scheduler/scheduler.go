package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/rs/zerolog"
)

// Scheduler decides, per dataset, when the next snapshot is due and
// triggers creation. Snapshot creation for a single dataset is strictly
// serialized: a dataset in Creating state is skipped until it returns
// to Idle.
type Scheduler struct {
	manager *manager.Manager
	tick    time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex
	creating map[string]bool
}

// New creates a scheduler ticking at the given cadence
func New(mgr *manager.Manager, tick time.Duration) *Scheduler {
	return &Scheduler{
		manager:  mgr,
		tick:     tick,
		logger:   log.WithComponent("scheduler"),
		creating: make(map[string]bool),
	}
}

// Run ticks until the context is cancelled. It is restartable by the
// supervisor.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Tick performs one scheduling pass over every dataset
func (s *Scheduler) Tick(ctx context.Context) {
	datasets, err := s.manager.ListDatasets()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list datasets")
		return
	}

	now := s.manager.Clock().Now().UTC()
	for _, dataset := range datasets {
		if !dataset.Snapshotting {
			continue
		}
		s.scheduleDataset(ctx, dataset, now)
	}
}

func (s *Scheduler) scheduleDataset(ctx context.Context, dataset *types.Dataset, now time.Time) {
	s.mu.Lock()
	if s.creating[dataset.ID] {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if dataset.NextDue.IsZero() {
		if err := s.initializeDue(dataset, now); err != nil {
			s.logger.Error().Err(err).Str("dataset_id", dataset.ID).Msg("failed to initialize schedule")
		}
		return
	}
	if now.Before(dataset.NextDue) {
		return
	}

	// Dataset is Due. Count the intervals missed since the due time;
	// FireAll creates one snapshot per missed interval, oldest first,
	// while FireOnce collapses them into a single snapshot.
	missed := 1 + int(now.Sub(dataset.NextDue)/dataset.Schedule.Interval)
	fires := 1
	if dataset.Schedule.CatchUp == types.CatchUpFireAll {
		fires = missed
	}
	if missed > 1 {
		s.logger.Warn().Str("dataset_id", dataset.ID).
			Int("missed", missed).Int("fires", fires).
			Str("catch_up", string(dataset.Schedule.CatchUp)).
			Msg("catching up missed snapshot intervals")
	}

	s.mu.Lock()
	s.creating[dataset.ID] = true
	s.mu.Unlock()
	s.create(ctx, dataset.ID, fires)
}

// initializeDue computes the first due time for a dataset that has no
// scheduling state yet: the smallest anchor + k*interval at or after
// the last snapshot's creation time, or the next boundary after now for
// a dataset with no snapshots.
func (s *Scheduler) initializeDue(dataset *types.Dataset, now time.Time) error {
	snapshots, err := s.manager.ListSnapshots(dataset.ID)
	if err != nil {
		return err
	}
	if len(snapshots) > 0 {
		dataset.NextDue = NextDue(dataset.Schedule, snapshots[len(snapshots)-1].CreatedAt)
	} else {
		dataset.NextDue = boundaryAfter(dataset.Schedule, now)
	}
	s.logger.Info().Str("dataset_id", dataset.ID).Time("next_due", dataset.NextDue).Msg("schedule initialized")
	return s.manager.SaveDataset(dataset)
}

// create runs the Creating state for one dataset: it performs the
// snapshot(s) and advances the due time only on success, so a failed
// creation is retried on the next tick.
func (s *Scheduler) create(ctx context.Context, datasetID string, fires int) {
	defer func() {
		s.mu.Lock()
		delete(s.creating, datasetID)
		s.mu.Unlock()
	}()

	lock := s.manager.LockDataset(datasetID)
	lock.Lock()
	defer lock.Unlock()

	logger := log.WithDataset(s.logger, datasetID)
	for i := 0; i < fires; i++ {
		if _, err := s.manager.CreateSnapshot(ctx, datasetID); err != nil {
			// Recoverable: due time stays put, next tick retries
			logger.Error().Err(err).Msg("snapshot creation failed")
			return
		}
	}

	dataset, err := s.manager.GetDataset(datasetID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload dataset")
		return
	}
	dataset.NextDue = boundaryAfter(dataset.Schedule, s.manager.Clock().Now().UTC())
	if err := s.manager.SaveDataset(dataset); err != nil {
		logger.Error().Err(err).Msg("failed to advance due time")
	}
}

// NextDue returns anchor + k*interval for the smallest k giving a time
// at or after last.
func NextDue(schedule types.Schedule, last time.Time) time.Time {
	if schedule.Interval <= 0 {
		return time.Time{}
	}
	if !last.After(schedule.Anchor) {
		return schedule.Anchor
	}
	delta := last.Sub(schedule.Anchor)
	k := delta / schedule.Interval
	due := schedule.Anchor.Add(k * schedule.Interval)
	if due.Before(last) {
		due = due.Add(schedule.Interval)
	}
	return due
}

// boundaryAfter returns the first schedule boundary strictly after t
func boundaryAfter(schedule types.Schedule, t time.Time) time.Time {
	due := NextDue(schedule, t)
	if !due.After(t) {
		due = due.Add(schedule.Interval)
	}
	return due
}
