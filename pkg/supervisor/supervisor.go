package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/keeperhq/cellar/pkg/health"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/metrics"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/rs/zerolog"
)

// lowSpaceBytes marks a reachable pool Degraded when its free space
// estimate drops below it.
const lowSpaceBytes = 1 << 30

// Task is a background loop the supervisor keeps alive
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor owns pool health, resolves jobs interrupted by a crash,
// and restarts background tasks that exit unexpectedly.
type Supervisor struct {
	manager  *manager.Manager
	interval time.Duration
	logger   zerolog.Logger
	tasks    []Task

	// endpoints tracks remote endpoint reachability per pool so a
	// single dropped connection does not flap the pool state.
	endpoints map[string]*health.Tracker
}

// New creates a supervisor probing pools at the given cadence
func New(mgr *manager.Manager, interval time.Duration) *Supervisor {
	return &Supervisor{
		manager:   mgr,
		interval:  interval,
		logger:    log.WithComponent("supervisor"),
		endpoints: make(map[string]*health.Tracker),
	}
}

// Register adds a background task. Must be called before Run.
func (s *Supervisor) Register(name string, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Run probes pools, resolves interrupted jobs, starts the registered
// tasks, and then watches everything until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ProbePools(ctx)
	if err := s.RecoverJobs(ctx); err != nil {
		s.logger.Error().Err(err).Msg("job recovery failed")
	}

	var wg sync.WaitGroup
	for _, task := range s.tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.supervise(ctx, task)
		}(task)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.ProbePools(ctx)
			metrics.ReconcileCycles.Inc()
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
	}
}

// supervise restarts a task that returns early, backing off between
// restarts.
func (s *Supervisor) supervise(ctx context.Context, task Task) {
	backoff := time.Second
	for {
		err := task.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Str("task", task.Name).
			Dur("backoff", backoff).Msg("task exited, restarting")
		metrics.WorkerRestarts.WithLabelValues(task.Name).Inc()

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

// ProbePools checks reachability and free space of every pool and
// updates its health state. The supervisor is the only pool health
// writer.
func (s *Supervisor) ProbePools(ctx context.Context) {
	pools, err := s.manager.ListPools()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list pools")
		return
	}

	counts := map[types.PoolHealth]int{}
	for _, pool := range pools {
		logger := log.WithPool(s.logger, pool.ID)
		free, probeErr := s.manager.Filesystem().Probe(ctx, pool.Mountpoint)
		state := types.PoolOnline
		switch {
		case probeErr != nil:
			state = types.PoolOffline
			free = pool.FreeBytes
			logger.Warn().Err(probeErr).Msg("pool probe failed")
		case free < lowSpaceBytes:
			state = types.PoolDegraded
		case pool.Endpoint != "" && !s.endpointHealthy(ctx, pool):
			// The filesystem responds but the stream endpoint does not
			state = types.PoolDegraded
		}
		if err := s.manager.SetPoolHealth(pool.ID, state, free); err != nil {
			logger.Error().Err(err).Msg("failed to update pool health")
		}
		counts[state]++
	}

	for _, health := range []types.PoolHealth{types.PoolOnline, types.PoolDegraded, types.PoolOffline} {
		metrics.PoolsTotal.WithLabelValues(string(health)).Set(float64(counts[health]))
	}
}

func (s *Supervisor) endpointHealthy(ctx context.Context, pool *types.Pool) bool {
	tracker, ok := s.endpoints[pool.ID]
	if !ok {
		tracker = health.NewTracker(3)
		s.endpoints[pool.ID] = tracker
	}
	result := health.NewTCPChecker(pool.Endpoint).Check(ctx)
	if !result.Healthy {
		s.logger.Warn().Str("pool_id", pool.ID).Str("endpoint", pool.Endpoint).
			Msg(result.Message)
	}
	return tracker.Observe(result)
}

// RecoverJobs resolves jobs a previous process left mid-flight. A job
// found Sending or Verifying is settled by asking the target what it
// actually holds: if the target recorded the job's generation the apply
// finalized and the job completes, otherwise the job moves to Retrying
// with its retry count preserved. Jobs are never dropped.
func (s *Supervisor) RecoverJobs(ctx context.Context) error {
	jobs, err := s.manager.ListJobs()
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if job.State != types.JobSending && job.State != types.JobVerifying {
			continue
		}
		outcome, err := s.recoverJob(ctx, job)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to recover job")
			continue
		}
		s.logger.Info().Str("job_id", job.ID).Str("dataset_id", job.DatasetID).
			Str("pool_id", job.PoolID).Str("outcome", outcome).
			Msg("recovered interrupted job")
		metrics.JobsRecovered.WithLabelValues(outcome).Inc()
	}
	return nil
}

func (s *Supervisor) recoverJob(ctx context.Context, job *types.TransferJob) (string, error) {
	pool, err := s.manager.GetPool(job.PoolID)
	if err != nil {
		return "", err
	}

	state, err := s.manager.Filesystem().QueryState(ctx, pool.Mountpoint, job.DatasetID)
	if err == nil && state != nil && state.Generation == job.Generation {
		job.State = types.JobComplete
		job.LastError = ""
		if err := s.manager.SaveJob(job); err != nil {
			return "", err
		}
		if err := s.manager.SetSnapshotTargetStatus(job.DatasetID, job.Generation, job.PoolID, types.SnapshotVerified); err != nil {
			return "", err
		}
		return "complete", nil
	}

	// The stream never finalized. Retry from the beginning without
	// consuming an attempt; the interruption was not the transfer's
	// fault.
	job.State = types.JobRetrying
	job.NextAttempt = s.manager.Clock().Now()
	job.LastError = "interrupted by restart"
	if err := s.manager.SaveJob(job); err != nil {
		return "", err
	}
	return "retrying", nil
}
