package manager

import (
	"time"

	"github.com/keeperhq/cellar/pkg/types"
)

// TargetStatus is the replication status of one dataset target
type TargetStatus struct {
	PoolID    string         `json:"pool_id"`
	JobID     string         `json:"job_id,omitempty"`
	State     types.JobState `json:"state,omitempty"`
	BytesSent int64          `json:"bytes_sent"`
	Retries   int            `json:"retries"`
	LastError string         `json:"last_error,omitempty"`
	Verified  uint64         `json:"verified_generation"`
}

// DatasetStatus is the read-only view of one dataset
type DatasetStatus struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	NextDue       time.Time      `json:"next_due"`
	SnapshotCount int            `json:"snapshot_count"`
	LastSnapshot  time.Time      `json:"last_snapshot,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Targets       []TargetStatus `json:"targets"`
}

// Status is a point-in-time view of all managed state, exposed through
// the API for operators. It never hides a failure: terminal failed jobs
// and degraded pools stay visible with their last error.
type Status struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Pools       []*types.Pool   `json:"pools"`
	Datasets    []DatasetStatus `json:"datasets"`
}

// Status builds the read-only state snapshot
func (m *Manager) Status() (*Status, error) {
	pools, err := m.ListPools()
	if err != nil {
		return nil, err
	}
	datasets, err := m.ListDatasets()
	if err != nil {
		return nil, err
	}

	status := &Status{
		GeneratedAt: m.clock.Now(),
		Pools:       pools,
	}

	for _, dataset := range datasets {
		ds := DatasetStatus{
			ID:        dataset.ID,
			Name:      dataset.Name,
			NextDue:   dataset.NextDue,
			LastError: dataset.LastError,
		}

		snapshots, err := m.ListSnapshots(dataset.ID)
		if err != nil {
			return nil, err
		}
		ds.SnapshotCount = len(snapshots)
		if len(snapshots) > 0 {
			ds.LastSnapshot = snapshots[len(snapshots)-1].CreatedAt
		}

		jobs, err := m.ListJobsByDataset(dataset.ID)
		if err != nil {
			return nil, err
		}
		for _, target := range dataset.Targets {
			ts := TargetStatus{PoolID: target.PoolID}
			if generation, ok, err := m.LastVerified(dataset.ID, target.PoolID); err == nil && ok {
				ts.Verified = generation
			}
			// Report the newest job for this pair; jobs list in
			// generation order.
			for _, job := range jobs {
				if job.PoolID != target.PoolID {
					continue
				}
				ts.JobID = job.ID
				ts.State = job.State
				ts.BytesSent = job.BytesSent
				ts.Retries = job.Retries
				ts.LastError = job.LastError
			}
			ds.Targets = append(ds.Targets, ts)
		}
		status.Datasets = append(status.Datasets, ds)
	}
	return status, nil
}
