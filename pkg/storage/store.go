package storage

import (
	"github.com/keeperhq/cellar/pkg/types"
)

// Store defines the interface for durable snapshot and transfer state.
// Implemented by BoltDB-backed storage. TransferJob records keyed by
// (dataset id, generation, target pool) survive restarts so the
// supervisor can reconcile interrupted transfers.
type Store interface {
	// Pools
	SavePool(pool *types.Pool) error
	GetPool(id string) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)

	// Datasets
	SaveDataset(dataset *types.Dataset) error
	GetDataset(id string) (*types.Dataset, error)
	ListDatasets() ([]*types.Dataset, error)

	// Snapshots
	SaveSnapshot(snapshot *types.Snapshot) error
	GetSnapshot(datasetID string, generation uint64) (*types.Snapshot, error)
	ListSnapshots(datasetID string) ([]*types.Snapshot, error)
	DeleteSnapshot(datasetID string, generation uint64) error

	// Transfer jobs
	SaveJob(job *types.TransferJob) error
	GetJob(datasetID string, generation uint64, poolID string) (*types.TransferJob, error)
	GetJobByID(id string) (*types.TransferJob, error)
	ListJobs() ([]*types.TransferJob, error)
	ListJobsByDataset(datasetID string) ([]*types.TransferJob, error)
	DeleteJob(datasetID string, generation uint64, poolID string) error

	// Utility
	Close() error
}
