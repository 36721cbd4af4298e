package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/keeperhq/cellar/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketPools     = []byte("pools")
	bucketDatasets  = []byte("datasets")
	bucketSnapshots = []byte("snapshots")
	bucketJobs      = []byte("jobs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cellar.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPools,
			bucketDatasets,
			bucketSnapshots,
			bucketJobs,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Pool operations
func (s *BoltStore) SavePool(pool *types.Pool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data, err := json.Marshal(pool)
		if err != nil {
			return err
		}
		return b.Put([]byte(pool.ID), data)
	})
}

func (s *BoltStore) GetPool(id string) (*types.Pool, error) {
	var pool types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("pool not found: %s", id)
		}
		return json.Unmarshal(data, &pool)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

func (s *BoltStore) ListPools() ([]*types.Pool, error) {
	var pools []*types.Pool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPools)
		return b.ForEach(func(k, v []byte) error {
			var pool types.Pool
			if err := json.Unmarshal(v, &pool); err != nil {
				return err
			}
			pools = append(pools, &pool)
			return nil
		})
	})
	return pools, err
}

// Dataset operations
func (s *BoltStore) SaveDataset(dataset *types.Dataset) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		data, err := json.Marshal(dataset)
		if err != nil {
			return err
		}
		return b.Put([]byte(dataset.ID), data)
	})
}

func (s *BoltStore) GetDataset(id string) (*types.Dataset, error) {
	var dataset types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("dataset not found: %s", id)
		}
		return json.Unmarshal(data, &dataset)
	})
	if err != nil {
		return nil, err
	}
	return &dataset, nil
}

func (s *BoltStore) ListDatasets() ([]*types.Dataset, error) {
	var datasets []*types.Dataset
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDatasets)
		return b.ForEach(func(k, v []byte) error {
			var dataset types.Dataset
			if err := json.Unmarshal(v, &dataset); err != nil {
				return err
			}
			datasets = append(datasets, &dataset)
			return nil
		})
	})
	return datasets, err
}

// Snapshot operations. Keys are dataset-id/generation with the
// generation fixed-width hex, so a prefix cursor yields snapshots in
// generation order.
func (s *BoltStore) SaveSnapshot(snapshot *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return b.Put([]byte(snapshot.Key()), data)
	})
}

func (s *BoltStore) GetSnapshot(datasetID string, generation uint64) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(types.SnapshotKey(datasetID, generation)))
		if data == nil {
			return fmt.Errorf("snapshot not found: %s", types.SnapshotKey(datasetID, generation))
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *BoltStore) ListSnapshots(datasetID string) ([]*types.Snapshot, error) {
	var snapshots []*types.Snapshot
	prefix := []byte(datasetID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshots).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var snapshot types.Snapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return err
			}
			snapshots = append(snapshots, &snapshot)
		}
		return nil
	})
	return snapshots, err
}

func (s *BoltStore) DeleteSnapshot(datasetID string, generation uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.Delete([]byte(types.SnapshotKey(datasetID, generation)))
	})
}

// Transfer job operations
func (s *BoltStore) SaveJob(job *types.TransferJob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.Key()), data)
	})
}

func (s *BoltStore) GetJob(datasetID string, generation uint64, poolID string) (*types.TransferJob, error) {
	var job types.TransferJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(types.JobKey(datasetID, generation, poolID)))
		if data == nil {
			return fmt.Errorf("job not found: %s", types.JobKey(datasetID, generation, poolID))
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) GetJobByID(id string) (*types.TransferJob, error) {
	var found *types.TransferJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.TransferJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.ID == id {
				found = &job
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return found, nil
}

func (s *BoltStore) ListJobs() ([]*types.TransferJob, error) {
	var jobs []*types.TransferJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.TransferJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByDataset(datasetID string) ([]*types.TransferJob, error) {
	var jobs []*types.TransferJob
	prefix := []byte(datasetID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketJobs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var job types.TransferJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	return jobs, err
}

func (s *BoltStore) DeleteJob(datasetID string, generation uint64, poolID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.Delete([]byte(types.JobKey(datasetID, generation, poolID)))
	})
}
