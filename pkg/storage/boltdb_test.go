package storage

import (
	"testing"
	"time"

	"github.com/keeperhq/cellar/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPoolRoundtrip(t *testing.T) {
	store := newTestStore(t)

	pool := &types.Pool{
		ID: "local", Name: "local", Mountpoint: "/mnt/local",
		Health: types.PoolOnline, FreeBytes: 42,
		CheckedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SavePool(pool))

	loaded, err := store.GetPool("local")
	require.NoError(t, err)
	assert.Equal(t, pool, loaded)

	_, err = store.GetPool("missing")
	assert.Error(t, err)
}

func TestListSnapshotsGenerationOrder(t *testing.T) {
	store := newTestStore(t)

	// Insert out of order, across the single-digit/double-digit
	// boundary where lexicographic decimal keys would misorder.
	for _, generation := range []uint64{12, 2, 1, 10, 3} {
		require.NoError(t, store.SaveSnapshot(&types.Snapshot{
			DatasetID:  "home",
			Generation: generation,
		}))
	}

	snapshots, err := store.ListSnapshots("home")
	require.NoError(t, err)
	require.Len(t, snapshots, 5)
	want := []uint64{1, 2, 3, 10, 12}
	for i, snapshot := range snapshots {
		assert.Equal(t, want[i], snapshot.Generation)
	}
}

func TestListSnapshotsPrefixIsolation(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveSnapshot(&types.Snapshot{DatasetID: "home", Generation: 1}))
	require.NoError(t, store.SaveSnapshot(&types.Snapshot{DatasetID: "homework", Generation: 1}))

	snapshots, err := store.ListSnapshots("home")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "home", snapshots[0].DatasetID)
}

func TestJobRoundtrip(t *testing.T) {
	store := newTestStore(t)

	parent := uint64(1)
	job := &types.TransferJob{
		ID: "job-1", DatasetID: "home", Generation: 2, PoolID: "backup",
		ParentGeneration: &parent, State: types.JobRetrying, Retries: 2,
		BytesSent: 1024,
	}
	require.NoError(t, store.SaveJob(job))

	loaded, err := store.GetJob("home", 2, "backup")
	require.NoError(t, err)
	assert.Equal(t, job, loaded)

	byID, err := store.GetJobByID("job-1")
	require.NoError(t, err)
	assert.Equal(t, job, byID)

	jobs, err := store.ListJobsByDataset("home")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, store.DeleteJob("home", 2, "backup"))
	_, err = store.GetJob("home", 2, "backup")
	assert.Error(t, err)
}

func TestDeleteSnapshot(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveSnapshot(&types.Snapshot{DatasetID: "home", Generation: 1}))
	require.NoError(t, store.SaveSnapshot(&types.Snapshot{DatasetID: "home", Generation: 2}))

	require.NoError(t, store.DeleteSnapshot("home", 1))

	snapshots, err := store.ListSnapshots("home")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(2), snapshots[0].Generation)
}
