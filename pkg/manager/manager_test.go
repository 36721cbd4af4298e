package manager

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/keeperhq/cellar/pkg/btrfs"
	"github.com/keeperhq/cellar/pkg/clock"
	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/storage"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *btrfs.Fake, *clock.Test) {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := btrfs.NewFake()
	clk := clock.NewTest()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewManager(store, fake, clk, broker), fake, clk
}

func seed(t *testing.T, mgr *Manager, fake *btrfs.Fake) *types.Dataset {
	t.Helper()
	require.NoError(t, mgr.RegisterPool(&types.Pool{
		ID: "local", Name: "local", Mountpoint: "/mnt/local", Health: types.PoolOnline,
	}))
	dataset := &types.Dataset{
		ID: "home", Name: "home", PoolID: "local", SourcePath: "/mnt/local/home",
		Targets: []types.Target{{PoolID: "backup"}},
	}
	require.NoError(t, mgr.RegisterDataset(dataset))
	fake.SetSource(dataset.SourcePath, []byte("home data"))
	return dataset
}

func create(t *testing.T, mgr *Manager, datasetID string) *types.Snapshot {
	t.Helper()
	lock := mgr.LockDataset(datasetID)
	lock.Lock()
	defer lock.Unlock()
	snapshot, err := mgr.CreateSnapshot(context.Background(), datasetID)
	require.NoError(t, err)
	return snapshot
}

func TestGenerationsStrictlyIncrease(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	dataset := seed(t, mgr, fake)

	first := create(t, mgr, dataset.ID)
	second := create(t, mgr, dataset.ID)
	third := create(t, mgr, dataset.ID)
	assert.Equal(t, uint64(1), first.Generation)
	assert.Equal(t, uint64(2), second.Generation)
	assert.Equal(t, uint64(3), third.Generation)

	// Deleting older snapshots never recycles their numbers
	require.NoError(t, mgr.DeleteSnapshot(context.Background(), dataset.ID, 1))
	require.NoError(t, mgr.DeleteSnapshot(context.Background(), dataset.ID, 2))

	fourth := create(t, mgr, dataset.ID)
	assert.Equal(t, uint64(4), fourth.Generation)
}

func TestSnapshotStartsPendingPerTarget(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	dataset := seed(t, mgr, fake)

	snapshot := create(t, mgr, dataset.ID)
	assert.Equal(t, types.SnapshotPending, snapshot.TargetStatus["backup"])

	content, ok := fake.SnapshotContent(snapshot.Path)
	require.True(t, ok)
	assert.Equal(t, []byte("home data"), content)
}

func TestProtectedGenerations(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	dataset := seed(t, mgr, fake)
	for i := 0; i < 4; i++ {
		create(t, mgr, dataset.ID)
	}

	require.NoError(t, mgr.SetSnapshotTargetStatus(dataset.ID, 2, "backup", types.SnapshotVerified))
	parent := uint64(2)
	require.NoError(t, mgr.SaveJob(&types.TransferJob{
		ID: "job-1", DatasetID: dataset.ID, Generation: 3, PoolID: "backup",
		ParentGeneration: &parent, State: types.JobSending,
	}))

	protected, err := mgr.ProtectedGenerations(dataset.ID)
	require.NoError(t, err)
	assert.True(t, protected[2], "incremental basis of the running job")
	assert.True(t, protected[3], "source of the running job")
	assert.False(t, protected[1])
	assert.False(t, protected[4])

	// Terminal jobs protect nothing beyond the verified basis
	job, err := mgr.GetJobByID("job-1")
	require.NoError(t, err)
	job.State = types.JobComplete
	require.NoError(t, mgr.SaveJob(job))
	require.NoError(t, mgr.SetSnapshotTargetStatus(dataset.ID, 3, "backup", types.SnapshotVerified))

	protected, err = mgr.ProtectedGenerations(dataset.ID)
	require.NoError(t, err)
	assert.False(t, protected[2])
	assert.True(t, protected[3], "newest verified snapshot per target")
}

func TestLastVerified(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	dataset := seed(t, mgr, fake)
	for i := 0; i < 3; i++ {
		create(t, mgr, dataset.ID)
	}

	_, ok, err := mgr.LastVerified(dataset.ID, "backup")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mgr.SetSnapshotTargetStatus(dataset.ID, 1, "backup", types.SnapshotVerified))
	require.NoError(t, mgr.SetSnapshotTargetStatus(dataset.ID, 3, "backup", types.SnapshotVerified))

	generation, ok, err := mgr.LastVerified(dataset.ID, "backup")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), generation)
}

func TestCancelQueuedJob(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	dataset := seed(t, mgr, fake)
	create(t, mgr, dataset.ID)

	require.NoError(t, mgr.SaveJob(&types.TransferJob{
		ID: "job-1", DatasetID: dataset.ID, Generation: 1, PoolID: "backup",
		State: types.JobQueued,
	}))

	require.NoError(t, mgr.CancelJob("job-1"))
	job, err := mgr.GetJobByID("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.State)
	assert.Equal(t, "cancelled by operator", job.LastError)

	// Cancelling a settled job is an error
	assert.Error(t, mgr.CancelJob("job-1"))
}

func TestCancelRunningJobInvokesCanceller(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	dataset := seed(t, mgr, fake)
	create(t, mgr, dataset.ID)

	require.NoError(t, mgr.SaveJob(&types.TransferJob{
		ID: "job-1", DatasetID: dataset.ID, Generation: 1, PoolID: "backup",
		State: types.JobSending,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	mgr.RegisterCanceller("job-1", cancel)
	defer mgr.UnregisterCanceller("job-1")

	require.NoError(t, mgr.CancelJob("job-1"))
	assert.Error(t, ctx.Err(), "a running job is cancelled through its context")

	// The engine owns the state transition for running jobs
	job, err := mgr.GetJobByID("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobSending, job.State)
}

func TestRegisterPreservesRuntimeState(t *testing.T) {
	mgr, fake, clk := newTestManager(t)
	dataset := seed(t, mgr, fake)

	due := clk.Now().Add(time.Hour)
	dataset.NextDue = due
	require.NoError(t, mgr.SaveDataset(dataset))
	require.NoError(t, mgr.SetPoolHealth("local", types.PoolDegraded, 42))

	// A restart re-registers from configuration; runtime state survives
	require.NoError(t, mgr.RegisterPool(&types.Pool{
		ID: "local", Name: "local", Mountpoint: "/mnt/local",
	}))
	require.NoError(t, mgr.RegisterDataset(&types.Dataset{
		ID: "home", Name: "home", PoolID: "local", SourcePath: "/mnt/local/home",
	}))

	pool, err := mgr.GetPool("local")
	require.NoError(t, err)
	assert.Equal(t, types.PoolDegraded, pool.Health)
	assert.Equal(t, int64(42), pool.FreeBytes)

	loaded, err := mgr.GetDataset("home")
	require.NoError(t, err)
	assert.Equal(t, due, loaded.NextDue)
}

func TestStatus(t *testing.T) {
	mgr, fake, _ := newTestManager(t)
	dataset := seed(t, mgr, fake)
	create(t, mgr, dataset.ID)
	require.NoError(t, mgr.SetSnapshotTargetStatus(dataset.ID, 1, "backup", types.SnapshotVerified))

	status, err := mgr.Status()
	require.NoError(t, err)
	require.Len(t, status.Pools, 1)
	require.Len(t, status.Datasets, 1)
	assert.Equal(t, 1, status.Datasets[0].SnapshotCount)
	require.Len(t, status.Datasets[0].Targets, 1)
	assert.Equal(t, uint64(1), status.Datasets[0].Targets[0].Verified)
}
