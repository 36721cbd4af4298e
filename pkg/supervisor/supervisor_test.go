package supervisor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keeperhq/cellar/pkg/btrfs"
	"github.com/keeperhq/cellar/pkg/clock"
	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/storage"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*manager.Manager, *btrfs.Fake, *clock.Test) {
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

	return manager.NewManager(store, fake, clk, broker), fake, clk
}

func seedPools(t *testing.T, mgr *manager.Manager) {
	t.Helper()
	require.NoError(t, mgr.RegisterPool(&types.Pool{
		ID: "local", Name: "local", Mountpoint: "/mnt/local", Health: types.PoolOffline,
	}))
	require.NoError(t, mgr.RegisterPool(&types.Pool{
		ID: "backup", Name: "backup", Mountpoint: "/mnt/backup", Health: types.PoolOffline,
	}))
}

func TestProbePoolsHealth(t *testing.T) {
	mgr, fake, _ := newTestEnv(t)
	seedPools(t, mgr)
	sup := New(mgr, time.Minute)

	fake.FreeBytes = 10 << 30
	sup.ProbePools(context.Background())

	for _, id := range []string{"local", "backup"} {
		pool, err := mgr.GetPool(id)
		require.NoError(t, err)
		assert.Equal(t, types.PoolOnline, pool.Health)
		assert.Equal(t, int64(10<<30), pool.FreeBytes)
	}

	// An unreachable mountpoint takes its pool offline
	fake.ProbeErr["/mnt/backup"] = errors.New("mount gone")
	sup.ProbePools(context.Background())

	pool, err := mgr.GetPool("backup")
	require.NoError(t, err)
	assert.Equal(t, types.PoolOffline, pool.Health)

	pool, err = mgr.GetPool("local")
	require.NoError(t, err)
	assert.Equal(t, types.PoolOnline, pool.Health)
}

func TestProbePoolsDegradedOnLowSpace(t *testing.T) {
	mgr, fake, _ := newTestEnv(t)
	seedPools(t, mgr)
	sup := New(mgr, time.Minute)

	fake.FreeBytes = 100 << 20
	sup.ProbePools(context.Background())

	pool, err := mgr.GetPool("local")
	require.NoError(t, err)
	assert.Equal(t, types.PoolDegraded, pool.Health)
}

func seedInterruptedJob(t *testing.T, mgr *manager.Manager, fake *btrfs.Fake, state types.JobState, retries int) *types.TransferJob {
	t.Helper()
	dataset := &types.Dataset{
		ID: "home", Name: "home", PoolID: "local", SourcePath: "/mnt/local/home",
		Targets: []types.Target{{PoolID: "backup"}},
	}
	require.NoError(t, mgr.RegisterDataset(dataset))
	fake.SetSource(dataset.SourcePath, []byte("home data"))

	lock := mgr.LockDataset(dataset.ID)
	lock.Lock()
	_, err := mgr.CreateSnapshot(context.Background(), dataset.ID)
	lock.Unlock()
	require.NoError(t, err)
	require.NoError(t, mgr.SetSnapshotTargetStatus(dataset.ID, 1, "backup", types.SnapshotInFlight))

	job := &types.TransferJob{
		ID:         "job-1",
		DatasetID:  "home",
		Generation: 1,
		PoolID:     "backup",
		State:      state,
		Retries:    retries,
	}
	require.NoError(t, mgr.SaveJob(job))
	return job
}

func TestRecoverJobCompletedOnTarget(t *testing.T) {
	mgr, fake, _ := newTestEnv(t)
	seedPools(t, mgr)
	job := seedInterruptedJob(t, mgr, fake, types.JobSending, 1)

	// The target recorded the job's generation before the crash: the
	// stream finalized and the job completes.
	fake.SetState("/mnt/backup", "home", &btrfs.ReceiveState{Generation: 1, Checksum: "abc"})

	sup := New(mgr, time.Minute)
	require.NoError(t, sup.RecoverJobs(context.Background()))

	recovered, err := mgr.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, recovered.State)

	snapshot, err := mgr.GetSnapshot("home", 1)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotVerified, snapshot.TargetStatus["backup"])
}

func TestRecoverJobRequeuedWithRetriesPreserved(t *testing.T) {
	mgr, fake, clk := newTestEnv(t)
	seedPools(t, mgr)
	job := seedInterruptedJob(t, mgr, fake, types.JobVerifying, 2)

	sup := New(mgr, time.Minute)
	require.NoError(t, sup.RecoverJobs(context.Background()))

	recovered, err := mgr.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobRetrying, recovered.State)
	assert.Equal(t, 2, recovered.Retries, "interruption must not consume an attempt")
	assert.Equal(t, clk.Now(), recovered.NextAttempt)
}

func TestRecoverLeavesSettledJobsAlone(t *testing.T) {
	mgr, fake, _ := newTestEnv(t)
	seedPools(t, mgr)
	job := seedInterruptedJob(t, mgr, fake, types.JobComplete, 0)

	sup := New(mgr, time.Minute)
	require.NoError(t, sup.RecoverJobs(context.Background()))

	recovered, err := mgr.GetJobByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobComplete, recovered.State)
}

func TestSuperviseRestartsFailingTask(t *testing.T) {
	mgr, _, _ := newTestEnv(t)
	sup := New(mgr, time.Minute)

	var runs atomic.Int32
	task := Task{Name: "flaky", Run: func(ctx context.Context) error {
		runs.Add(1)
		if runs.Load() < 3 {
			return errors.New("task crashed")
		}
		<-ctx.Done()
		return ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.supervise(ctx, task)
		close(done)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 10*time.Second, 50*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}
