package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keeperhq/cellar/pkg/btrfs"
	"github.com/keeperhq/cellar/pkg/clock"
	"github.com/keeperhq/cellar/pkg/events"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/pruner"
	"github.com/keeperhq/cellar/pkg/storage"
	"github.com/keeperhq/cellar/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *manager.Manager, *btrfs.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fake := btrfs.NewFake()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	mgr := manager.NewManager(store, fake, clock.NewTest(), broker)
	require.NoError(t, mgr.RegisterPool(&types.Pool{
		ID: "local", Name: "local", Mountpoint: "/mnt/local", Health: types.PoolOnline,
	}))
	dataset := &types.Dataset{
		ID: "home", Name: "home", PoolID: "local", SourcePath: "/mnt/local/home",
	}
	require.NoError(t, mgr.RegisterDataset(dataset))
	fake.SetSource(dataset.SourcePath, []byte("home data"))

	return NewServer("127.0.0.1:0", mgr, pruner.New(mgr, time.Minute)), mgr, fake
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.http.Handler.ServeHTTP(w, req)
	return w
}

func TestGetStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	var status manager.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.Len(t, status.Pools, 1)
	require.Len(t, status.Datasets, 1)
	assert.Equal(t, "home", status.Datasets[0].Name)
}

func TestSnapshotNow(t *testing.T) {
	s, mgr, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/datasets/home/snapshot")
	require.Equal(t, http.StatusCreated, w.Code)

	snapshots, err := mgr.ListSnapshots("home")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(1), snapshots[0].Generation)
}

func TestSnapshotUnknownDataset(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s, http.MethodPost, "/v1/datasets/nope/snapshot")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPruneNow(t *testing.T) {
	s, mgr, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/v1/datasets/home/snapshot").Code)
	}

	w := do(s, http.MethodPost, "/v1/datasets/home/prune")
	require.Equal(t, http.StatusOK, w.Code)

	// Empty retention keeps only the newest snapshot
	snapshots, err := mgr.ListSnapshots("home")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(3), snapshots[0].Generation)
}

func TestCancelJob(t *testing.T) {
	s, mgr, _ := newTestServer(t)
	require.NoError(t, mgr.SaveJob(&types.TransferJob{
		ID: "job-1", DatasetID: "home", Generation: 1, PoolID: "local",
		State: types.JobQueued,
	}))

	w := do(s, http.MethodPost, "/v1/jobs/job-1/cancel")
	require.Equal(t, http.StatusOK, w.Code)

	job, err := mgr.GetJobByID("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.State)

	// Cancelling again conflicts
	w = do(s, http.MethodPost, "/v1/jobs/job-1/cancel")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cellar_")
}

func TestShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
