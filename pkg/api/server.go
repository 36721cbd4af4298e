package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keeperhq/cellar/pkg/log"
	"github.com/keeperhq/cellar/pkg/manager"
	"github.com/keeperhq/cellar/pkg/metrics"
	"github.com/keeperhq/cellar/pkg/pruner"
	"github.com/rs/zerolog"
)

// Server exposes the daemon's status and operator actions over HTTP
type Server struct {
	manager *manager.Manager
	pruner  *pruner.Pruner
	logger  zerolog.Logger
	http    *http.Server
}

// NewServer creates the API server bound to addr
func NewServer(addr string, mgr *manager.Manager, prn *pruner.Pruner) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		manager: mgr,
		pruner:  prn,
		logger:  log.WithComponent("api"),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/pools", s.listPools)
		v1.GET("/datasets", s.listDatasets)
		v1.GET("/jobs", s.listJobs)
		v1.POST("/datasets/:id/snapshot", s.createSnapshot)
		v1.POST("/datasets/:id/prune", s.pruneDataset)
		v1.POST("/jobs/:id/cancel", s.cancelJob)
	}
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) getStatus(c *gin.Context) {
	status, err := s.manager.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) listPools(c *gin.Context) {
	pools, err := s.manager.ListPools()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pools)
}

func (s *Server) listDatasets(c *gin.Context) {
	datasets, err := s.manager.ListDatasets()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, datasets)
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.manager.ListJobs()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// createSnapshot takes an immediate snapshot outside the schedule
func (s *Server) createSnapshot(c *gin.Context) {
	datasetID := c.Param("id")
	if _, err := s.manager.GetDataset(datasetID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	lock := s.manager.LockDataset(datasetID)
	lock.Lock()
	snapshot, err := s.manager.CreateSnapshot(c.Request.Context(), datasetID)
	lock.Unlock()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

// pruneDataset runs a retention pass immediately
func (s *Server) pruneDataset(c *gin.Context) {
	datasetID := c.Param("id")
	if _, err := s.manager.GetDataset(datasetID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := s.pruner.PruneDataset(c.Request.Context(), datasetID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pruned"})
}

func (s *Server) cancelJob(c *gin.Context) {
	if err := s.manager.CancelJob(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
