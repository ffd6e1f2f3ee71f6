// Package api serves the agent's local operations endpoints: health, stats,
// policy management, sync queue inspection, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roadmate/drivesync/pkg/connectivity"
	"github.com/roadmate/drivesync/pkg/engine"
	"github.com/roadmate/drivesync/pkg/observability"
	"github.com/roadmate/drivesync/pkg/policy"
	"github.com/roadmate/drivesync/pkg/syncqueue"
)

// Server exposes engine operations over a local HTTP listener
type Server struct {
	router  *gin.Engine
	server  *http.Server
	engine  *engine.Engine
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewServer creates the ops API server for the given engine
func NewServer(eng *engine.Engine, listenAddr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(eng.Logger()))
	router.Use(MetricsMiddleware(eng.Metrics()))

	s := &Server{
		router:  router,
		engine:  eng,
		logger:  eng.Logger(),
		metrics: eng.Metrics(),
		server: &http.Server{
			Addr:              listenAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second, // Prevent Slowloris attacks
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "drivesync agent is running"})
	})
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/stats", s.statsHandler)

	// The metrics endpoint exists only when the engine runs on Prometheus
	if prom, ok := s.metrics.(*observability.PrometheusMetricsClient); ok {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	v1.GET("/policies", s.listPoliciesHandler)
	v1.PUT("/policies/:category", s.registerPolicyHandler)
	v1.GET("/sync/items", s.listSyncItemsHandler)
	v1.GET("/sync/dead-letters", s.listDeadLettersHandler)
	v1.POST("/sync/dead-letters/:id/requeue", s.requeueHandler)
	v1.POST("/sync/drain", s.drainHandler)
	v1.POST("/connectivity", s.connectivityHandler)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Ops API listening", map[string]interface{}{
		"addr": s.server.Addr,
	})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ops API", nil)
	return s.server.Shutdown(ctx)
}

// healthHandler reports component health, 503 when unhealthy
func (s *Server) healthHandler(c *gin.Context) {
	health := s.engine.Health(c.Request.Context())

	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

// statsHandler returns a snapshot across all subsystems
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

// listPoliciesHandler returns the full category policy table
func (s *Server) listPoliciesHandler(c *gin.Context) {
	policies := s.engine.Policies().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"categories": policies,
		"count":      len(policies),
	})
}

// policyRequest is the wire shape for registering a category policy. Fields
// left out fall back to the default policy's values.
type policyRequest struct {
	TTL                string `json:"ttl" binding:"required"`
	MaxMemoryItems     int    `json:"max_memory_items"`
	CompressionEnabled bool   `json:"compression_enabled"`
	SyncStrategy       string `json:"sync_strategy"`
	Priority           int    `json:"priority"`
	PreloadOnStart     bool   `json:"preload_on_start"`
}

// registerPolicyHandler installs or replaces the policy for a category
func (s *Server) registerPolicyHandler(c *gin.Context) {
	category := c.Param("category")

	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl, err := time.ParseDuration(req.TTL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ttl: " + err.Error()})
		return
	}

	pol := policy.DefaultPolicy()
	pol.TTL = ttl
	if req.MaxMemoryItems > 0 {
		pol.MaxMemoryItems = req.MaxMemoryItems
	}
	if req.SyncStrategy != "" {
		pol.SyncStrategy = policy.SyncStrategy(req.SyncStrategy)
	}
	if req.Priority > 0 {
		pol.Priority = req.Priority
	}
	pol.CompressionEnabled = req.CompressionEnabled
	pol.PreloadOnStart = req.PreloadOnStart

	if err := s.engine.Policies().Register(category, pol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"policy":   pol,
	})
}

// listSyncItemsHandler returns every queued item in drain order
func (s *Server) listSyncItemsHandler(c *gin.Context) {
	items := s.engine.Queue().Items()
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"count": len(items),
		"depth": s.engine.Queue().Depth(),
	})
}

// listDeadLettersHandler returns dead-lettered items, oldest first
func (s *Server) listDeadLettersHandler(c *gin.Context) {
	items := s.engine.Queue().DeadLetters()
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"count": len(items),
	})
}

// requeueHandler puts a dead-lettered item back in the pending queue
func (s *Server) requeueHandler(c *gin.Context) {
	id := c.Param("id")

	item, ok := s.engine.Queue().Item(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sync item"})
		return
	}
	if item.State != syncqueue.StateDead {
		c.JSON(http.StatusConflict, gin.H{"error": "item is not dead-lettered"})
		return
	}

	if err := s.engine.Queue().Requeue(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	item, _ = s.engine.Queue().Item(id)
	c.JSON(http.StatusOK, gin.H{"item": item})
}

// drainHandler runs one synchronous drain cycle
func (s *Server) drainHandler(c *gin.Context) {
	s.engine.Drain(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"queue": s.engine.Queue().Depth()})
}

// connectivityRequest is the wire shape for pushing a connectivity state
type connectivityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

// connectivityHandler lets the host push online/offline transitions when the
// agent runs a manual monitor
func (s *Server) connectivityHandler(c *gin.Context) {
	var req connectivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	manual, ok := s.engine.Monitor().(*connectivity.ManualMonitor)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "connectivity monitor is not in manual mode"})
		return
	}

	manual.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": *req.Online})
}
