package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spreadgrid/logger"
	"spreadgrid/store"
)

// Server HTTP API server over stored sweeps
type Server struct {
	router     *gin.Engine
	store      *store.Store
	httpServer *http.Server
	port       int
}

// NewServer Creates API server
func NewServer(st *store.Store, port int) *Server {
	// Set to Release mode (reduce log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		store:  st,
		port:   port,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// requestLogger routes gin access lines through the shared logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("http request")
	}
}

// setupRoutes Setup routes
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.Any("/health", s.handleHealth)

		api.GET("/sweeps", s.handleListSweeps)
		api.GET("/sweeps/:id", s.handleGetSweep)
		api.DELETE("/sweeps/:id", s.handleDeleteSweep)
		api.GET("/sweeps/:id/results", s.handleSweepResults)

		api.GET("/runs/:id", s.handleGetRun)
		api.GET("/runs/:id/equity", s.handleRunEquity)
		api.GET("/runs/:id/events", s.handleRunEvents)
	}
}

// handleHealth Health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleListSweeps(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}
	sweeps, err := s.store.Sweep().List(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweeps": sweeps})
}

func (s *Server) handleGetSweep(c *gin.Context) {
	sw, err := s.store.Sweep().Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sw)
}

func (s *Server) handleDeleteSweep(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.Sweep().Get(id); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.Sweep().Delete(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Sweep deleted"})
}

// handleSweepResults lists the ranked results of a sweep.
// Query: sort (default sharpe_ratio), limit.
func (s *Server) handleSweepResults(c *gin.Context) {
	id := c.Param("id")
	sortKey := c.DefaultQuery("sort", "sharpe_ratio")
	if !store.ValidSortKey(sortKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported sort key: %s", sortKey)})
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	if _, err := s.store.Sweep().Get(id); err != nil {
		s.fail(c, err)
		return
	}
	results, err := s.store.Sweep().Results(id, sortKey, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sweep_id": id,
		"sort":     sortKey,
		"results":  results,
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	row, err := s.store.Sweep().Result(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

// handleRunEquity returns the equity curve of a detailed run.
// Query: step thins the curve, offset and limit page it.
func (s *Server) handleRunEquity(c *gin.Context) {
	id := c.Param("id")
	step, ok := intQuery(c, "step", 1)
	if !ok {
		return
	}
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	if _, err := s.store.Sweep().Result(id); err != nil {
		s.fail(c, err)
		return
	}
	points, err := s.store.Run().Equity(id, step, offset, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "points": points})
}

// handleRunEvents returns the event log of a detailed run.
// Query: kind filters, offset and limit page it.
func (s *Server) handleRunEvents(c *gin.Context) {
	id := c.Param("id")
	offset, ok := intQuery(c, "offset", 0)
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	if _, err := s.store.Sweep().Result(id); err != nil {
		s.fail(c, err)
		return
	}
	events, err := s.store.Run().Events(id, c.Query("kind"), offset, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": id, "events": events})
}

// fail maps store errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	logger.Errorf("❌ %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// intQuery reads a non-negative integer query parameter. It writes a 400
// and returns false when the value is malformed.
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s: %s", name, raw)})
		return 0, false
	}
	return v, true
}

// Start Start server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("🌐 API server starting at http://localhost%s", addr)
	logger.Infof("  • GET  /api/sweeps                     - Stored sweeps, newest first")
	logger.Infof("  • GET  /api/sweeps/:id/results?sort=   - Ranked combinations of a sweep")
	logger.Infof("  • GET  /api/runs/:id/equity?step=      - Equity curve of a detailed run")
	logger.Infof("  • GET  /api/runs/:id/events?kind=      - Event log of a detailed run")
	logger.Infof("  • GET  /metrics                        - Prometheus metrics")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown Gracefully shutdown server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
