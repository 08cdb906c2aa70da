// //////////////////////////////////////////////////////////
//
// Description:
// Read-only HTTP surface for the partition daemon: health, status, the
// partition catalog, recent audit entries and prometheus metrics. Everything
// except /healthz and /metrics sits behind optional bearer auth.
//
// Created: 2026/03/02 based on Documents/partman-v1.md
// //////////////////////////////////////////////////////////
package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UniverseGames8/UniFarm2-sub002/api/partitions"
)

// Location codes for monitor operations
const (
	LOC_MON_SERVE = "UNF_MON_001"
	LOC_MON_AUTH  = "UNF_MON_002"
)

// Server exposes the daemon over HTTP. It never mutates anything; all
// provisioning happens in the scheduler loop.
type Server struct {
	cfg     *partitions.Config
	guard   *partitions.Guard
	catalog partitions.Catalog
	plog    partitions.PartitionLog
	sched   *partitions.Scheduler
	metrics *PromMetrics
	logger  *slog.Logger
	echo    *echo.Echo
}

func NewServer(cfg *partitions.Config, guard *partitions.Guard, catalog partitions.Catalog,
	plog partitions.PartitionLog, sched *partitions.Scheduler, metrics *PromMetrics,
	logger *slog.Logger) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		cfg:     cfg,
		guard:   guard,
		catalog: catalog,
		plog:    plog,
		sched:   sched,
		metrics: metrics,
		logger:  logger,
		echo:    e,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", s.handleMetrics)

	// The operator endpoints leak schema details, so they get auth when a
	// secret is configured. /healthz and /metrics stay open for probes and
	// scrapers.
	protected := s.echo.Group("")
	if s.cfg.MonitorTokenSecret != "" {
		protected.Use(bearerAuth(s.cfg.MonitorTokenSecret, s.logger))
	}
	protected.GET("/status", s.handleStatus)
	protected.GET("/partitions", s.handlePartitions)
	protected.GET("/logs", s.handleLogs)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("monitor listening", "addr", s.cfg.MonitorListen, "loc", LOC_MON_SERVE)
	err := s.echo.Start(s.cfg.MonitorListen)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.guard.HealthCheck(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"mode":   string(s.guard.Mode()),
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"mode":   string(s.guard.Mode()),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := partitions.CollectStatus(c.Request().Context(), s.cfg, s.catalog, s.plog, s.sched)
	if err != nil {
		s.logger.Error("status collection failed", "error", err, "loc", LOC_MON_SERVE)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, st)
}

// partitionView renders one catalog entry with printable bounds.
type partitionView struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

func (s *Server) handlePartitions(c echo.Context) error {
	parts, err := s.catalog.ListPartitions(c.Request().Context(), partitions.TransactionsTable)
	if err != nil {
		s.logger.Error("partition listing failed", "error", err, "loc", LOC_MON_SERVE)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	views := make([]partitionView, 0, len(parts))
	for _, p := range parts {
		views = append(views, partitionView{Name: p.Name, From: p.From.String(), To: p.To.String()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"parent":     partitions.TransactionsTable,
		"partitions": views,
	})
}

func (s *Server) handleLogs(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "limit must be an integer between 1 and 1000",
			})
		}
		limit = n
	}
	entries, err := s.plog.Recent(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("audit log read failed", "error", err, "loc", LOC_MON_SERVE)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleMetrics(c echo.Context) error {
	var h http.Handler
	if s.metrics != nil {
		h = s.metrics.Handler()
	} else {
		h = promhttp.Handler()
	}
	h.ServeHTTP(c.Response(), c.Request())
	return nil
}
