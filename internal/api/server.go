// Package api serves the read-only control plane: metrics, incidents,
// health checks, scheduler status, and the live incident feed. The only
// write paths are the manual tick and evaluation triggers.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/travelhub/sentinel/internal/config"
	"github.com/travelhub/sentinel/internal/incident"
	"github.com/travelhub/sentinel/internal/metrics"
	"github.com/travelhub/sentinel/internal/monitor"
	"github.com/travelhub/sentinel/internal/store"
)

const (
	defaultWindowHours     = 24
	experimentWindowHours  = 1
	defaultIncidentLimit   = 50
	defaultCheckLimit      = 50
	maxListLimit           = 1000
	readSnapshotTimeoutSec = 10
)

// BrokerPinger reports broker liveness for GET /status.
type BrokerPinger interface {
	Ping(ctx context.Context) error
}

// Server is the control-plane HTTP API.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	scheduler *monitor.Scheduler
	metrics   *metrics.Engine
	detector  *incident.Detector
	feed      *Feed
	broker    BrokerPinger
}

// NewServer wires the read API over the store, scheduler, metrics engine,
// and detector. feed may be nil to disable the websocket stream.
func NewServer(cfg *config.Config, st *store.Store, scheduler *monitor.Scheduler, engine *metrics.Engine, detector *incident.Detector, feed *Feed, broker BrokerPinger) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		scheduler: scheduler,
		metrics:   engine,
		detector:  detector,
		feed:      feed,
		broker:    broker,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)

	r.GET("/metrics", s.handleAllMetrics)
	r.GET("/metrics/:service", s.handleServiceMetrics)

	r.GET("/incidents", s.handleIncidents)
	r.GET("/incidents/:service", s.handleServiceIncidents)

	r.GET("/health-checks/:service", s.handleHealthChecks)

	r.POST("/ping", s.handlePing)
	r.POST("/evaluate", s.handleEvaluate)

	r.GET("/system", s.handleSystem)
	r.GET("/prometheus", gin.WrapH(promhttp.Handler()))
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP", "service": "sentinel-monitor"})
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readSnapshotTimeoutSec*time.Second)
	defer cancel()

	storeState := "up"
	if err := s.store.Ping(ctx); err != nil {
		storeState = "down"
	}
	brokerState := "up"
	if err := s.broker.Ping(ctx); err != nil {
		brokerState = "down"
	}

	c.JSON(http.StatusOK, gin.H{
		"monitor": s.scheduler.GetStatus(),
		"store":   storeState,
		"broker":  brokerState,
	})
}

func (s *Server) handleAllMetrics(c *gin.Context) {
	window, ok := s.windowParam(c, defaultWindowHours)
	if !ok {
		return
	}

	perService, global, err := s.metrics.AllMetrics(c.Request.Context(), s.cfg.ServiceNames(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body := gin.H{"_global": global}
	for name, m := range perService {
		body[name] = m
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleServiceMetrics(c *gin.Context) {
	service := c.Param("service")

	// "experiment" is a reserved segment: the compliance projection lives
	// under the same path prefix.
	if service == "experiment" {
		s.handleExperiment(c)
		return
	}
	if !s.knownService(c, service) {
		return
	}
	window, ok := s.windowParam(c, defaultWindowHours)
	if !ok {
		return
	}

	m, err := s.metrics.ServiceMetrics(c.Request.Context(), service, window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleExperiment(c *gin.Context) {
	window, ok := s.windowParam(c, experimentWindowHours)
	if !ok {
		return
	}

	summary, err := s.metrics.Experiment(c.Request.Context(), s.cfg.ServiceNames(), window)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleIncidents(c *gin.Context) {
	limit, ok := s.limitParam(c, defaultIncidentLimit)
	if !ok {
		return
	}

	incidents, err := s.store.Incidents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(incidents), "incidents": emptyIfNil(incidents)})
}

func (s *Server) handleServiceIncidents(c *gin.Context) {
	service := c.Param("service")

	// "active" and "stream" are reserved segments: the fleet-wide open
	// incident list and the websocket feed.
	if service == "active" {
		s.handleActiveIncidents(c)
		return
	}
	if service == "stream" && s.feed != nil {
		s.feed.handleStream(c)
		return
	}
	if !s.knownService(c, service) {
		return
	}
	limit, ok := s.limitParam(c, defaultIncidentLimit)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	incidents, err := s.store.IncidentsByService(ctx, service, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	active, err := s.store.ActiveIncident(ctx, service)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"service":             service,
		"has_active_incident": active != nil,
		"active_incident":     active,
		"total":               len(incidents),
		"incidents":           emptyIfNil(incidents),
	})
}

func (s *Server) handleActiveIncidents(c *gin.Context) {
	incidents, err := s.store.ActiveIncidents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(incidents), "incidents": emptyIfNil(incidents)})
}

func (s *Server) handleHealthChecks(c *gin.Context) {
	service := c.Param("service")
	if !s.knownService(c, service) {
		return
	}
	limit, ok := s.limitParam(c, defaultCheckLimit)
	if !ok {
		return
	}

	checks, err := s.store.RecentChecks(c.Request.Context(), service, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"service": service,
		"total":   len(checks),
		"checks":  emptyIfNil(checks),
	})
}

func (s *Server) handlePing(c *gin.Context) {
	requestID := s.scheduler.Tick(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"message": "Ping sent", "request_id": requestID})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	results := s.detector.EvaluateAll(c.Request.Context(), s.cfg.ServiceNames())
	c.JSON(http.StatusOK, gin.H{"message": "Evaluation complete", "results": results})
}

// knownService 404s with the valid catalog when the name is unknown.
func (s *Server) knownService(c *gin.Context, service string) bool {
	for _, name := range s.cfg.ServiceNames() {
		if name == service {
			return true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error": fmt.Sprintf("service %q not found", service),
		"valid": s.cfg.ServiceNames(),
	})
	return false
}

// windowParam parses window_hours. Invalid input is a 400, never a 5xx.
func (s *Server) windowParam(c *gin.Context, fallback float64) (float64, bool) {
	raw := c.Query("window_hours")
	if raw == "" {
		return fallback, true
	}
	window, err := strconv.ParseFloat(raw, 64)
	if err != nil || window < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("window_hours %q must be a non-negative number", raw)})
		return 0, false
	}
	return window, true
}

func (s *Server) limitParam(c *gin.Context, fallback int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("limit %q must be an integer between 1 and %d", raw, maxListLimit)})
		return 0, false
	}
	return limit, true
}

// emptyIfNil keeps list responses as [] instead of null.
func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
