// Package introspection exposes the read-only HTTP/websocket surface over
// the agent's internal state: status, health, metrics, recent episodes,
// registered agents, and recent inter-agent messages.
package introspection

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/R3E-Network/agentcore/infrastructure/logging"
	"github.com/R3E-Network/agentcore/infrastructure/metrics"
	svc "github.com/R3E-Network/agentcore/infrastructure/service"
	"github.com/R3E-Network/agentcore/internal/coordination/msgbus"
	"github.com/R3E-Network/agentcore/internal/coordination/registry"
	"github.com/R3E-Network/agentcore/internal/coordination/tasks"
	"github.com/R3E-Network/agentcore/internal/eventbus"
	"github.com/R3E-Network/agentcore/internal/memory/episodic"
	"github.com/R3E-Network/agentcore/pkg/version"
)

// Deps wires the components the introspection surface reads from. Every
// field is optional: with a nil store, registry, message bus or task
// coordinator the matching endpoint answers 503; with a nil Health, /health
// answers 200 and reports itself healthy; a nil Metrics or Bus omits the
// process gauges or the /ws route.
type Deps struct {
	Episodic *episodic.Store
	Registry *registry.Registry
	MsgBus   *msgbus.Bus
	Tasks    *tasks.Coordinator
	Health   *svc.DeepHealthChecker
	Bus      *eventbus.Bus
	Metrics  *metrics.Metrics
	Log      *logging.Logger
	StartedAt time.Time
}

// Server is the gin-routed HTTP server for the introspection surface.
type Server struct {
	deps   Deps
	engine *gin.Engine
	hub    *Hub
}

// New constructs the gin engine with every route from SPEC_FULL §6 wired
// to deps, plus a websocket hub subscribed to tick/degradation events.
func New(deps Deps) *Server {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{deps: deps, engine: engine}
	if deps.Bus != nil {
		s.hub = NewHub(deps.Bus, deps.Log, "tick.completed", "step.alarm", "tick.degraded", eventbus.HandlerDegradedTopic)
	}

	s.routes()
	return s
}

// Handler returns the underlying http.Handler for embedding in an
// http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/episodes", s.handleEpisodes)
	s.engine.GET("/agents", s.handleAgents)
	s.engine.GET("/tasks", s.handleTasks)
	s.engine.GET("/messages", s.handleMessages)
	if s.hub != nil {
		s.engine.GET("/ws", s.hub.HandleWS)
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"version": version.Version,
		"uptime":  time.Since(s.deps.StartedAt).String(),
	}
	if s.deps.Tasks != nil {
		status["tasks"] = len(s.deps.Tasks.List())
	}
	if s.deps.Registry != nil {
		status["agents"] = len(s.deps.Registry.List(registry.Filter{}))
	}
	if s.deps.Metrics != nil {
		status["process"] = gin.H{
			"goroutines": gaugeValue(s.deps.Metrics.ProcessGoroutines),
			"rss_bytes":  gaugeValue(s.deps.Metrics.ProcessRSSBytes),
			"open_fds":   gaugeValue(s.deps.Metrics.ProcessOpenFDs),
			"cpu_percent": gaugeValue(s.deps.Metrics.ProcessCPUPercent),
		}
	}
	c.JSON(http.StatusOK, status)
}

// gaugeValue reads the current value out of a prometheus.Gauge without
// requiring a registry scrape.
func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"healthy": true, "summary": "no health checker configured"})
		return
	}
	force := c.Query("force") == "true"
	agg := s.deps.Health.CheckAll(c.Request.Context(), force)
	status := http.StatusOK
	if !agg.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, agg)
}

func (s *Server) handleEpisodes(c *gin.Context) {
	if s.deps.Episodic == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "episodic store not configured"})
		return
	}
	limit := queryInt(c, "limit", 50)
	var (
		episodes []episodic.Episode
		err      error
	)
	if t := c.Query("type"); t != "" {
		episodes, err = s.deps.Episodic.ByType(c.Request.Context(), t, limit)
	} else {
		episodes, err = s.deps.Episodic.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"episodes": episodes})
}

func (s *Server) handleAgents(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry not configured"})
		return
	}
	filter := registry.Filter{
		Role:       registry.Role(c.Query("role")),
		Capability: c.Query("capability"),
		Status:     registry.Status(c.Query("status")),
	}
	c.JSON(http.StatusOK, gin.H{"agents": s.deps.Registry.List(filter)})
}

func (s *Server) handleTasks(c *gin.Context) {
	if s.deps.Tasks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task coordinator not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": s.deps.Tasks.List()})
}

func (s *Server) handleMessages(c *gin.Context) {
	if s.deps.MsgBus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message bus not configured"})
		return
	}
	limit := queryInt(c, "limit", 50)
	msgs, err := s.deps.MsgBus.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// Shutdown satisfies the shutdown-hook signature used by
// middleware.GracefulShutdown; the gin engine itself holds no resources
// to release beyond the *http.Server that wraps Handler().
func (s *Server) Shutdown(ctx context.Context) error { return nil }
