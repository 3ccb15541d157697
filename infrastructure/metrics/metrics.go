// Package metrics provides Prometheus metrics collection
package metrics

import (
	"context"
	"os"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"

	agentruntime "github.com/R3E-Network/agentcore/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Tick scheduler metrics
	TicksTotal    *prometheus.CounterVec
	TickDuration  *prometheus.HistogramVec
	TickOverruns  *prometheus.CounterVec

	// LLM pipeline metrics
	LLMCallsTotal      *prometheus.CounterVec
	LLMCallDuration    *prometheus.HistogramVec
	LLMCacheHitsTotal  *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Memory substrate metrics
	EpisodesWrittenTotal *prometheus.CounterVec
	VectorSearchesTotal  *prometheus.CounterVec
	VectorSearchDuration *prometheus.HistogramVec

	// Event bus and coordination metrics
	EventsPublishedTotal *prometheus.CounterVec
	MessageBusDepth      *prometheus.GaugeVec
	AgentsRegistered     prometheus.Gauge

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	// Process resource gauges, sampled by StartProcessSampler via gopsutil
	ProcessGoroutines prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
	ProcessOpenFDs    prometheus.Gauge
	ProcessCPUPercent prometheus.Gauge
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Tick scheduler metrics
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_ticks_total",
				Help: "Total number of scheduler ticks executed",
			},
			[]string{"service", "cadence", "status"},
		),
		TickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_tick_duration_seconds",
				Help:    "Tick execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"service", "cadence"},
		),
		TickOverruns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tick_overruns_total",
				Help: "Total number of ticks that exceeded their period",
			},
			[]string{"service", "cadence"},
		),

		// LLM pipeline metrics
		LLMCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_llm_calls_total",
				Help: "Total number of LLM provider calls",
			},
			[]string{"service", "operation", "status"},
		),
		LLMCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_llm_call_duration_seconds",
				Help:    "LLM call duration in seconds",
				Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"service", "operation"},
		),
		LLMCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_llm_cache_total",
				Help: "Total number of LLM response cache lookups",
			},
			[]string{"service", "result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agent_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"service", "breaker"},
		),

		// Memory substrate metrics
		EpisodesWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_episodes_written_total",
				Help: "Total number of episodic memory entries written",
			},
			[]string{"service"},
		),
		VectorSearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_vector_searches_total",
				Help: "Total number of vector memory similarity searches",
			},
			[]string{"service"},
		),
		VectorSearchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_vector_search_duration_seconds",
				Help:    "Vector similarity search duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service"},
		),

		// Event bus and coordination metrics
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_events_published_total",
				Help: "Total number of events published on the internal event bus",
			},
			[]string{"service", "topic"},
		),
		MessageBusDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agent_message_bus_depth",
				Help: "Current depth of the durable multi-agent message bus queue",
			},
			[]string{"service", "priority"},
		),
		AgentsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_registry_agents",
				Help: "Current number of agents with a live heartbeat in the registry",
			},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),

		ProcessGoroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_goroutines",
				Help: "Current number of goroutines",
			},
		),
		ProcessRSSBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_resident_memory_bytes",
				Help: "Resident set size, sampled via gopsutil",
			},
		),
		ProcessOpenFDs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_open_fds",
				Help: "Number of open file descriptors, sampled via gopsutil",
			},
		),
		ProcessCPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "process_cpu_percent",
				Help: "Process CPU usage percent, sampled via gopsutil",
			},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.TicksTotal,
			m.TickDuration,
			m.TickOverruns,
			m.LLMCallsTotal,
			m.LLMCallDuration,
			m.LLMCacheHitsTotal,
			m.CircuitBreakerState,
			m.EpisodesWrittenTotal,
			m.VectorSearchesTotal,
			m.VectorSearchDuration,
			m.EventsPublishedTotal,
			m.MessageBusDepth,
			m.AgentsRegistered,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
			m.ProcessGoroutines,
			m.ProcessRSSBytes,
			m.ProcessOpenFDs,
			m.ProcessCPUPercent,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordTick records a completed scheduler tick.
func (m *Metrics) RecordTick(service, cadence, status string, duration time.Duration) {
	m.TicksTotal.WithLabelValues(service, cadence, status).Inc()
	m.TickDuration.WithLabelValues(service, cadence).Observe(duration.Seconds())
}

// RecordTickOverrun records a tick that exceeded its configured period.
func (m *Metrics) RecordTickOverrun(service, cadence string) {
	m.TickOverruns.WithLabelValues(service, cadence).Inc()
}

// RecordLLMCall records an outbound LLM provider call.
func (m *Metrics) RecordLLMCall(service, operation, status string, duration time.Duration) {
	m.LLMCallsTotal.WithLabelValues(service, operation, status).Inc()
	m.LLMCallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordLLMCacheLookup records an LLM response cache hit or miss.
func (m *Metrics) RecordLLMCacheLookup(service, result string) {
	m.LLMCacheHitsTotal.WithLabelValues(service, result).Inc()
}

// SetCircuitBreakerState records the current circuit breaker state.
func (m *Metrics) SetCircuitBreakerState(service, breaker string, state int) {
	m.CircuitBreakerState.WithLabelValues(service, breaker).Set(float64(state))
}

// RecordEpisodeWritten records an episodic memory append.
func (m *Metrics) RecordEpisodeWritten(service string) {
	m.EpisodesWrittenTotal.WithLabelValues(service).Inc()
}

// RecordVectorSearch records a vector memory similarity search.
func (m *Metrics) RecordVectorSearch(service string, duration time.Duration) {
	m.VectorSearchesTotal.WithLabelValues(service).Inc()
	m.VectorSearchDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordEventPublished records an event bus publish.
func (m *Metrics) RecordEventPublished(service, topic string) {
	m.EventsPublishedTotal.WithLabelValues(service, topic).Inc()
}

// SetMessageBusDepth records the current depth of a message bus priority queue.
func (m *Metrics) SetMessageBusDepth(service, priority string, depth int) {
	m.MessageBusDepth.WithLabelValues(service, priority).Set(float64(depth))
}

// SetAgentsRegistered records the number of agents with a live heartbeat.
func (m *Metrics) SetAgentsRegistered(count int) {
	m.AgentsRegistered.Set(float64(count))
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// StartProcessSampler launches a goroutine that samples goroutine count,
// RSS, open file descriptors, and CPU percent every interval and sets the
// corresponding process gauges, until ctx is canceled.
func (m *Metrics) StartProcessSampler(ctx context.Context, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.sampleProcess(proc)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sampleProcess(proc)
			}
		}
	}()
}

func (m *Metrics) sampleProcess(proc *process.Process) {
	m.ProcessGoroutines.Set(float64(goruntime.NumGoroutine()))

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		m.ProcessRSSBytes.Set(float64(mem.RSS))
	}
	if fds, err := proc.NumFDs(); err == nil {
		m.ProcessOpenFDs.Set(float64(fds))
	}
	if pct, err := proc.CPUPercent(); err == nil {
		m.ProcessCPUPercent.Set(pct)
	}
}

// Helper functions

func getEnvironment() string {
	return string(agentruntime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !agentruntime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
