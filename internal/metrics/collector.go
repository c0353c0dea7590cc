package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raaihank/result-sentinel/internal/config"
	"github.com/raaihank/result-sentinel/internal/privacy"
)

// maxAgentLabels caps the number of distinct agent label values
const maxAgentLabels = 1000

// otherAgent replaces agent ids once maxAgentLabels is reached
const otherAgent = "other"

// Collector owns every Prometheus metric of the service on a private registry
type Collector struct {
	config   config.MetricsConfig
	registry *prometheus.Registry

	sanitizeRequests *prometheus.CounterVec
	sanitizeDuration *prometheus.HistogramVec
	rowsProcessed    *prometheus.CounterVec
	maskedCells      *prometheus.CounterVec
	ruleHits         *prometheus.CounterVec
	unsupportedCells prometheus.Counter

	resolutions        *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	effectiveRules     prometheus.Histogram
	invalidRules       *prometheus.CounterVec

	cacheLookups *prometheus.CounterVec

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	websocketClients prometheus.Gauge

	mu     sync.Mutex
	agents map[string]struct{}
}

var _ privacy.SanitizeMetrics = (*Collector)(nil)

// NewCollector creates a collector. If registry is nil a new one is created.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "sentinel"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "masking"
	}
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		config:   cfg,
		registry: registry,
		agents:   make(map[string]struct{}),

		sanitizeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sanitize_requests_total",
			Help: "Sanitize calls by agent and status.",
		}, []string{"agent", "status"}),
		sanitizeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "sanitize_duration_seconds",
			Help:    "Time spent sanitizing one page of results.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"status"}),
		rowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rows_processed_total",
			Help: "Result rows passed through the sanitizer.",
		}, []string{"agent"}),
		maskedCells: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "masked_cells_total",
			Help: "Masked cells by sensitivity level and strategy.",
		}, []string{"level", "strategy"}),
		ruleHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rule_hits_total",
			Help: "Masked cells by winning rule.",
		}, []string{"rule_id"}),
		unsupportedCells: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "unsupported_cells_total",
			Help: "Non-scalar cells matched in serialized form.",
		}),

		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rule_resolutions_total",
			Help: "Effective rule set resolutions by status.",
		}, []string{"status"}),
		resolutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "rule_resolution_duration_seconds",
			Help:    "Time spent loading and resolving rules.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		effectiveRules: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "effective_rules",
			Help:    "Size of resolved rule sets.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		invalidRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "invalid_rules_total",
			Help: "Rules excluded during resolution by reason.",
		}, []string{"reason"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "rule_cache_lookups_total",
			Help: "Rule cache lookups by scope and result.",
		}, []string{"scope", "result"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		websocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "websocket_clients",
			Help:      "Connected audit stream clients.",
		}),
	}

	registry.MustRegister(
		c.sanitizeRequests, c.sanitizeDuration, c.rowsProcessed, c.maskedCells, c.ruleHits, c.unsupportedCells,
		c.resolutions, c.resolutionDuration, c.effectiveRules, c.invalidRules,
		c.cacheLookups,
		c.httpRequests, c.httpDuration, c.websocketClients,
	)

	return c
}

// Registry returns the registry the collector writes to
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordResolution implements privacy.ResolverMetrics
func (c *Collector) RecordResolution(agentID string, ruleCount int, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	c.resolutions.WithLabelValues(status(err)).Inc()
	c.resolutionDuration.Observe(duration.Seconds())
	if err == nil {
		c.effectiveRules.Observe(float64(ruleCount))
	}
}

// RecordInvalidRule implements privacy.ResolverMetrics
func (c *Collector) RecordInvalidRule(reason string) {
	if !c.config.Enabled {
		return
	}
	c.invalidRules.WithLabelValues(reason).Inc()
}

// RecordSanitize implements privacy.SanitizeMetrics
func (c *Collector) RecordSanitize(agentID string, rows int, outcomes []privacy.MaskingOutcome, unsupported int, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	agent := c.agentLabel(agentID)
	st := status(err)

	c.sanitizeRequests.WithLabelValues(agent, st).Inc()
	c.sanitizeDuration.WithLabelValues(st).Observe(duration.Seconds())
	if err != nil {
		return
	}

	c.rowsProcessed.WithLabelValues(agent).Add(float64(rows))
	for _, o := range outcomes {
		c.maskedCells.WithLabelValues(o.Level.String(), string(o.Strategy)).Inc()
		c.ruleHits.WithLabelValues(o.RuleID).Inc()
	}
	if unsupported > 0 {
		c.unsupportedCells.Add(float64(unsupported))
	}
}

// RecordCacheLookup implements cache.Observer
func (c *Collector) RecordCacheLookup(scope string, hit bool) {
	if !c.config.Enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(scope, result).Inc()
}

// RecordHTTPRequest records one served HTTP request
func (c *Collector) RecordHTTPRequest(route, method string, code int, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetWebSocketClients records the number of connected audit clients
func (c *Collector) SetWebSocketClients(n int) {
	if !c.config.Enabled {
		return
	}
	c.websocketClients.Set(float64(n))
}

// agentLabel bounds label cardinality by folding new agents into "other"
func (c *Collector) agentLabel(agentID string) string {
	if agentID == "" {
		return "none"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[agentID]; ok {
		return agentID
	}
	if len(c.agents) >= maxAgentLabels {
		return otherAgent
	}
	c.agents[agentID] = struct{}{}
	return agentID
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
