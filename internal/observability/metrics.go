package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	upstreamRequestsTotal *prometheus.CounterVec
	upstreamDuration      *prometheus.HistogramVec
	cacheLookups          *prometheus.CounterVec
	rateLimitDenials      *prometheus.CounterVec
	pipelineOutcomes      *prometheus.CounterVec
	pipelineDuration      *prometheus.HistogramVec
	clarifications        *prometheus.CounterVec
	tokensUsed            *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripquote_http_requests_total",
				Help: "Total number of HTTP requests handled.",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tripquote_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		upstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripquote_upstream_requests_total",
				Help: "Total requests sent to generation backends.",
			},
			[]string{"endpoint", "status"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tripquote_upstream_request_duration_seconds",
				Help:    "Generation backend request duration in seconds.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"endpoint", "status"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripquote_cache_lookups_total",
				Help: "Response cache lookups by result.",
			},
			[]string{"result"},
		),
		rateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripquote_rate_limit_denials_total",
				Help: "Requests rejected by the rate limiter.",
			},
			[]string{"scope"},
		),
		pipelineOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripquote_pipeline_outcomes_total",
				Help: "Pipeline runs by outcome.",
			},
			[]string{"provider", "outcome"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tripquote_pipeline_duration_seconds",
				Help:    "End-to-end pipeline duration in seconds.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		clarifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripquote_clarifications_total",
				Help: "Location clarification results by status.",
			},
			[]string{"status"},
		),
		tokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tripquote_tokens_used_total",
				Help: "Tokens consumed by uncached generation calls.",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.upstreamRequestsTotal,
		m.upstreamDuration,
		m.cacheLookups,
		m.rateLimitDenials,
		m.pipelineOutcomes,
		m.pipelineDuration,
		m.clarifications,
		m.tokensUsed,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry so callers can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil || fn == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (m *Metrics) ObserveHTTP(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "UNKNOWN"
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(route, method, statusLabel).Inc()
	m.httpRequestDuration.WithLabelValues(route, method, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveUpstream(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	statusLabel := strconv.Itoa(status)
	m.upstreamRequestsTotal.WithLabelValues(endpoint, statusLabel).Inc()
	m.upstreamDuration.WithLabelValues(endpoint, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRateLimitDenied(scope string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObservePipeline(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "none"
	}
	m.pipelineOutcomes.WithLabelValues(provider, outcome).Inc()
	m.pipelineDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) IncClarification(status string) {
	if m == nil {
		return
	}
	m.clarifications.WithLabelValues(status).Inc()
}

func (m *Metrics) AddTokens(provider string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.tokensUsed.WithLabelValues(provider).Add(float64(tokens))
}
