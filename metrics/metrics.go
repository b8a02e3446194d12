// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/mcp-gateway/executor"
	"github.com/ggoodman/mcp-gateway/sessions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gateway collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	// ToolCalls counts tools/call outcomes.
	ToolCalls *prometheus.CounterVec
	// ToolCallDuration tracks tools/call latency.
	ToolCallDuration *prometheus.HistogramVec
	// HTTPRequests counts HTTP requests by method and status.
	HTTPRequests *prometheus.CounterVec
	// RateLimited counts requests rejected by the rate limiter.
	RateLimited prometheus.Counter
}

var _ executor.Observer = (*Metrics)(nil)

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgw_tool_calls_total",
				Help: "Total number of tools/call requests by outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpgw_tool_call_duration_seconds",
				Help:    "tools/call duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpgw_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "mcpgw_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WatchSessions exports the store's stats as the mcpgw_sessions gauge,
// read at scrape time.
func (m *Metrics) WatchSessions(store sessions.Store) {
	m.reg.MustRegister(&sessionsCollector{store: store})
}

// ObserveToolCall implements executor.Observer.
func (m *Metrics) ObserveToolCall(ctx context.Context, r executor.Report) {
	m.ToolCalls.WithLabelValues(r.Tool, string(r.Outcome)).Inc()
	m.ToolCallDuration.WithLabelValues(r.Tool).Observe(r.Duration.Seconds())
}

// RecordRateLimited counts one rate-limited request.
func (m *Metrics) RecordRateLimited() {
	m.RateLimited.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE streams.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware counts every request that passes through next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
	})
}

var sessionsDesc = prometheus.NewDesc(
	"mcpgw_sessions",
	"Number of stored sessions by state",
	[]string{"state"}, nil,
)

type sessionsCollector struct {
	store sessions.Store
}

func (c *sessionsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sessionsDesc
}

func (c *sessionsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := c.store.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(sessionsDesc, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(stats.Active), "active")
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue, float64(stats.Expired), "expired")
}
