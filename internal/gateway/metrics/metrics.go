// Package metrics holds the prometheus request metrics and the slow-request
// monitor. Both stages only observe; they never change a response.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

// DurationBuckets span 5ms to 10s.
var DurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// UnmatchedRoute is the path label for requests no route matches.
const UnmatchedRoute = "unmatched"

// RouteResolver returns the route pattern serving method and path, or ""
// when nothing matches.
type RouteResolver func(method, path string) string

// Metrics owns the gateway's prometheus registry.
type Metrics struct {
	registry *prometheus.Registry
	routes   RouteResolver

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	SlowRequests    *prometheus.CounterVec
	Degraded        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total requests handled by the gateway pipeline",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Request duration through the pipeline",
				Buckets: DurationBuckets,
			},
			[]string{"method", "path", "status"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_requests_in_flight",
				Help: "Requests currently inside the pipeline",
			},
		),
		SlowRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_slow_requests_total",
				Help: "Requests slower than the configured threshold",
			},
			[]string{"method", "path"},
		),
		Degraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_degraded_dependency_total",
				Help: "Store calls that failed and were served fail-open",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.InFlight,
		m.SlowRequests,
		m.Degraded,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetRouteResolver labels requests by route pattern instead of by path, so
// the label set stays bounded whatever paths clients send. Call it before
// serving.
func (m *Metrics) SetRouteResolver(routes RouteResolver) {
	m.routes = routes
}

// PathLabel is the path label recorded for a request.
func (m *Metrics) PathLabel(method, path string) string {
	if m.routes == nil {
		return NormalizePath(path)
	}
	if pattern := m.routes(method, path); pattern != "" {
		return pattern
	}
	return UnmatchedRoute
}

// DegradedHook returns a callback counting fail-open events for component.
func (m *Metrics) DegradedHook(component string) func() {
	c := m.Degraded.WithLabelValues(component)
	return c.Inc
}

// Timer pairs one in-flight increment with exactly one observation; Stop may
// be called any number of times.
type Timer struct {
	m      *Metrics
	start  time.Time
	method string
	path   string
	once   sync.Once
}

func (m *Metrics) StartTimer(method, path string) *Timer {
	m.InFlight.Inc()
	return &Timer{m: m, start: time.Now(), method: method, path: m.PathLabel(method, path)}
}

func (t *Timer) Stop(status int) {
	t.once.Do(func() {
		code := strconv.Itoa(status)
		t.m.InFlight.Dec()
		t.m.RequestsTotal.WithLabelValues(t.method, t.path, code).Inc()
		t.m.RequestDuration.WithLabelValues(t.method, t.path, code).Observe(time.Since(t.start).Seconds())
	})
}

// Collector is the metrics pipeline stage.
type Collector struct {
	m *Metrics
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Name() string { return "metrics" }

func (c *Collector) Serve(rc *pipeline.RequestContext, r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
	timer := c.m.StartTimer(rc.Method, rc.Path)
	status := http.StatusInternalServerError
	defer func() { timer.Stop(status) }()

	resp, err := next(rc, r)
	if err != nil {
		status = apierror.From(err).Status
		return nil, err
	}
	status = resp.Status
	return resp, nil
}

var idSegment = regexp.MustCompile(`^([0-9]+|[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)

// NormalizePath collapses numeric and uuid segments to ":id" to bound label
// cardinality.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if idSegment.MatchString(p) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
