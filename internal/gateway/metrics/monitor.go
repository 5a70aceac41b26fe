package metrics

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
)

// PerformanceMonitor logs requests slower than Threshold.
type PerformanceMonitor struct {
	m         *Metrics
	threshold time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewPerformanceMonitor(m *Metrics, threshold time.Duration, logger zerolog.Logger) *PerformanceMonitor {
	return &PerformanceMonitor{
		m:         m,
		threshold: threshold,
		logger:    logger.With().Str("component", "performance_monitor").Logger(),
		now:       time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (p *PerformanceMonitor) SetClock(now func() time.Time) {
	p.now = now
}

func (p *PerformanceMonitor) Name() string { return "performance_monitor" }

func (p *PerformanceMonitor) Serve(rc *pipeline.RequestContext, r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
	start := p.now()
	resp, err := next(rc, r)
	elapsed := p.now().Sub(start)

	if p.threshold > 0 && elapsed > p.threshold {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		p.m.SlowRequests.WithLabelValues(rc.Method, p.m.PathLabel(rc.Method, rc.Path)).Inc()
		p.logger.Warn().
			Str("request_id", rc.RequestID).
			Str("tenant_id", rc.TenantID).
			Str("method", rc.Method).
			Str("path", rc.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Dur("threshold", p.threshold).
			Msg("slow request")
	}

	return resp, err
}
