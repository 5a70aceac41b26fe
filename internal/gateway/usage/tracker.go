// Package usage records billable requests per tenant and endpoint. Writes
// happen on background workers; a slow or dead sink never delays a response.
package usage

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/models"
)

type Config struct {
	QueueSize int
	Workers   int
	// ExemptPaths are never recorded; matched by prefix.
	ExemptPaths  []string
	WriteTimeout time.Duration
}

// Tracker is the usage pipeline stage.
type Tracker struct {
	cfg    Config
	sinks  []Sink
	logger zerolog.Logger
	warn   *rate.Sometimes
	now    func() time.Time

	queue   chan models.UsageRecord
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// New starts cfg.Workers workers draining into sinks.
func New(cfg Config, logger zerolog.Logger, sinks ...Sink) *Tracker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}

	t := &Tracker{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger.With().Str("component", "usage_tracker").Logger(),
		warn:   &rate.Sometimes{First: 1, Interval: 10 * time.Second},
		now:    time.Now,
		queue:  make(chan models.UsageRecord, cfg.QueueSize),
	}

	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	return t
}

// SetClock overrides time.Now, for tests.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) Name() string { return "usage_tracker" }

func (t *Tracker) SkipInternal() bool { return true }

func (t *Tracker) Serve(rc *pipeline.RequestContext, r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
	resp, err := next(rc, r)
	if err != nil {
		return nil, err
	}
	if t.counts(rc, resp.Status) {
		t.enqueue(t.record(rc, resp.Status, false))
	}
	return resp, nil
}

// RecordHit counts a response served from the response cache. It is wired as
// the cache's hit hook when cache hits are billable.
func (t *Tracker) RecordHit(rc *pipeline.RequestContext, resp *pipeline.Response) {
	if rc.InternalMode || !t.counts(rc, resp.Status) {
		return
	}
	t.enqueue(t.record(rc, resp.Status, true))
}

// Dropped returns how many records were discarded because the queue was full
// or the tracker was closed.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written, or
// for ctx to end.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.logger.Warn().Int("pending", len(t.queue)).Msg("usage drain interrupted")
		return ctx.Err()
	}
}

// Rate-limited requests never count.
func (t *Tracker) counts(rc *pipeline.RequestContext, status int) bool {
	if rc.TenantID == "" || status == http.StatusTooManyRequests {
		return false
	}
	for _, p := range t.cfg.ExemptPaths {
		if strings.HasPrefix(rc.Path, p) {
			return false
		}
	}
	return true
}

func (t *Tracker) record(rc *pipeline.RequestContext, status int, cacheHit bool) models.UsageRecord {
	return models.UsageRecord{
		TenantID:  rc.TenantID,
		Endpoint:  rc.Path,
		Method:    rc.Method,
		Status:    status,
		CacheHit:  cacheHit,
		Timestamp: t.now(),
		Increment: 1,
	}
}

func (t *Tracker) enqueue(rec models.UsageRecord) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		t.dropped.Add(1)
		return
	}

	select {
	case t.queue <- rec:
	default:
		t.dropped.Add(1)
		t.warn.Do(func() {
			t.logger.Warn().
				Str("tenant_id", rec.TenantID).
				Int64("dropped_total", t.dropped.Load()).
				Msg("usage queue full, dropping record")
		})
	}
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for rec := range t.queue {
		for _, s := range t.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
			err := s.Record(ctx, rec)
			cancel()
			if err != nil {
				t.warn.Do(func() {
					t.logger.Warn().Err(err).
						Str("tenant_id", rec.TenantID).
						Str("endpoint", rec.Endpoint).
						Msg("failed to write usage record")
				})
			}
		}
	}
}
