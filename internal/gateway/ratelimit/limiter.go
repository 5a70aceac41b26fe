// Package ratelimit caps requests per tenant per window, by tier.
//
// The limiter counts with a fixed window anchored at the first counted
// request: the shared store increments the counter and attaches the window
// TTL atomically, so every gateway instance sees the same count and a window
// resets exactly once, when its key expires.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/models"
)

// Unlimited disables counting for a tier.
const Unlimited = -1

const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Config holds the limiter settings.
type Config struct {
	Limits       map[models.Tier]int
	Window       time.Duration
	Allowlist    []string
	ExemptPaths  []string
	StoreTimeout time.Duration
}

// Decision is the outcome of counting one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
	// Degraded is set when the store failed and the request was let through;
	// Remaining is then the full limit and Reset one window from now.
	Degraded bool
}

// Limiter is the rate limiting pipeline stage.
type Limiter struct {
	store     CounterStore
	cfg       Config
	allowlist map[string]bool
	exempt    map[string]bool
	logger    zerolog.Logger
	warn      *rate.Sometimes
	now       func() time.Time

	// OnDegraded is called each time the store fails; optional.
	OnDegraded func()
}

// New creates a limiter backed by store.
func New(store CounterStore, cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 100 * time.Millisecond
	}

	l := &Limiter{
		store:     store,
		cfg:       cfg,
		allowlist: toSet(cfg.Allowlist),
		exempt:    toSet(cfg.ExemptPaths),
		logger:    logger.With().Str("component", "rate_limiter").Logger(),
		warn:      &rate.Sometimes{First: 1, Interval: 10 * time.Second},
		now:       time.Now,
	}
	return l
}

// SetClock overrides time.Now, for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Limiter) Name() string { return "rate_limiter" }

// SkipInternal: internal traffic is governed upstream.
func (l *Limiter) SkipInternal() bool { return true }

// LimitFor returns the per-window limit for tier. Unknown tiers get the free limit.
func (l *Limiter) LimitFor(tier models.Tier) int {
	if limit, ok := l.cfg.Limits[tier]; ok {
		return limit
	}
	return l.cfg.Limits[models.TierFree]
}

// Bypass reports whether a tenant is never counted.
func (l *Limiter) Bypass(tenantID string, tier models.Tier) bool {
	return l.allowlist[tenantID] || l.LimitFor(tier) == Unlimited
}

// Key is the counter key for a tenant and tier.
func Key(tenantID string, tier models.Tier) string {
	return fmt.Sprintf("ratelimit:%s:%s", tier, tenantID)
}

// Check counts one request for tenantID and decides whether it may proceed.
// Store failures fail open.
func (l *Limiter) Check(ctx context.Context, tenantID string, tier models.Tier) Decision {
	limit := l.LimitFor(tier)

	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	count, ttl, err := l.store.IncrWindow(ctx, Key(tenantID, tier), l.cfg.Window)
	if err != nil {
		l.warn.Do(func() {
			l.logger.Warn().Err(err).Str("tenant_id", tenantID).
				Msg("counter store unavailable, rate limiting degraded to allow-all")
		})
		if l.OnDegraded != nil {
			l.OnDegraded()
		}
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: l.now().Add(l.cfg.Window), Degraded: true}
	}

	if ttl <= 0 || ttl > l.cfg.Window {
		ttl = l.cfg.Window
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: remaining,
		Reset:     l.now().Add(ttl),
	}
}

func (l *Limiter) Serve(rc *pipeline.RequestContext, r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
	if rc.InternalMode || rc.TenantID == "" || l.exempt[rc.Path] || l.Bypass(rc.TenantID, rc.Tier) {
		return next(rc, r)
	}

	d := l.Check(r.Context(), rc.TenantID, rc.Tier)

	if !d.Allowed {
		retryAfter := int(math.Ceil(d.Reset.Sub(l.now()).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		l.logger.Debug().Str("tenant_id", rc.TenantID).Str("tier", string(rc.Tier)).
			Int("limit", d.Limit).Msg("rate limit exceeded")

		resp := pipeline.ErrorResponse(apierror.RateLimited(retryAfter))
		setHeaders(resp.Header, d)
		return resp, nil
	}

	resp, err := next(rc, r)
	if err != nil {
		return nil, err
	}
	setHeaders(resp.Header, d)
	return resp, nil
}

func setHeaders(h http.Header, d Decision) {
	h.Set(HeaderLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	h.Set(HeaderReset, strconv.FormatInt(d.Reset.Unix(), 10))
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
