// Package cache is a cache-aside store for idempotent GET/HEAD responses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
)

const HeaderCache = "X-Cache"

// Entry is what gets stored per key. Entries are replaced wholesale, never
// patched.
type Entry struct {
	Status      int           `json:"status"`
	ContentType string        `json:"content_type"`
	Header      http.Header   `json:"header,omitempty"`
	Body        []byte        `json:"body"`
	StoredAt    time.Time     `json:"stored_at"`
	TTL         time.Duration `json:"ttl"`
}

// headers never replayed from a stored entry; they describe the original
// exchange, not the resource.
var volatileHeaders = map[string]bool{
	"Content-Type":          true, // kept on Entry.ContentType
	"Content-Length":        true,
	"Date":                  true,
	"Set-Cookie":            true,
	"Retry-After":           true,
	"X-Request-Id":          true,
	"X-Cache":               true,
	"X-Ratelimit-Limit":     true,
	"X-Ratelimit-Remaining": true,
	"X-Ratelimit-Reset":     true,
}

// Config holds cache settings.
type Config struct {
	DefaultTTL time.Duration
	// BypassInternal skips the cache entirely for internal traffic.
	BypassInternal bool
	StoreTimeout   time.Duration
	// ExemptPaths are never cached; matched by prefix.
	ExemptPaths []string
}

// Cache is the response cache pipeline stage.
type Cache struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
	warn   *rate.Sometimes
	now    func() time.Time

	// OnHit is called for every request served from the cache; optional.
	OnHit func(rc *pipeline.RequestContext, resp *pipeline.Response)
	// OnDegraded is called for every failed store call; optional.
	OnDegraded func()
}

// New creates a new cache stage over store.
func New(store Store, cfg Config, logger zerolog.Logger) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 100 * time.Millisecond
	}
	return &Cache{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "response_cache").Logger(),
		warn:   &rate.Sometimes{First: 1, Interval: 10 * time.Second},
		now:    time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Cache) Name() string { return "response_cache" }

func (c *Cache) SkipInternal() bool { return c.cfg.BypassInternal }

// Key derives the cache key. Query parameters are sorted by name and then by
// value, so equivalent requests share an entry regardless of ordering.
func Key(method, path string, query url.Values) string {
	return "cache:" + strings.ToUpper(method) + ":" + path + ":" + normalizeQuery(query)
}

func normalizeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	names := make([]string, 0, len(query))
	for k := range query {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, k := range names {
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

type directives struct {
	noCache bool
	noStore bool
	maxAge  time.Duration
	hasAge  bool
}

func parseDirectives(h http.Header) directives {
	var d directives
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			switch {
			case part == "no-cache":
				d.noCache = true
			case part == "no-store":
				d.noStore = true
			case strings.HasPrefix(part, "max-age="):
				if n, err := strconv.Atoi(strings.TrimPrefix(part, "max-age=")); err == nil && n >= 0 {
					d.maxAge = time.Duration(n) * time.Second
					d.hasAge = true
				}
			}
		}
	}
	return d
}

func cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// storable honours no-store and private set by the handler.
func storable(h http.Header) bool {
	for _, line := range h.Values("Cache-Control") {
		for _, part := range strings.Split(line, ",") {
			switch strings.ToLower(strings.TrimSpace(part)) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

func (c *Cache) exempt(path string) bool {
	for _, p := range c.cfg.ExemptPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (c *Cache) Serve(rc *pipeline.RequestContext, r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
	if !cacheable(rc.Method) || c.exempt(rc.Path) {
		return next(rc, r)
	}

	d := parseDirectives(r.Header)
	if d.noStore || (!rc.InternalMode && !rc.Auth.Authenticated()) {
		resp, err := next(rc, r)
		if err != nil {
			return nil, err
		}
		resp.Header.Set(HeaderCache, "BYPASS")
		return resp, nil
	}

	key := Key(rc.Method, rc.Path, rc.Query)

	if !d.noCache {
		if entry, ok := c.lookup(r.Context(), key); ok {
			resp := c.replay(entry)
			if c.OnHit != nil {
				c.OnHit(rc, resp)
			}
			return resp, nil
		}
	}

	resp, err := next(rc, r)
	if err != nil {
		return nil, err
	}

	ttl := c.cfg.DefaultTTL
	if d.hasAge {
		ttl = d.maxAge
	}
	if resp.Success() && ttl > 0 && storable(resp.Header) {
		c.save(r.Context(), key, resp, ttl)
	}

	resp.Header.Set(HeaderCache, "MISS")
	return resp, nil
}

func (c *Cache) lookup(ctx context.Context, key string) (*Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.degraded(err, "read")
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding unreadable cache entry")
		return nil, false
	}
	if !c.now().Before(entry.StoredAt.Add(entry.TTL)) {
		return nil, false
	}
	return &entry, true
}

func (c *Cache) replay(entry *Entry) *pipeline.Response {
	resp := pipeline.NewResponse(entry.Status)
	for k, vv := range entry.Header {
		resp.Header[k] = append([]string(nil), vv...)
	}
	if entry.ContentType != "" {
		resp.Header.Set("Content-Type", entry.ContentType)
	}
	age := int(c.now().Sub(entry.StoredAt).Seconds())
	if age < 0 {
		age = 0
	}
	resp.Header.Set("Age", strconv.Itoa(age))
	resp.Header.Set(HeaderCache, "HIT")
	resp.Body = entry.Body
	return resp
}

func (c *Cache) save(ctx context.Context, key string, resp *pipeline.Response, ttl time.Duration) {
	entry := Entry{
		Status:      resp.Status,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      make(http.Header),
		Body:        resp.Body,
		StoredAt:    c.now(),
		TTL:         ttl,
	}
	for k, vv := range resp.Header {
		if !volatileHeaders[http.CanonicalHeaderKey(k)] {
			entry.Header[k] = append([]string(nil), vv...)
		}
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to encode cache entry")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.degraded(err, "write")
	}
}

// Invalidate drops the entries for method, path and query.
func (c *Cache) Invalidate(ctx context.Context, method, path string, query url.Values) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	return c.store.Delete(ctx, Key(method, path, query))
}

// InvalidatePath drops the query-less GET and HEAD entries for path.
func (c *Cache) InvalidatePath(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	return c.store.Delete(ctx, Key(http.MethodGet, path, nil), Key(http.MethodHead, path, nil))
}

func (c *Cache) degraded(err error, op string) {
	if c.OnDegraded != nil {
		c.OnDegraded()
	}
	c.warn.Do(func() {
		c.logger.Warn().Err(err).Str("op", op).Msg("cache store unavailable, serving without cache")
	})
}
