// Package server wires configuration into the router and request pipeline.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/redis"
)

// operationalPaths are never rate limited, cached or billed.
var operationalPaths = []string{"/health", "/readyz", "/livez", "/metrics"}

// Deps are the already-connected backing services. Nil fields select the
// in-process stand-ins.
type Deps struct {
	Redis  *redis.Client
	DB     *database.DB
	Logger zerolog.Logger
	// Transport is used for outbound gateway and backend calls; optional.
	Transport http.RoundTripper
}

type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	chain   *pipeline.Chain
	handler http.Handler

	Metrics    *metrics.Metrics
	Limiter    *ratelimit.Limiter
	Cache      *cache.Cache
	Tracker    *usage.Tracker
	Dispatcher *providers.Dispatcher

	stopJanitors context.CancelFunc
}

// New builds the pipeline and routes from cfg.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	logger := deps.Logger
	janitorCtx, stopJanitors := context.WithCancel(context.Background())

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		Metrics:      metrics.New(),
		stopJanitors: stopJanitors,
	}

	staticKeys, err := cfg.StaticKeys()
	if err != nil {
		stopJanitors()
		return nil, err
	}

	// Counter store
	var counters ratelimit.CounterStore
	if deps.Redis != nil {
		counters = deps.Redis
	} else {
		mem := ratelimit.NewMemoryStore()
		mem.StartJanitor(janitorCtx, cfg.RateLimitWindow)
		counters = mem
	}
	s.Limiter = ratelimit.New(counters, ratelimit.Config{
		Limits:       cfg.RateLimits,
		Window:       cfg.RateLimitWindow,
		Allowlist:    cfg.RateLimitAllowlist,
		ExemptPaths:  operationalPaths,
		StoreTimeout: cfg.StoreTimeout,
	}, logger)
	s.Limiter.OnDegraded = s.Metrics.DegradedHook("rate_limiter")

	// Cache store
	var store cache.Store
	switch {
	case !cfg.EnableResponseCache:
		store = cache.NoopStore{}
	case deps.Redis != nil:
		store = cache.NewRedisStore(deps.Redis)
	default:
		mem := cache.NewMemoryStore(nil)
		mem.StartJanitor(janitorCtx, time.Minute)
		store = mem
	}
	s.Cache = cache.New(store, cache.Config{
		DefaultTTL:     cfg.CacheDefaultTTL,
		BypassInternal: cfg.CacheBypassInternal,
		StoreTimeout:   cfg.StoreTimeout,
		ExemptPaths:    operationalPaths,
	}, logger)
	s.Cache.OnDegraded = s.Metrics.DegradedHook("response_cache")

	// Usage sinks
	var sinks []usage.Sink
	if deps.Redis != nil {
		sinks = append(sinks, usage.NewRedisSink(deps.Redis))
	}
	if deps.DB != nil {
		sinks = append(sinks, usage.NewPostgresSink(deps.DB))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, usage.NewLogSink(logger))
	}
	s.Tracker = usage.New(usage.Config{
		QueueSize:   cfg.UsageQueueSize,
		Workers:     cfg.UsageWorkers,
		ExemptPaths: operationalPaths,
	}, logger, sinks...)
	if cfg.UsageCountCacheHits {
		s.Cache.OnHit = s.Tracker.RecordHit
	}

	// Providers, primary first
	var primary *providers.GatewayProvider
	var secondary *providers.OpenAIProvider
	if cfg.HasPrimary() {
		primary = providers.NewGatewayProvider(providers.GatewayConfig{
			BaseURL:  cfg.GatewayURL,
			ChatPath: cfg.GatewayChatPath,
			Token:    cfg.GatewayToken,
			APIKey:   cfg.GatewayAPIKey,
			Model:    cfg.OpenAIModel,
			Timeout:  cfg.GatewayTimeout,
		}, deps.Transport)
	}
	if cfg.HasSecondary() {
		secondary = providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.OpenAITimeout,
		})
	}
	s.Dispatcher = providers.NewDispatcher(logger, primary, secondary)

	// Auth
	var keyStore handlers.KeyStore
	if deps.DB != nil {
		keyStore = deps.DB
	}
	auth := handlers.NewAuthenticator(staticKeys, keyStore, time.Second, logger)
	if auth.DevMode() {
		logger.Warn().Msg("no API keys configured, running in dev mode: every caller is admitted")
	}

	// Routes
	var health providers.HealthChecker
	if primary != nil {
		health = primary
	}
	router, err := s.routes(handlers.NewHealthHandler(health, secondary != nil), deps)
	if err != nil {
		stopJanitors()
		return nil, err
	}
	s.Metrics.SetRouteResolver(routeResolver(router))

	security := handlers.NewSecurityHeaders(true)
	var stages []pipeline.Stage
	if cfg.RunAsInternal {
		stages = append(stages, handlers.NewPrefixStripper())
	}
	stages = append(stages,
		security,
		metrics.NewCollector(s.Metrics),
		metrics.NewPerformanceMonitor(s.Metrics, cfg.PerfSlowThreshold, logger),
		s.Cache,
		s.Tracker,
		s.Limiter,
	)

	s.chain = pipeline.New(router, pipeline.Options{
		Internal:        cfg.RunAsInternal,
		RequestTimeout:  cfg.RequestTimeout,
		Identifier:      auth,
		Logger:          logger,
		BoundaryHeaders: security.Apply,
	}, stages...)
	s.handler = otelhttp.NewHandler(s.chain, "edge-gateway")

	return s, nil
}

// routeResolver maps a request to its chi route pattern so metric labels stay
// bounded. Paths no route matches resolve to "".
func routeResolver(router *chi.Mux) metrics.RouteResolver {
	return func(method, path string) string {
		rctx := chi.NewRouteContext()
		if router.Match(rctx, method, path) {
			return rctx.RoutePattern()
		}
		if method == http.MethodHead {
			rctx.Reset()
			if router.Match(rctx, http.MethodGet, path) {
				return rctx.RoutePattern()
			}
		}
		return ""
	}
}

func (s *Server) routes(health *handlers.HealthHandler, deps Deps) (*chi.Mux, error) {
	chat := handlers.NewChatHandler(s.Dispatcher, s.logger)

	var backend http.Handler = http.HandlerFunc(handlers.NotFound)
	if s.cfg.BackendURL != "" {
		target, err := url.Parse(s.cfg.BackendURL)
		if err != nil {
			return nil, fmt.Errorf("invalid BACKEND_URL: %w", err)
		}
		backend = handlers.NewBackendProxy(target, deps.Transport, s.Cache, s.logger)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.GetHead)
	r.Use(handlers.CORSMiddleware)
	r.NotFound(handlers.NotFound)

	r.Get("/livez", health.Live)
	r.Get("/health", health.Health)
	r.Get("/readyz", health.Ready)
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(handlers.RequireAuth)
		r.Post("/chat", chat.HandleChat)
		r.Post("/completions", chat.HandleChat)
		r.Handle("/*", backend)
	})

	return r, nil
}

// Handler returns the composed pipeline wrapped in the inbound tracing span.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Stages returns the pipeline stage names, outermost first.
func (s *Server) Stages() []string {
	return s.chain.Stages()
}

// Shutdown drains the usage queue and stops background cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopJanitors()
	return s.Tracker.Close(ctx)
}
