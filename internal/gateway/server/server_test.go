package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/redis"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/telemetry"
)

const completionJSON = `{"id":"c1","object":"chat.completion","model":"%s","choices":[{"index":0,"message":{"role":"assistant","content":"hi from %s"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`

func testConfig() *config.Config {
	return &config.Config{
		Env:                 "test",
		RequestTimeout:      5 * time.Second,
		StoreTimeout:        time.Second,
		EnableResponseCache: true,
		CacheDefaultTTL:     time.Minute,
		RateLimits: map[models.Tier]int{
			models.TierFree:       100,
			models.TierPro:        1000,
			models.TierEnterprise: ratelimit.Unlimited,
		},
		RateLimitWindow:   time.Minute,
		GatewayChatPath:   "/v1/chat/completions",
		GatewayTimeout:    time.Second,
		OpenAIModel:       "gpt-4o-mini",
		OpenAITimeout:     5 * time.Second,
		PerfSlowThreshold: time.Second,
		APIKeys:           []string{"sk-free:acme:free", "sk-ent:bigco:enterprise"},
		UsageQueueSize:    256,
		UsageWorkers:      1,
	}
}

// completionServer answers chat completions as name, with the given status.
func completionServer(t *testing.T, name string, status int, calls *int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		if r.URL.Path == "/health" {
			w.WriteHeader(status)
			return
		}
		if status != http.StatusOK {
			http.Error(w, `{"error":"unavailable"}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, completionJSON, name, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func newServer(t *testing.T, cfg *config.Config, deps Deps) *Server {
	t.Helper()
	deps.Logger = zerolog.Nop()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func shutdown(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func do(h http.Handler, method, target, key, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func TestStages_Order(t *testing.T) {
	cfg := testConfig()
	s := newServer(t, cfg, Deps{})
	assert.Equal(t, []string{
		"security_headers", "metrics", "performance_monitor",
		"response_cache", "usage_tracker", "rate_limiter",
	}, s.Stages())

	internal := testConfig()
	internal.RunAsInternal = true
	s = newServer(t, internal, Deps{})
	assert.Equal(t, "internal_prefix_stripper", s.Stages()[0])
	assert.Len(t, s.Stages(), 7)
}

func TestNew_RejectsBadStaticKeys(t *testing.T) {
	cfg := testConfig()
	cfg.APIKeys = []string{"broken"}
	_, err := New(cfg, Deps{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestChat_FreeTierIsLimitedAtTheHundredFirstRequest(t *testing.T) {
	mr, client := newRedis(t)
	primary := completionServer(t, "gateway", http.StatusOK, nil)

	cfg := testConfig()
	cfg.GatewayURL = primary.URL
	s := newServer(t, cfg, Deps{Redis: client})
	h := s.Handler()

	body := `{"prompt":"hello"}`
	for i := 1; i <= 100; i++ {
		rec := do(h, http.MethodPost, "/api/chat", "sk-free", body)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	last := do(h, http.MethodPost, "/api/chat", "sk-free", body)
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "0", last.Header().Get(ratelimit.HeaderRemaining))
	assert.Equal(t, "100", last.Header().Get(ratelimit.HeaderLimit))
	assert.NotEmpty(t, last.Header().Get("Retry-After"))

	// another tenant has its own window
	other := do(h, http.MethodPost, "/api/chat", "sk-ent", body)
	assert.Equal(t, http.StatusOK, other.Code)

	shutdown(t, s)
	assert.Equal(t, "100", mr.HGet("usage:acme", "/api/chat"), "the limited request is not billed")
	assert.Equal(t, "1", mr.HGet("usage:bigco", "/api/chat"))
}

func TestChat_FallsBackWhenPrimaryFails(t *testing.T) {
	primary := completionServer(t, "gateway", http.StatusServiceUnavailable, nil)
	secondary := completionServer(t, "gpt-4o-mini", http.StatusOK, nil)

	cfg := testConfig()
	cfg.GatewayURL = primary.URL
	cfg.OpenAIAPIKey = "sk-openai"
	cfg.OpenAIBaseURL = secondary.URL + "/v1"
	h := newServer(t, cfg, Deps{}).Handler()

	rec := do(h, http.MethodPost, "/api/chat", "sk-free", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "openai", rec.Header().Get("X-Provider"))

	var resp struct {
		Reply    string `json:"reply"`
		Provider string `json:"provider"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, "hi from gpt-4o-mini", resp.Reply)
}

func TestChat_FallsBackWhenPrimaryTimesOut(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)
	secondary := completionServer(t, "gpt-4o-mini", http.StatusOK, nil)

	cfg := testConfig()
	cfg.GatewayURL = slow.URL
	cfg.GatewayTimeout = 50 * time.Millisecond
	cfg.OpenAIAPIKey = "sk-openai"
	cfg.OpenAIBaseURL = secondary.URL + "/v1"
	h := newServer(t, cfg, Deps{}).Handler()

	rec := do(h, http.MethodPost, "/api/chat", "sk-free", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "openai", rec.Header().Get("X-Provider"))
}

func TestChat_BothProvidersFailingIsOneBadGateway(t *testing.T) {
	var primaryCalls, secondaryCalls int64
	primary := completionServer(t, "gateway", http.StatusBadGateway, &primaryCalls)
	secondary := completionServer(t, "gpt-4o-mini", http.StatusInternalServerError, &secondaryCalls)

	cfg := testConfig()
	cfg.GatewayURL = primary.URL
	cfg.OpenAIAPIKey = "sk-openai"
	cfg.OpenAIBaseURL = secondary.URL + "/v1"
	h := newServer(t, cfg, Deps{}).Handler()

	rec := do(h, http.MethodPost, "/api/chat", "sk-free", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "openai provider error", body.Error)
	assert.NotEmpty(t, body.Details)
	assert.Equal(t, int64(1), atomic.LoadInt64(&primaryCalls))
	assert.GreaterOrEqual(t, atomic.LoadInt64(&secondaryCalls), int64(1))
}

func TestChat_NoProviderConfigured(t *testing.T) {
	h := newServer(t, testConfig(), Deps{}).Handler()

	rec := do(h, http.MethodPost, "/api/chat", "sk-free", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "no upstream provider configured")
}

func TestAPI_RequiresAKey(t *testing.T) {
	h := newServer(t, testConfig(), Deps{}).Handler()

	tests := []struct {
		name string
		key  string
		want int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"unknown key", "sk-nope", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, "/api/chat", tt.key, `{"prompt":"hello"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestDevMode_AdmitsEveryCaller(t *testing.T) {
	cfg := testConfig()
	cfg.APIKeys = nil
	primary := completionServer(t, "gateway", http.StatusOK, nil)
	cfg.GatewayURL = primary.URL
	h := newServer(t, cfg, Deps{}).Handler()

	rec := do(h, http.MethodPost, "/api/chat", "", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "99", rec.Header().Get(ratelimit.HeaderRemaining))
}

func TestOperationalEndpoints(t *testing.T) {
	primary := completionServer(t, "gateway", http.StatusOK, nil)
	cfg := testConfig()
	cfg.GatewayURL = primary.URL
	h := newServer(t, cfg, Deps{}).Handler()

	for _, path := range []string{"/livez", "/health", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := do(h, http.MethodGet, path, "", "")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Header().Get(ratelimit.HeaderLimit), "operational paths are not limited")
			assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		})
	}

	rec := do(h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_requests_total")

	rec = do(h, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOperationalEndpoints_AnswerHead(t *testing.T) {
	primary := completionServer(t, "gateway", http.StatusOK, nil)
	cfg := testConfig()
	cfg.GatewayURL = primary.URL
	h := newServer(t, cfg, Deps{}).Handler()

	for _, path := range []string{"/livez", "/health", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := do(h, http.MethodHead, path, "", "")
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestMetrics_PathLabelsStayBounded(t *testing.T) {
	s := newServer(t, testConfig(), Deps{})
	h := s.Handler()

	for i := 0; i < 50; i++ {
		rec := do(h, http.MethodGet, fmt.Sprintf("/scan-%d/wp-login.php", i), "", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/livez", "", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodHead, "/livez", "", "").Code)

	total := s.Metrics.RequestsTotal
	assert.Equal(t, float64(50), testutil.ToFloat64(total.WithLabelValues("GET", "unmatched", "404")))
	assert.Equal(t, float64(1), testutil.ToFloat64(total.WithLabelValues("GET", "/livez", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(total.WithLabelValues("HEAD", "/livez", "200")))
	assert.Equal(t, 3, testutil.CollectAndCount(total))
}

func TestTracing_PropagatesInboundTraceToUpstream(t *testing.T) {
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
	stop, err := telemetry.InitTracer("edge-gateway-test", telemetry.ExporterNone, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stop(context.Background()) })

	traceparents := make(chan string, 1)
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case traceparents <- r.Header.Get("Traceparent"):
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, completionJSON, "gateway", "gateway")
	}))
	t.Cleanup(primary.Close)

	cfg := testConfig()
	cfg.GatewayURL = primary.URL
	h := newServer(t, cfg, Deps{}).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"prompt":"hello"}`))
	req.Header.Set("X-API-Key", "sk-free")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := <-traceparents
	assert.Contains(t, got, "4bf92f3577b34da6a3ce929d0e0e4736")
	assert.NotContains(t, got, "00f067aa0ba902b7", "upstream call runs in a child span")
}

func TestReady_FailsWithoutHealthyUpstream(t *testing.T) {
	primary := completionServer(t, "gateway", http.StatusServiceUnavailable, nil)
	cfg := testConfig()
	cfg.GatewayURL = primary.URL
	h := newServer(t, cfg, Deps{}).Handler()

	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/readyz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", "").Code)
}

func TestBackend_ReadsAreCachedAndMutationsInvalidate(t *testing.T) {
	var calls int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		assert.Equal(t, "acme", r.Header.Get("X-Tenant-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":42,"version":%d}`, n)
	}))
	t.Cleanup(backend.Close)

	_, client := newRedis(t)
	cfg := testConfig()
	cfg.BackendURL = backend.URL
	h := newServer(t, cfg, Deps{Redis: client}).Handler()

	first := do(h, http.MethodGet, "/api/v1/users/42", "sk-free", "")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := do(h, http.MethodGet, "/api/v1/users/42", "sk-free", "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))

	put := do(h, http.MethodPut, "/api/v1/users/42", "sk-free", `{"name":"x"}`)
	require.Equal(t, http.StatusOK, put.Code)

	third := do(h, http.MethodGet, "/api/v1/users/42", "sk-free", "")
	assert.Equal(t, "MISS", third.Header().Get("X-Cache"))
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestInternalMode_StripsPrefixAndSkipsLimitsAndUsage(t *testing.T) {
	paths := make(chan string, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(backend.Close)

	mr, client := newRedis(t)
	cfg := testConfig()
	cfg.RunAsInternal = true
	cfg.BackendURL = backend.URL
	s := newServer(t, cfg, Deps{Redis: client})
	h := s.Handler()

	rec := do(h, http.MethodPost, "/internal/api/v1/jobs", "", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get(ratelimit.HeaderLimit))
	assert.Empty(t, rec.Header().Get(ratelimit.HeaderRemaining))

	shutdown(t, s)
	assert.Equal(t, "/api/v1/jobs", <-paths)
	assert.Empty(t, mr.Keys(), "internal traffic is neither counted nor billed")
}

func TestShutdown_IsIdempotent(t *testing.T) {
	s := newServer(t, testConfig(), Deps{})
	shutdown(t, s)
	shutdown(t, s)
}
