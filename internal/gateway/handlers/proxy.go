package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

// Invalidator drops cached GET/HEAD entries for a path.
type Invalidator interface {
	InvalidatePath(ctx context.Context, path string) error
}

// BackendProxy forwards the remaining /api routes to the collaborator
// service. Successful mutations invalidate the cached reads of the same path.
type BackendProxy struct {
	target      *url.URL
	proxy       *httputil.ReverseProxy
	invalidator Invalidator
	logger      zerolog.Logger
}

// NewBackendProxy; transport and invalidator may be nil. Outbound calls carry
// the caller's trace context.
func NewBackendProxy(target *url.URL, transport http.RoundTripper, invalidator Invalidator, logger zerolog.Logger) *BackendProxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	p := &BackendProxy{
		target:      target,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "backend_proxy").Logger(),
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:        p.rewrite,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.errorHandler,
		Transport:      otelhttp.NewTransport(transport),
	}
	return p
}

func (p *BackendProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

func (p *BackendProxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)
	pr.SetXForwarded()
	pr.Out.Host = p.target.Host

	if rc := pipeline.FromContext(pr.In.Context()); rc != nil {
		pr.Out.Header.Set("X-Request-ID", rc.RequestID)
		if rc.TenantID != "" {
			pr.Out.Header.Set("X-Tenant-ID", rc.TenantID)
		}
	}
}

func (p *BackendProxy) modifyResponse(res *http.Response) error {
	req := res.Request
	if p.invalidator == nil || req == nil || !isMutation(req.Method) {
		return nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil
	}

	// the outbound path carries the target's base path; invalidate what the
	// client actually requested
	path := req.URL.Path
	if rc := pipeline.FromContext(req.Context()); rc != nil {
		path = rc.Path
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.invalidator.InvalidatePath(ctx, path); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("cache invalidation failed")
	}
	return nil
}

func (p *BackendProxy) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		apierror.Write(w, apierror.Client("request cancelled"))
		return
	}
	p.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("backend request failed")
	apierror.Write(w, apierror.Upstream("backend", err.Error()))
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// NotFound renders the JSON 404 used when no backend is configured.
func NotFound(w http.ResponseWriter, r *http.Request) {
	apierror.Write(w, apierror.NotFound("route not found"))
}
