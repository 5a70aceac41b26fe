package handlers

import (
	"net/http"
	"strings"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

// InternalPrefix is stripped from request paths in trusted-origin mode.
const InternalPrefix = "/internal"

// SecurityHeaders decorates every response with the standard hardening
// headers.
type SecurityHeaders struct {
	hsts bool
}

func NewSecurityHeaders(hsts bool) *SecurityHeaders {
	return &SecurityHeaders{hsts: hsts}
}

func (s *SecurityHeaders) Name() string { return "security_headers" }

func (s *SecurityHeaders) Serve(rc *pipeline.RequestContext, r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
	resp, err := next(rc, r)
	if err != nil {
		return nil, err
	}
	s.Apply(resp.Header)
	return resp, nil
}

// Apply sets the hardening headers on h. The chain also uses it for errors
// rendered at its boundary.
func (s *SecurityHeaders) Apply(h http.Header) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	if s.hsts {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// PrefixStripper routes /internal/* as /* for trusted internal callers. It is
// only installed when the gateway runs in internal mode.
type PrefixStripper struct {
	prefix string
}

func NewPrefixStripper() *PrefixStripper {
	return &PrefixStripper{prefix: InternalPrefix}
}

func (s *PrefixStripper) Name() string { return "internal_prefix_stripper" }

func (s *PrefixStripper) Serve(rc *pipeline.RequestContext, r *http.Request, next pipeline.Next) (*pipeline.Response, error) {
	path, ok := stripPrefix(rc.Path, s.prefix)
	if !ok {
		return next(rc, r)
	}

	u := *r.URL
	u.Path = path
	u.RawPath = ""
	r2 := r.WithContext(r.Context())
	r2.URL = &u

	return next(rc.WithPath(path), r2)
}

// stripPrefix matches whole segments only: /internalx is left alone.
func stripPrefix(path, prefix string) (string, bool) {
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return path, false
}

// RequireAuth rejects requests whose credentials did not resolve to a tenant.
// Internal traffic is admitted without a key.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := pipeline.FromContext(r.Context())
		if rc == nil {
			apierror.Write(w, apierror.Internal())
			return
		}
		if rc.InternalMode {
			next.ServeHTTP(w, r)
			return
		}

		switch rc.Auth {
		case pipeline.AuthOK, pipeline.AuthDev:
			next.ServeHTTP(w, r)
		case pipeline.AuthMissing:
			apierror.Write(w, apierror.Unauthorized("missing API key"))
		case pipeline.AuthUnverified:
			apierror.Write(w, apierror.Unavailable("API key store unreachable"))
		default:
			apierror.Write(w, apierror.Forbidden("invalid API key"))
		}
	})
}

// CORSMiddleware handles CORS
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, Cache-Control")
		w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, X-Cache, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
