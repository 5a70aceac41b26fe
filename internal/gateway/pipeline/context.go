package pipeline

import (
	"context"
	"net/url"
	"time"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/models"
)

// AuthState records what the chain learned about the caller's credentials.
type AuthState int

const (
	// AuthMissing means no key was presented.
	AuthMissing AuthState = iota
	// AuthOK means the key resolved to an active tenant.
	AuthOK
	// AuthInvalid means a key was presented but is unknown or inactive.
	AuthInvalid
	// AuthUnverified means the key store could not be reached.
	AuthUnverified
	// AuthDev means no keys are configured at all; every caller is admitted.
	AuthDev
)

// Authenticated reports whether the request carries a usable tenant identity.
func (s AuthState) Authenticated() bool {
	return s == AuthOK || s == AuthDev
}

// Identity is the result of resolving request credentials.
type Identity struct {
	TenantID string
	Tier     models.Tier
	State    AuthState
}

// RequestContext is the per-request record handed to every stage. Stages
// never mutate it; a stage that needs a different view (e.g. a rewritten
// path) derives a copy and passes that to next.
type RequestContext struct {
	RequestID    string
	TenantID     string
	Tier         models.Tier
	Auth         AuthState
	Method       string
	Path         string
	Query        url.Values
	StartTime    time.Time
	InternalMode bool
}

// WithPath returns a copy of rc routed to path.
func (rc *RequestContext) WithPath(path string) *RequestContext {
	cp := *rc
	cp.Path = path
	return &cp
}

type requestContextKey struct{}

// WithRequestContext stores rc on ctx for route handlers.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext returns the RequestContext stored by the chain, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
