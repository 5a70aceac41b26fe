// Package pipeline composes request stages into a single onion-ordered
// http.Handler.
//
// The first stage passed to New is outermost: it sees the request first and
// the response last. A stage either short-circuits by returning a Response
// without calling next, or calls next and post-processes what comes back.
// Responses are buffered, so a stage that fails after next returned cannot
// leave half-written headers on the client connection.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

// Next continues the chain with the (possibly derived) context and request.
type Next func(rc *RequestContext, r *http.Request) (*Response, error)

// Stage is one layer of the pipeline.
type Stage interface {
	Name() string
	Serve(rc *RequestContext, r *http.Request, next Next) (*Response, error)
}

// InternalSkipper is implemented by stages that do not run for trusted
// internal traffic.
type InternalSkipper interface {
	SkipInternal() bool
}

// StageFunc adapts a function to Stage.
type StageFunc struct {
	StageName string
	Fn        func(rc *RequestContext, r *http.Request, next Next) (*Response, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Serve(rc *RequestContext, r *http.Request, next Next) (*Response, error) {
	return s.Fn(rc, r, next)
}

// Identifier resolves request credentials at chain entry.
type Identifier interface {
	Identify(r *http.Request) Identity
}

// Options configures a Chain.
type Options struct {
	// Internal marks every request as trusted internal traffic.
	Internal bool
	// RequestTimeout bounds the whole request, zero disables.
	RequestTimeout time.Duration
	Identifier     Identifier
	Logger         zerolog.Logger
	// Now is used for RequestContext.StartTime; defaults to time.Now.
	Now func() time.Time
	// BoundaryHeaders decorates responses built at the chain boundary, which
	// never pass back through the stages; optional.
	BoundaryHeaders func(h http.Header)
}

// Chain is the composed pipeline.
type Chain struct {
	stages  []Stage
	handler http.Handler
	opts    Options
	entry   Next
}

// New composes stages, outermost first, around handler.
func New(handler http.Handler, opts Options, stages ...Stage) *Chain {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Chain{
		stages:  append([]Stage(nil), stages...),
		handler: handler,
		opts:    opts,
	}

	next := Next(c.invokeHandler)
	for i := len(c.stages) - 1; i >= 0; i-- {
		next = link(c.stages[i], next)
	}
	c.entry = next

	return c
}

func link(s Stage, next Next) Next {
	skipper, canSkip := s.(InternalSkipper)
	return func(rc *RequestContext, r *http.Request) (*Response, error) {
		if rc.InternalMode && canSkip && skipper.SkipInternal() {
			return next(rc, r)
		}
		return s.Serve(rc, r, next)
	}
}

// Stages returns the stage names in execution order.
func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}
	r = r.WithContext(ctx)

	rc := c.newRequestContext(r)
	resp, err := c.run(rc, r)
	if err != nil {
		resp = c.boundaryResponse(rc, err)
	}
	resp.Header.Set("X-Request-ID", rc.RequestID)
	resp.WriteTo(w)
}

func (c *Chain) newRequestContext(r *http.Request) *RequestContext {
	id := Identity{State: AuthMissing}
	if c.opts.Identifier != nil {
		id = c.opts.Identifier.Identify(r)
	}

	query := make(url.Values, len(r.URL.Query()))
	for k, vv := range r.URL.Query() {
		query[k] = append([]string(nil), vv...)
	}

	return &RequestContext{
		RequestID:    uuid.New().String(),
		TenantID:     id.TenantID,
		Tier:         id.Tier,
		Auth:         id.State,
		Method:       r.Method,
		Path:         r.URL.Path,
		Query:        query,
		StartTime:    c.opts.Now(),
		InternalMode: c.opts.Internal,
	}
}

func (c *Chain) run(rc *RequestContext, r *http.Request) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.opts.Logger.Error().
				Str("request_id", rc.RequestID).
				Str("panic", fmt.Sprint(p)).
				Bytes("stack", debug.Stack()).
				Msg("panic in pipeline")
			resp, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	resp, err = c.entry(rc, r)
	if err == nil && resp == nil {
		err = fmt.Errorf("pipeline produced no response")
	}
	return resp, err
}

// boundaryResponse converts an error escaping the stages into a clean
// response. Typed API errors keep their status; anything else is a 500.
func (c *Chain) boundaryResponse(rc *RequestContext, err error) *Response {
	e := apierror.From(err)
	event := c.opts.Logger.Warn()
	if e.Kind == apierror.KindInternal {
		event = c.opts.Logger.Error()
	}
	event.Err(err).
		Str("request_id", rc.RequestID).
		Str("method", rc.Method).
		Str("path", rc.Path).
		Int("status", e.Status).
		Msg("request failed in pipeline")

	resp := ErrorResponse(e)
	if c.opts.BoundaryHeaders != nil {
		c.opts.BoundaryHeaders(resp.Header)
	}
	return resp
}

// invokeHandler runs the route handler against a buffer.
func (c *Chain) invokeHandler(rc *RequestContext, r *http.Request) (resp *Response, err error) {
	bw := newBufferedWriter()
	defer func() {
		if p := recover(); p != nil {
			c.opts.Logger.Error().
				Str("request_id", rc.RequestID).
				Str("panic", fmt.Sprint(p)).
				Bytes("stack", debug.Stack()).
				Msg("panic in route handler")
			resp, err = nil, fmt.Errorf("handler panic: %v", p)
		}
	}()

	c.handler.ServeHTTP(bw, r.WithContext(WithRequestContext(r.Context(), rc)))
	return bw.response(), nil
}
