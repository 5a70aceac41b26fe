package providers

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

// Dispatcher routes chat requests through an ordered fallback chain: the
// primary gateway first, then the direct provider.
type Dispatcher struct {
	chain  []Provider
	logger zerolog.Logger
}

// NewDispatcher builds the chain in the given order; nil providers are
// skipped so callers can pass unconfigured slots.
func NewDispatcher(logger zerolog.Logger, chain ...Provider) *Dispatcher {
	d := &Dispatcher{logger: logger.With().Str("component", "dispatcher").Logger()}
	for _, p := range chain {
		if p != nil && !isNilProvider(p) {
			d.chain = append(d.chain, p)
		}
	}
	return d
}

// Providers returns the configured provider names in fallback order.
func (d *Dispatcher) Providers() []string {
	names := make([]string, len(d.chain))
	for i, p := range d.chain {
		names[i] = p.Name()
	}
	return names
}

// Has reports whether name is configured.
func (d *Dispatcher) Has(name string) bool {
	return d.lookup(name) != nil
}

func (d *Dispatcher) lookup(name string) Provider {
	for _, p := range d.chain {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// Dispatch answers req from the first provider that succeeds. A transient
// failure moves on to the next provider; a terminal failure, or running out
// of providers, is returned as a 502. Only one attempt ever contributes to
// the response.
func (d *Dispatcher) Dispatch(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	chain := d.chain
	if req.Provider != "" {
		p := d.lookup(req.Provider)
		if p == nil {
			return nil, apierror.Configuration("provider " + req.Provider + " is not configured")
		}
		chain = []Provider{p}
	}
	if len(chain) == 0 {
		return nil, apierror.Configuration("no upstream provider configured")
	}

	var last Attempt
	for _, p := range chain {
		if err := ctx.Err(); err != nil {
			return nil, cancelled(err)
		}

		last = p.Complete(ctx, req)
		event := d.logger.Debug()
		if last.Outcome != Success {
			event = d.logger.Warn().Err(last.Err)
		}
		event.Str("provider", last.Provider).
			Str("outcome", last.Outcome.String()).
			Int("status", last.Status).
			Dur("latency", last.Latency).
			Msg("provider attempt")

		switch last.Outcome {
		case Success:
			return last.Response, nil
		case Terminal:
			return nil, apierror.Upstream(last.Provider, errorText(last))
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, cancelled(err)
	}
	return nil, apierror.Upstream(last.Provider, errorText(last))
}

func errorText(a Attempt) string {
	if a.Err != nil {
		return a.Err.Error()
	}
	return "request failed"
}

func cancelled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.Unavailable("request deadline exceeded")
	}
	return apierror.Client("request cancelled")
}

// isNilProvider catches typed nil pointers passed as Provider.
func isNilProvider(p Provider) bool {
	switch v := p.(type) {
	case *GatewayProvider:
		return v == nil
	case *OpenAIProvider:
		return v == nil
	}
	return false
}
