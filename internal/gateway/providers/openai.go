package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string // optional, e.g. an Azure or proxy endpoint
	Model   string
	Timeout time.Duration
}

// OpenAIProvider calls the OpenAI API directly. It is the fallback behind the
// gateway, so its failures are terminal.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	cc.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cc),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Complete makes a chat completion request to OpenAI
func (p *OpenAIProvider) Complete(ctx context.Context, req ChatRequest) Attempt {
	start := time.Now()
	attempt := Attempt{Provider: ProviderOpenAI}

	resp, err := p.client.CreateChatCompletion(ctx, req.completionRequest(p.model))
	attempt.Latency = time.Since(start)
	if err != nil {
		attempt.Outcome = Terminal
		attempt.Status = statusOf(err)
		attempt.Err = fmt.Errorf("OpenAI API error: %w", err)
		return attempt
	}

	reply, ok := firstChoice(resp)
	if !ok {
		attempt.Outcome = Terminal
		attempt.Status = http.StatusOK
		attempt.Err = errors.New("OpenAI API returned no choices")
		return attempt
	}

	usage := resp.Usage
	attempt.Outcome = Success
	attempt.Status = http.StatusOK
	attempt.Response = &ChatResponse{
		Reply:    reply,
		Model:    resp.Model,
		Provider: ProviderOpenAI,
		Usage:    &usage,
	}
	return attempt
}

func statusOf(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
