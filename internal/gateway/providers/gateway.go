package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxUpstreamBody bounds how much of an upstream reply is read.
const maxUpstreamBody = 4 << 20

type GatewayConfig struct {
	BaseURL  string
	ChatPath string
	// Token is sent as a bearer token; APIKey is used only when Token is empty.
	Token   string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GatewayProvider calls the self-hosted, OpenAI-compatible primary gateway.
// Every failure is transient: the dispatcher masks it with the fallback.
type GatewayProvider struct {
	cfg        GatewayConfig
	httpClient *http.Client
}

// NewGatewayProvider creates the primary provider. transport may be nil.
func NewGatewayProvider(cfg GatewayConfig, transport http.RoundTripper) *GatewayProvider {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if cfg.ChatPath == "" {
		cfg.ChatPath = "/v1/chat/completions"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &GatewayProvider{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
	}
}

func (p *GatewayProvider) Name() string { return ProviderGateway }

func (p *GatewayProvider) Complete(ctx context.Context, req ChatRequest) Attempt {
	start := time.Now()
	attempt := Attempt{Provider: ProviderGateway, Outcome: Transient}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(req.completionRequest(p.cfg.Model))
	if err != nil {
		attempt.Err = fmt.Errorf("encode gateway request: %w", err)
		return attempt
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+p.cfg.ChatPath, bytes.NewReader(body))
	if err != nil {
		attempt.Err = fmt.Errorf("build gateway request: %w", err)
		return attempt
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	httpResp, err := p.httpClient.Do(httpReq)
	attempt.Latency = time.Since(start)
	if err != nil {
		attempt.Err = fmt.Errorf("gateway request failed: %w", err)
		return attempt
	}
	defer httpResp.Body.Close()

	attempt.Status = httpResp.StatusCode
	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxUpstreamBody))
	if err != nil {
		attempt.Err = fmt.Errorf("read gateway response: %w", err)
		return attempt
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		attempt.Err = fmt.Errorf("gateway returned status %d: %s", httpResp.StatusCode, truncate(respBody, 512))
		return attempt
	}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		attempt.Err = fmt.Errorf("failed to parse gateway response: %w", err)
		return attempt
	}
	reply, ok := firstChoice(completion)
	if !ok {
		attempt.Err = errors.New("gateway returned no choices")
		return attempt
	}

	model := completion.Model
	if model == "" {
		model = req.completionRequest(p.cfg.Model).Model
	}
	usage := completion.Usage

	attempt.Outcome = Success
	attempt.Response = &ChatResponse{
		Reply:    reply,
		Model:    model,
		Provider: ProviderGateway,
		Usage:    &usage,
	}
	return attempt
}

// Health checks GET {BaseURL}/health.
func (p *GatewayProvider) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	p.authorize(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *GatewayProvider) authorize(req *http.Request) {
	switch {
	case p.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	case p.cfg.APIKey != "":
		req.Header.Set("X-API-Key", p.cfg.APIKey)
	}
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
