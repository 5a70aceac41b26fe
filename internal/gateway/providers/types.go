package providers

import (
	"context"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

const (
	ProviderGateway = "gateway"
	ProviderOpenAI  = "openai"
)

// ChatRequest is the body accepted by the chat and completion routes.
// Either Messages or Prompt must be set.
type ChatRequest struct {
	Model       string                         `json:"model,omitempty"`
	Messages    []openai.ChatCompletionMessage `json:"messages,omitempty"`
	Prompt      string                         `json:"prompt,omitempty"`
	Provider    string                         `json:"provider,omitempty"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
}

// Validate rejects requests no provider could answer.
func (r ChatRequest) Validate() error {
	if len(r.Messages) == 0 && strings.TrimSpace(r.Prompt) == "" {
		return apierror.Client("messages or prompt is required")
	}
	switch r.Provider {
	case "", ProviderGateway, ProviderOpenAI:
	default:
		return apierror.Client("unknown provider " + r.Provider)
	}
	return nil
}

// ChatMessages returns Messages, or Prompt as a single user message.
func (r ChatRequest) ChatMessages() []openai.ChatCompletionMessage {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: r.Prompt}}
}

// completionRequest builds the OpenAI-compatible body sent upstream.
func (r ChatRequest) completionRequest(defaultModel string) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    r.Model,
		Messages: r.ChatMessages(),
	}
	if req.Model == "" {
		req.Model = defaultModel
	}
	if r.Temperature != nil {
		req.Temperature = *r.Temperature
	}
	if r.MaxTokens != nil {
		req.MaxTokens = *r.MaxTokens
	}
	if r.TopP != nil {
		req.TopP = *r.TopP
	}
	return req
}

// ChatResponse is the normalized reply. It always comes from exactly one
// provider attempt.
type ChatResponse struct {
	Reply    string        `json:"reply"`
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Usage    *openai.Usage `json:"usage,omitempty"`
}

// Outcome tags a provider attempt.
type Outcome int

const (
	Success Outcome = iota
	// Transient failures are masked by trying the next provider.
	Transient
	// Terminal failures end dispatch and are shown to the client.
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient_failure"
	case Terminal:
		return "terminal_failure"
	default:
		return "unknown"
	}
}

// Attempt is the result of one provider call. It lives only for one dispatch.
type Attempt struct {
	Provider string
	Outcome  Outcome
	Status   int // upstream HTTP status, 0 when no response arrived
	Latency  time.Duration
	Response *ChatResponse
	Err      error
}

// Provider is one upstream that can answer a chat request. Complete never
// returns a Go error; failures are described by the Attempt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req ChatRequest) Attempt
}

// HealthChecker is implemented by providers that expose a health check.
type HealthChecker interface {
	Health(ctx context.Context) error
}

func firstChoice(resp openai.ChatCompletionResponse) (string, bool) {
	if len(resp.Choices) == 0 {
		return "", false
	}
	return resp.Choices[0].Message.Content, true
}
