package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completionJSON = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "gpt-4o-mini",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello there"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
}`

func completionServer(t *testing.T, check func(r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, completionJSON)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestChatRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatRequest
		wantErr bool
	}{
		{"prompt", ChatRequest{Prompt: "hi"}, false},
		{"messages", ChatRequest{Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}}}, false},
		{"empty", ChatRequest{}, true},
		{"blank prompt", ChatRequest{Prompt: "   "}, true},
		{"unknown provider", ChatRequest{Prompt: "hi", Provider: "anthropic"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGatewayProvider_Success(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := completionServer(t, func(r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-API-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	p := NewGatewayProvider(GatewayConfig{BaseURL: srv.URL + "/", Token: "tok", APIKey: "key", Model: "gpt-4o-mini"}, nil)
	a := p.Complete(context.Background(), ChatRequest{Prompt: "hi"})

	require.Equal(t, Success, a.Outcome, "%v", a.Err)
	assert.Equal(t, http.StatusOK, a.Status)
	assert.Equal(t, "hello there", a.Response.Reply)
	assert.Equal(t, "gateway", a.Response.Provider)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestGatewayProvider_APIKeyHeader(t *testing.T) {
	srv := completionServer(t, func(r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		assert.Empty(t, r.Header.Get("Authorization"))
	})

	p := NewGatewayProvider(GatewayConfig{BaseURL: srv.URL, APIKey: "key"}, nil)
	assert.Equal(t, Success, p.Complete(context.Background(), ChatRequest{Prompt: "hi"}).Outcome)
}

func TestGatewayProvider_FailuresAreTransient(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := statusServer(t, http.StatusServiceUnavailable, `{"error":"overloaded"}`)
		a := NewGatewayProvider(GatewayConfig{BaseURL: srv.URL}, nil).Complete(context.Background(), ChatRequest{Prompt: "hi"})
		assert.Equal(t, Transient, a.Outcome)
		assert.Equal(t, http.StatusServiceUnavailable, a.Status)
		assert.Contains(t, a.Err.Error(), "overloaded")
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		t.Cleanup(srv.Close)

		p := NewGatewayProvider(GatewayConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
		a := p.Complete(context.Background(), ChatRequest{Prompt: "hi"})
		assert.Equal(t, Transient, a.Outcome)
		assert.Zero(t, a.Status)
		assert.Error(t, a.Err)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		a := NewGatewayProvider(GatewayConfig{BaseURL: url}, nil).Complete(context.Background(), ChatRequest{Prompt: "hi"})
		assert.Equal(t, Transient, a.Outcome)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := statusServer(t, http.StatusOK, `not json`)
		a := NewGatewayProvider(GatewayConfig{BaseURL: srv.URL}, nil).Complete(context.Background(), ChatRequest{Prompt: "hi"})
		assert.Equal(t, Transient, a.Outcome)
	})
}

func TestGatewayProvider_Health(t *testing.T) {
	healthy := statusServer(t, http.StatusOK, `{"status":"ok"}`)
	assert.NoError(t, NewGatewayProvider(GatewayConfig{BaseURL: healthy.URL}, nil).Health(context.Background()))

	sick := statusServer(t, http.StatusInternalServerError, ``)
	assert.Error(t, NewGatewayProvider(GatewayConfig{BaseURL: sick.URL}, nil).Health(context.Background()))
}

func TestOpenAIProvider_Success(t *testing.T) {
	srv := completionServer(t, func(r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
	})

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	a := p.Complete(context.Background(), ChatRequest{Prompt: "hi"})

	require.Equal(t, Success, a.Outcome, "%v", a.Err)
	assert.Equal(t, "openai", a.Response.Provider)
	assert.Equal(t, "hello there", a.Response.Reply)
	assert.Equal(t, 5, a.Response.Usage.TotalTokens)
}

func TestOpenAIProvider_ErrorsAreTerminal(t *testing.T) {
	srv := statusServer(t, http.StatusUnauthorized,
		`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)

	p := NewOpenAIProvider(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL + "/v1"})
	a := p.Complete(context.Background(), ChatRequest{Prompt: "hi"})

	assert.Equal(t, Terminal, a.Outcome)
	assert.Equal(t, http.StatusUnauthorized, a.Status)
	assert.Contains(t, a.Err.Error(), "Incorrect API key")
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "transient_failure", Transient.String())
	assert.Equal(t, "terminal_failure", Terminal.String())
}
