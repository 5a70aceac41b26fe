package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/apierror"
)

const maxChatBody = 1 << 20

// Dispatcher answers chat requests from the configured providers.
type Dispatcher interface {
	Dispatch(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
}

type ChatHandler struct {
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func NewChatHandler(dispatcher Dispatcher, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "chat").Logger(),
	}
}

// HandleChat handles POST /api/chat and POST /api/completions
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req providers.ChatRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxChatBody))
	if err := dec.Decode(&req); err != nil {
		apierror.Write(w, apierror.Client("invalid request body"))
		return
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		h.logFailure(r, err)
		apierror.Write(w, err)
		return
	}

	event := h.logger.Info().
		Str("provider", resp.Provider).
		Str("model", resp.Model).
		Dur("duration", time.Since(start))
	if rc := pipeline.FromContext(r.Context()); rc != nil {
		event = event.Str("request_id", rc.RequestID).Str("tenant_id", rc.TenantID)
	}
	event.Msg("chat completed")

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Provider", resp.Provider)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *ChatHandler) logFailure(r *http.Request, err error) {
	e := apierror.From(err)
	event := h.logger.Warn()
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		event = h.logger.Error()
	}
	event = event.Err(err).Int("status", e.Status)
	if rc := pipeline.FromContext(r.Context()); rc != nil {
		event = event.Str("request_id", rc.RequestID).Str("tenant_id", rc.TenantID)
	}
	event.Msg("chat failed")
}
