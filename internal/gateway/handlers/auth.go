package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-edge-gateway/internal/shared/models"
)

// DevTenant is the identity given to every caller when no keys are configured.
const DevTenant = "dev"

// KeyStore looks up API keys persisted in the database.
type KeyStore interface {
	GetAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, apiKeyID string) error
}

// Authenticator resolves request credentials at chain entry. Static keys are
// checked first, then the key store. With neither configured the gateway is
// in dev mode and admits everyone.
type Authenticator struct {
	static  map[string]models.APIKey
	store   KeyStore
	timeout time.Duration
	logger  zerolog.Logger
}

func NewAuthenticator(static []models.APIKey, store KeyStore, timeout time.Duration, logger zerolog.Logger) *Authenticator {
	if timeout <= 0 {
		timeout = time.Second
	}
	a := &Authenticator{
		static:  make(map[string]models.APIKey, len(static)),
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "auth").Logger(),
	}
	for _, k := range static {
		a.static[k.Key] = k
	}
	return a
}

// DevMode reports whether no key source is configured.
func (a *Authenticator) DevMode() bool {
	return len(a.static) == 0 && a.store == nil
}

func (a *Authenticator) Identify(r *http.Request) pipeline.Identity {
	if a.DevMode() {
		return pipeline.Identity{TenantID: DevTenant, Tier: models.TierFree, State: pipeline.AuthDev}
	}

	raw := extractKey(r)
	if raw == "" {
		return pipeline.Identity{State: pipeline.AuthMissing}
	}

	if k, ok := a.static[raw]; ok {
		return pipeline.Identity{TenantID: k.TenantID, Tier: k.Tier, State: pipeline.AuthOK}
	}
	if a.store == nil {
		return pipeline.Identity{State: pipeline.AuthInvalid}
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	key, err := a.store.GetAPIKey(ctx, raw)
	switch {
	case errors.Is(err, database.ErrKeyNotFound):
		return pipeline.Identity{State: pipeline.AuthInvalid}
	case err != nil:
		a.logger.Warn().Err(err).Msg("API key lookup failed")
		return pipeline.Identity{State: pipeline.AuthUnverified}
	case !key.IsActive:
		return pipeline.Identity{State: pipeline.AuthInvalid}
	}

	go a.touch(key.ID)

	return pipeline.Identity{TenantID: key.TenantID, Tier: key.Tier, State: pipeline.AuthOK}
}

func (a *Authenticator) touch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.UpdateAPIKeyLastUsed(ctx, id); err != nil {
		a.logger.Debug().Err(err).Str("api_key_id", id).Msg("failed to update last_used_at")
	}
}

// extractKey reads x-api-key, falling back to a bearer token.
func extractKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}
