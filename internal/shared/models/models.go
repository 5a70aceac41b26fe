package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a tenant's subscription class; it selects the rate limit.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a tier name.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro, TierEnterprise:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// APIKey represents a gateway API key
type APIKey struct {
	ID         string
	Key        string // raw value, only set for statically configured keys
	KeyHash    string
	KeyPrefix  string
	Name       string
	TenantID   string
	Tier       Tier
	IsActive   bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UsageRecord is one billable request. Records are append-only; the gateway
// never reads them back.
type UsageRecord struct {
	TenantID  string
	Endpoint  string
	Method    string
	Status    int
	CacheHit  bool
	Timestamp time.Time
	Increment int
}
