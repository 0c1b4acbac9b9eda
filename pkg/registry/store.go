package registry

import (
	"context"
	"fmt"

	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/secrets"
)

// Store is the only mutation path for registrations; the state-machine
// transitions in the provisioning/consent/broker packages are its callers.
// Not-found is always problems.ErrTenantNotFound.
type Store interface {
	Create(ctx context.Context, reg *Registration) error
	Get(ctx context.Context, id string) (Registration, error)
	FindByOrigin(ctx context.Context, variant Variant, originURL string) (Registration, error)
	// FindByTenant returns all registrations for a provider tenant id.
	// Secret comparison happens in Authenticate, never in the store.
	FindByTenant(ctx context.Context, variant Variant, tenantID string) ([]Registration, error)
	// SetPendingConsent replaces any outstanding consent token.
	SetPendingConsent(ctx context.Context, id, token string) error
	// ConsumeConsentToken atomically matches (variant, tenantID, token),
	// sets admin_consented and clears the token. A consumed or unknown token
	// is a not-found, indistinguishable from a forged one.
	ConsumeConsentToken(ctx context.Context, variant Variant, tenantID, token string) (Registration, error)
	// UpdateTokens persists a fresh provider credential set.
	UpdateTokens(ctx context.Context, id string, reg TokenUpdate) error
	// MarkSetupCompleted flips the monotonic completion flag.
	MarkSetupCompleted(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// TokenUpdate carries the provider credential fields written by the broker.
type TokenUpdate struct {
	AccessToken          string
	RefreshToken         string
	AccessTokenExpiresAt int64 // unix seconds
}

// Authenticate resolves the (tenantID, serverSecret) pair presented by a
// customer server. Wrong tenant and wrong secret produce the same error.
func Authenticate(ctx context.Context, s Store, variant Variant, tenantID, serverSecret string) (Registration, error) {
	if tenantID == "" || serverSecret == "" {
		return Registration{}, problems.ErrTenantNotFound
	}
	regs, err := s.FindByTenant(ctx, variant, tenantID)
	if err != nil {
		return Registration{}, fmt.Errorf("authenticate %s tenant: %w", variant, err)
	}
	for _, reg := range regs {
		if secrets.Equal(reg.ServerSecret, serverSecret) {
			return reg, nil
		}
	}
	return Registration{}, problems.ErrTenantNotFound
}
