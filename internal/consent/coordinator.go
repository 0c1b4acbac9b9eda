// Package consent runs the admin-consent handshake: it issues the single-use
// state token and consumes the identity provider's redirect callback.
package consent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"mdmproxy/pkg/config"
	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
	"mdmproxy/pkg/secrets"
)

type Coordinator struct {
	store       registry.Store
	creds       config.EntraCredentials
	redirectURL string
	log         *zap.SugaredLogger
}

func NewCoordinator(store registry.Store, creds config.EntraCredentials, redirectURL string, log *zap.SugaredLogger) *Coordinator {
	return &Coordinator{store: store, creds: creds, redirectURL: redirectURL, log: log}
}

// Start authenticates the customer server, issues a fresh state token
// (replacing any outstanding one — restarting an unfinished flow is allowed),
// and returns the provider admin-consent URL to send the administrator to.
func (c *Coordinator) Start(ctx context.Context, tenantID, serverSecret string) (string, error) {
	reg, err := registry.Authenticate(ctx, c.store, registry.VariantCompliance, tenantID, serverSecret)
	if err != nil {
		return "", err
	}
	state, err := secrets.NewToken(secrets.StateTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generate state token: %w", err)
	}
	if err := c.store.SetPendingConsent(ctx, reg.ID, state); err != nil {
		return "", fmt.Errorf("persist state token: %w", err)
	}

	q := url.Values{}
	q.Set("client_id", c.creds.ClientID)
	q.Set("state", state)
	q.Set("redirect_uri", c.redirectURL)
	consentURL := strings.TrimRight(c.creds.AuthorityBase, "/") + "/" + url.PathEscape(tenantID) + "/adminconsent?" + q.Encode()
	c.log.Infow("consent flow started", "registration_id", reg.ID, "tenant_id", tenantID)
	return consentURL, nil
}

// ReceiveRedirect handles the provider's callback.
//
// An attached error means the admin declined: a normal outcome, answered
// success-shaped with no state change. Otherwise the (tenant, state) pair
// must match an outstanding token; the match consumes it. A stale, consumed,
// or forged callback is a plain not-found.
func (c *Coordinator) ReceiveRedirect(ctx context.Context, tenantID, state, errCode, errDescription string) error {
	if errCode != "" {
		c.log.Infow("admin declined consent",
			"tenant_id", tenantID, "error", errCode, "error_description", errDescription)
		return nil
	}
	if tenantID == "" || state == "" {
		return problems.ErrTenantNotFound
	}
	reg, err := c.store.ConsumeConsentToken(ctx, registry.VariantCompliance, tenantID, state)
	if err != nil {
		if errors.Is(err, problems.ErrTenantNotFound) {
			return err
		}
		return fmt.Errorf("consume consent token: %w", err)
	}
	c.log.Infow("admin consent recorded", "registration_id", reg.ID, "tenant_id", tenantID)
	return nil
}
