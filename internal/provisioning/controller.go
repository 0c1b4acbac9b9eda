// Package provisioning owns the registration lifecycle: creation with the
// replace-if-incomplete rule, and removal with best-effort remote deprovision.
package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
	"mdmproxy/pkg/secrets"
)

// Deprovisioner notifies the external provider that an integration is being
// torn down. Implemented by the compliance and emm services.
type Deprovisioner interface {
	Deprovision(ctx context.Context, reg registry.Registration) error
}

// Verifier gates registration on provider-side ownership (EMM variant only).
type Verifier interface {
	IsManaged(ctx context.Context, enterpriseID string) (bool, error)
}

type Controller struct {
	store   registry.Store
	variant registry.Variant
	deprov  Deprovisioner // may be nil
	verify  Verifier      // nil for the compliance variant
	log     *zap.SugaredLogger
}

func NewController(store registry.Store, variant registry.Variant, deprov Deprovisioner, verify Verifier, log *zap.SugaredLogger) *Controller {
	return &Controller{store: store, variant: variant, deprov: deprov, verify: verify, log: log}
}

// Created is returned exactly once; the secret is not recoverable afterward.
type Created struct {
	ServerSecret string `json:"server_secret"`
	TenantID     string `json:"tenant_id"`
}

// Create registers a tenant for the origin. An incomplete registration for
// the same origin is disposable and replaced; a completed one is a conflict
// until explicitly removed.
func (c *Controller) Create(ctx context.Context, tenantID, originURL string) (Created, error) {
	if originURL == "" {
		return Created{}, problems.ErrMissingOrigin
	}
	if tenantID == "" {
		return Created{}, fmt.Errorf("create registration: %w", problems.ErrTenantNotFound)
	}

	// The conflict answer must stay stable even when the provider is down, so
	// the origin lookup runs before any remote verification.
	existing, lookupErr := c.store.FindByOrigin(ctx, c.variant, originURL)
	switch {
	case lookupErr == nil && existing.SetupCompleted:
		return Created{}, fmt.Errorf("origin %s: %w", originURL, problems.ErrAlreadyConfigured)
	case lookupErr != nil && !errors.Is(lookupErr, problems.ErrTenantNotFound):
		return Created{}, fmt.Errorf("lookup origin: %w", lookupErr)
	}

	if c.verify != nil {
		managed, err := c.verify.IsManaged(ctx, tenantID)
		if err != nil {
			return Created{}, fmt.Errorf("verify enterprise %s: %w", tenantID, err)
		}
		if !managed {
			return Created{}, fmt.Errorf("enterprise %s: %w", tenantID, problems.ErrEnterpriseNotManaged)
		}
	}

	if lookupErr == nil {
		// Abandoned setup; self-heal by discarding it.
		c.log.Infow("replacing incomplete registration",
			"registration_id", existing.ID, "tenant_id", existing.TenantID, "origin", originURL)
		if err := c.store.Delete(ctx, existing.ID); err != nil && !errors.Is(err, problems.ErrTenantNotFound) {
			return Created{}, fmt.Errorf("replace incomplete registration: %w", err)
		}
	}

	secret, err := secrets.NewToken(secrets.ServerSecretBytes)
	if err != nil {
		return Created{}, fmt.Errorf("generate server secret: %w", err)
	}
	reg := &registry.Registration{
		ID:           uuid.NewString(),
		Variant:      c.variant,
		TenantID:     tenantID,
		OriginURL:    originURL,
		ServerSecret: secret,
	}
	if err := c.store.Create(ctx, reg); err != nil {
		return Created{}, fmt.Errorf("create registration: %w", err)
	}
	c.log.Infow("registration created", "registration_id", reg.ID, "tenant_id", tenantID, "origin", originURL)
	return Created{ServerSecret: secret, TenantID: tenantID}, nil
}

// Remove authenticates the pair and deletes the registration. For a
// completed setup the provider is notified first, best-effort: a provider
// outage must not block local cleanup, so the failure is logged and deletion
// proceeds.
func (c *Controller) Remove(ctx context.Context, tenantID, serverSecret string) error {
	reg, err := registry.Authenticate(ctx, c.store, c.variant, tenantID, serverSecret)
	if err != nil {
		return err
	}
	if reg.SetupCompleted && c.deprov != nil {
		if err := c.deprov.Deprovision(ctx, reg); err != nil {
			c.log.Errorw("remote deprovision failed, deleting local record anyway",
				"registration_id", reg.ID, "tenant_id", tenantID, "err", err)
		}
	}
	if err := c.store.Delete(ctx, reg.ID); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	c.log.Infow("registration removed", "registration_id", reg.ID, "tenant_id", tenantID)
	return nil
}
