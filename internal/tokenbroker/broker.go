// Package tokenbroker acquires, caches, and refreshes the provider access
// tokens used to call the identity provider's management API on a tenant's
// behalf.
package tokenbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mdmproxy/pkg/config"
	"mdmproxy/pkg/metrics"
	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
)

const maxTokenResponseBytes = 1 << 20 // 1 MiB

// HTTPDoer lets tests inject a fake identity provider.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Broker struct {
	store  registry.Store
	creds  config.EntraCredentials
	client HTTPDoer
	safety time.Duration
	now    func() time.Time
	flight singleflight.Group
	log    *zap.SugaredLogger
}

func New(store registry.Store, creds config.EntraCredentials, client HTTPDoer, safety time.Duration, log *zap.SugaredLogger) *Broker {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Broker{
		store:  store,
		creds:  creds,
		client: client,
		safety: safety,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// AccessToken returns a token valid for at least the safety margin.
// Concurrent callers for one registration share a single refresh.
func (b *Broker) AccessToken(ctx context.Context, registrationID string) (string, error) {
	reg, err := b.store.Get(ctx, registrationID)
	if err != nil {
		return "", err
	}
	if b.fresh(reg) {
		return reg.AccessToken, nil
	}
	v, err, _ := b.flight.Do(registrationID, func() (any, error) {
		// Re-read under the flight: another caller may have refreshed while
		// this one queued.
		reg, err := b.store.Get(ctx, registrationID)
		if err != nil {
			return "", err
		}
		if b.fresh(reg) {
			return reg.AccessToken, nil
		}
		return b.refresh(ctx, reg)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Broker) fresh(reg registry.Registration) bool {
	return reg.AccessToken != "" && b.now().Before(reg.AccessTokenExpiresAt.Add(-b.safety))
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// refresh exchanges credentials at the tenant-scoped token endpoint: the
// cached refresh token when one exists, the client-credentials grant for the
// first acquisition right after admin consent.
func (b *Broker) refresh(ctx context.Context, reg registry.Registration) (string, error) {
	form := url.Values{}
	form.Set("client_id", b.creds.ClientID)
	form.Set("client_secret", b.creds.ClientSecret)
	if b.creds.Scope != "" {
		form.Set("scope", b.creds.Scope)
	}
	grant := "client_credentials"
	if reg.RefreshToken != "" {
		grant = "refresh_token"
		form.Set("refresh_token", reg.RefreshToken)
	}
	form.Set("grant_type", grant)

	endpoint := strings.TrimRight(b.creds.AuthorityBase, "/") + "/" + url.PathEscape(reg.TenantID) + "/oauth2/v2.0/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream("idp", "token", 0, time.Since(start))
		return "", problems.Upstream("token exchange", reg.TenantID, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("idp", "token", resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return "", problems.Upstream("token exchange read", reg.TenantID, err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("token endpoint (tenant %s): %w: %w", reg.TenantID, problems.ErrUpstreamParse, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || tr.AccessToken == "" {
		b.log.Errorw("token grant rejected",
			"tenant_id", reg.TenantID, "grant", grant,
			"status", resp.StatusCode, "error", tr.Error, "error_description", tr.ErrorDescription)
		return "", fmt.Errorf("grant %s (tenant %s): %s: %w", grant, reg.TenantID, tr.Error, problems.ErrTokenRefreshFailed)
	}

	expiresAt := b.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	err = b.store.UpdateTokens(ctx, reg.ID, registry.TokenUpdate{
		AccessToken:          tr.AccessToken,
		RefreshToken:         tr.RefreshToken,
		AccessTokenExpiresAt: expiresAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("persist tokens: %w", err)
	}
	return tr.AccessToken, nil
}
