package consent

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mdmproxy/pkg/config"
	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
)

func newCoordinator(t *testing.T) (*Coordinator, registry.Store, registry.Registration) {
	t.Helper()
	store := registry.NewMemoryStore(zap.NewNop().Sugar())
	reg := registry.Registration{
		ID: "r1", Variant: registry.VariantCompliance,
		TenantID: "t1", OriginURL: "https://a.example", ServerSecret: "s3cret",
	}
	require.NoError(t, store.Create(context.Background(), &reg))
	creds := config.EntraCredentials{ClientID: "client-1", ClientSecret: "x", AuthorityBase: "https://login.example"}
	return NewCoordinator(store, creds, "https://proxy.example/api/v1/compliance/consent/callback", zap.NewNop().Sugar()), store, reg
}

func pendingToken(t *testing.T, store registry.Store, id string) string {
	t.Helper()
	reg, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return reg.PendingConsentToken
}

func TestStart_IssuesStateAndBuildsURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _ := newCoordinator(t)

	consentURL, err := c.Start(ctx, "t1", "s3cret")
	require.NoError(t, err)

	u, err := url.Parse(consentURL)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(consentURL, "https://login.example/t1/adminconsent?"))
	require.Equal(t, "client-1", u.Query().Get("client_id"))
	require.Equal(t, pendingToken(t, store, "r1"), u.Query().Get("state"))
	require.NotEmpty(t, u.Query().Get("state"))
}

func TestStart_RestartReplacesToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _ := newCoordinator(t)

	_, err := c.Start(ctx, "t1", "s3cret")
	require.NoError(t, err)
	first := pendingToken(t, store, "r1")

	_, err = c.Start(ctx, "t1", "s3cret")
	require.NoError(t, err)
	second := pendingToken(t, store, "r1")
	require.NotEqual(t, first, second)

	// The superseded token no longer matches.
	require.ErrorIs(t, c.ReceiveRedirect(ctx, "t1", first, "", ""), problems.ErrTenantNotFound)
	require.NoError(t, c.ReceiveRedirect(ctx, "t1", second, "", ""))
}

func TestStart_AuthOpacity(t *testing.T) {
	t.Parallel()
	c, _, _ := newCoordinator(t)
	_, errSecret := c.Start(context.Background(), "t1", "wrong")
	_, errTenant := c.Start(context.Background(), "t9", "s3cret")
	require.ErrorIs(t, errSecret, problems.ErrTenantNotFound)
	require.ErrorIs(t, errTenant, problems.ErrTenantNotFound)
}

func TestReceiveRedirect_SingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _ := newCoordinator(t)
	_, err := c.Start(ctx, "t1", "s3cret")
	require.NoError(t, err)
	state := pendingToken(t, store, "r1")

	require.NoError(t, c.ReceiveRedirect(ctx, "t1", state, "", ""))
	reg, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, reg.AdminConsented)
	require.Empty(t, reg.PendingConsentToken)

	// Replay with the consumed token: not-found, consent untouched.
	require.ErrorIs(t, c.ReceiveRedirect(ctx, "t1", state, "", ""), problems.ErrTenantNotFound)
	reg, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	require.True(t, reg.AdminConsented)
}

func TestReceiveRedirect_DeclineIsNotAnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store, _ := newCoordinator(t)
	_, err := c.Start(ctx, "t1", "s3cret")
	require.NoError(t, err)
	state := pendingToken(t, store, "r1")

	// Valid and invalid state tokens both answer success-shaped on decline.
	require.NoError(t, c.ReceiveRedirect(ctx, "t1", state, "access_denied", "admin said no"))
	require.NoError(t, c.ReceiveRedirect(ctx, "t1", "garbage", "access_denied", ""))

	reg, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	require.False(t, reg.AdminConsented)
	// The pending token survives a decline; the flow can still complete.
	require.Equal(t, state, reg.PendingConsentToken)
}

func TestReceiveRedirect_ForgedCallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _, _ := newCoordinator(t)
	require.ErrorIs(t, c.ReceiveRedirect(ctx, "t1", "never-issued", "", ""), problems.ErrTenantNotFound)
	require.ErrorIs(t, c.ReceiveRedirect(ctx, "", "", "", ""), problems.ErrTenantNotFound)
}
