package provisioning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
)

type fakeDeprov struct {
	calls int
	err   error
}

func (f *fakeDeprov) Deprovision(context.Context, registry.Registration) error {
	f.calls++
	return f.err
}

type fakeVerifier struct {
	managed bool
	err     error
}

func (f *fakeVerifier) IsManaged(context.Context, string) (bool, error) {
	return f.managed, f.err
}

func newController(t *testing.T, deprov Deprovisioner, verify Verifier) (*Controller, registry.Store) {
	t.Helper()
	store := registry.NewMemoryStore(zap.NewNop().Sugar())
	return NewController(store, registry.VariantCompliance, deprov, verify, zap.NewNop().Sugar()), store
}

func TestCreate_RequiresOrigin(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, nil, nil)
	_, err := c.Create(context.Background(), "t1", "")
	require.ErrorIs(t, err, problems.ErrMissingOrigin)
}

func TestCreate_ReplaceIncompleteThenConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, store := newController(t, nil, nil)

	first, err := c.Create(ctx, "t1", "https://a.example")
	require.NoError(t, err)
	require.NotEmpty(t, first.ServerSecret)

	// Same origin, setup never completed: old record replaced, new secret.
	second, err := c.Create(ctx, "t1", "https://a.example")
	require.NoError(t, err)
	require.NotEqual(t, first.ServerSecret, second.ServerSecret)

	// The first secret is gone with its record.
	_, err = registry.Authenticate(ctx, store, registry.VariantCompliance, "t1", first.ServerSecret)
	require.ErrorIs(t, err, problems.ErrTenantNotFound)

	// Completed setup blocks recreation.
	reg, err := registry.Authenticate(ctx, store, registry.VariantCompliance, "t1", second.ServerSecret)
	require.NoError(t, err)
	require.NoError(t, store.MarkSetupCompleted(ctx, reg.ID))
	_, err = c.Create(ctx, "t1", "https://a.example")
	require.ErrorIs(t, err, problems.ErrAlreadyConfigured)

	// And the existing record is untouched by the failed create.
	_, err = registry.Authenticate(ctx, store, registry.VariantCompliance, "t1", second.ServerSecret)
	require.NoError(t, err)
}

func TestCreate_VerifierGatesRegistration(t *testing.T) {
	t.Parallel()
	c, _ := newController(t, nil, &fakeVerifier{managed: false})
	_, err := c.Create(context.Background(), "LC99", "https://a.example")
	require.ErrorIs(t, err, problems.ErrEnterpriseNotManaged)

	c2, _ := newController(t, nil, &fakeVerifier{managed: true})
	created, err := c2.Create(context.Background(), "LC99", "https://a.example")
	require.NoError(t, err)
	require.NotEmpty(t, created.ServerSecret)
}

func TestCreate_ConflictStableWhenVerifierDown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	verify := &fakeVerifier{managed: true}
	c, store := newController(t, nil, verify)

	created, err := c.Create(ctx, "LC1", "https://a.example")
	require.NoError(t, err)
	reg, err := registry.Authenticate(ctx, store, registry.VariantCompliance, "LC1", created.ServerSecret)
	require.NoError(t, err)
	require.NoError(t, store.MarkSetupCompleted(ctx, reg.ID))

	// Provider listing outage must not change the answer for a completed origin.
	verify.managed = false
	verify.err = errors.New("listing unavailable")
	_, err = c.Create(ctx, "LC1", "https://a.example")
	require.ErrorIs(t, err, problems.ErrAlreadyConfigured)
}

func TestCreate_IncompleteSurvivesVerifierFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	verify := &fakeVerifier{managed: true}
	c, store := newController(t, nil, verify)

	created, err := c.Create(ctx, "LC1", "https://a.example")
	require.NoError(t, err)

	verify.err = errors.New("listing unavailable")
	_, err = c.Create(ctx, "LC1", "https://a.example")
	require.Error(t, err)
	require.NotErrorIs(t, err, problems.ErrAlreadyConfigured)

	// The failed attempt must not have discarded the incomplete registration.
	_, err = registry.Authenticate(ctx, store, registry.VariantCompliance, "LC1", created.ServerSecret)
	require.NoError(t, err)
}

func TestRemove_AuthOpacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newController(t, nil, nil)
	created, err := c.Create(ctx, "t1", "https://a.example")
	require.NoError(t, err)

	errWrongSecret := c.Remove(ctx, "t1", "nope")
	errWrongTenant := c.Remove(ctx, "t2", created.ServerSecret)
	require.ErrorIs(t, errWrongSecret, problems.ErrTenantNotFound)
	require.ErrorIs(t, errWrongTenant, problems.ErrTenantNotFound)

	require.NoError(t, c.Remove(ctx, "t1", created.ServerSecret))
	// Already removed: same not-found shape.
	require.ErrorIs(t, c.Remove(ctx, "t1", created.ServerSecret), problems.ErrTenantNotFound)
}

func TestRemove_DeprovisionOnlyAfterSetupCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dep := &fakeDeprov{}
	c, store := newController(t, dep, nil)

	created, err := c.Create(ctx, "t1", "https://a.example")
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx, "t1", created.ServerSecret))
	require.Zero(t, dep.calls)

	created, err = c.Create(ctx, "t1", "https://a.example")
	require.NoError(t, err)
	reg, err := registry.Authenticate(ctx, store, registry.VariantCompliance, "t1", created.ServerSecret)
	require.NoError(t, err)
	require.NoError(t, store.MarkSetupCompleted(ctx, reg.ID))
	require.NoError(t, c.Remove(ctx, "t1", created.ServerSecret))
	require.Equal(t, 1, dep.calls)
}

func TestRemove_LocalDeleteSurvivesDeprovisionFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dep := &fakeDeprov{err: errors.New("provider down")}
	c, store := newController(t, dep, nil)

	created, err := c.Create(ctx, "t1", "https://a.example")
	require.NoError(t, err)
	reg, err := registry.Authenticate(ctx, store, registry.VariantCompliance, "t1", created.ServerSecret)
	require.NoError(t, err)
	require.NoError(t, store.MarkSetupCompleted(ctx, reg.ID))

	require.NoError(t, c.Remove(ctx, "t1", created.ServerSecret))
	require.Equal(t, 1, dep.calls)
	_, err = store.Get(ctx, reg.ID)
	require.ErrorIs(t, err, problems.ErrTenantNotFound)
}
