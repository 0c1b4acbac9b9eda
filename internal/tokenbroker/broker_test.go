package tokenbroker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mdmproxy/pkg/config"
	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
)

func seedReg(t *testing.T, store registry.Store, reg registry.Registration) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &reg))
}

func testCreds(authority string) config.EntraCredentials {
	return config.EntraCredentials{
		ClientID:      "client-1",
		ClientSecret:  "shh",
		AuthorityBase: authority,
		Scope:         "https://provider.example/.default",
	}
}

func TestAccessToken_CachedTokenSkipsNetwork(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	store := registry.NewMemoryStore(zap.NewNop().Sugar())
	seedReg(t, store, registry.Registration{ID: "r1", Variant: registry.VariantCompliance, TenantID: "t1"})
	require.NoError(t, store.UpdateTokens(context.Background(), "r1", registry.TokenUpdate{
		AccessToken:          "cached",
		AccessTokenExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	b := New(store, testCreds(srv.URL), srv.Client(), 5*time.Minute, zap.NewNop().Sugar())
	tok, err := b.AccessToken(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "cached", tok)
	require.Zero(t, calls.Load())
}

func TestAccessToken_RefreshGrantWhenExpired(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "/t1/oauth2/v2.0/token", r.URL.Path)
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh", "refresh_token": "rt-new", "expires_in": 3600,
		})
	}))
	defer srv.Close()

	store := registry.NewMemoryStore(zap.NewNop().Sugar())
	seedReg(t, store, registry.Registration{ID: "r1", Variant: registry.VariantCompliance, TenantID: "t1"})
	require.NoError(t, store.UpdateTokens(context.Background(), "r1", registry.TokenUpdate{
		AccessToken: "stale", RefreshToken: "rt-old", AccessTokenExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}))

	b := New(store, testCreds(srv.URL), srv.Client(), 5*time.Minute, zap.NewNop().Sugar())
	tok, err := b.AccessToken(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "fresh", tok)

	got, err := store.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "fresh", got.AccessToken)
	require.Equal(t, "rt-new", got.RefreshToken)
	require.True(t, got.AccessTokenExpiresAt.After(time.Now().Add(30*time.Minute)))
}

func TestAccessToken_FirstAcquisitionUsesClientCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		require.Empty(t, r.Form.Get("refresh_token"))
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "first", "expires_in": 3600})
	}))
	defer srv.Close()

	store := registry.NewMemoryStore(zap.NewNop().Sugar())
	seedReg(t, store, registry.Registration{ID: "r1", Variant: registry.VariantCompliance, TenantID: "t1"})

	b := New(store, testCreds(srv.URL), srv.Client(), 5*time.Minute, zap.NewNop().Sugar())
	tok, err := b.AccessToken(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, "first", tok)
}

func TestAccessToken_RejectedGrantIsTyped(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer srv.Close()

	store := registry.NewMemoryStore(zap.NewNop().Sugar())
	seedReg(t, store, registry.Registration{ID: "r1", Variant: registry.VariantCompliance, TenantID: "t1"})

	b := New(store, testCreds(srv.URL), srv.Client(), 5*time.Minute, zap.NewNop().Sugar())
	_, err := b.AccessToken(context.Background(), "r1")
	require.ErrorIs(t, err, problems.ErrTokenRefreshFailed)
}

func TestAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "shared", "expires_in": 3600})
	}))
	defer srv.Close()

	store := registry.NewMemoryStore(zap.NewNop().Sugar())
	seedReg(t, store, registry.Registration{ID: "r1", Variant: registry.VariantCompliance, TenantID: "t1"})

	b := New(store, testCreds(srv.URL), srv.Client(), 5*time.Minute, zap.NewNop().Sugar())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := b.AccessToken(context.Background(), "r1")
			require.NoError(t, err)
			require.Equal(t, "shared", tok)
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), calls.Load())
}
