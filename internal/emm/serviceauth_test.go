package emm

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mdmproxy/pkg/cache"
	"mdmproxy/pkg/config"
	"mdmproxy/pkg/problems"
)

func testCreds(t *testing.T, tokenURL string) (config.EMMCredentials, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	return config.EMMCredentials{
		ClientEmail:   "svc@project.example",
		PrivateKeyPEM: pemStr,
		TokenURL:      tokenURL,
		Scope:         "https://api.example/auth/androidmanagement",
	}, key
}

func TestToken_SignsVerifiableAssertion(t *testing.T) {
	t.Parallel()
	var creds config.EMMCredentials
	var key *rsa.PrivateKey
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, jwtBearerGrant, r.Form.Get("grant_type"))

		tok, err := jwt.Parse([]byte(r.Form.Get("assertion")), jwt.WithKey(jwa.RS256, key.Public()))
		require.NoError(t, err)
		require.Equal(t, "svc@project.example", tok.Issuer())
		require.Contains(t, tok.Audience(), creds.TokenURL)
		scope, ok := tok.Get("scope")
		require.True(t, ok)
		require.Equal(t, creds.Scope, scope)

		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "expires_in": 3600})
	}))
	defer upstream.Close()
	creds, key = testCreds(t, upstream.URL)

	src, err := NewServiceTokenSource(creds, upstream.Client(), cache.NewMemory(), 5*time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)
	got, err := src.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "at-1", got)
}

func TestToken_CachedUntilExpiry(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "expires_in": 3600})
	}))
	defer upstream.Close()
	creds, _ := testCreds(t, upstream.URL)

	src, err := NewServiceTokenSource(creds, upstream.Client(), cache.NewMemory(), 5*time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		got, err := src.Token(context.Background())
		require.NoError(t, err)
		require.Equal(t, "at-1", got)
	}
	require.Equal(t, int64(1), calls.Load())
}

func TestToken_RejectedGrant(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer upstream.Close()
	creds, _ := testCreds(t, upstream.URL)

	src, err := NewServiceTokenSource(creds, upstream.Client(), cache.NewMemory(), 5*time.Minute, zap.NewNop().Sugar())
	require.NoError(t, err)
	_, err = src.Token(context.Background())
	require.ErrorIs(t, err, problems.ErrTokenRefreshFailed)
}

func TestNewServiceTokenSource_RejectsGarbageKey(t *testing.T) {
	t.Parallel()
	_, err := NewServiceTokenSource(config.EMMCredentials{PrivateKeyPEM: "not a key"}, nil, nil, 0, zap.NewNop().Sugar())
	require.Error(t, err)
}
