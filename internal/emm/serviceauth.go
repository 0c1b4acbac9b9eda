// Package emm proxies enrollment-token and policy operations to the
// enterprise-mobility management API, authenticated with this system's own
// service-account credentials — never the customer's.
package emm

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"mdmproxy/pkg/cache"
	"mdmproxy/pkg/config"
	"mdmproxy/pkg/metrics"
	"mdmproxy/pkg/problems"
)

const (
	serviceTokenCacheKey = "emm:service-token"
	assertionLifetime    = time.Hour
	jwtBearerGrant       = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// HTTPDoer lets tests inject a fake provider.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ServiceTokenSource exchanges a signed JWT-bearer assertion for a management
// API access token and caches it until shortly before expiry.
type ServiceTokenSource struct {
	creds  config.EMMCredentials
	key    *rsa.PrivateKey
	client HTTPDoer
	cache  cache.Cache
	safety time.Duration
	now    func() time.Time
	log    *zap.SugaredLogger
}

func NewServiceTokenSource(creds config.EMMCredentials, client HTTPDoer, c cache.Cache, safety time.Duration, log *zap.SugaredLogger) (*ServiceTokenSource, error) {
	key, err := parsePrivateKey(creds.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("emm service credentials: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if c == nil {
		c = cache.NewMemory()
	}
	return &ServiceTokenSource{
		creds:  creds,
		key:    key,
		client: client,
		cache:  c,
		safety: safety,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}, nil
}

func (s *ServiceTokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cache.Get(ctx, serviceTokenCacheKey); ok {
		return tok, nil
	}
	assertion, err := s.signAssertion()
	if err != nil {
		return "", fmt.Errorf("sign service assertion: %w", err)
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.creds.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build service token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream("emm", "service_token", 0, time.Since(start))
		return "", problems.Upstream("service token exchange", s.creds.ClientEmail, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("emm", "service_token", resp.StatusCode, time.Since(start))

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return "", fmt.Errorf("service token response: %w: %w", problems.ErrUpstreamParse, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || tr.AccessToken == "" {
		s.log.Errorw("service token grant rejected", "status", resp.StatusCode, "error", tr.Error)
		return "", fmt.Errorf("service token grant: %s: %w", tr.Error, problems.ErrTokenRefreshFailed)
	}

	ttl := time.Duration(tr.ExpiresIn)*time.Second - s.safety
	if ttl > 0 {
		s.cache.Set(ctx, serviceTokenCacheKey, tr.AccessToken, ttl)
	}
	return tr.AccessToken, nil
}

func (s *ServiceTokenSource) signAssertion() (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		Issuer(s.creds.ClientEmail).
		Audience([]string{s.creds.TokenURL}).
		Claim("scope", s.creds.Scope).
		IssuedAt(now).
		Expiration(now.Add(assertionLifetime)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, s.key))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}
