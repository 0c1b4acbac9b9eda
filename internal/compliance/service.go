// Package compliance forwards device compliance-status submissions to the
// identity provider's data-sync API and relays the asynchronous results back,
// keyed by correlation id.
package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"
	"go.uber.org/zap"

	"mdmproxy/pkg/config"
	"mdmproxy/pkg/metrics"
	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
)

const maxUpstreamBodyBytes = 4 << 20 // 4 MiB

// StatusFailed is the provider status that carries a details payload.
const StatusFailed = "Failed"

// TokenSource abstracts the broker for tests.
type TokenSource interface {
	AccessToken(ctx context.Context, registrationID string) (string, error)
}

// HTTPDoer lets tests inject a fake provider API.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Service struct {
	store         registry.Store
	tokens        TokenSource
	apiBase       string
	inertEnroll   string
	inertRemedy   string
	notifyTimeout time.Duration
	client        HTTPDoer
	log           *zap.SugaredLogger
}

func NewService(store registry.Store, tokens TokenSource, cfg config.Config, client HTTPDoer, log *zap.SugaredLogger) *Service {
	if client == nil {
		client = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	return &Service{
		store:         store,
		tokens:        tokens,
		apiBase:       strings.TrimRight(cfg.ComplianceAPIBase, "/"),
		inertEnroll:   cfg.InertEnrollURL,
		inertRemedy:   cfg.InertRemediateURL,
		notifyTimeout: cfg.NotifyTimeout,
		client:        client,
		log:           log,
	}
}

// Result is the shaped answer relayed to the customer server. Details is the
// provider's own error payload, passed through only when Status is Failed.
type Result struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Details   any    `json:"details,omitempty"`
}

// authenticate resolves the pair at the customer-server trust boundary:
// failures here are Unauthorized, not the redirect flow's NotFound.
func (s *Service) authenticate(ctx context.Context, tenantID, serverSecret string) (registry.Registration, error) {
	reg, err := registry.Authenticate(ctx, s.store, registry.VariantCompliance, tenantID, serverSecret)
	if err != nil {
		if errors.Is(err, problems.ErrTenantNotFound) {
			return registry.Registration{}, problems.ErrUnauthorized
		}
		return registry.Registration{}, err
	}
	return reg, nil
}

// Submit proxies one compliance update. The provider answers with the
// correlation id the customer server polls on. The first successful submit
// after admin consent completes setup (monotonic).
func (s *Service) Submit(ctx context.Context, tenantID, serverSecret string, device json.RawMessage) (Result, error) {
	reg, err := s.authenticate(ctx, tenantID, serverSecret)
	if err != nil {
		return Result{}, err
	}
	payload, status, err := s.call(ctx, reg, http.MethodPost, s.apiBase+"/messages", device, "submit")
	if err != nil {
		return Result{}, err
	}
	if status < 200 || status >= 300 {
		return Result{}, problems.UpstreamStatus("compliance submit", tenantID, status)
	}
	messageID := searchString(payload, "message_id || MessageId")
	if messageID == "" {
		return Result{}, fmt.Errorf("compliance submit (tenant %s): no message id in response: %w", tenantID, problems.ErrUpstreamParse)
	}
	if reg.AdminConsented && !reg.SetupCompleted {
		if err := s.store.MarkSetupCompleted(ctx, reg.ID); err != nil {
			return Result{}, fmt.Errorf("complete setup: %w", err)
		}
		s.log.Infow("setup completed", "registration_id", reg.ID, "tenant_id", tenantID)
	}
	st := searchString(payload, "status || Status")
	if st == "" {
		st = "InProgress"
	}
	return Result{MessageID: messageID, Status: st}, nil
}

// Poll relays the async result for one correlation id. Responses are stable
// across repeated polls; a provider-side miss stays an upstream error, never
// a local not-found.
func (s *Service) Poll(ctx context.Context, tenantID, serverSecret, messageID string) (Result, error) {
	reg, err := s.authenticate(ctx, tenantID, serverSecret)
	if err != nil {
		return Result{}, err
	}
	endpoint := s.apiBase + "/messages/" + url.PathEscape(messageID)
	payload, status, err := s.call(ctx, reg, http.MethodGet, endpoint, nil, "poll")
	if err != nil {
		return Result{}, err
	}
	if status < 200 || status >= 300 {
		return Result{}, problems.UpstreamStatus("compliance poll", tenantID, status)
	}
	st := searchString(payload, "status || Status")
	if st == "" {
		return Result{}, fmt.Errorf("compliance poll (tenant %s, message %s): no status in response: %w", tenantID, messageID, problems.ErrUpstreamParse)
	}
	res := Result{MessageID: messageID, Status: st}
	if st == StatusFailed {
		if details, err := jmespath.Search("error.details || details || error", payload); err == nil && details != nil {
			res.Details = details
		}
	}
	return res, nil
}

// Deprovision marks the remote side torn down and points its callback URLs
// at inert endpoints. Best-effort; bounded by the notify timeout.
func (s *Service) Deprovision(ctx context.Context, reg registry.Registration) error {
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	body, _ := json.Marshal(map[string]string{
		"status":        "deprovisioned",
		"enroll_url":    s.inertEnroll,
		"remediate_url": s.inertRemedy,
	})
	endpoint := s.apiBase + "/tenants/" + url.PathEscape(reg.TenantID) + "/deprovision"
	_, status, err := s.call(ctx, reg, http.MethodPost, endpoint, body, "deprovision")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return problems.UpstreamStatus("compliance deprovision", reg.TenantID, status)
	}
	return nil
}

// call issues one bearer-authenticated round trip and decodes the JSON body.
// A 2xx with an unparseable body is ErrUpstreamParse; non-2xx bodies are
// returned decoded when possible so callers can pass structured errors on.
func (s *Service) call(ctx context.Context, reg registry.Registration, method, endpoint string, body []byte, op string) (any, int, error) {
	token, err := s.tokens.AccessToken(ctx, reg.ID)
	if err != nil {
		return nil, 0, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, 0, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream("compliance", op, 0, time.Since(start))
		return nil, 0, problems.Upstream("compliance "+op, reg.TenantID, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("compliance", op, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return nil, 0, problems.Upstream("compliance "+op+" read", reg.TenantID, err)
	}
	var payload any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil, 0, fmt.Errorf("compliance %s (tenant %s): %w: %w", op, reg.TenantID, problems.ErrUpstreamParse, err)
			}
			payload = nil // non-2xx with junk body: status is enough
		}
	}
	return payload, resp.StatusCode, nil
}

func searchString(payload any, expr string) string {
	v, err := jmespath.Search(expr, payload)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
