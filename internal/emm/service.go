package emm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"mdmproxy/pkg/config"
	"mdmproxy/pkg/metrics"
	"mdmproxy/pkg/problems"
	"mdmproxy/pkg/registry"
)

const maxUpstreamBodyBytes = 4 << 20 // 4 MiB

// Service proxies management-API operations verbatim: request bodies and
// responses pass through unshaped, only the service-account auth is added.
type Service struct {
	store         registry.Store
	tokens        serviceTokens
	apiBase       string
	inertEnroll   string
	inertRemedy   string
	notifyTimeout time.Duration
	client        HTTPDoer
	log           *zap.SugaredLogger
}

func NewService(store registry.Store, tokens serviceTokens, cfg config.Config, client HTTPDoer, log *zap.SugaredLogger) *Service {
	if client == nil {
		client = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	return &Service{
		store:         store,
		tokens:        tokens,
		apiBase:       strings.TrimRight(cfg.EMMAPIBase, "/"),
		inertEnroll:   cfg.InertEnrollURL,
		inertRemedy:   cfg.InertRemediateURL,
		notifyTimeout: cfg.NotifyTimeout,
		client:        client,
		log:           log,
	}
}

// CreateEnrollmentToken mints an enrollment token for the enterprise and
// returns the provider's response unchanged.
func (s *Service) CreateEnrollmentToken(ctx context.Context, enterpriseID, serverSecret string, body json.RawMessage) (json.RawMessage, error) {
	if _, err := registry.Authenticate(ctx, s.store, registry.VariantEMM, enterpriseID, serverSecret); err != nil {
		return nil, err
	}
	endpoint := s.enterpriseURL(enterpriseID) + "/enrollmentTokens"
	return s.call(ctx, http.MethodPost, endpoint, body, "create_enrollment_token", enterpriseID)
}

// ModifyPolicy patches one policy under the enterprise and returns the
// provider's response unchanged.
func (s *Service) ModifyPolicy(ctx context.Context, enterpriseID, policyID, serverSecret string, body json.RawMessage) (json.RawMessage, error) {
	if _, err := registry.Authenticate(ctx, s.store, registry.VariantEMM, enterpriseID, serverSecret); err != nil {
		return nil, err
	}
	endpoint := s.enterpriseURL(enterpriseID) + "/policies/" + url.PathEscape(policyID)
	return s.call(ctx, http.MethodPatch, endpoint, body, "modify_policy", enterpriseID)
}

// Deprovision points the enterprise's callback URLs at inert endpoints, then
// deletes the binding at the provider. Best-effort; bounded by the notify
// timeout. A failed notification does not stop the delete.
func (s *Service) Deprovision(ctx context.Context, reg registry.Registration) error {
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	body, _ := json.Marshal(map[string]string{
		"status":        "deprovisioned",
		"enroll_url":    s.inertEnroll,
		"remediate_url": s.inertRemedy,
	})
	if _, err := s.call(ctx, http.MethodPatch, s.enterpriseURL(reg.TenantID), body, "deprovision_notify", reg.TenantID); err != nil {
		s.log.Warnw("inert endpoint notification failed",
			"enterprise_id", reg.TenantID, "err", err)
	}
	_, err := s.call(ctx, http.MethodDelete, s.enterpriseURL(reg.TenantID), nil, "deprovision", reg.TenantID)
	return err
}

func (s *Service) enterpriseURL(enterpriseID string) string {
	return s.apiBase + "/enterprises/" + url.PathEscape(enterpriseID)
}

func (s *Service) call(ctx context.Context, method, endpoint string, body []byte, op, enterpriseID string) (json.RawMessage, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream("emm", op, 0, time.Since(start))
		return nil, problems.Upstream("emm "+op, enterpriseID, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream("emm", op, resp.StatusCode, time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBodyBytes))
	if err != nil {
		return nil, problems.Upstream("emm "+op+" read", enterpriseID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warnw("management api rejected request",
			"operation", op, "enterprise_id", enterpriseID, "status", resp.StatusCode)
		return nil, problems.UpstreamStatus("emm "+op, enterpriseID, resp.StatusCode)
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return nil, fmt.Errorf("emm %s (enterprise %s): %w", op, enterpriseID, problems.ErrUpstreamParse)
	}
	return json.RawMessage(raw), nil
}
