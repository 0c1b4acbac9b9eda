package problems

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Base returns the base URL for problem type identifiers.
// Order of precedence:
// 1. PROBLEM_BASE_URL (exact base, e.g. https://mydomain.com/problems)
// 2. BASE_PUBLIC_URL + "/problems" (if set)
// 3. https://example.com/problems (fallback)
func Base() string {
	if b := os.Getenv("PROBLEM_BASE_URL"); b != "" {
		return strings.TrimRight(b, "/")
	}
	if b := os.Getenv("BASE_PUBLIC_URL"); b != "" {
		return strings.TrimRight(b, "/") + "/problems"
	}
	return "https://example.com/problems"
}

// Type builds a full problem type URL for the given slug.
func Type(slug string) string { return Base() + "/" + slug }

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write emits an application/problem+json response for the given slug.
func Write(w http.ResponseWriter, status int, slug, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:   Type(slug),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

// WriteError maps a typed error to its HTTP shape. Authentication and
// not-found failures go out with minimal detail; upstream failures are logged
// with full context here and surfaced as a generic kind (the provider's own
// structured payload, when useful, is returned by the handler instead).
func WriteError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	switch {
	case errors.Is(err, ErrMissingOrigin):
		Write(w, http.StatusBadRequest, "missing-origin", ErrMissingOrigin.Error())
	case errors.Is(err, ErrAlreadyConfigured):
		Write(w, http.StatusConflict, "already-configured", ErrAlreadyConfigured.Error())
	case errors.Is(err, ErrTenantNotFound):
		Write(w, http.StatusNotFound, "not-found", ErrTenantNotFound.Error())
	case errors.Is(err, ErrUnauthorized):
		Write(w, http.StatusUnauthorized, "unauthorized", ErrUnauthorized.Error())
	case errors.Is(err, ErrEnterpriseNotManaged):
		Write(w, http.StatusUnprocessableEntity, "enterprise-not-managed", ErrEnterpriseNotManaged.Error())
	case errors.Is(err, ErrUpstreamTimeout):
		log.Errorw("upstream timeout", "err", err)
		Write(w, http.StatusGatewayTimeout, "upstream-timeout", ErrUpstreamTimeout.Error())
	case errors.Is(err, ErrTokenRefreshFailed):
		log.Errorw("token refresh failed", "err", err)
		Write(w, http.StatusBadGateway, "token-refresh-failed", ErrTokenRefreshFailed.Error())
	case errors.Is(err, ErrUpstreamParse):
		log.Errorw("upstream parse error", "err", err)
		Write(w, http.StatusBadGateway, "upstream-parse-error", ErrUpstreamParse.Error())
	case errors.Is(err, ErrUpstream):
		log.Errorw("upstream error", "err", err)
		Write(w, http.StatusBadGateway, "upstream-error", ErrUpstream.Error())
	default:
		log.Errorw("operation failed", "err", err)
		Write(w, http.StatusInternalServerError, "internal", "operation failed")
	}
}
