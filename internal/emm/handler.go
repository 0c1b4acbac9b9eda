package emm

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mdmproxy/internal/provisioning"
	"mdmproxy/pkg/problems"
)

type Handler struct {
	ctrl *provisioning.Controller
	svc  *Service
	log  *zap.SugaredLogger
}

func NewHandler(ctrl *provisioning.Controller, svc *Service, log *zap.SugaredLogger) *Handler {
	return &Handler{ctrl: ctrl, svc: svc, log: log}
}

// Routes mounts the enterprise lifecycle and the passthrough operations.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/enterprises", h.create)
	r.Delete("/enterprises/{enterpriseID}", h.remove)
	r.Post("/enterprises/{enterpriseID}/enrollment_tokens", h.createEnrollmentToken)
	r.Patch("/enterprises/{enterpriseID}/policies/{policyID}", h.modifyPolicy)
}

type createBody struct {
	EnterpriseID string `json:"enterprise_id"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		problems.WriteError(w, h.log, problems.ErrMissingOrigin)
		return
	}
	var b createBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.EnterpriseID == "" {
		problems.Write(w, http.StatusBadRequest, "bad-request", "enterprise_id required")
		return
	}
	created, err := h.ctrl.Create(r.Context(), b.EnterpriseID, origin)
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, created, http.StatusCreated)
}

type removeBody struct {
	ServerSecret string `json:"server_secret"`
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	var b removeBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-request", "invalid json body")
		return
	}
	if err := h.ctrl.Remove(r.Context(), chi.URLParam(r, "enterpriseID"), b.ServerSecret); err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, map[string]any{}, http.StatusOK)
}

type enrollmentTokenBody struct {
	ServerSecret    string          `json:"server_secret"`
	EnrollmentToken json.RawMessage `json:"enrollment_token"`
}

func (h *Handler) createEnrollmentToken(w http.ResponseWriter, r *http.Request) {
	var b enrollmentTokenBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpstreamBodyBytes)).Decode(&b); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-request", "invalid json body")
		return
	}
	if len(b.EnrollmentToken) == 0 {
		problems.Write(w, http.StatusBadRequest, "bad-request", "enrollment_token payload required")
		return
	}
	res, err := h.svc.CreateEnrollmentToken(r.Context(), chi.URLParam(r, "enterpriseID"), b.ServerSecret, b.EnrollmentToken)
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	writeRaw(w, res)
}

type policyBody struct {
	ServerSecret string          `json:"server_secret"`
	Policy       json.RawMessage `json:"policy"`
}

func (h *Handler) modifyPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")
	if policyID == "" {
		problems.Write(w, http.StatusBadRequest, "bad-request", "policy id required")
		return
	}
	var b policyBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpstreamBodyBytes)).Decode(&b); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-request", "invalid json body")
		return
	}
	if len(b.Policy) == 0 {
		problems.Write(w, http.StatusBadRequest, "bad-request", "policy payload required")
		return
	}
	res, err := h.svc.ModifyPolicy(r.Context(), chi.URLParam(r, "enterpriseID"), policyID, b.ServerSecret, b.Policy)
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	writeRaw(w, res)
}

// writeRaw relays the provider's JSON body byte-for-byte.
func writeRaw(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(body) == 0 {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_, _ = w.Write(body)
}
