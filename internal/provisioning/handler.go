package provisioning

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mdmproxy/pkg/problems"
)

type Handler struct {
	ctrl *Controller
	log  *zap.SugaredLogger
}

func NewHandler(ctrl *Controller, log *zap.SugaredLogger) *Handler {
	return &Handler{ctrl: ctrl, log: log}
}

// Routes mounts the compliance-variant tenant lifecycle.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/tenants", h.create)
	r.Delete("/tenants", h.remove)
}

type createBody struct {
	TenantID string `json:"tenant_id"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	// Origin is the only binding between a registration and the server that
	// may use it; never silently defaulted.
	origin := r.Header.Get("Origin")
	if origin == "" {
		problems.WriteError(w, h.log, problems.ErrMissingOrigin)
		return
	}
	var b createBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.TenantID == "" {
		problems.Write(w, http.StatusBadRequest, "bad-request", "tenant_id required")
		return
	}
	created, err := h.ctrl.Create(r.Context(), b.TenantID, origin)
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, created, http.StatusCreated)
}

type removeBody struct {
	TenantID     string `json:"tenant_id"`
	ServerSecret string `json:"server_secret"`
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	var b removeBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-request", "invalid json body")
		return
	}
	if err := h.ctrl.Remove(r.Context(), b.TenantID, b.ServerSecret); err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, map[string]any{}, http.StatusOK)
}
