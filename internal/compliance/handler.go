package compliance

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mdmproxy/pkg/problems"
)

type Handler struct {
	svc *Service
	log *zap.SugaredLogger
}

func NewHandler(svc *Service, log *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/devices", h.submit)
	r.Post("/messages/{messageID}", h.poll)
}

type submitBody struct {
	TenantID     string          `json:"tenant_id"`
	ServerSecret string          `json:"server_secret"`
	Device       json.RawMessage `json:"device"`
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var b submitBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpstreamBodyBytes)).Decode(&b); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-request", "invalid json body")
		return
	}
	if len(b.Device) == 0 {
		problems.Write(w, http.StatusBadRequest, "bad-request", "device payload required")
		return
	}
	res, err := h.svc.Submit(r.Context(), b.TenantID, b.ServerSecret, b.Device)
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, res, http.StatusAccepted)
}

type pollBody struct {
	TenantID     string `json:"tenant_id"`
	ServerSecret string `json:"server_secret"`
}

func (h *Handler) poll(w http.ResponseWriter, r *http.Request) {
	var b pollBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-request", "invalid json body")
		return
	}
	res, err := h.svc.Poll(r.Context(), b.TenantID, b.ServerSecret, chi.URLParam(r, "messageID"))
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, res, http.StatusOK)
}
