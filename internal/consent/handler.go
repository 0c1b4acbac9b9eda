package consent

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"mdmproxy/pkg/problems"
)

type Handler struct {
	coord *Coordinator
	log   *zap.SugaredLogger
}

func NewHandler(coord *Coordinator, log *zap.SugaredLogger) *Handler {
	return &Handler{coord: coord, log: log}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/consent", h.start)
	r.Get("/consent/callback", h.callback)
}

type startBody struct {
	TenantID     string `json:"tenant_id"`
	ServerSecret string `json:"server_secret"`
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	var b startBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		problems.Write(w, http.StatusBadRequest, "bad-request", "invalid json body")
		return
	}
	consentURL, err := h.coord.Start(r.Context(), b.TenantID, b.ServerSecret)
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, map[string]string{"consent_url": consentURL}, http.StatusOK)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := h.coord.ReceiveRedirect(r.Context(),
		q.Get("tenant_id"), q.Get("state"), q.Get("error"), q.Get("error_description"))
	if err != nil {
		problems.WriteError(w, h.log, err)
		return
	}
	problems.WriteJSON(w, map[string]any{}, http.StatusOK)
}
