package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/middleware"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/registry"
)

type SessionHandler struct {
	registry   *registry.Registry
	auth       *middleware.AuthMiddleware
	iceServers []model.ICEServer
}

func NewSessionHandler(reg *registry.Registry, auth *middleware.AuthMiddleware, iceServers []model.ICEServer) *SessionHandler {
	return &SessionHandler{registry: reg, auth: auth, iceServers: iceServers}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Post("/support", h.CreateSupport)
	r.Post("/support/claim", h.ClaimSupport)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Session)
		r.Post("/{sessionID}/end", h.End)
		r.Post("/{sessionID}/activate", h.Activate)
	})

	return r
}

type createSessionRequest struct {
	DeviceID  string `json:"device_id"`
	CreatorID string `json:"creator_id"`
}

// POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.DeviceID == "" || req.CreatorID == "" {
		writeError(w, apperrors.ValidationError("device_id and creator_id are required"))
		return
	}

	result, err := h.registry.CreateSession(r.Context(), req.DeviceID, req.CreatorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

type createSupportRequest struct {
	CreatorID string `json:"creator_id"`
}

// POST /v1/sessions/support
func (h *SessionHandler) CreateSupport(w http.ResponseWriter, r *http.Request) {
	var req createSupportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.CreatorID == "" {
		writeError(w, apperrors.ValidationError("creator_id is required"))
		return
	}

	result, err := h.registry.CreateSupportSession(r.Context(), req.CreatorID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

type claimSupportRequest struct {
	PIN string `json:"pin"`
}

// POST /v1/sessions/support/claim
func (h *SessionHandler) ClaimSupport(w http.ResponseWriter, r *http.Request) {
	var req claimSupportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.PIN == "" {
		writeError(w, apperrors.ValidationError("pin is required"))
		return
	}

	result, err := h.registry.ClaimSupportSession(r.Context(), req.PIN)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// POST /v1/sessions/{sessionID}/end
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if session.ID != sessionID {
		writeError(w, apperrors.Unauthorized("Token does not belong to this session"))
		return
	}

	if err := h.registry.EndSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// POST /v1/sessions/{sessionID}/activate
func (h *SessionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	sessionID := chi.URLParam(r, "sessionID")
	if session.ID != sessionID {
		writeError(w, apperrors.Unauthorized("Token does not belong to this session"))
		return
	}

	if err := h.registry.ActivateSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// GET /v1/ice-config
func (h *SessionHandler) ICEConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ice_server_config": h.iceServers})
}
