package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/audit"
	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/middleware"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/registry"
)

type DeviceHandler struct {
	registry *registry.Registry
	auth     *middleware.AuthMiddleware
}

func NewDeviceHandler(reg *registry.Registry, auth *middleware.AuthMiddleware) *DeviceHandler {
	return &DeviceHandler{registry: reg, auth: auth}
}

func (h *DeviceHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/register", h.Register)
	r.With(h.auth.Device).Post("/heartbeat", h.Heartbeat)
	r.Post("/{deviceID}/claim", h.Claim)

	return r
}

type registerRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// POST /v1/devices/register
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.Name == "" {
		writeError(w, apperrors.ValidationError("Device name is required"))
		return
	}

	result, err := h.registry.RegisterDevice(r.Context(), req.ID, req.Name)
	if err != nil {
		log.Error().Err(err).Msg("failed to register device")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventDeviceRegister,
		DeviceID: result.Device.ID,
	})
	writeJSON(w, http.StatusCreated, result)
}

// POST /v1/devices/heartbeat
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	device := middleware.GetDevice(r.Context())

	if err := h.registry.Heartbeat(r.Context(), device.ID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimRequest struct {
	ControllerID   string               `json:"controller_id"`
	ControllerType model.ControllerType `json:"controller_type"`
}

// POST /v1/devices/{deviceID}/claim
func (h *DeviceHandler) Claim(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}
	if req.ControllerID == "" {
		writeError(w, apperrors.ValidationError("controller_id is required"))
		return
	}
	if req.ControllerType == "" {
		req.ControllerType = model.ControllerTypeWeb
	}

	result, err := h.registry.ClaimDevice(r.Context(), deviceID, req.ControllerID, req.ControllerType)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
