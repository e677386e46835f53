package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/middleware"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/relay"
	"github.com/openclaw/signal-relay-go/internal/repository"
)

type SignalHandler struct {
	relay    *relay.Relay
	sessions repository.SessionRepository
	auth     *middleware.AuthMiddleware
}

func NewSignalHandler(rl *relay.Relay, sessions repository.SessionRepository, auth *middleware.AuthMiddleware) *SignalHandler {
	return &SignalHandler{relay: rl, sessions: sessions, auth: auth}
}

func (h *SignalHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(h.auth.Principal)
	r.Post("/{sessionID}/signals", h.Publish)
	r.Get("/{sessionID}/signals", h.Poll)
	r.Get("/{sessionID}/events", h.Events)

	return r
}

// resolveAccess checks the authenticated principal against the session
// in the path: a session token must match the session, a device token
// must own the session's device.
func (h *SignalHandler) resolveAccess(ctx context.Context, sessionID string) (model.Side, error) {
	if session := middleware.GetSession(ctx); session != nil {
		if session.ID != sessionID {
			return "", apperrors.Unauthorized("Token does not belong to this session")
		}
		return middleware.GetSide(ctx), nil
	}

	device := middleware.GetDevice(ctx)
	if device == nil {
		return "", apperrors.Unauthorized("Missing credentials")
	}

	session, err := h.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if session == nil {
		return "", apperrors.NotFound("Session")
	}
	if session.DeviceID == nil || *session.DeviceID != device.ID {
		return "", apperrors.Unauthorized("Device does not own this session")
	}
	if !session.Status.Live() {
		return "", apperrors.SessionExpired(sessionID)
	}
	return model.SideDevice, nil
}

type publishRequest struct {
	Type    model.SignalType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// POST /v1/relay/{sessionID}/signals
func (h *SignalHandler) Publish(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	side, err := h.resolveAccess(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	switch req.Type {
	case model.SignalOffer, model.SignalAnswer, model.SignalICE, model.SignalBye:
	case model.SignalKick:
		// Kicks come only from the registry and the sweeper.
		writeError(w, apperrors.ValidationError("kick is not a client signal"))
		return
	default:
		writeError(w, apperrors.ValidationError("Unknown signal type"))
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}

	signal, err := h.relay.Publish(r.Context(), sessionID, side, req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, signal)
}

// GET /v1/relay/{sessionID}/signals?after=RFC3339
func (h *SignalHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	side, err := h.resolveAccess(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		after, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, apperrors.ValidationError("after must be RFC3339"))
			return
		}
	}

	signals, err := h.relay.ListSince(r.Context(), sessionID, sidesOfInterest(side), after)
	if err != nil {
		writeError(w, apperrors.Database(err))
		return
	}
	if signals == nil {
		signals = []model.Signal{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"signals": signals})
}

// sidesOfInterest is the poll filter for a reader: the peer plus system.
func sidesOfInterest(own model.Side) []model.Side {
	if own == model.SideController {
		return []model.Side{model.SideDevice, model.SideSystem}
	}
	return []model.Side{model.SideController, model.SideSystem}
}
