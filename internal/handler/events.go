package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/model"
)

const heartbeatInterval = 30 * time.Second

// GET /v1/relay/{sessionID}/events
//
// Streams push-delivered signals as server-sent events. The stream is a
// latency optimization: clients keep polling and dedup by signal id, so
// a dropped event here is re-delivered there.
func (h *SignalHandler) Events(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	side, err := h.resolveAccess(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub, err := h.relay.Subscribe(sessionID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Push feed unavailable"})
		return
	}
	defer h.relay.Unsubscribe(sub)

	log.Info().
		Str("sessionId", sessionID).
		Str("side", string(side)).
		Msg("sse connection established")

	if err := sendEvent(w, flusher, "connected", map[string]string{"sessionId": sessionID}); err != nil {
		return
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by client")
			return

		case <-sub.Done:
			log.Info().Str("sessionId", sessionID).Msg("sse connection closed by broker")
			return

		case signal, ok := <-sub.Signals:
			if !ok {
				return
			}
			// Own-side signals are echoes of this client's publishes.
			if signal.FromSide == side && signal.FromSide != model.SideSystem {
				continue
			}
			if err := sendEvent(w, flusher, "signal", signal); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("sessionId", sessionID).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
