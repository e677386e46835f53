package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/audit"
	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/httputil"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/registry"
	"github.com/openclaw/signal-relay-go/internal/repository"
	"github.com/openclaw/signal-relay-go/internal/util"
)

type contextKey string

const (
	SessionContextKey contextKey = "session"
	DeviceContextKey  contextKey = "device"
	SideContextKey    contextKey = "side"
)

func GetSession(ctx context.Context) *model.Session {
	if session, ok := ctx.Value(SessionContextKey).(*model.Session); ok {
		return session
	}
	return nil
}

func GetDevice(ctx context.Context) *model.Device {
	if device, ok := ctx.Value(DeviceContextKey).(*model.Device); ok {
		return device
	}
	return nil
}

// GetSide reports which side of the exchange the authenticated
// principal is on.
func GetSide(ctx context.Context) model.Side {
	if side, ok := ctx.Value(SideContextKey).(model.Side); ok {
		return side
	}
	if GetDevice(ctx) != nil {
		return model.SideDevice
	}
	return model.SideController
}

type AuthMiddleware struct {
	registry *registry.Registry
	devices  repository.DeviceRepository
}

func NewAuthMiddleware(reg *registry.Registry, devices repository.DeviceRepository) *AuthMiddleware {
	return &AuthMiddleware{registry: reg, devices: devices}
}

// Session resolves the bearer token to a live session. Expired sessions
// come back 410 so the client knows to stop retrying rather than
// re-authenticate.
func (m *AuthMiddleware) Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		session, err := m.registry.Authorize(r.Context(), token)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeInvalidToken) {
				audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			}
			httputil.WriteError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), SessionContextKey, session)
		ctx = context.WithValue(ctx, SideContextKey, session.SideForTokenHash(util.HashToken(token)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Device resolves the bearer token to a registered device.
func (m *AuthMiddleware) Device(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		device, err := m.devices.FindByTokenHash(r.Context(), util.HashToken(token))
		if err != nil {
			log.Error().Err(err).Msg("device auth: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}
		if device == nil {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), DeviceContextKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Principal accepts either credential: a session token or a device
// token. Signal endpoints serve both ends of an exchange, and the
// device end authenticates with its long-lived device token.
func (m *AuthMiddleware) Principal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Missing authentication token",
			})
			return
		}

		session, err := m.registry.Authorize(r.Context(), token)
		if err == nil {
			ctx := context.WithValue(r.Context(), SessionContextKey, session)
			ctx = context.WithValue(ctx, SideContextKey, session.SideForTokenHash(util.HashToken(token)))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if !apperrors.HasCode(err, apperrors.ErrCodeInvalidToken) {
			httputil.WriteError(w, err)
			return
		}

		device, derr := m.devices.FindByTokenHash(r.Context(), util.HashToken(token))
		if derr != nil {
			log.Error().Err(derr).Msg("principal auth: database error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "Authentication failed",
			})
			return
		}
		if device == nil {
			audit.LogFromRequest(r, audit.Event{Type: audit.EventAuthFailure})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		ctx := context.WithValue(r.Context(), DeviceContextKey, device)
		ctx = context.WithValue(ctx, SideContextKey, model.SideDevice)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken reads the bearer token; the query parameter form exists
// for EventSource clients, which cannot set headers.
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return r.URL.Query().Get("token")
}
