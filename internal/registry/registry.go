package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/audit"
	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/relay"
	"github.com/openclaw/signal-relay-go/internal/repository"
	"github.com/openclaw/signal-relay-go/internal/util"
)

type CreateSessionResult struct {
	SessionID  string            `json:"session_id"`
	Token      string            `json:"token"`
	PIN        string            `json:"pin"`
	ExpiresAt  time.Time         `json:"expires_at"`
	ICEServers []model.ICEServer `json:"ice_server_config"`
}

type ClaimResult struct {
	Claimed bool `json:"claimed"`
	Kicked  int  `json:"kicked_sessions"`
}

type RegisterDeviceResult struct {
	Device *model.Device `json:"device"`
	Token  string        `json:"token"`
}

// JoinResult is handed to the party that claimed a support session by
// PIN: its own token plus the same connection-setup config the creator
// received.
type JoinResult struct {
	SessionID  string            `json:"session_id"`
	Token      string            `json:"token"`
	ExpiresAt  time.Time         `json:"expires_at"`
	ICEServers []model.ICEServer `json:"ice_server_config"`
}

// Registry owns session lifecycle: creation, device claiming with
// takeover, and termination. The device's current-holder column is the
// single contended field; every mutation of it goes through the
// repository's guarded claim, never a read-modify-write here.
type Registry struct {
	devices    repository.DeviceRepository
	sessions   repository.SessionRepository
	relay      relay.Publisher
	sessionTTL time.Duration
	iceServers []model.ICEServer
}

func New(
	devices repository.DeviceRepository,
	sessions repository.SessionRepository,
	publisher relay.Publisher,
	sessionTTL time.Duration,
	iceServers []model.ICEServer,
) *Registry {
	return &Registry{
		devices:    devices,
		sessions:   sessions,
		relay:      publisher,
		sessionTTL: sessionTTL,
		iceServers: iceServers,
	}
}

// RegisterDevice creates (or re-registers) a device and issues its
// bearer token. The plaintext token is returned once and never stored.
func (r *Registry) RegisterDevice(ctx context.Context, id, name string) (*RegisterDeviceResult, error) {
	if id == "" {
		id = uuid.NewString()
	}
	token, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	device, err := r.devices.Register(ctx, model.RegisterDeviceParams{
		ID:        id,
		Name:      name,
		TokenHash: util.HashToken(token),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().Str("deviceId", device.ID).Str("name", name).Msg("device registered")
	return &RegisterDeviceResult{Device: device, Token: token}, nil
}

func (r *Registry) Heartbeat(ctx context.Context, deviceID string) error {
	if err := r.devices.Heartbeat(ctx, deviceID); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// CreateSession opens a pending session for a device the creator holds.
func (r *Registry) CreateSession(ctx context.Context, deviceID, creatorID string) (*CreateSessionResult, error) {
	device, err := r.devices.FindByID(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		return nil, apperrors.NotFound("Device")
	}
	if !device.Online {
		return nil, apperrors.DeviceOffline(deviceID)
	}
	if !device.HeldBy(creatorID) {
		return nil, apperrors.Unauthorized("Caller does not hold this device")
	}

	return r.createSession(ctx, model.SessionKindDevice, &deviceID, creatorID)
}

// CreateSupportSession opens an ad-hoc session keyed by a one-time PIN
// instead of a held device; the sharer joins by speaking the PIN.
func (r *Registry) CreateSupportSession(ctx context.Context, creatorID string) (*CreateSessionResult, error) {
	return r.createSession(ctx, model.SessionKindSupport, nil, creatorID)
}

func (r *Registry) createSession(ctx context.Context, kind model.SessionKind, deviceID *string, creatorID string) (*CreateSessionResult, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	pin, err := util.GeneratePIN()
	if err != nil {
		return nil, fmt.Errorf("generate pin: %w", err)
	}
	pinHash, err := util.HashPIN(pin)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	expiresAt := time.Now().Add(r.sessionTTL)
	session, err := r.sessions.Create(ctx, model.CreateSessionParams{
		ID:        uuid.NewString(),
		Kind:      kind,
		DeviceID:  deviceID,
		CreatorID: creatorID,
		PINHash:   pinHash,
		TokenHash: util.HashToken(token),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionCreate,
		SessionID: session.ID,
		ActorID:   creatorID,
		Details:   map[string]interface{}{"kind": string(kind)},
	})
	log.Info().
		Str("sessionId", session.ID).
		Str("kind", string(kind)).
		Time("expiresAt", expiresAt).
		Msg("session created")

	return &CreateSessionResult{
		SessionID:  session.ID,
		Token:      token,
		PIN:        pin,
		ExpiresAt:  expiresAt,
		ICEServers: r.iceServers,
	}, nil
}

// ClaimDevice takes exclusive control of a device, displacing any prior
// controller. The repository's claim is a single conditional update
// guarded by the holder observed here; when two claims race, exactly one
// guard passes and only the winner kicks the prior holder's sessions.
func (r *Registry) ClaimDevice(ctx context.Context, deviceID, controllerID string, controllerType model.ControllerType) (*ClaimResult, error) {
	device, err := r.devices.FindByID(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if device == nil {
		return nil, apperrors.NotFound("Device")
	}
	if !device.Online {
		return nil, apperrors.DeviceOffline(deviceID)
	}

	prior, err := r.sessions.FindLiveByDevice(ctx, deviceID)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	won, err := r.devices.Claim(ctx, deviceID, controllerID, controllerType, device.ControllerID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !won {
		log.Info().
			Str("deviceId", deviceID).
			Str("controllerId", controllerID).
			Msg("claim lost race")
		return &ClaimResult{Claimed: false}, nil
	}

	kicked := 0
	for _, session := range prior {
		if session.CreatorID == controllerID {
			// Re-claim by the same controller keeps its own session.
			continue
		}
		r.kickSession(ctx, session, controllerType)
		kicked++
	}

	audit.Log(ctx, audit.Event{
		Type:     audit.EventDeviceClaim,
		ActorID:  controllerID,
		DeviceID: deviceID,
		Details:  map[string]interface{}{"kicked": kicked, "controller_type": string(controllerType)},
	})
	log.Info().
		Str("deviceId", deviceID).
		Str("controllerId", controllerID).
		Int("kicked", kicked).
		Msg("device claimed")

	return &ClaimResult{Claimed: true, Kicked: kicked}, nil
}

// kickSession tells the displaced party before its session disappears.
// Publish first, expire second: a session that expires without its kick
// is recovered by the sweeper, the reverse would lose the notification.
func (r *Registry) kickSession(ctx context.Context, session model.Session, newType model.ControllerType) {
	payload := relay.MarshalPayload(model.KickPayload{
		Reason:            "displaced",
		NewControllerType: newType,
	})
	if _, err := r.relay.Publish(ctx, session.ID, model.SideSystem, model.SignalKick, payload); err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("publish kick failed")
	}
	if err := r.sessions.MarkExpired(ctx, session.ID); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("expire kicked session failed")
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventSessionKick,
		SessionID: session.ID,
		ActorID:   session.CreatorID,
	})
}

// EndSession terminates a session gracefully. Ending an already-ended
// session is a no-op, not an error.
func (r *Registry) EndSession(ctx context.Context, sessionID string) error {
	session, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return apperrors.Database(err)
	}
	if session == nil {
		return apperrors.NotFound("Session")
	}
	if session.Status.Terminal() {
		return nil
	}

	payload := relay.MarshalPayload(model.KickPayload{Reason: "ended"})
	if _, err := r.relay.Publish(ctx, sessionID, model.SideSystem, model.SignalBye, payload); err != nil {
		log.Warn().Err(err).Str("sessionId", sessionID).Msg("publish bye failed")
	}

	if err := r.sessions.MarkEnded(ctx, sessionID); err != nil {
		return apperrors.Database(err)
	}

	if session.DeviceID != nil {
		if err := r.devices.Release(ctx, *session.DeviceID, session.CreatorID); err != nil {
			log.Warn().Err(err).Str("deviceId", *session.DeviceID).Msg("release device failed")
		}
	}

	log.Info().Str("sessionId", sessionID).Msg("session ended")
	return nil
}

// ActivateSession marks a pending session active once negotiation
// completes. Idempotent.
func (r *Registry) ActivateSession(ctx context.Context, sessionID string) error {
	if err := r.sessions.MarkActive(ctx, sessionID); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

// Authorize resolves a bearer token to its live session, expiring it on
// the spot when past its TTL.
func (r *Registry) Authorize(ctx context.Context, token string) (*model.Session, error) {
	session, err := r.sessions.FindByTokenHash(ctx, util.HashToken(token))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.InvalidToken("Unknown session token")
	}
	if time.Now().After(session.ExpiresAt) {
		if err := r.sessions.MarkExpired(ctx, session.ID); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("expire session failed")
		}
		return nil, apperrors.SessionExpired(session.ID)
	}
	return session, nil
}

// ClaimSupportSession resolves a spoken PIN to its pending support
// session and issues the claimant its own signaling token. PINs are
// low-entropy, so they are stored bcrypt-hashed and checked against
// each candidate rather than looked up by value.
func (r *Registry) ClaimSupportSession(ctx context.Context, pin string) (*JoinResult, error) {
	pending, err := r.sessions.FindPendingSupport(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}

	for i := range pending {
		if util.CheckPIN(pin, pending[i].PINHash) {
			session := pending[i]

			token, err := util.GenerateToken()
			if err != nil {
				return nil, fmt.Errorf("generate token: %w", err)
			}
			if err := r.sessions.SetPeerToken(ctx, session.ID, util.HashToken(token)); err != nil {
				return nil, apperrors.Database(err)
			}
			if err := r.sessions.MarkActive(ctx, session.ID); err != nil {
				return nil, apperrors.Database(err)
			}

			log.Info().Str("sessionId", session.ID).Msg("support session claimed by pin")
			return &JoinResult{
				SessionID:  session.ID,
				Token:      token,
				ExpiresAt:  session.ExpiresAt,
				ICEServers: r.iceServers,
			}, nil
		}
	}

	audit.Log(ctx, audit.Event{
		Type:    audit.EventPINFailure,
		Details: map[string]interface{}{"pin": util.MaskCode(pin)},
	})
	return nil, apperrors.InvalidPIN()
}
