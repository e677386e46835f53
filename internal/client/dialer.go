// Package client is the controller-side composition root: it turns a
// device id into a running session by claiming the device, opening a
// session, standing up the WebRTC peer and wiring the relay feed into
// the negotiation machine. The multiplexer sits on top of it through the
// mux.Dialer interface.
package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/mux"
	"github.com/openclaw/signal-relay-go/internal/negotiate"
	"github.com/openclaw/signal-relay-go/internal/registry"
	"github.com/openclaw/signal-relay-go/internal/relay"
	"github.com/openclaw/signal-relay-go/internal/rtc"
)

// SignalRelay is both halves of the relay the dialer needs: the publish
// path for the machine and the read paths for the feed. *relay.Relay
// implements it directly.
type SignalRelay interface {
	relay.Publisher
	relay.Source
}

type Config struct {
	Registry       *registry.Registry
	Relay          SignalRelay
	ControllerID   string
	ControllerType model.ControllerType
	// ICEServers configures the local peer connection. Left empty, the
	// list issued at session creation is used, so both endpoints work
	// from the same configuration.
	ICEServers []model.ICEServer
	// OnSessionClosed fires when a dialed session's machine closes itself
	// (kick, bye, failure); wire it to the multiplexer's Remove so the
	// entry and its resources are dropped.
	OnSessionClosed func(deviceID string, reason negotiate.CloseReason)
	// NewPeer overrides peer construction; tests substitute a fake here.
	NewPeer func(rtc.Config) (negotiate.PeerConnection, error)
}

// Dialer implements mux.Dialer against the registry and relay.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if cfg.NewPeer == nil {
		cfg.NewPeer = func(c rtc.Config) (negotiate.PeerConnection, error) {
			return rtc.NewPeer(c)
		}
	}
	return &Dialer{cfg: cfg}
}

// Dial claims the device, opens a session and starts negotiation. The
// returned Conn's Release closes the signal feed and ends the session,
// which also releases the device claim; the machine itself is closed by
// the caller before Release runs.
func (d *Dialer) Dial(ctx context.Context, deviceID string) (*mux.Conn, error) {
	claim, err := d.cfg.Registry.ClaimDevice(ctx, deviceID, d.cfg.ControllerID, d.cfg.ControllerType)
	if err != nil {
		return nil, err
	}
	if !claim.Claimed {
		return nil, apperrors.Unauthorized("Device was claimed by another controller")
	}

	created, err := d.cfg.Registry.CreateSession(ctx, deviceID, d.cfg.ControllerID)
	if err != nil {
		return nil, err
	}
	sessionID := created.SessionID

	iceServers := d.cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = created.ICEServers
	}
	peer, err := d.cfg.NewPeer(rtc.Config{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer: %w", err)
	}

	machine := negotiate.New(negotiate.Config{
		SessionID: sessionID,
		Role:      negotiate.RoleController,
		Peer:      peer,
		Publisher: d.cfg.Relay,
		OnClosed: func(reason negotiate.CloseReason) {
			if d.cfg.OnSessionClosed != nil {
				d.cfg.OnSessionClosed(deviceID, reason)
			}
		},
	})

	feed, err := relay.Open(ctx, d.cfg.Relay, relay.FeedConfig{
		SessionID: sessionID,
		OwnSide:   model.SideController,
		Sides:     []model.Side{model.SideDevice, model.SideSystem},
		OnSignal: func(sig model.Signal) {
			machine.HandleSignal(context.Background(), sig)
		},
	})
	if err != nil {
		machine.Close()
		return nil, err
	}

	if err := machine.Start(ctx); err != nil {
		feed.Close()
		machine.Close()
		return nil, err
	}

	release := func() {
		feed.Close()
		if err := d.cfg.Registry.EndSession(context.Background(), sessionID); err != nil {
			log.Warn().Err(err).Str("sessionId", sessionID).Msg("end session on release failed")
		}
	}

	log.Info().
		Str("deviceId", deviceID).
		Str("sessionId", sessionID).
		Msg("session dialed")

	return &mux.Conn{SessionID: sessionID, Machine: machine, Release: release}, nil
}

var _ mux.Dialer = (*Dialer)(nil)
