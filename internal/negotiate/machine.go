package negotiate

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/relay"
)

type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateAwaitingOffer
	StateAnswerPending
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateAwaitingOffer:
		return "awaiting_offer"
	case StateAnswerPending:
		return "answer_pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleController Role = iota
	RoleSharer
)

// Side returns the signal sender tag for this role.
func (r Role) Side() model.Side {
	if r == RoleController {
		return model.SideController
	}
	return model.SideDevice
}

// CloseReason drives the single terminal user-facing notification.
type CloseReason string

const (
	ReasonDisplaced CloseReason = "displaced"
	ReasonPeerLeft  CloseReason = "peer_left"
	ReasonExpired   CloseReason = "expired"
	ReasonFailed    CloseReason = "failed"
	ReasonLocal     CloseReason = "local"
)

// TransportState is the subset of the peer connection's transport
// condition the machine reacts to.
type TransportState int

const (
	TransportConnecting TransportState = iota
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

// PeerConnection is the capability the machine drives. The production
// implementation wraps a WebRTC peer connection; tests substitute a fake.
type PeerConnection interface {
	// CreateOffer builds the local offer and returns its SDP.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies the remote offer and returns the local answer SDP.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	// AcceptAnswer applies the remote answer.
	AcceptAnswer(sdp string) error
	AddCandidate(c model.ICEPayload) error
	OnCandidate(fn func(model.ICEPayload))
	OnTransportState(fn func(TransportState))
	Close() error
}

type Config struct {
	SessionID string
	Role      Role
	Peer      PeerConnection
	Publisher relay.Publisher
	// OnClosed fires exactly once when the machine reaches StateClosed.
	OnClosed func(CloseReason)
}

// Machine is the per-(side, session) negotiation state machine. All
// event handling is serialized on an internal mutex, so the relay's two
// delivery paths can both feed HandleSignal safely.
type Machine struct {
	cfg  Config
	side model.Side
	log  zerolog.Logger

	mu          sync.Mutex
	state       State
	remoteReady bool
	pending     []model.ICEPayload
	closed      bool
}

func New(cfg Config) *Machine {
	m := &Machine{
		cfg:   cfg,
		side:  cfg.Role.Side(),
		state: StateIdle,
		log: log.With().
			Str("sessionId", cfg.SessionID).
			Str("side", string(cfg.Role.Side())).
			Logger(),
	}

	cfg.Peer.OnCandidate(func(c model.ICEPayload) {
		if _, err := cfg.Publisher.Publish(context.Background(), cfg.SessionID, m.side, model.SignalICE, relay.MarshalPayload(c)); err != nil {
			m.log.Warn().Err(err).Msg("publish ice candidate failed")
		}
	})

	cfg.Peer.OnTransportState(func(ts TransportState) {
		m.handleTransportState(ts)
	})

	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins negotiation: the controller constructs and publishes the
// offer, the sharer waits for one.
func (m *Machine) Start(ctx context.Context) error {
	if m.cfg.Role == RoleSharer {
		m.mu.Lock()
		if m.state == StateIdle {
			m.state = StateAwaitingOffer
		}
		m.mu.Unlock()
		return nil
	}
	return m.sendOffer(ctx)
}

// Restart renegotiates on the same session id after a transport failure:
// a fresh offer is published and the peer answers as for a new exchange.
func (m *Machine) Restart(ctx context.Context) error {
	return m.sendOffer(ctx)
}

func (m *Machine) sendOffer(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.SessionExpired(m.cfg.SessionID)
	}
	m.mu.Unlock()

	sdp, err := m.cfg.Peer.CreateOffer(ctx)
	if err != nil {
		m.abort(ctx, fmt.Errorf("create offer: %w", err))
		return err
	}

	// Publish failure is surfaced to the caller, who may retry Start;
	// the state only advances once the offer is on the relay.
	if _, err := m.cfg.Publisher.Publish(ctx, m.cfg.SessionID, m.side, model.SignalOffer, relay.MarshalPayload(model.SDPPayload{SDP: sdp})); err != nil {
		return err
	}

	// The lock was not held across CreateOffer and Publish, so a kick or
	// local Close may have landed in between. A closed machine must stay
	// closed; advancing the state here would let later signals through.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return apperrors.SessionExpired(m.cfg.SessionID)
	}
	m.state = StateOfferSent
	m.remoteReady = false
	m.pending = nil
	m.mu.Unlock()

	m.log.Info().Msg("offer published")
	return nil
}

// HandleSignal applies one relay-delivered signal. Out-of-state signals
// are discarded and logged, never surfaced: the dual delivery paths make
// duplicates and stale messages an expected condition.
func (m *Machine) HandleSignal(ctx context.Context, sig model.Signal) {
	m.mu.Lock()
	reason := m.applyLocked(ctx, sig)
	m.mu.Unlock()

	if reason != "" && m.cfg.OnClosed != nil {
		m.cfg.OnClosed(reason)
	}
}

// applyLocked returns a non-empty close reason when the signal drove the
// machine to StateClosed. Callers fire OnClosed outside the lock.
func (m *Machine) applyLocked(ctx context.Context, sig model.Signal) CloseReason {
	if m.state == StateClosed {
		return ""
	}

	switch sig.MsgType {
	case model.SignalOffer:
		return m.handleOfferLocked(ctx, sig)
	case model.SignalAnswer:
		return m.handleAnswerLocked(sig)
	case model.SignalICE:
		m.handleCandidateLocked(sig)
		return ""
	case model.SignalKick:
		payload, _ := sig.Kick()
		m.log.Info().Str("reason", payload.Reason).Msg("kicked")
		m.closeLocked()
		if payload.Reason == string(ReasonExpired) {
			return ReasonExpired
		}
		return ReasonDisplaced
	case model.SignalBye:
		m.closeLocked()
		return ReasonPeerLeft
	default:
		m.log.Warn().Str("msgType", string(sig.MsgType)).Msg("unknown signal type dropped")
		return ""
	}
}

func (m *Machine) handleOfferLocked(ctx context.Context, sig model.Signal) CloseReason {
	if m.cfg.Role != RoleSharer {
		m.dropLocked(sig, "offer received by controller")
		return ""
	}
	// Connected accepts a fresh offer as a renegotiation request.
	if m.state != StateAwaitingOffer && m.state != StateConnected {
		m.dropLocked(sig, "offer outside awaiting_offer/connected")
		return ""
	}

	payload, err := sig.SDP()
	if err != nil {
		m.dropLocked(sig, "malformed offer payload")
		return ""
	}

	m.state = StateAnswerPending
	m.remoteReady = false

	answer, err := m.cfg.Peer.AcceptOffer(ctx, payload.SDP)
	if err != nil {
		// Local capability failure aborts the session.
		return m.abortLocked(ctx, fmt.Errorf("accept offer: %w", err))
	}

	m.remoteReady = true
	m.flushPendingLocked()

	if _, err := m.cfg.Publisher.Publish(ctx, m.cfg.SessionID, m.side, model.SignalAnswer, relay.MarshalPayload(model.SDPPayload{SDP: answer})); err != nil {
		return m.abortLocked(ctx, fmt.Errorf("publish answer: %w", err))
	}

	m.state = StateConnected
	m.log.Info().Msg("answer published, negotiation complete")
	return ""
}

func (m *Machine) handleAnswerLocked(sig model.Signal) CloseReason {
	// Guards replace relay ordering: an answer is only meaningful while
	// an offer is outstanding. Anything else is a duplicate or a stale
	// session's late answer.
	if m.cfg.Role != RoleController || m.state != StateOfferSent {
		m.dropLocked(sig, "answer without pending offer")
		return ""
	}

	payload, err := sig.SDP()
	if err != nil {
		m.dropLocked(sig, "malformed answer payload")
		return ""
	}

	if err := m.cfg.Peer.AcceptAnswer(payload.SDP); err != nil {
		return m.abortLocked(context.Background(), fmt.Errorf("accept answer: %w", err))
	}

	m.remoteReady = true
	m.flushPendingLocked()
	m.state = StateConnected
	m.log.Info().Msg("answer applied, negotiation complete")
	return ""
}

func (m *Machine) handleCandidateLocked(sig model.Signal) {
	payload, err := sig.ICECandidate()
	if err != nil {
		m.dropLocked(sig, "malformed ice payload")
		return
	}

	// Candidates racing ahead of the offer/answer exchange are buffered
	// and flushed, in arrival order, once the remote description lands.
	if !m.remoteReady {
		m.pending = append(m.pending, payload)
		return
	}

	if err := m.cfg.Peer.AddCandidate(payload); err != nil {
		m.log.Warn().Err(err).Msg("add ice candidate failed")
	}
}

func (m *Machine) flushPendingLocked() {
	for _, c := range m.pending {
		if err := m.cfg.Peer.AddCandidate(c); err != nil {
			m.log.Warn().Err(err).Msg("add buffered ice candidate failed")
		}
	}
	m.pending = nil
}

func (m *Machine) dropLocked(sig model.Signal, why string) {
	err := apperrors.InvalidStateTransition(why)
	m.log.Debug().
		Str("signalId", sig.ID).
		Str("msgType", string(sig.MsgType)).
		Str("state", m.state.String()).
		Msg(err.Message)
}

// abort publishes a bye so the peer is not left waiting, then closes.
func (m *Machine) abort(ctx context.Context, cause error) {
	m.mu.Lock()
	reason := m.abortLocked(ctx, cause)
	m.mu.Unlock()

	if reason != "" && m.cfg.OnClosed != nil {
		m.cfg.OnClosed(reason)
	}
}

func (m *Machine) abortLocked(ctx context.Context, cause error) CloseReason {
	if m.closed {
		return ""
	}
	m.log.Error().Err(cause).Msg("negotiation aborted")

	if _, err := m.cfg.Publisher.Publish(ctx, m.cfg.SessionID, m.side, model.SignalBye, relay.MarshalPayload(model.KickPayload{Reason: string(ReasonFailed)})); err != nil {
		m.log.Warn().Err(err).Msg("publish bye failed")
	}

	m.closeLocked()
	return ReasonFailed
}

// Close tears the machine down locally without notifying the peer; use
// CloseWithBye for graceful teardown.
func (m *Machine) Close() {
	m.mu.Lock()
	wasClosed := m.closed
	m.closeLocked()
	m.mu.Unlock()

	if !wasClosed && m.cfg.OnClosed != nil {
		m.cfg.OnClosed(ReasonLocal)
	}
}

// CloseWithBye publishes a bye, then closes.
func (m *Machine) CloseWithBye(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, err := m.cfg.Publisher.Publish(ctx, m.cfg.SessionID, m.side, model.SignalBye, relay.MarshalPayload(model.KickPayload{Reason: string(ReasonLocal)})); err != nil {
		m.log.Warn().Err(err).Msg("publish bye failed")
	}
	m.closeLocked()
	m.mu.Unlock()

	if m.cfg.OnClosed != nil {
		m.cfg.OnClosed(ReasonLocal)
	}
}

// closeLocked releases the peer connection and parks the machine in its
// terminal state. Idempotent.
func (m *Machine) closeLocked() {
	if m.closed {
		return
	}
	m.closed = true
	m.state = StateClosed
	m.pending = nil
	if err := m.cfg.Peer.Close(); err != nil {
		m.log.Warn().Err(err).Msg("peer connection close failed")
	}
}

func (m *Machine) handleTransportState(ts TransportState) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state != StateConnected {
		return
	}

	switch ts {
	case TransportDisconnected, TransportFailed:
		// The controller owns recovery: it republishes an offer on the
		// same session and the sharer answers as a renegotiation.
		if m.cfg.Role == RoleController {
			m.log.Info().Msg("transport degraded, renegotiating")
			if err := m.Restart(context.Background()); err != nil {
				m.log.Warn().Err(err).Msg("renegotiation failed")
			}
		}
	}
}
