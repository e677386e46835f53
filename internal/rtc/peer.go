// Package rtc adapts a pion WebRTC peer connection to the negotiation
// machine's PeerConnection capability. The machine never sees pion types;
// SDP and candidates cross the boundary as opaque payloads.
package rtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/negotiate"
)

type Config struct {
	ICEServers []model.ICEServer
}

type Peer struct {
	pc *webrtc.PeerConnection
}

func NewPeer(cfg Config) (*Peer, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		iceServers = append(iceServers, server)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	return &Peer{pc: pc}, nil
}

// PC exposes the underlying connection for track and data-channel setup
// (capture plumbing lives outside this package).
func (p *Peer) PC() *webrtc.PeerConnection {
	return p.pc
}

func (p *Peer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	// Trickle ICE: candidates flow through OnCandidate as they gather,
	// so the local description is returned without waiting.
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

func (p *Peer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return answer.SDP, nil
}

func (p *Peer) AcceptAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (p *Peer) AddCandidate(c model.ICEPayload) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *Peer) OnCandidate(fn func(model.ICEPayload)) {
	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		fn(model.ICEPayload{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *Peer) OnTransportState(fn func(negotiate.TransportState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapTransportState(state))
	})
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

func mapTransportState(state webrtc.PeerConnectionState) negotiate.TransportState {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		return negotiate.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiate.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiate.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiate.TransportClosed
	default:
		return negotiate.TransportConnecting
	}
}

var _ negotiate.PeerConnection = (*Peer)(nil)
