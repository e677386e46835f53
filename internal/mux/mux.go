// Package mux manages the controller's concurrent sessions: one
// negotiation machine per device, a single focused session receiving
// input, and a hard cap on how many run at once.
package mux

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/config"
	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/negotiate"
)

// Conn is a dialed session: the machine driving it plus the release of
// everything opened alongside it (signal feed, peer connection plumbing).
type Conn struct {
	SessionID string
	Machine   *negotiate.Machine
	// Release tears down the session's feed and any transport resources.
	// Called exactly once, after the machine is closed.
	Release func()
}

// Dialer establishes a session to a device: claim, create session, open
// the relay feed and start negotiation. The multiplexer stays transport
// agnostic behind it.
type Dialer interface {
	Dial(ctx context.Context, deviceID string) (*Conn, error)
}

// Status is a point-in-time view of one entry, for UI listing.
type Status struct {
	DeviceID    string          `json:"device_id"`
	SessionID   string          `json:"session_id"`
	State       negotiate.State `json:"-"`
	Focused     bool            `json:"focused"`
	Frames      uint64          `json:"frames"`
	LastFrameAt time.Time       `json:"last_frame_at"`
}

type entry struct {
	deviceID string
	// ready is closed once dialing finishes; conn and err are only read
	// after that.
	ready chan struct{}
	conn  *Conn
	err   error

	frameMu     sync.Mutex
	frames      uint64
	lastFrameAt time.Time
}

// Multiplexer holds up to maxSessions concurrent entries keyed by device
// id. The map slot is reserved before dialing, so racing CreateOrSwitch
// calls for different devices count against the limit correctly and
// calls for the same device share one dial.
type Multiplexer struct {
	dialer      Dialer
	maxSessions int

	mu      sync.RWMutex
	entries map[string]*entry
	focused string
}

func New(dialer Dialer) *Multiplexer {
	return &Multiplexer{
		dialer:      dialer,
		maxSessions: config.MaxConcurrentSessions,
		entries:     make(map[string]*entry),
	}
}

// CreateOrSwitch returns the session for a device, dialing one if none
// exists, and focuses it. A device that already has an entry never
// counts against the limit again.
func (m *Multiplexer) CreateOrSwitch(ctx context.Context, deviceID string) (*Conn, error) {
	m.mu.Lock()
	if e, ok := m.entries[deviceID]; ok {
		m.focused = deviceID
		m.mu.Unlock()
		return m.await(ctx, e)
	}

	if len(m.entries) >= m.maxSessions {
		m.mu.Unlock()
		return nil, apperrors.MaxSessions(m.maxSessions)
	}

	e := &entry{deviceID: deviceID, ready: make(chan struct{})}
	m.entries[deviceID] = e
	m.focused = deviceID
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, deviceID)

	m.mu.Lock()
	if err != nil {
		delete(m.entries, deviceID)
		m.refocusLocked()
	} else {
		e.conn = conn
	}
	e.err = err
	m.mu.Unlock()
	close(e.ready)

	if err != nil {
		return nil, err
	}
	log.Info().Str("deviceId", deviceID).Str("sessionId", conn.SessionID).Msg("session opened")
	return conn, nil
}

func (m *Multiplexer) await(ctx context.Context, e *entry) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ready:
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.conn, nil
}

// Focus marks a device's session as the input target. Purely local.
func (m *Multiplexer) Focus(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[deviceID]; !ok {
		return false
	}
	m.focused = deviceID
	return true
}

// Focused returns the device id currently receiving input, or "".
func (m *Multiplexer) Focused() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.focused
}

// FrameReceived records one delivered frame for a device's session.
func (m *Multiplexer) FrameReceived(deviceID string) {
	m.mu.RLock()
	e, ok := m.entries[deviceID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.frameMu.Lock()
	e.frames++
	e.lastFrameAt = time.Now()
	e.frameMu.Unlock()
}

// Close tears down a device's session. The machine close and the
// resource release are both always attempted; a missing entry is a no-op.
// Focus moves to any remaining entry.
func (m *Multiplexer) Close(ctx context.Context, deviceID string) {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, deviceID)
	m.refocusLocked()
	m.mu.Unlock()

	m.teardown(ctx, e)
	log.Info().Str("deviceId", deviceID).Msg("session closed")
}

// CloseAll tears down every session, for shutdown.
func (m *Multiplexer) CloseAll(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.entries = make(map[string]*entry)
	m.focused = ""
	m.mu.Unlock()

	for _, e := range entries {
		m.teardown(ctx, e)
	}
}

func (m *Multiplexer) teardown(ctx context.Context, e *entry) {
	<-e.ready
	if e.conn == nil {
		return
	}
	e.conn.Machine.CloseWithBye(ctx)
	if e.conn.Release != nil {
		e.conn.Release()
	}
}

// Remove drops an entry whose machine already closed itself (kick, bye,
// failure). The release still runs; no bye is sent.
func (m *Multiplexer) Remove(deviceID string) {
	m.mu.Lock()
	e, ok := m.entries[deviceID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.entries, deviceID)
	m.refocusLocked()
	m.mu.Unlock()

	<-e.ready
	if e.conn != nil && e.conn.Release != nil {
		e.conn.Release()
	}
}

// refocusLocked keeps focus valid: if the focused entry is gone, any
// remaining entry is picked, or focus clears.
func (m *Multiplexer) refocusLocked() {
	if _, ok := m.entries[m.focused]; ok {
		return
	}
	m.focused = ""
	for id := range m.entries {
		m.focused = id
		return
	}
}

// Sessions lists current entries; dialing entries are skipped.
func (m *Multiplexer) Sessions() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.entries))
	for id, e := range m.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.conn == nil {
			continue
		}
		e.frameMu.Lock()
		frames, lastFrame := e.frames, e.lastFrameAt
		e.frameMu.Unlock()
		out = append(out, Status{
			DeviceID:    id,
			SessionID:   e.conn.SessionID,
			State:       e.conn.Machine.State(),
			Focused:     id == m.focused,
			Frames:      frames,
			LastFrameAt: lastFrame,
		})
	}
	return out
}

// Len reports the number of held entries, reservations included.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
