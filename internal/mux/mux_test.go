package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/negotiate"
)

type nopPeer struct {
	mu     sync.Mutex
	closed bool
}

func (p *nopPeer) CreateOffer(ctx context.Context) (string, error) { return "offer-sdp", nil }

func (p *nopPeer) AcceptOffer(ctx context.Context, s string) (string, error) {
	return "answer-sdp", nil
}

func (p *nopPeer) AcceptAnswer(s string) error                        { return nil }
func (p *nopPeer) AddCandidate(c model.ICEPayload) error              { return nil }
func (p *nopPeer) OnCandidate(fn func(model.ICEPayload))              {}
func (p *nopPeer) OnTransportState(fn func(negotiate.TransportState)) {}

func (p *nopPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *nopPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, sessionID string, from model.Side, msgType model.SignalType, payload json.RawMessage) (*model.Signal, error) {
	return &model.Signal{ID: "sig", SessionID: sessionID, FromSide: from, MsgType: msgType}, nil
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failNext error
	peers    map[string]*nopPeer
	released map[string]*atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		peers:    make(map[string]*nopPeer),
		released: make(map[string]*atomic.Int32),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, deviceID string) (*Conn, error) {
	d.mu.Lock()
	d.dials++
	if err := d.failNext; err != nil {
		d.failNext = nil
		d.mu.Unlock()
		return nil, err
	}
	peer := &nopPeer{}
	d.peers[deviceID] = peer
	counter := &atomic.Int32{}
	d.released[deviceID] = counter
	d.mu.Unlock()

	machine := negotiate.New(negotiate.Config{
		SessionID: "session-" + deviceID,
		Role:      negotiate.RoleController,
		Peer:      peer,
		Publisher: nopPublisher{},
	})
	return &Conn{
		SessionID: "session-" + deviceID,
		Machine:   machine,
		Release:   func() { counter.Add(1) },
	}, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func TestCreateOrSwitch(t *testing.T) {
	ctx := context.Background()

	t.Run("dials once per device and focuses it", func(t *testing.T) {
		dialer := newFakeDialer()
		m := New(dialer)

		conn1, err := m.CreateOrSwitch(ctx, "d1")
		require.NoError(t, err)
		conn2, err := m.CreateOrSwitch(ctx, "d2")
		require.NoError(t, err)
		assert.Equal(t, "d2", m.Focused())

		again, err := m.CreateOrSwitch(ctx, "d1")
		require.NoError(t, err)
		assert.Same(t, conn1, again)
		assert.NotSame(t, conn1, conn2)
		assert.Equal(t, "d1", m.Focused())
		assert.Equal(t, 2, dialer.dialCount())
	})

	t.Run("rejects a seventh session without reserving a slot", func(t *testing.T) {
		dialer := newFakeDialer()
		m := New(dialer)

		for i := 0; i < 6; i++ {
			_, err := m.CreateOrSwitch(ctx, fmt.Sprintf("d%d", i))
			require.NoError(t, err)
		}

		_, err := m.CreateOrSwitch(ctx, "d6")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMaxSessions))
		assert.Equal(t, 6, m.Len())

		// An existing device still switches fine at the limit.
		_, err = m.CreateOrSwitch(ctx, "d0")
		require.NoError(t, err)
		assert.Equal(t, "d0", m.Focused())
	})

	t.Run("failed dial frees its slot", func(t *testing.T) {
		dialer := newFakeDialer()
		dialer.failNext = apperrors.DeviceOffline("d1")
		m := New(dialer)

		_, err := m.CreateOrSwitch(ctx, "d1")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceOffline))
		assert.Zero(t, m.Len())
		assert.Empty(t, m.Focused())

		_, err = m.CreateOrSwitch(ctx, "d1")
		require.NoError(t, err)
	})

	t.Run("concurrent calls for one device share a single dial", func(t *testing.T) {
		dialer := newFakeDialer()
		m := New(dialer)

		const callers = 8
		conns := make([]*Conn, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				conn, err := m.CreateOrSwitch(ctx, "d1")
				require.NoError(t, err)
				conns[i] = conn
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, dialer.dialCount())
		for i := 1; i < callers; i++ {
			assert.Same(t, conns[0], conns[i])
		}
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("releases resources and refocuses", func(t *testing.T) {
		dialer := newFakeDialer()
		m := New(dialer)

		_, err := m.CreateOrSwitch(ctx, "d1")
		require.NoError(t, err)
		_, err = m.CreateOrSwitch(ctx, "d2")
		require.NoError(t, err)
		require.True(t, m.Focus("d1"))

		m.Close(ctx, "d1")

		assert.Equal(t, 1, m.Len())
		assert.Equal(t, "d2", m.Focused())
		assert.True(t, dialer.peers["d1"].isClosed())
		assert.EqualValues(t, 1, dialer.released["d1"].Load())
	})

	t.Run("closing an unknown device is a no-op", func(t *testing.T) {
		m := New(newFakeDialer())
		m.Close(ctx, "nope")
		assert.Zero(t, m.Len())
	})

	t.Run("close all clears focus", func(t *testing.T) {
		dialer := newFakeDialer()
		m := New(dialer)
		_, err := m.CreateOrSwitch(ctx, "d1")
		require.NoError(t, err)
		_, err = m.CreateOrSwitch(ctx, "d2")
		require.NoError(t, err)

		m.CloseAll(ctx)

		assert.Zero(t, m.Len())
		assert.Empty(t, m.Focused())
		assert.EqualValues(t, 1, dialer.released["d1"].Load())
		assert.EqualValues(t, 1, dialer.released["d2"].Load())
	})
}

func TestFocusAndFrames(t *testing.T) {
	ctx := context.Background()
	dialer := newFakeDialer()
	m := New(dialer)

	_, err := m.CreateOrSwitch(ctx, "d1")
	require.NoError(t, err)

	assert.False(t, m.Focus("unknown"))
	assert.Equal(t, "d1", m.Focused())

	m.FrameReceived("d1")
	m.FrameReceived("d1")
	m.FrameReceived("unknown")

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "d1", sessions[0].DeviceID)
	assert.True(t, sessions[0].Focused)
	assert.EqualValues(t, 2, sessions[0].Frames)
	assert.False(t, sessions[0].LastFrameAt.IsZero())
}
