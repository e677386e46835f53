package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/repository"
	"github.com/openclaw/signal-relay-go/internal/util"
)

type mockDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*model.Device
}

func newMockDeviceRepo() *mockDeviceRepo {
	return &mockDeviceRepo{devices: make(map[string]*model.Device)}
}

func (m *mockDeviceRepo) add(d *model.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
}

func (m *mockDeviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, nil
	}
	copied := *d
	return &copied, nil
}

func (m *mockDeviceRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.TokenHash == tokenHash {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *mockDeviceRepo) Register(ctx context.Context, params model.RegisterDeviceParams) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &model.Device{
		ID:         params.ID,
		Name:       params.Name,
		TokenHash:  params.TokenHash,
		Online:     true,
		LastSeenAt: time.Now(),
	}
	m.devices[params.ID] = d
	copied := *d
	return &copied, nil
}

func (m *mockDeviceRepo) Heartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.Online = true
		d.LastSeenAt = time.Now()
	}
	return nil
}

// Claim mirrors the conditional-update guard of the real repository: it
// only succeeds while the stored holder still equals expectedHolder.
func (m *mockDeviceRepo) Claim(ctx context.Context, id, controllerID string, controllerType model.ControllerType, expectedHolder *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok || !d.Online {
		return false, nil
	}
	current := d.ControllerID
	switch {
	case current == nil && expectedHolder == nil:
	case current != nil && expectedHolder != nil && *current == *expectedHolder:
	default:
		return false, nil
	}
	d.ControllerID = &controllerID
	d.ControllerType = &controllerType
	return true, nil
}

func (m *mockDeviceRepo) Release(ctx context.Context, id, controllerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok && d.ControllerID != nil && *d.ControllerID == controllerID {
		d.ControllerID = nil
		d.ControllerType = nil
	}
	return nil
}

func (m *mockDeviceRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockDeviceRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, id)
	return nil
}

func (m *mockDeviceRepo) WithTx(tx *sqlx.Tx) repository.DeviceRepository { return m }

type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*model.Session)}
}

func (m *mockSessionRepo) add(s *model.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *mockSessionRepo) get(id string) *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		copied := *s
		return &copied
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return m.get(id), nil
}

func (m *mockSessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TokenHash == tokenHash && s.Status.Live() {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *mockSessionRepo) FindLiveByDevice(ctx context.Context, deviceID string) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.DeviceID != nil && *s.DeviceID == deviceID && s.Status.Live() {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockSessionRepo) FindPendingSupport(ctx context.Context) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.Kind == model.SessionKindSupport && s.Status == model.SessionStatusPending && s.ExpiresAt.After(time.Now()) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &model.Session{
		ID:        params.ID,
		Kind:      params.Kind,
		DeviceID:  params.DeviceID,
		CreatorID: params.CreatorID,
		Status:    model.SessionStatusPending,
		PINHash:   params.PINHash,
		TokenHash: params.TokenHash,
		CreatedAt: time.Now(),
		ExpiresAt: params.ExpiresAt,
	}
	m.sessions[s.ID] = s
	copied := *s
	return &copied, nil
}

func (m *mockSessionRepo) MarkActive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status == model.SessionStatusPending {
		s.Status = model.SessionStatusActive
	}
	return nil
}

func (m *mockSessionRepo) SetPeerToken(ctx context.Context, id, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status == model.SessionStatusPending {
		s.PeerTokenHash = &tokenHash
	}
	return nil
}

func (m *mockSessionRepo) MarkEnded(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status.Live() {
		now := time.Now()
		s.Status = model.SessionStatusEnded
		s.EndedAt = &now
	}
	return nil
}

func (m *mockSessionRepo) MarkExpired(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok && s.Status.Live() {
		now := time.Now()
		s.Status = model.SessionStatusExpired
		s.EndedAt = &now
	}
	return nil
}

func (m *mockSessionRepo) FindExpiredLive(ctx context.Context, now time.Time) ([]model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Session
	for _, s := range m.sessions {
		if s.Status.Live() && s.ExpiresAt.Before(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *mockSessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return m }

type publishedSignal struct {
	SessionID string
	FromSide  model.Side
	MsgType   model.SignalType
	Payload   json.RawMessage
}

type mockPublisher struct {
	mu      sync.Mutex
	signals []publishedSignal
}

func (m *mockPublisher) Publish(ctx context.Context, sessionID string, from model.Side, msgType model.SignalType, payload json.RawMessage) (*model.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals = append(m.signals, publishedSignal{SessionID: sessionID, FromSide: from, MsgType: msgType, Payload: payload})
	return &model.Signal{ID: "sig", SessionID: sessionID, FromSide: from, MsgType: msgType, Payload: payload}, nil
}

func (m *mockPublisher) bySession(sessionID string) []publishedSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishedSignal
	for _, s := range m.signals {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	return out
}

func strptr(s string) *string { return &s }

func newTestRegistry() (*Registry, *mockDeviceRepo, *mockSessionRepo, *mockPublisher) {
	devices := newMockDeviceRepo()
	sessions := newMockSessionRepo()
	pub := &mockPublisher{}
	reg := New(devices, sessions, pub, 15*time.Minute, []model.ICEServer{{URLs: []string{"stun:stun.example.org"}}})
	return reg, devices, sessions, pub
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending session with credentials", func(t *testing.T) {
		reg, devices, sessions, _ := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: true, ControllerID: strptr("alice")})

		result, err := reg.CreateSession(ctx, "d1", "alice")
		require.NoError(t, err)

		assert.NotEmpty(t, result.Token)
		assert.Len(t, result.PIN, 6)
		assert.NotEmpty(t, result.ICEServers)
		assert.WithinDuration(t, time.Now().Add(15*time.Minute), result.ExpiresAt, time.Second)

		stored := sessions.get(result.SessionID)
		require.NotNil(t, stored)
		assert.Equal(t, model.SessionStatusPending, stored.Status)
		assert.Equal(t, util.HashToken(result.Token), stored.TokenHash)
	})

	t.Run("rejects offline device", func(t *testing.T) {
		reg, devices, _, _ := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: false, ControllerID: strptr("alice")})

		_, err := reg.CreateSession(ctx, "d1", "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceOffline))
	})

	t.Run("rejects creator that does not hold the device", func(t *testing.T) {
		reg, devices, _, _ := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: true, ControllerID: strptr("alice")})

		_, err := reg.CreateSession(ctx, "d1", "mallory")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
	})

	t.Run("rejects unknown device", func(t *testing.T) {
		reg, _, _, _ := newTestRegistry()
		_, err := reg.CreateSession(ctx, "nope", "alice")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestClaimDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("claim on offline device fails", func(t *testing.T) {
		reg, devices, _, _ := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: false})

		_, err := reg.ClaimDevice(ctx, "d1", "alice", model.ControllerTypeWeb)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeviceOffline))
	})

	t.Run("takeover kicks the prior holder's session", func(t *testing.T) {
		reg, devices, sessions, pub := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: true})

		resultA, err := reg.ClaimDevice(ctx, "d1", "alice", model.ControllerTypeWeb)
		require.NoError(t, err)
		assert.True(t, resultA.Claimed)
		assert.Zero(t, resultA.Kicked)

		created, err := reg.CreateSession(ctx, "d1", "alice")
		require.NoError(t, err)

		resultB, err := reg.ClaimDevice(ctx, "d1", "bob", model.ControllerTypeDesktop)
		require.NoError(t, err)
		assert.True(t, resultB.Claimed)
		assert.Equal(t, 1, resultB.Kicked)

		stored := sessions.get(created.SessionID)
		assert.Equal(t, model.SessionStatusExpired, stored.Status)

		kicks := pub.bySession(created.SessionID)
		require.Len(t, kicks, 1)
		assert.Equal(t, model.SignalKick, kicks[0].MsgType)
		assert.Equal(t, model.SideSystem, kicks[0].FromSide)

		var payload model.KickPayload
		require.NoError(t, json.Unmarshal(kicks[0].Payload, &payload))
		assert.Equal(t, "displaced", payload.Reason)
		assert.Equal(t, model.ControllerTypeDesktop, payload.NewControllerType)
	})

	t.Run("re-claim by the same controller keeps its session", func(t *testing.T) {
		reg, devices, sessions, _ := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: true})

		_, err := reg.ClaimDevice(ctx, "d1", "alice", model.ControllerTypeWeb)
		require.NoError(t, err)
		created, err := reg.CreateSession(ctx, "d1", "alice")
		require.NoError(t, err)

		result, err := reg.ClaimDevice(ctx, "d1", "alice", model.ControllerTypeWeb)
		require.NoError(t, err)
		assert.True(t, result.Claimed)
		assert.Zero(t, result.Kicked)
		assert.Equal(t, model.SessionStatusPending, sessions.get(created.SessionID).Status)
	})

	t.Run("concurrent claims produce exactly one winner", func(t *testing.T) {
		reg, devices, _, _ := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: true})

		const claimers = 8
		results := make([]*ClaimResult, claimers)
		errs := make([]error, claimers)

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				results[i], errs[i] = reg.ClaimDevice(ctx, "d1", string(rune('a'+i)), model.ControllerTypeWeb)
			}(i)
		}
		close(start)
		wg.Wait()

		winners := 0
		for i := 0; i < claimers; i++ {
			require.NoError(t, errs[i])
			if results[i].Claimed {
				winners++
			}
		}
		assert.Equal(t, 1, winners)
	})
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()

	t.Run("ends session, publishes bye, releases device", func(t *testing.T) {
		reg, devices, sessions, pub := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: true})
		_, err := reg.ClaimDevice(ctx, "d1", "alice", model.ControllerTypeWeb)
		require.NoError(t, err)
		created, err := reg.CreateSession(ctx, "d1", "alice")
		require.NoError(t, err)

		require.NoError(t, reg.EndSession(ctx, created.SessionID))

		assert.Equal(t, model.SessionStatusEnded, sessions.get(created.SessionID).Status)

		device, _ := devices.FindByID(ctx, "d1")
		assert.Nil(t, device.ControllerID)

		byes := pub.bySession(created.SessionID)
		require.Len(t, byes, 1)
		assert.Equal(t, model.SignalBye, byes[0].MsgType)
	})

	t.Run("ending an ended session is a no-op", func(t *testing.T) {
		reg, _, sessions, pub := newTestRegistry()
		now := time.Now()
		sessions.add(&model.Session{ID: "s1", Status: model.SessionStatusEnded, CreatorID: "alice", EndedAt: &now})

		require.NoError(t, reg.EndSession(ctx, "s1"))
		assert.Empty(t, pub.bySession("s1"))
	})

	t.Run("ending an unknown session reports not found", func(t *testing.T) {
		reg, _, _, _ := newTestRegistry()
		err := reg.EndSession(ctx, "nope")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
	})
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves live token", func(t *testing.T) {
		reg, devices, _, _ := newTestRegistry()
		devices.add(&model.Device{ID: "d1", Online: true, ControllerID: strptr("alice")})
		created, err := reg.CreateSession(ctx, "d1", "alice")
		require.NoError(t, err)

		session, err := reg.Authorize(ctx, created.Token)
		require.NoError(t, err)
		assert.Equal(t, created.SessionID, session.ID)
	})

	t.Run("rejects unknown token", func(t *testing.T) {
		reg, _, _, _ := newTestRegistry()
		_, err := reg.Authorize(ctx, "bogus")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidToken))
	})

	t.Run("expires overdue session on access", func(t *testing.T) {
		reg, _, sessions, _ := newTestRegistry()
		sessions.add(&model.Session{
			ID:        "s1",
			Status:    model.SessionStatusPending,
			TokenHash: util.HashToken("tok"),
			ExpiresAt: time.Now().Add(-time.Minute),
		})

		_, err := reg.Authorize(ctx, "tok")
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionExpired))
		assert.Equal(t, model.SessionStatusExpired, sessions.get("s1").Status)
	})
}

func TestSupportSessions(t *testing.T) {
	ctx := context.Background()

	t.Run("pin claims the matching pending session", func(t *testing.T) {
		reg, _, sessions, _ := newTestRegistry()
		created, err := reg.CreateSupportSession(ctx, "helper")
		require.NoError(t, err)

		joined, err := reg.ClaimSupportSession(ctx, created.PIN)
		require.NoError(t, err)
		assert.Equal(t, created.SessionID, joined.SessionID)
		assert.NotEmpty(t, joined.Token)
		assert.NotEqual(t, created.Token, joined.Token)

		stored := sessions.get(created.SessionID)
		assert.Equal(t, model.SessionStatusActive, stored.Status)
		require.NotNil(t, stored.PeerTokenHash)
		assert.Equal(t, util.HashToken(joined.Token), *stored.PeerTokenHash)
		assert.Equal(t, model.SideDevice, stored.SideForTokenHash(*stored.PeerTokenHash))
	})

	t.Run("wrong pin is rejected", func(t *testing.T) {
		reg, _, _, _ := newTestRegistry()
		created, err := reg.CreateSupportSession(ctx, "helper")
		require.NoError(t, err)

		wrong := "000000"
		if created.PIN == wrong {
			wrong = "000001"
		}
		_, err = reg.ClaimSupportSession(ctx, wrong)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidPIN))
	})
}
