package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/signal-relay-go/internal/database"
	"github.com/openclaw/signal-relay-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error)
	// FindLiveByDevice returns sessions in pending/active for the device.
	// The claim invariant keeps this at most one, but takeover cleanup
	// must not assume it.
	FindLiveByDevice(ctx context.Context, deviceID string) ([]model.Session, error)
	FindPendingSupport(ctx context.Context) ([]model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	MarkActive(ctx context.Context, id string) error
	// SetPeerToken attaches the claimant's token to a pending session.
	SetPeerToken(ctx context.Context, id, tokenHash string) error
	MarkEnded(ctx context.Context, id string) error
	MarkExpired(ctx context.Context, id string) error
	FindExpiredLive(ctx context.Context, now time.Time) ([]model.Session, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `SELECT * FROM sessions WHERE id = $1`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE (token_hash = $1 OR peer_token_hash = $1)
		AND status IN ('pending', 'active')
	`, tokenHash)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindLiveByDevice(ctx context.Context, deviceID string) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE device_id = $1
		AND status IN ('pending', 'active')
		ORDER BY created_at ASC
	`, deviceID)
	return sessions, err
}

func (r *sessionRepo) FindPendingSupport(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE kind = 'support'
		AND status = 'pending'
		AND expires_at > NOW()
		ORDER BY created_at ASC
	`)
	return sessions, err
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, kind, device_id, creator_id, pin_hash, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, params.ID, params.Kind, params.DeviceID, params.CreatorID,
		params.PINHash, params.TokenHash, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) MarkActive(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'active'
		WHERE id = $1 AND status = 'pending'
	`, id)
	return err
}

func (r *sessionRepo) SetPeerToken(ctx context.Context, id, tokenHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET peer_token_hash = $2
		WHERE id = $1 AND status = 'pending'
	`, id, tokenHash)
	return err
}

func (r *sessionRepo) MarkEnded(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'ended',
			ended_at = $2
		WHERE id = $1 AND status IN ('pending', 'active')
	`, id, time.Now())
	return err
}

func (r *sessionRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'expired',
			ended_at = $2
		WHERE id = $1 AND status IN ('pending', 'active')
	`, id, time.Now())
	return err
}

func (r *sessionRepo) FindExpiredLive(ctx context.Context, now time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status IN ('pending', 'active')
		AND expires_at < $1
		ORDER BY created_at ASC
	`, now)
	return sessions, err
}

func (r *sessionRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE status IN ('ended', 'expired')
		AND COALESCE(ended_at, created_at) < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
