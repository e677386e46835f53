package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/openclaw/signal-relay-go/internal/database"
	"github.com/openclaw/signal-relay-go/internal/model"
)

type CreateSignalParams struct {
	ID        string
	SessionID string
	FromSide  model.Side
	MsgType   model.SignalType
	Payload   json.RawMessage
}

type SignalRepository interface {
	Insert(ctx context.Context, params CreateSignalParams) (*model.Signal, error)
	// ListSince returns the session's signals from the given sides ordered
	// by creation time. `after` narrows the scan; callers dedup by id, so
	// overlapping windows are safe.
	ListSince(ctx context.Context, sessionID string, sides []model.Side, after time.Time) ([]model.Signal, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteBySession(ctx context.Context, sessionID string) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SignalRepository
}

type signalRepo struct {
	db database.DBTX
}

func NewSignalRepository(db *sqlx.DB) SignalRepository {
	return &signalRepo{db: db}
}

func (r *signalRepo) WithTx(tx *sqlx.Tx) SignalRepository {
	return &signalRepo{db: tx}
}

func (r *signalRepo) Insert(ctx context.Context, params CreateSignalParams) (*model.Signal, error) {
	var signal model.Signal
	err := r.db.GetContext(ctx, &signal, `
		INSERT INTO signals (id, session_id, from_side, msg_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, params.ID, params.SessionID, params.FromSide, params.MsgType, params.Payload)
	if err != nil {
		return nil, err
	}
	return &signal, nil
}

func (r *signalRepo) ListSince(ctx context.Context, sessionID string, sides []model.Side, after time.Time) ([]model.Signal, error) {
	sideStrs := make([]string, len(sides))
	for i, s := range sides {
		sideStrs[i] = string(s)
	}

	var signals []model.Signal
	err := r.db.SelectContext(ctx, &signals, `
		SELECT * FROM signals
		WHERE session_id = $1
		AND from_side = ANY($2)
		AND created_at >= $3
		ORDER BY created_at ASC
	`, sessionID, pq.Array(sideStrs), after)
	return signals, err
}

func (r *signalRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM signals WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *signalRepo) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM signals WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
