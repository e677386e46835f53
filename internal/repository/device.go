package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/signal-relay-go/internal/database"
	"github.com/openclaw/signal-relay-go/internal/model"
)

type DeviceRepository interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Device, error)
	Register(ctx context.Context, params model.RegisterDeviceParams) (*model.Device, error)
	Heartbeat(ctx context.Context, id string) error
	// Claim swaps the device's holder only if the current holder still
	// matches expectedHolder (nil means unheld). Returns false when the
	// guard fails, i.e. a concurrent claim won the race.
	Claim(ctx context.Context, id, controllerID string, controllerType model.ControllerType, expectedHolder *string) (bool, error)
	// Release clears the holder only if controllerID still holds the device.
	Release(ctx context.Context, id, controllerID string) error
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, id string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) DeviceRepository
}

type deviceRepo struct {
	db database.DBTX
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) WithTx(tx *sqlx.Tx) DeviceRepository {
	return &deviceRepo{db: tx}
}

func (r *deviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `SELECT * FROM devices WHERE id = $1`, id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `SELECT * FROM devices WHERE token_hash = $1`, tokenHash)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) Register(ctx context.Context, params model.RegisterDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (id, name, token_hash, online, last_seen_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			token_hash = EXCLUDED.token_hash,
			online = TRUE,
			last_seen_at = NOW()
		RETURNING *
	`, params.ID, params.Name, params.TokenHash)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) Heartbeat(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET online = TRUE, last_seen_at = $2 WHERE id = $1
	`, id, time.Now())
	return err
}

func (r *deviceRepo) Claim(ctx context.Context, id, controllerID string, controllerType model.ControllerType, expectedHolder *string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			controller_id = $2,
			controller_type = $3
		WHERE id = $1
		AND online = TRUE
		AND controller_id IS NOT DISTINCT FROM $4
	`, id, controllerID, controllerType, expectedHolder)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *deviceRepo) Release(ctx context.Context, id, controllerID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			controller_id = NULL,
			controller_type = NULL
		WHERE id = $1 AND controller_id = $2
	`, id, controllerID)
	return err
}

func (r *deviceRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET online = FALSE
		WHERE online = TRUE AND last_seen_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *deviceRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	return err
}
