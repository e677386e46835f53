package model

import "time"

type Device struct {
	ID             string          `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	TokenHash      string          `db:"token_hash" json:"-"`
	Online         bool            `db:"online" json:"online"`
	LastSeenAt     time.Time       `db:"last_seen_at" json:"lastSeenAt"`
	ControllerID   *string         `db:"controller_id" json:"controllerId,omitempty"`
	ControllerType *ControllerType `db:"controller_type" json:"controllerType,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// HeldBy reports whether controllerID currently holds the device.
func (d *Device) HeldBy(controllerID string) bool {
	return d.ControllerID != nil && *d.ControllerID == controllerID
}

type RegisterDeviceParams struct {
	ID        string
	Name      string
	TokenHash string
}
