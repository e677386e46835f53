package model

import "time"

type Session struct {
	ID        string        `db:"id" json:"id"`
	Kind      SessionKind   `db:"kind" json:"kind"`
	DeviceID  *string       `db:"device_id" json:"deviceId,omitempty"`
	CreatorID string        `db:"creator_id" json:"creatorId"`
	Status    SessionStatus `db:"status" json:"status"`
	// PINHash is bcrypt for support sessions, empty for device sessions.
	PINHash   string `db:"pin_hash" json:"-"`
	TokenHash string `db:"token_hash" json:"-"`
	// PeerTokenHash is set when a support session is claimed by PIN; the
	// claimant signals with its own token on the sharer side.
	PeerTokenHash *string    `db:"peer_token_hash" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expiresAt"`
	EndedAt       *time.Time `db:"ended_at" json:"endedAt,omitempty"`
}

// SideForTokenHash tells which side of the exchange a token belongs to.
func (s *Session) SideForTokenHash(tokenHash string) Side {
	if s.PeerTokenHash != nil && *s.PeerTokenHash == tokenHash {
		return SideDevice
	}
	return SideController
}

type CreateSessionParams struct {
	ID        string
	Kind      SessionKind
	DeviceID  *string
	CreatorID string
	PINHash   string
	TokenHash string
	ExpiresAt time.Time
}

// ICEServer is one entry of the opaque connection-setup configuration
// handed to both endpoints at session creation.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
