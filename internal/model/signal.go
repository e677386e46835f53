package model

import (
	"encoding/json"
	"time"
)

// Signal is one negotiation message relayed between the two sides of a
// session. Rows are insert-only; delivery state lives with the reader.
type Signal struct {
	ID        string          `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"sessionId"`
	FromSide  Side            `db:"from_side" json:"fromSide"`
	MsgType   SignalType      `db:"msg_type" json:"msgType"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// SDPPayload carries an offer or answer.
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICEPayload carries one connectivity candidate.
type ICEPayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// KickPayload tells a displaced party why its session ended.
type KickPayload struct {
	Reason            string         `json:"reason"`
	NewControllerType ControllerType `json:"new_controller_type,omitempty"`
}

func (s *Signal) SDP() (SDPPayload, error) {
	var p SDPPayload
	err := json.Unmarshal(s.Payload, &p)
	return p, err
}

func (s *Signal) ICECandidate() (ICEPayload, error) {
	var p ICEPayload
	err := json.Unmarshal(s.Payload, &p)
	return p, err
}

func (s *Signal) Kick() (KickPayload, error) {
	var p KickPayload
	err := json.Unmarshal(s.Payload, &p)
	return p, err
}
