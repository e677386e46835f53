package model

type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
	SessionStatusExpired SessionStatus = "expired"
)

// Live reports whether the session still occupies its device.
func (s SessionStatus) Live() bool {
	return s == SessionStatusPending || s == SessionStatusActive
}

// Terminal reports whether the sweeper may hard-delete the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusEnded || s == SessionStatusExpired
}

type SessionKind string

const (
	SessionKindDevice  SessionKind = "device"
	SessionKindSupport SessionKind = "support"
)

type Side string

const (
	SideController Side = "controller"
	SideDevice     Side = "device"
	SideSystem     Side = "system"
)

type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
	SignalKick   SignalType = "kick"
	SignalBye    SignalType = "bye"
)

type ControllerType string

const (
	ControllerTypeWeb     ControllerType = "web"
	ControllerTypeDesktop ControllerType = "desktop"
	ControllerTypeSupport ControllerType = "support"
)
