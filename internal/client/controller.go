package client

import (
	"github.com/openclaw/signal-relay-go/internal/mux"
	"github.com/openclaw/signal-relay-go/internal/negotiate"
)

// Controller bundles the dialer with the session multiplexer: sessions
// whose machine closes itself (kick, bye, failure) are removed from the
// multiplexer so their feed and device claim are released.
type Controller struct {
	Mux *mux.Multiplexer
}

func NewController(cfg Config) *Controller {
	c := &Controller{}
	userHook := cfg.OnSessionClosed
	cfg.OnSessionClosed = func(deviceID string, reason negotiate.CloseReason) {
		// Remove waits for the dial to settle, and a machine aborting
		// mid-dial fires this on the dialing goroutine itself.
		go c.Mux.Remove(deviceID)
		if userHook != nil {
			userHook(deviceID, reason)
		}
	}
	c.Mux = mux.New(NewDialer(cfg))
	return c
}
