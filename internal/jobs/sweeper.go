package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/audit"
	"github.com/openclaw/signal-relay-go/internal/config"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/relay"
	"github.com/openclaw/signal-relay-go/internal/repository"
)

// Sweeper runs the periodic cleanup pass: stale signals, overdue live
// sessions, old terminal sessions and silent devices. Each step is
// idempotent and independent; a failing step is logged and the pass
// continues.
type Sweeper struct {
	signals   repository.SignalRepository
	sessions  repository.SessionRepository
	devices   repository.DeviceRepository
	publisher relay.Publisher

	signalRetention time.Duration
	interval        time.Duration
	done            chan struct{}
}

func NewSweeper(
	signals repository.SignalRepository,
	sessions repository.SessionRepository,
	devices repository.DeviceRepository,
	publisher relay.Publisher,
	signalRetention time.Duration,
	interval time.Duration,
) *Sweeper {
	return &Sweeper{
		signals:         signals,
		sessions:        sessions,
		devices:         devices,
		publisher:       publisher,
		signalRetention: signalRetention,
		interval:        interval,
		done:            make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
	log.Info().Dur("interval", s.interval).Msg("cleanup sweeper started")
}

func (s *Sweeper) Stop() {
	close(s.done)
	log.Info().Msg("cleanup sweeper stopped")
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one full cleanup pass.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()

	s.runStep(ctx, "stale signals", func(ctx context.Context) (int64, error) {
		return s.signals.DeleteBefore(ctx, now.Add(-s.signalRetention))
	})
	s.runStep(ctx, "overdue sessions", s.expireOverdueSessions)
	s.runStep(ctx, "terminal sessions", func(ctx context.Context) (int64, error) {
		return s.sessions.DeleteTerminalBefore(ctx, now.Add(-config.TerminalSessionRetention))
	})
	s.runStep(ctx, "silent devices", func(ctx context.Context) (int64, error) {
		return s.devices.MarkStaleOffline(ctx, now.Add(-config.DeviceLivenessTimeout))
	})
}

func (s *Sweeper) runStep(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to sweep %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("swept %s", name)
	}
}

// expireOverdueSessions expires live sessions past their TTL. The kick
// is published before the status flips so a connected party learns why
// it is being cut off; if the publish fails the session still expires
// and the peer finds out when its token stops authorizing.
func (s *Sweeper) expireOverdueSessions(ctx context.Context) (int64, error) {
	overdue, err := s.sessions.FindExpiredLive(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	var expired int64
	for _, session := range overdue {
		payload := relay.MarshalPayload(model.KickPayload{Reason: "expired"})
		if _, err := s.publisher.Publish(ctx, session.ID, model.SideSystem, model.SignalKick, payload); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("publish expiry kick failed")
		}

		if err := s.sessions.MarkExpired(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("mark session expired failed")
			continue
		}
		expired++

		event := audit.Event{
			Type:      audit.EventSessionExpire,
			ActorID:   session.CreatorID,
			SessionID: session.ID,
		}
		if session.DeviceID != nil {
			event.DeviceID = *session.DeviceID
		}
		audit.Log(ctx, event)

		if session.DeviceID != nil {
			if err := s.devices.Release(ctx, *session.DeviceID, session.CreatorID); err != nil {
				log.Warn().Err(err).Str("deviceId", *session.DeviceID).Msg("release device failed")
			}
		}
	}
	return expired, nil
}
