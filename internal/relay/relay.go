package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/signal-relay-go/internal/errors"
	"github.com/openclaw/signal-relay-go/internal/model"
	"github.com/openclaw/signal-relay-go/internal/repository"
)

// Publisher is the write half of the relay, as seen by the registry,
// the sweeper and the negotiation machines.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, from model.Side, msgType model.SignalType, payload json.RawMessage) (*model.Signal, error)
}

// Relay appends signals to the store and notifies subscribers over
// redis pub/sub. The store is the source of truth; the pub/sub push is
// best-effort and the poll path is the correctness backstop.
type Relay struct {
	signals repository.SignalRepository
	broker  *Broker
}

func New(signals repository.SignalRepository, broker *Broker) *Relay {
	return &Relay{signals: signals, broker: broker}
}

func (r *Relay) Publish(ctx context.Context, sessionID string, from model.Side, msgType model.SignalType, payload json.RawMessage) (*model.Signal, error) {
	signal, err := r.signals.Insert(ctx, repository.CreateSignalParams{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FromSide:  from,
		MsgType:   msgType,
		Payload:   payload,
	})
	if err != nil {
		// Surfaced to the caller; never retried here, a blind retry could
		// put a duplicate offer on the wire.
		return nil, apperrors.StoreWriteFailed(err)
	}

	if err := r.broker.Notify(ctx, *signal); err != nil {
		log.Warn().
			Err(err).
			Str("sessionId", sessionID).
			Str("signalId", signal.ID).
			Msg("push notify failed, poll path will deliver")
	}

	return signal, nil
}

// ListSince exposes the poll query: all signals for the session from the
// given sides, ordered by creation time.
func (r *Relay) ListSince(ctx context.Context, sessionID string, sides []model.Side, after time.Time) ([]model.Signal, error) {
	return r.signals.ListSince(ctx, sessionID, sides, after)
}

// Subscribe opens the push feed for a session.
func (r *Relay) Subscribe(sessionID string) (*Subscriber, error) {
	return r.broker.Subscribe(sessionID)
}

func (r *Relay) Unsubscribe(sub *Subscriber) {
	r.broker.Unsubscribe(sub)
}

var _ Source = (*Relay)(nil)

// MarshalPayload is a convenience for callers publishing typed payloads.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("marshal signal payload")
		return json.RawMessage("{}")
	}
	return data
}
