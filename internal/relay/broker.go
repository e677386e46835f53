package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/signal-relay-go/internal/model"
	redisclient "github.com/openclaw/signal-relay-go/internal/redis"
)

// Subscriber receives push-delivered signals for one session.
type Subscriber struct {
	SessionID string
	Signals   chan model.Signal
	Done      chan struct{}
}

// sessionPump is the redis subscription shared by every subscriber of one
// session. It is created with the first Subscribe and cancelled when the
// last subscriber leaves, so reconnect churn does not accumulate goroutines.
type sessionPump struct {
	subs    map[*Subscriber]bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Broker fans redis pub/sub insert notifications out to in-process
// subscribers, keyed by session id. One redis subscription is held per
// session with at least one subscriber.
type Broker struct {
	redis  *redisclient.Client
	pumps  map[string]*sessionPump
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:  redisClient,
		pumps:  make(map[string]*sessionPump),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Broker) Subscribe(sessionID string) (*Subscriber, error) {
	sub := &Subscriber{
		SessionID: sessionID,
		Signals:   make(chan model.Signal, 100),
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	pump := b.pumps[sessionID]
	if pump == nil {
		ctx, cancel := context.WithCancel(b.ctx)
		pump = &sessionPump{
			subs:    make(map[*Subscriber]bool),
			cancel:  cancel,
			stopped: make(chan struct{}),
		}
		b.pumps[sessionID] = pump
		go b.subscribeToRedis(ctx, sessionID, pump)
	}
	pump.subs[sub] = true
	count := len(pump.subs)
	b.mu.Unlock()

	log.Debug().
		Str("sessionId", sessionID).
		Int("subscriberCount", count).
		Msg("signal feed subscribed")

	return sub, nil
}

func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pump, ok := b.pumps[sub.SessionID]
	if !ok || !pump.subs[sub] {
		return
	}
	delete(pump.subs, sub)
	close(sub.Done)

	// The last subscriber takes the redis subscription down with it; a
	// later Subscribe for the session starts a fresh pump.
	if len(pump.subs) == 0 {
		pump.cancel()
		delete(b.pumps, sub.SessionID)
	}

	log.Debug().
		Str("sessionId", sub.SessionID).
		Int("subscriberCount", len(pump.subs)).
		Msg("signal feed unsubscribed")
}

// Notify publishes the inserted signal row on the session's channel.
func (b *Broker) Notify(ctx context.Context, signal model.Signal) error {
	data, err := json.Marshal(signal)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.SignalChannel(signal.SessionID), data).Err()
}

func (b *Broker) subscribeToRedis(ctx context.Context, sessionID string, pump *sessionPump) {
	defer close(pump.stopped)

	channel := redisclient.SignalChannel(sessionID)
	pubsub := b.redis.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var signal model.Signal
			if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
				log.Error().Err(err).Str("channel", channel).Msg("failed to unmarshal signal notification")
				continue
			}

			b.broadcast(sessionID, signal)
		}
	}
}

func (b *Broker) broadcast(sessionID string, signal model.Signal) {
	b.mu.RLock()
	pump := b.pumps[sessionID]
	var subs []*Subscriber
	if pump != nil {
		subs = make([]*Subscriber, 0, len(pump.subs))
		for sub := range pump.subs {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.Signals <- signal:
		default:
			// Dropping here is safe: the poll path re-delivers and the
			// consumer dedups by id.
			log.Warn().
				Str("sessionId", sessionID).
				Msg("subscriber buffer full, dropping push delivery")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, pump := range b.pumps {
		pump.cancel()
		for sub := range pump.subs {
			close(sub.Done)
		}
	}
	b.pumps = make(map[string]*sessionPump)
}

func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pump := b.pumps[sessionID]
	if pump == nil {
		return 0
	}
	return len(pump.subs)
}
