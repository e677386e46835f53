package relay

import (
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/openclaw/signal-relay-go/internal/redis"
)

// brokerWithoutRedis builds a broker against an unreachable redis. The
// subscription never delivers anything, which is all the subscriber and
// pump lifecycle tests need.
func brokerWithoutRedis(t *testing.T) *Broker {
	t.Helper()
	client := &redisclient.Client{Client: goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"})}
	t.Cleanup(func() { _ = client.Close() })

	b := NewBroker(client)
	t.Cleanup(b.Close)
	return b
}

func (b *Broker) pumpFor(sessionID string) *sessionPump {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pumps[sessionID]
}

func waitStopped(t *testing.T, pump *sessionPump) {
	t.Helper()
	select {
	case <-pump.stopped:
	case <-time.After(time.Second):
		t.Fatal("session pump did not stop")
	}
}

func TestBrokerSubscriberLifecycle(t *testing.T) {
	t.Run("last unsubscribe stops the session pump", func(t *testing.T) {
		b := brokerWithoutRedis(t)

		sub, err := b.Subscribe("sess-1")
		require.NoError(t, err)
		pump := b.pumpFor("sess-1")
		require.NotNil(t, pump)

		b.Unsubscribe(sub)

		waitStopped(t, pump)
		assert.Nil(t, b.pumpFor("sess-1"))
		assert.Equal(t, 0, b.SubscriberCount("sess-1"))

		select {
		case <-sub.Done:
		default:
			t.Fatal("subscriber Done not closed")
		}
	})

	t.Run("pump stays up while other subscribers remain", func(t *testing.T) {
		b := brokerWithoutRedis(t)

		sub1, err := b.Subscribe("sess-1")
		require.NoError(t, err)
		sub2, err := b.Subscribe("sess-1")
		require.NoError(t, err)

		b.Unsubscribe(sub1)

		pump := b.pumpFor("sess-1")
		require.NotNil(t, pump)
		select {
		case <-pump.stopped:
			t.Fatal("pump stopped with a subscriber still attached")
		default:
		}
		assert.Equal(t, 1, b.SubscriberCount("sess-1"))

		b.Unsubscribe(sub2)
		waitStopped(t, pump)
	})

	t.Run("resubscribe after churn starts exactly one fresh pump", func(t *testing.T) {
		b := brokerWithoutRedis(t)

		// An SSE client reconnecting must not leave the old pump behind.
		sub1, err := b.Subscribe("sess-1")
		require.NoError(t, err)
		pump1 := b.pumpFor("sess-1")
		b.Unsubscribe(sub1)
		waitStopped(t, pump1)

		sub2, err := b.Subscribe("sess-1")
		require.NoError(t, err)
		pump2 := b.pumpFor("sess-1")
		require.NotNil(t, pump2)
		assert.NotSame(t, pump1, pump2)
		assert.Equal(t, 1, b.SubscriberCount("sess-1"))

		b.Unsubscribe(sub2)
		waitStopped(t, pump2)
	})

	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		b := brokerWithoutRedis(t)

		sub, err := b.Subscribe("sess-1")
		require.NoError(t, err)
		b.Unsubscribe(sub)
		b.Unsubscribe(sub)

		assert.Equal(t, 0, b.SubscriberCount("sess-1"))
	})

	t.Run("close stops every pump", func(t *testing.T) {
		b := brokerWithoutRedis(t)

		sub1, err := b.Subscribe("sess-1")
		require.NoError(t, err)
		_, err = b.Subscribe("sess-2")
		require.NoError(t, err)
		pump1 := b.pumpFor("sess-1")
		pump2 := b.pumpFor("sess-2")

		b.Close()

		waitStopped(t, pump1)
		waitStopped(t, pump2)
		select {
		case <-sub1.Done:
		default:
			t.Fatal("subscriber Done not closed on broker close")
		}
	})
}
