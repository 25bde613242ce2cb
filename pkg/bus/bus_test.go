package bus_test

import (
	"testing"

	"github.com/matrix-org/callflow/pkg/bus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(logrus.WithField("test", t.Name()))
	t.Cleanup(b.Close)
	return b
}

func TestBus_PublishReachesSubscriber(t *testing.T) {
	b := testBus(t)

	sub := b.Subscribe(bus.CallStateChanged)
	b.Publish(bus.CallStateChanged, "connecting")

	notification := <-sub.C
	assert.Equal(t, bus.CallStateChanged, notification.Name)
	assert.Equal(t, "connecting", notification.Data)
}

func TestBus_SubscribersAreIndependentPerName(t *testing.T) {
	b := testBus(t)

	calls := b.Subscribe(bus.CallStateChanged)
	invites := b.Subscribe(bus.InvitationStateChanged)

	b.Publish(bus.InvitationStateChanged, "incoming")

	select {
	case <-calls.C:
		t.Fatal("call subscriber must not see invitation notifications")
	default:
	}

	notification := <-invites.C
	assert.Equal(t, "incoming", notification.Data)
}

func TestBus_PublishOrderIsPreserved(t *testing.T) {
	b := testBus(t)
	sub := b.Subscribe(bus.InvitationStateChanged)

	for _, state := range []string{"inviting", "idle", "incoming"} {
		b.Publish(bus.InvitationStateChanged, state)
	}

	assert.Equal(t, "inviting", (<-sub.C).Data)
	assert.Equal(t, "idle", (<-sub.C).Data)
	assert.Equal(t, "incoming", (<-sub.C).Data)
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := testBus(t)
	sub := b.Subscribe(bus.WebRTCConnected)

	// Overflow the bounded queue; Publish must never block.
	for i := 0; i < 64; i++ {
		b.Publish(bus.WebRTCConnected, i)
	}

	// The earliest notifications are still there; the overflow was dropped.
	first := <-sub.C
	assert.Equal(t, 0, first.Data)
}

func TestBus_PublishDuringUnsubscribe(t *testing.T) {
	b := testBus(t)

	// Race publishes against unsubscribes. A send on an already closed
	// subscriber channel panics, so the loop below must run clean.
	for round := 0; round < 100; round++ {
		subscriptions := make([]*bus.Subscription, 0, 32)
		for i := 0; i < 32; i++ {
			subscriptions = append(subscriptions, b.Subscribe(bus.CallStateChanged))
		}

		closed := make(chan struct{})
		go func() {
			for _, subscription := range subscriptions {
				subscription.Close()
			}
			close(closed)
		}()

		for i := 0; i < 16; i++ {
			b.Publish(bus.CallStateChanged, i)
		}
		<-closed
	}
}

func TestBus_CloseSubscription(t *testing.T) {
	b := testBus(t)

	sub := b.Subscribe(bus.NavigateToCallScreen)
	sub.Close()

	// Publishing after unsubscribe must not panic and must not deliver.
	b.Publish(bus.NavigateToCallScreen, nil)

	_, open := <-sub.C
	require.False(t, open)

	// Closing twice is fine.
	sub.Close()
}
