package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Names of the internal notifications published by the coordinator. UI layers
// and adapters subscribe to these; none of them ever travels over the wire.
const (
	CallStateChanged       = "call:state-changed"
	InvitationStateChanged = "invitation:state-changed"
	InvitationError        = "invitation:error"
	WebRTCConnected        = "webrtc:connected"
	NavigateToCallScreen   = "navigate-to-call-screen"
)

// Notification is a single published event.
type Notification struct {
	Name string
	Data interface{}
}

// Bus is a typed channel-per-subscriber notification fan-out. Publishing never
// blocks: each subscriber owns a bounded channel and a subscriber that cannot
// keep up has the notification dropped (and logged). Delivery order for a
// single publisher is deterministic: subscribers are notified in subscription
// order, and each subscriber observes notifications in publish order.
type Bus struct {
	mutex       sync.Mutex
	subscribers map[string][]*Subscription
	nextID      uint64
	logger      *logrus.Entry
	queueSize   int
}

// Subscription is a handle to a single subscriber of a single event name.
type Subscription struct {
	// C delivers the notifications. It is closed when the subscription is closed.
	C <-chan Notification

	id      uint64
	name    string
	bus     *Bus
	channel chan Notification
	once    sync.Once
}

const defaultQueueSize = 16

func New(logger *logrus.Entry) *Bus {
	return &Bus{
		subscribers: make(map[string][]*Subscription),
		logger:      logger,
		queueSize:   defaultQueueSize,
	}
}

// Subscribe registers a new subscriber for the given event name.
func (b *Bus) Subscribe(name string) *Subscription {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	channel := make(chan Notification, b.queueSize)
	b.nextID++
	subscription := &Subscription{
		C:       channel,
		id:      b.nextID,
		name:    name,
		bus:     b,
		channel: channel,
	}

	b.subscribers[name] = append(b.subscribers[name], subscription)
	return subscription
}

// Publish delivers the notification to every subscriber of the name. The
// sends happen under the bus mutex, the same mutex that guards the channel
// closes, so a publish can never race a concurrent unsubscribe into a send
// on a closed channel. The sends are non-blocking, so holding the mutex
// here is cheap.
func (b *Bus) Publish(name string, data interface{}) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	notification := Notification{Name: name, Data: data}
	for _, subscription := range b.subscribers[name] {
		select {
		case subscription.channel <- notification:
		default:
			b.logger.WithField("notification", name).Warn("subscriber is not keeping up, dropping notification")
		}
	}
}

// Close releases every subscription. Pending notifications remain readable
// until the subscriber drains its channel.
func (b *Bus) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for _, subscriptions := range b.subscribers {
		for _, subscription := range subscriptions {
			subscription.once.Do(func() { close(subscription.channel) })
		}
	}

	b.subscribers = make(map[string][]*Subscription)
}

// Close removes the subscription from the bus and closes its channel. The
// close happens under the bus mutex so that in-flight publishes either
// complete before it or observe the removal.
func (s *Subscription) Close() {
	s.bus.mutex.Lock()
	defer s.bus.mutex.Unlock()

	remaining := s.bus.subscribers[s.name][:0]
	for _, other := range s.bus.subscribers[s.name] {
		if other.id != s.id {
			remaining = append(remaining, other)
		}
	}
	s.bus.subscribers[s.name] = remaining

	s.once.Do(func() { close(s.channel) })
}
