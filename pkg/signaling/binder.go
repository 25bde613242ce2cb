package signaling

import (
	"sync"
	"time"

	"github.com/matrix-org/callflow/pkg/channel"
	"github.com/matrix-org/callflow/pkg/event"
	"github.com/matrix-org/callflow/pkg/worker"
	"github.com/sirupsen/logrus"
)

// The bounded schedule on which the binder retries listener attachment when it
// is asked to bind before the transport is ready.
const (
	DefaultBindAttempts = 30
	DefaultBindInterval = 500 * time.Millisecond
)

const outboundQueueSize = 128

// BinderConfig tunes the attachment retry schedule. The zero value means the
// defaults above.
type BinderConfig struct {
	BindAttempts int
	BindInterval time.Duration
}

// Binder subscribes to the inbound signaling events, validates their payloads
// and hands the typed events to the coordinator through its sink. Outbound
// events are serialized through a bounded worker so that a slow transport can
// never block the caller.
type Binder struct {
	transport Transport
	sink      *channel.SinkWithSender[channel.Source, interface{}]
	logger    *logrus.Entry
	config    BinderConfig

	emitQueue *worker.Worker[event.Outbound]

	mutex sync.Mutex
	bound bool
}

func NewBinder(
	transport Transport,
	sink *channel.SinkWithSender[channel.Source, interface{}],
	config BinderConfig,
	logger *logrus.Entry,
) *Binder {
	if config.BindAttempts == 0 {
		config.BindAttempts = DefaultBindAttempts
	}
	if config.BindInterval == 0 {
		config.BindInterval = DefaultBindInterval
	}

	binder := &Binder{
		transport: transport,
		sink:      sink,
		logger:    logger,
		config:    config,
	}

	binder.emitQueue = worker.StartWorker(worker.Config[event.Outbound]{
		ChannelSize: outboundQueueSize,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask:      binder.emitNow,
	})

	return binder
}

// Bind waits for the transport to become ready (bounded retries at a fixed
// interval) and registers the inbound listeners. Binding is idempotent: calling
// it again after a transport reconnection re-registers nothing and succeeds,
// which is exactly what `Reinitialize` relies on.
func (b *Binder) Bind() error {
	if !b.waitReady() {
		b.logger.Error("transport did not become ready, giving up on listener attachment")
		return ErrTransportNotReady
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.bound {
		return nil
	}

	for _, name := range []string{
		event.TypeInviteIncoming,
		event.TypeInviteSuccess,
		event.TypeInviteError,
		event.TypeInviteDeclined,
		event.TypeInviteCancelled,
		event.TypeInviteExpired,
		event.TypeCallStart,
		event.TypeCallEnd,
	} {
		b.subscribe(name)
	}

	b.bound = true
	b.logger.Info("signaling listeners attached")
	return nil
}

// Bound reports whether the inbound listeners have been registered.
func (b *Binder) Bound() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.bound
}

// Emit queues an outbound event for delivery. Fails fast if the transport is
// not attached or the listeners have not been bound yet: the caller decides
// whether that is fatal for its operation.
func (b *Binder) Emit(outbound event.Outbound) error {
	if !b.transport.Ready() {
		return ErrTransportNotReady
	}

	if !b.Bound() {
		return ErrNotBound
	}

	return b.emitQueue.Send(outbound)
}

// Close stops the outbound queue. Inbound listeners stay registered on the
// transport; the sealed sink makes their deliveries no-ops.
func (b *Binder) Close() {
	b.emitQueue.Stop()
}

func (b *Binder) subscribe(name string) {
	b.transport.Subscribe(name, func(payload map[string]interface{}) {
		parsed, err := event.Parse(name, payload)
		if err != nil {
			b.logger.WithError(err).WithField("event", name).Warn("dropping malformed signaling event")
			return
		}

		if err := b.sink.Send(parsed); err != nil {
			b.logger.WithError(err).WithField("event", name).Warn("coordinator is gone, dropping signaling event")
		}
	})
}

func (b *Binder) emitNow(outbound event.Outbound) {
	name, payload := outbound.Wire()
	if err := b.transport.Emit(name, payload); err != nil {
		// The server is authoritative: a lost late emit is rejected there anyway.
		b.logger.WithError(err).WithField("event", name).Error("failed to emit signaling event")
	}
}

func (b *Binder) waitReady() bool {
	for attempt := 0; attempt < b.config.BindAttempts; attempt++ {
		if b.transport.Ready() {
			return true
		}
		time.Sleep(b.config.BindInterval)
	}

	return b.transport.Ready()
}
