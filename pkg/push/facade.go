package push

import (
	"github.com/matrix-org/callflow/pkg/channel"
	"github.com/matrix-org/callflow/pkg/event"
	"github.com/sirupsen/logrus"
)

// Facade is the entry point for invitations delivered through a push channel
// before the signaling transport attached. The payload has exactly the shape
// of the `invite:incoming` wire event and is fed into the same pipeline the
// binder uses, so a later duplicate over the signaling channel is a no-op
// (the coordinator deduplicates on the invite ID).
type Facade struct {
	sink   *channel.SinkWithSender[channel.Source, interface{}]
	logger *logrus.Entry
}

func NewFacade(sink *channel.SinkWithSender[channel.Source, interface{}], logger *logrus.Entry) *Facade {
	return &Facade{sink: sink, logger: logger}
}

// DeliverIncomingInvitation validates and injects a push-delivered invitation.
func (f *Facade) DeliverIncomingInvitation(payload map[string]interface{}) error {
	parsed, err := event.Parse(event.TypeInviteIncoming, payload)
	if err != nil {
		f.logger.WithError(err).Warn("dropping malformed push invitation")
		return err
	}

	return f.sink.Send(parsed)
}
