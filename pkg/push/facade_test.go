package push_test

import (
	"testing"
	"time"

	"github.com/matrix-org/callflow/pkg/channel"
	"github.com/matrix-org/callflow/pkg/event"
	"github.com/matrix-org/callflow/pkg/push"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFacade_DeliversValidInvitation(t *testing.T) {
	events := make(chan channel.Message[channel.Source, interface{}], 1)
	sink := channel.NewSink(channel.SourcePush, (chan<- channel.Message[channel.Source, interface{}])(events))
	facade := push.NewFacade(sink, logrus.WithField("test", t.Name()))

	err := facade.DeliverIncomingInvitation(map[string]interface{}{
		"inviteId":   "i1",
		"callerId":   "@alice:example.org",
		"callerName": "Alice",
		"expiresAt":  float64(time.Now().Add(30 * time.Second).UnixMilli()),
	})
	require.NoError(t, err)

	message := <-events
	assert.Equal(t, channel.SourcePush, message.Sender)
	invite, ok := message.Content.(event.InviteIncoming)
	require.True(t, ok)
	assert.Equal(t, "i1", invite.InviteID)
}

func TestFacade_RejectsMalformedPayload(t *testing.T) {
	events := make(chan channel.Message[channel.Source, interface{}], 1)
	sink := channel.NewSink(channel.SourcePush, (chan<- channel.Message[channel.Source, interface{}])(events))
	facade := push.NewFacade(sink, logrus.WithField("test", t.Name()))

	err := facade.DeliverIncomingInvitation(map[string]interface{}{"inviteId": "i1"})
	assert.Error(t, err)
	assert.Empty(t, events)
}
