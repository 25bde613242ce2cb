/*
Copyright 2023 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package coordinator

import (
	"sync"
	"time"

	"github.com/matrix-org/callflow/pkg/bus"
	"github.com/matrix-org/callflow/pkg/channel"
	"github.com/matrix-org/callflow/pkg/history"
	"github.com/matrix-org/callflow/pkg/media"
	"github.com/matrix-org/callflow/pkg/signaling"
	"github.com/matrix-org/callflow/pkg/state"
	"github.com/matrix-org/callflow/pkg/telemetry"
	"github.com/matrix-org/callflow/pkg/timer"
	"github.com/sirupsen/logrus"
)

const eventQueueSize = 64

// The value of an accepted-invitation entry between the local acceptance and
// the server's call-start event.
const pendingCallID = "pending"

// The invitation timer key for an outgoing invitation whose server-assigned
// ID is not known yet.
const outgoingInviteID = "outgoing"

// SessionFactory builds the media session for the coordinator. The session
// reports back through the given sink; no back-reference is held.
type SessionFactory func(
	sink *channel.SinkWithSender[channel.Source, media.MessageContent],
	logger *logrus.Entry,
) media.Session

// Coordinator is the session manager of the call flow. It owns the two state
// atoms (invitation and active call), maps signaling events to state
// transitions, deduplicates retransmitted events, links invitations to the
// calls they produce and guards every pending phase with a timer.
//
// All messages from the edges (signaling binder, media session, push facade,
// timers) arrive on one channel and are processed in arrival order by a single
// goroutine. Public operations run on the caller's goroutine: each one reads
// the atoms at entry and applies its transition atomically, so a store
// subscriber may call back into the coordinator from its notification.
type Coordinator struct {
	config   Config
	store    *state.Store
	bus      *bus.Bus
	binder   *signaling.Binder
	session  media.Session
	timers   *timer.Service
	recorder history.Recorder
	logger   *logrus.Entry

	events        chan channel.Message[channel.Source, interface{}]
	signalingSink *channel.SinkWithSender[channel.Source, interface{}]
	mediaSink     *channel.SinkWithSender[channel.Source, interface{}]
	pushSink      *channel.SinkWithSender[channel.Source, interface{}]
	timerSink     *channel.SinkWithSender[channel.Source, interface{}]
	done          chan struct{}

	mutex       sync.Mutex
	initialized bool
	closed      bool
	// inviteId -> callId, or `pendingCallID` until the call-start is processed.
	// An entry here means the invitation was accepted: its later expiration or
	// cancellation must never tear the resulting call down.
	acceptedInvites map[string]string
	// The call IDs whose call-start has already been processed.
	handledCalls map[string]struct{}
	// The keys of the currently armed timers, if any.
	invitationTimer *timer.Key
	connectTimer    *timer.Key
	// The telemetry span of the call in flight.
	callSpan *telemetry.Telemetry
}

func New(
	config Config,
	transport signaling.Transport,
	newSession SessionFactory,
	recorder history.Recorder,
	logger *logrus.Entry,
) *Coordinator {
	events := make(chan channel.Message[channel.Source, interface{}], eventQueueSize)
	sink := (chan<- channel.Message[channel.Source, interface{}])(events)

	coordinator := &Coordinator{
		config:          config,
		store:           state.NewStore(),
		bus:             bus.New(logger),
		timers:          timer.NewService(),
		recorder:        recorder,
		logger:          logger,
		events:          events,
		signalingSink:   channel.NewSink(channel.SourceSignaling, sink),
		mediaSink:       channel.NewSink(channel.SourceMedia, sink),
		pushSink:        channel.NewSink(channel.SourcePush, sink),
		timerSink:       channel.NewSink(channel.SourceTimer, sink),
		done:            make(chan struct{}),
		acceptedInvites: make(map[string]string),
		handledCalls:    make(map[string]struct{}),
	}

	coordinator.binder = signaling.NewBinder(transport, coordinator.signalingSink, config.Binder, logger)
	coordinator.session = newSession(coordinator.mediaSink, logger)

	return coordinator
}

// Initialize starts the processing loop, prepares the media engine and
// attaches the signaling listeners (waiting for the transport on the bounded
// retry schedule). Idempotent.
func (c *Coordinator) Initialize() error {
	c.mutex.Lock()
	first := !c.initialized
	c.initialized = true
	c.mutex.Unlock()

	if first {
		go c.processMessages()

		if err := c.session.Initialize(); err != nil {
			return err
		}
	}

	return c.binder.Bind()
}

// Reinitialize re-attaches the signaling listeners after a transport
// reconnection. The state atoms are retained across the gap: an invitation
// that was inviting before the transport dropped is still inviting after.
func (c *Coordinator) Reinitialize() error {
	return c.Initialize()
}

// Close shuts the coordinator down. The edges are sealed first so that
// nothing new enters the loop, then the loop and the owned services stop.
func (c *Coordinator) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	span := c.callSpan
	c.callSpan = nil
	c.mutex.Unlock()

	c.signalingSink.Seal()
	c.mediaSink.Seal()
	c.pushSink.Seal()
	c.timerSink.Seal()
	close(c.done)

	c.timers.Close()
	c.session.Close()
	c.binder.Close()

	if span != nil {
		span.End()
	}

	c.bus.Close()
}

// Bus exposes the internal notification bus for UI layers and adapters.
func (c *Coordinator) Bus() *bus.Bus {
	return c.bus
}

// PushSink is the entry point for the push-notification facade: messages sent
// here join the same processing loop as the signaling events.
func (c *Coordinator) PushSink() *channel.SinkWithSender[channel.Source, interface{}] {
	return c.pushSink
}

// Store exposes the observable state store for read-only subscribers.
func (c *Coordinator) Store() *state.Store {
	return c.store
}

// CurrentInvitation returns a snapshot of the invitation atom.
func (c *Coordinator) CurrentInvitation() state.Invitation {
	return c.store.CurrentInvitation()
}

// CurrentCall returns a snapshot of the active call atom.
func (c *Coordinator) CurrentCall() state.ActiveCall {
	return c.store.CurrentCall()
}

// InCall reports whether a call is currently connecting or connected.
func (c *Coordinator) InCall() bool {
	status := c.store.CurrentCall().Status
	return status == state.CallConnecting || status == state.CallConnected
}

func (c *Coordinator) publishInvitation(reason string) {
	c.bus.Publish(bus.InvitationStateChanged, InvitationChange{
		Invitation: c.store.CurrentInvitation(),
		Reason:     reason,
	})
}

func (c *Coordinator) publishCall() {
	c.bus.Publish(bus.CallStateChanged, c.store.CurrentCall())
}

// Timer bookkeeping. The fire callbacks post to the processing loop instead of
// acting directly, so that a fire observes all the events that preceded it.

func (c *Coordinator) armInvitationTimerLocked(id string, d time.Duration) {
	c.cancelInvitationTimerLocked()

	key := timer.Key{Atom: timer.AtomInvitation, ID: id}
	c.timers.Arm(key, d, func() {
		_ = c.timerSink.Send(invitationTimedOut{inviteID: id})
	})
	c.invitationTimer = &key
}

func (c *Coordinator) cancelInvitationTimerLocked() {
	if c.invitationTimer != nil {
		c.timers.Cancel(*c.invitationTimer)
		c.invitationTimer = nil
	}
}

func (c *Coordinator) armConnectTimerLocked(id string) {
	c.cancelConnectTimerLocked()

	key := timer.Key{Atom: timer.AtomCall, ID: id}
	c.timers.Arm(key, c.config.connectTimeout(), func() {
		_ = c.timerSink.Send(connectTimedOut{id: id})
	})
	c.connectTimer = &key
}

func (c *Coordinator) cancelConnectTimerLocked() {
	if c.connectTimer != nil {
		c.timers.Cancel(*c.connectTimer)
		c.connectTimer = nil
	}
}
