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

package signaling

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"maunium.net/go/mautrix"
	mevent "maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// The session identifier under which this client emits signaling events.
const LocalSessionID = "callflow"

// The to-device event type that carries the call signaling events. The actual
// event name and its payload are wrapped inside the content, so that a single
// Matrix event type covers the whole wire contract.
var signalEventType = mevent.Type{Type: "io.element.call.signal", Class: mevent.ToDeviceEventType}

// MatrixTransport is the concrete signaling channel: named events carried as
// Matrix to-device messages between this client and the signaling server.
// Inbound dispatch happens on the sync goroutine, so handlers for a single
// transport observe events in receipt order.
type MatrixTransport struct {
	client *mautrix.Client
	config Config

	mutex    sync.Mutex
	handlers map[string][]func(map[string]interface{})

	ready atomic.Bool
}

// Creates a new transport and verifies the access token against the homeserver.
func NewMatrixTransport(config Config) (*MatrixTransport, error) {
	client, err := mautrix.NewClient(config.HomeserverURL, config.UserID, config.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	whoami, err := client.Whoami()
	if err != nil {
		return nil, fmt.Errorf("failed to identify user: %w", err)
	}

	if config.UserID != whoami.UserID {
		return nil, fmt.Errorf("access token is for the wrong user: %s", whoami.UserID)
	}

	logrus.WithField("device_id", whoami.DeviceID).Info("identified as device")
	client.DeviceID = whoami.DeviceID

	return &MatrixTransport{
		client:   client,
		config:   config,
		handlers: make(map[string][]func(map[string]interface{})),
	}, nil
}

// Subscribe registers a handler for a named inbound event.
func (t *MatrixTransport) Subscribe(name string, fn func(payload map[string]interface{})) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[name] = append(t.handlers[name], fn)
}

// Ready reports whether the sync loop is running.
func (t *MatrixTransport) Ready() bool {
	return t.ready.Load()
}

// Emit sends a named event to the signaling server as a to-device message.
func (t *MatrixTransport) Emit(name string, payload map[string]interface{}) error {
	if !t.ready.Load() {
		return ErrTransportNotReady
	}

	content := &mevent.Content{
		Raw: map[string]interface{}{
			"event":             name,
			"payload":           payload,
			"sender_session_id": LocalSessionID,
		},
	}

	sendRequest := &mautrix.ReqSendToDevice{
		Messages: map[id.UserID]map[id.DeviceID]*mevent.Content{
			t.config.ServerUserID: {
				t.config.ServerDeviceID: content,
			},
		},
	}

	if _, err := t.client.SendToDevice(signalEventType, sendRequest); err != nil {
		return fmt.Errorf("failed to send to-device event: %w", err)
	}

	return nil
}

// Starts the Matrix client and connects to the homeserver.
// Returns only when the sync with Matrix fails.
func (t *MatrixTransport) RunSyncing() error {
	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("syncer is not DefaultSyncer")
	}

	syncer.OnEvent(func(_ mautrix.EventSource, evt *mevent.Event) {
		// We only care about our own to-device events but also receive
		// m.presence and m.push_rules events; we can simply ignore those.
		if evt.Type.Class != mevent.ToDeviceEventType || evt.Type.Type != signalEventType.Type {
			return
		}

		// We drop the messages if they are not meant for us.
		if destination, ok := evt.Content.Raw["dest_session_id"].(string); ok && destination != LocalSessionID {
			logrus.Warn("SessionID does not match our SessionID - ignoring")
			return
		}

		name, _ := evt.Content.Raw["event"].(string)
		if name == "" {
			logrus.Warn("signal event without a name - ignoring")
			return
		}

		payload, _ := evt.Content.Raw["payload"].(map[string]interface{})
		t.dispatch(name, payload)
	})

	t.ready.Store(true)
	defer t.ready.Store(false)

	return t.client.Sync()
}

func (t *MatrixTransport) dispatch(name string, payload map[string]interface{}) {
	t.mutex.Lock()
	handlers := append(([]func(map[string]interface{}))(nil), t.handlers[name]...)
	t.mutex.Unlock()

	for _, handler := range handlers {
		handler(payload)
	}
}
