package signaling

import "maunium.net/go/mautrix/id"

// Configuration for the Matrix-backed signaling transport.
type Config struct {
	// The Matrix ID (MXID) of this client.
	UserID id.UserID `yaml:"userId"`
	// The URL of the homeserver this client talks to.
	HomeserverURL string `yaml:"homeserverUrl"`
	// The access token for the Matrix SDK.
	AccessToken string `yaml:"accessToken"`
	// The MXID of the signaling server (the call broker) we exchange events with.
	ServerUserID id.UserID `yaml:"serverUserId"`
	// The device of the signaling server that receives our events.
	ServerDeviceID id.DeviceID `yaml:"serverDeviceId"`
}
