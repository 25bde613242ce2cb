package media

// Due to the limitation of Go, we're using the `interface{}` to be able to
// switch on the actual type of the message at runtime.
type MessageContent = interface{}

// The media session has successfully negotiated and transports media.
type Connected struct {
	CallID string
}

// The media session lost its transport or was torn down.
type Disconnected struct {
	CallID string
	Reason string
}

// Snapshot is the read-only view of the expected active call that the
// coordinator pushes into the adapter prior to (or coincident with) the first
// call-start event, so that the adapter accepts the inbound offer.
type Snapshot struct {
	CallID         string
	Role           string
	RemoteUserID   string
	IsVideoEnabled bool
}

// Session is the narrow contract between the coordinator and the media engine.
// The coordinator drives the adapter one-way through these methods; the adapter
// notifies the coordinator through the message sink it was constructed with.
// No back-reference is held in either direction.
type Session interface {
	// Initialize prepares the engine. Called once per process lifetime.
	Initialize() error
	// SyncState hands the adapter the expected call so that negotiation for
	// that call (and only that call) is accepted.
	SyncState(snapshot Snapshot)
	// Close tears the media transport down. Safe to call multiple times.
	Close()
}
