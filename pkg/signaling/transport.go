package signaling

import "errors"

// Errors surfaced by the binder and the transports.
var (
	ErrTransportNotReady = errors.New("signaling transport is not ready")
	ErrNotBound          = errors.New("signaling listeners are not bound")
)

// Transport is the bidirectional message channel that carries named events
// with JSON-like payloads between this client and the signaling server. The
// transport is shared with other features of the host application; this module
// only uses the event names defined in the event package.
type Transport interface {
	// Emit sends a named event to the server. Returns an error if the
	// transport cannot accept the event right now.
	Emit(name string, payload map[string]interface{}) error
	// Subscribe registers a handler for a named inbound event. Handlers for
	// a single transport are invoked sequentially in receipt order.
	Subscribe(name string, fn func(payload map[string]interface{}))
	// Ready reports whether the transport is attached and able to emit.
	Ready() bool
}
