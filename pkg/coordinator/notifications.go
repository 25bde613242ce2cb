package coordinator

import "github.com/matrix-org/callflow/pkg/state"

// Payloads of the notifications the coordinator publishes on the bus.
// `bus.CallStateChanged` and `bus.NavigateToCallScreen` carry a
// `state.ActiveCall` snapshot directly.

// Carried by `bus.InvitationStateChanged`.
type InvitationChange struct {
	Invitation state.Invitation
	// Why the invitation left its previous state: "declined", "cancelled",
	// "expired", "timeout" or "error". Empty for ordinary progress.
	Reason string
}

// Carried by `bus.InvitationError`.
type InvitationFailure struct {
	Reason string
}

// Carried by `bus.WebRTCConnected`.
type MediaConnected struct {
	CallID string
}
