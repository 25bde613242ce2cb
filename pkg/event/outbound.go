package event

// Names of the outbound events the coordinator emits through the binder.
const (
	TypeInvite        = "invite"
	TypeInviteAccept  = "invite:accept"
	TypeInviteDecline = "invite:decline"
	TypeInviteCancel  = "invite:cancel"
	// Outbound call termination shares its name with the inbound event.
	TypeCallEndRequest = "call:end"
)

// Outbound is an event that the client sends to the server. Each variant knows
// its wire name and how to serialize itself into a wire payload.
type Outbound interface {
	Wire() (name string, payload map[string]interface{})
}

// An outgoing invitation to a peer.
type Invite struct {
	ReceiverID   string
	ReceiverName string
	Metadata     map[string]interface{}
}

func (i Invite) Wire() (string, map[string]interface{}) {
	payload := map[string]interface{}{
		"receiverId": i.ReceiverID,
		"metadata":   i.Metadata,
	}
	if i.ReceiverName != "" {
		payload["receiverName"] = i.ReceiverName
	}
	return TypeInvite, payload
}

// Local acceptance of an incoming invitation.
type InviteAccept struct {
	InviteID string
}

func (a InviteAccept) Wire() (string, map[string]interface{}) {
	return TypeInviteAccept, map[string]interface{}{"inviteId": a.InviteID}
}

// Local rejection of an incoming invitation.
type InviteDecline struct {
	InviteID string
}

func (d InviteDecline) Wire() (string, map[string]interface{}) {
	return TypeInviteDecline, map[string]interface{}{"inviteId": d.InviteID}
}

// Withdrawal of our own outgoing invitation.
type InviteCancel struct {
	InviteID string
}

func (c InviteCancel) Wire() (string, map[string]interface{}) {
	return TypeInviteCancel, map[string]interface{}{"inviteId": c.InviteID}
}

// Request to terminate the established call session.
type CallEndRequest struct {
	CallID string
	Reason string
}

func (e CallEndRequest) Wire() (string, map[string]interface{}) {
	payload := map[string]interface{}{"callId": e.CallID}
	if e.Reason != "" {
		payload["reason"] = e.Reason
	}
	return TypeCallEndRequest, payload
}
