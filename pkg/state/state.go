package state

import (
	"time"

	"golang.org/x/exp/maps"
)

// Role of this client for a given invitation or call.
type Role string

const (
	RoleNone     Role = "none"
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Lifecycle of the pre-call handshake artifact.
type InvitationStatus string

const (
	InvitationIdle     InvitationStatus = "idle"
	InvitationInviting InvitationStatus = "inviting"
	InvitationIncoming InvitationStatus = "incoming"
)

// Lifecycle of the media-session-bound call.
type CallStatus string

const (
	CallIdle       CallStatus = "idle"
	CallConnecting CallStatus = "connecting"
	CallConnected  CallStatus = "connected"
	CallEnded      CallStatus = "ended"
)

// Invitation is the pre-call handshake artifact. `InviteID` is assigned by the
// server at most once per invitation and stays empty until confirmed.
type Invitation struct {
	InviteID             string
	Role                 Role
	Status               InvitationStatus
	RemoteUserID         string
	RemoteUserName       string
	RemoteUserProfilePic string
	ExpiresAt            time.Time
	Metadata             map[string]interface{}
	CallHistoryID        string
}

// ActiveCall is the established (or establishing) call session. `CallID` may be
// empty while `Status` is connecting and the server's call-start event has not
// been processed yet.
type ActiveCall struct {
	Status         CallStatus
	CallID         string
	Role           Role
	RemoteUserID   string
	RemoteUserName string
	IsAudioEnabled bool
	IsVideoEnabled bool
	CallStartTime  time.Time
	CallHistoryID  string
}

func emptyInvitation() Invitation {
	return Invitation{Status: InvitationIdle, Role: RoleNone}
}

func emptyActiveCall() ActiveCall {
	return ActiveCall{Status: CallIdle, Role: RoleNone}
}

func (i Invitation) clone() Invitation {
	cloned := i
	if i.Metadata != nil {
		cloned.Metadata = maps.Clone(i.Metadata)
	}
	return cloned
}

// Duration reports how long the call has been connected. Zero until the media
// session reported connected.
func (c ActiveCall) Duration(now time.Time) time.Duration {
	if c.CallStartTime.IsZero() {
		return 0
	}
	return now.Sub(c.CallStartTime)
}
