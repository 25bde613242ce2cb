package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Names of the inbound events on the signaling channel. This is the wire
// contract with the server: the binder subscribes to exactly these names.
const (
	TypeInviteIncoming  = "invite:incoming"
	TypeInviteSuccess   = "invite:success"
	TypeInviteError     = "invite:error"
	TypeInviteDeclined  = "invite:declined"
	TypeInviteCancelled = "invite:cancelled"
	TypeInviteExpired   = "invite:expired"
	TypeCallStart       = "call:start"
	TypeCallEnd         = "call:end"
)

// Due to the limitation of Go, we're using the `interface{}` to be able to switch
// on the actual type of the event at runtime. The set of types is closed: it is
// exactly the types defined in this file.
type Content = interface{}

// A peer invited this client to a call.
type InviteIncoming struct {
	InviteID         string
	CallerID         string
	CallerName       string
	CallerProfilePic string
	Metadata         map[string]interface{}
	ExpiresAt        time.Time
	CallHistoryID    string
	// Set by the match/pairing flow: the client accepts without prompting.
	AutoAccept bool
}

// The server accepted our outgoing invite and assigned it an ID.
type InviteSuccess struct {
	InviteID      string
	ReceiverID    string
	CallHistoryID string
}

// The server rejected our outgoing invite.
type InviteError struct {
	Reason string
}

// The receiver declined our invite.
type InviteDeclined struct {
	InviteID   string
	ReceiverID string
}

// The sender cancelled the invite; we were the receiver.
type InviteCancelled struct {
	InviteID    string
	CancelledBy string
}

// The server timed the invitation out.
type InviteExpired struct {
	InviteID string
}

// The server created the call session; media negotiation may begin.
type CallStart struct {
	CallID        string
	CallerID      string
	ReceiverID    string
	Metadata      map[string]interface{}
	CallHistoryID string
}

// The call session terminated.
type CallEnd struct {
	CallID  string
	Reason  string
	EndedBy string
}

// Parses a raw wire payload into one of the typed events above. Returns an
// error for unknown event names and for payloads that are missing required
// fields or carry fields of the wrong shape.
func Parse(name string, payload map[string]interface{}) (Content, error) {
	switch name {
	case TypeInviteIncoming:
		return parseInviteIncoming(payload)
	case TypeInviteSuccess:
		inviteID, err := requireString(payload, "inviteId")
		if err != nil {
			return nil, err
		}
		return InviteSuccess{
			InviteID:      inviteID,
			ReceiverID:    optionalString(payload, "receiverId"),
			CallHistoryID: optionalString(payload, "callHistoryId"),
		}, nil
	case TypeInviteError:
		reason, err := requireString(payload, "error")
		if err != nil {
			return nil, err
		}
		return InviteError{Reason: reason}, nil
	case TypeInviteDeclined:
		inviteID, err := requireString(payload, "inviteId")
		if err != nil {
			return nil, err
		}
		return InviteDeclined{
			InviteID:   inviteID,
			ReceiverID: optionalString(payload, "receiverId"),
		}, nil
	case TypeInviteCancelled:
		inviteID, err := requireString(payload, "inviteId")
		if err != nil {
			return nil, err
		}
		return InviteCancelled{
			InviteID:    inviteID,
			CancelledBy: optionalString(payload, "cancelledBy"),
		}, nil
	case TypeInviteExpired:
		inviteID, err := requireString(payload, "inviteId")
		if err != nil {
			return nil, err
		}
		return InviteExpired{InviteID: inviteID}, nil
	case TypeCallStart:
		return parseCallStart(payload)
	case TypeCallEnd:
		callID, err := requireString(payload, "callId")
		if err != nil {
			return nil, err
		}
		return CallEnd{
			CallID:  callID,
			Reason:  optionalString(payload, "reason"),
			EndedBy: optionalString(payload, "endedBy"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown event name: %s", name)
	}
}

func parseInviteIncoming(payload map[string]interface{}) (Content, error) {
	inviteID, err := requireString(payload, "inviteId")
	if err != nil {
		return nil, err
	}
	callerID, err := requireString(payload, "callerId")
	if err != nil {
		return nil, err
	}
	callerName, err := requireString(payload, "callerName")
	if err != nil {
		return nil, err
	}

	expiresAt, err := ParseExpiresAt(payload["expiresAt"])
	if err != nil {
		return nil, fmt.Errorf("invalid expiresAt: %w", err)
	}

	metadata := optionalMetadata(payload)

	// The auto-accept flag may be carried top-level or inside the metadata bag
	// (older servers put it in the metadata).
	autoAccept := optionalBool(payload, "autoAccept")
	if !autoAccept && metadata != nil {
		autoAccept = optionalBool(metadata, "autoAccept")
	}

	return InviteIncoming{
		InviteID:         inviteID,
		CallerID:         callerID,
		CallerName:       callerName,
		CallerProfilePic: optionalString(payload, "callerProfilePic"),
		Metadata:         metadata,
		ExpiresAt:        expiresAt,
		CallHistoryID:    optionalString(payload, "callHistoryId"),
		AutoAccept:       autoAccept,
	}, nil
}

func parseCallStart(payload map[string]interface{}) (Content, error) {
	callID, err := requireString(payload, "callId")
	if err != nil {
		return nil, err
	}
	callerID, err := requireString(payload, "callerId")
	if err != nil {
		return nil, err
	}
	receiverID, err := requireString(payload, "receiverId")
	if err != nil {
		return nil, err
	}

	return CallStart{
		CallID:        callID,
		CallerID:      callerID,
		ReceiverID:    receiverID,
		Metadata:      optionalMetadata(payload),
		CallHistoryID: optionalString(payload, "callHistoryId"),
	}, nil
}

// The server expresses `expiresAt` either as milliseconds since the Unix epoch
// or as a textual timestamp (RFC 3339). Both must be parseable.
func ParseExpiresAt(raw interface{}) (time.Time, error) {
	switch value := raw.(type) {
	case float64:
		return time.UnixMilli(int64(value)), nil
	case int64:
		return time.UnixMilli(value), nil
	case int:
		return time.UnixMilli(int64(value)), nil
	case json.Number:
		millis, err := value.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("not a valid number: %q", value)
		}
		return time.UnixMilli(millis), nil
	case string:
		if t, err := time.Parse(time.RFC3339, value); err == nil {
			return t, nil
		}
		if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.UnixMilli(millis), nil
		}
		return time.Time{}, fmt.Errorf("not a timestamp: %q", value)
	case nil:
		return time.Time{}, fmt.Errorf("field is missing")
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", raw)
	}
}

func requireString(payload map[string]interface{}, key string) (string, error) {
	raw, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("missing required field %q", key)
	}

	value, ok := raw.(string)
	if !ok || value == "" {
		return "", fmt.Errorf("field %q is not a non-empty string", key)
	}

	return value, nil
}

func optionalString(payload map[string]interface{}, key string) string {
	value, _ := payload[key].(string)
	return value
}

func optionalBool(payload map[string]interface{}, key string) bool {
	value, _ := payload[key].(bool)
	return value
}

func optionalMetadata(payload map[string]interface{}) map[string]interface{} {
	metadata, _ := payload["metadata"].(map[string]interface{})
	return metadata
}
