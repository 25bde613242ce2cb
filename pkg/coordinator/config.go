package coordinator

import (
	"time"

	"github.com/matrix-org/callflow/pkg/signaling"
)

// Client-side timeouts. The server remains authoritative for the invitation
// TTL; the client mirror exists so that a dead transport cannot leave an
// invitation ringing forever.
const (
	DefaultInviteTTL      = 30 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// Coordinator configuration. The zero value of a timeout means its default.
type Config struct {
	// The Matrix ID (MXID) of the user on whose behalf the calls are made.
	UserID string
	// Client-side mirror of the server's invitation TTL.
	InviteTTL time.Duration
	// How long a call may stay in connecting before it is dropped.
	ConnectTimeout time.Duration
	// Listener attachment retry schedule.
	Binder signaling.BinderConfig
}

func (c Config) inviteTTL() time.Duration {
	if c.InviteTTL <= 0 {
		return DefaultInviteTTL
	}
	return c.InviteTTL
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}
