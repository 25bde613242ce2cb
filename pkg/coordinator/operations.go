package coordinator

import (
	"errors"
	"time"

	"github.com/matrix-org/callflow/pkg/bus"
	"github.com/matrix-org/callflow/pkg/event"
	"github.com/matrix-org/callflow/pkg/state"
)

var (
	ErrEmptyReceiver = errors.New("receiver ID must not be empty")
	ErrBusy          = errors.New("an invitation or a call is already in progress")
)

// SendInvitation starts an outgoing invitation to the given peer. Waits for
// the signaling transport on the bounded retry schedule if it is not attached
// yet; fails (and leaves both atoms idle) if it never attaches. The invite ID
// stays empty until the server confirms with invite:success.
func (c *Coordinator) SendInvitation(receiverID string, metadata map[string]interface{}, receiverName string) error {
	if receiverID == "" {
		return ErrEmptyReceiver
	}

	c.mutex.Lock()
	invitation := c.store.CurrentInvitation()
	call := c.store.CurrentCall()
	if invitation.Status != state.InvitationIdle || call.Status != state.CallIdle {
		c.mutex.Unlock()
		return ErrBusy
	}

	ttl := c.config.inviteTTL()
	c.armInvitationTimerLocked(outgoingInviteID, ttl)
	c.mutex.Unlock()

	outgoing := state.Invitation{
		Role:           state.RoleSender,
		Status:         state.InvitationInviting,
		RemoteUserID:   receiverID,
		RemoteUserName: receiverName,
		ExpiresAt:      time.Now().Add(ttl),
		Metadata:       metadata,
	}

	if err := c.store.SetInvitation(outgoing); err != nil {
		c.mutex.Lock()
		c.cancelInvitationTimerLocked()
		c.mutex.Unlock()
		return err
	}
	c.publishInvitation("")

	err := c.binder.Bind()
	if err == nil {
		err = c.binder.Emit(event.Invite{
			ReceiverID:   receiverID,
			ReceiverName: receiverName,
			Metadata:     metadata,
		})
	}
	if err != nil {
		c.logger.WithError(err).Error("failed to send the invitation")

		c.mutex.Lock()
		c.cancelInvitationTimerLocked()
		c.mutex.Unlock()

		c.store.ResetInvitation()
		c.publishInvitation("error")
		c.bus.Publish(bus.InvitationError, InvitationFailure{Reason: err.Error()})
		return err
	}

	return nil
}

// AcceptInvitation accepts the incoming invitation with the given ID. Records
// the invitation as accepted (which shields the coming call from late
// invitation-lifecycle events) and moves the call atom to connecting; the call
// ID arrives later with call:start. Accepting an unknown or already accepted
// invitation is a no-op.
func (c *Coordinator) AcceptInvitation(inviteID string) {
	c.mutex.Lock()
	invitation := c.store.CurrentInvitation()
	if invitation.Status != state.InvitationIncoming || invitation.InviteID != inviteID {
		c.mutex.Unlock()
		c.logger.WithField("invite_id", inviteID).Warn("accept for an unknown invitation, ignoring")
		return
	}
	if _, accepted := c.acceptedInvites[inviteID]; accepted {
		c.mutex.Unlock()
		return
	}

	c.acceptedInvites[inviteID] = pendingCallID
	c.armConnectTimerLocked(inviteID)
	c.mutex.Unlock()

	connecting := state.ActiveCall{
		Status:         state.CallConnecting,
		Role:           state.RoleReceiver,
		RemoteUserID:   invitation.RemoteUserID,
		RemoteUserName: invitation.RemoteUserName,
		IsAudioEnabled: true,
		IsVideoEnabled: isVideo(invitation.Metadata),
		CallHistoryID:  invitation.CallHistoryID,
	}

	if err := c.store.SetActiveCall(connecting); err != nil {
		c.logger.WithError(err).Error("failed to move the call to connecting")

		c.mutex.Lock()
		delete(c.acceptedInvites, inviteID)
		c.cancelConnectTimerLocked()
		c.mutex.Unlock()
		return
	}
	c.publishCall()

	if err := c.binder.Emit(event.InviteAccept{InviteID: inviteID}); err != nil {
		// The connect timer cleans up if the acceptance never reaches the server.
		c.logger.WithError(err).Error("failed to emit the acceptance")
	}
}

// DeclineInvitation declines the incoming invitation with the given ID. If the
// call atom went to connecting due to a racing acceptance, it is reset too.
func (c *Coordinator) DeclineInvitation(inviteID string) {
	c.mutex.Lock()
	invitation := c.store.CurrentInvitation()
	if invitation.Status != state.InvitationIncoming || invitation.InviteID != inviteID {
		c.mutex.Unlock()
		c.logger.WithField("invite_id", inviteID).Warn("decline for an unknown invitation, ignoring")
		return
	}

	delete(c.acceptedInvites, inviteID)
	c.cancelInvitationTimerLocked()

	call := c.store.CurrentCall()
	resetCall := call.Status == state.CallConnecting && call.CallID == ""
	if resetCall {
		c.cancelConnectTimerLocked()
	}
	c.mutex.Unlock()

	if err := c.binder.Emit(event.InviteDecline{InviteID: inviteID}); err != nil {
		c.logger.WithError(err).Error("failed to emit the decline")
	}

	c.store.ResetInvitation()
	c.publishInvitation("")

	if resetCall {
		c.store.ResetActiveCall()
		c.publishCall()
	}
}

// CancelInvitation withdraws our own outgoing invitation. The invite ID may
// still be empty if the server has not confirmed the invitation yet; the
// cancellation is emitted anyway, the server rejects what it does not know.
func (c *Coordinator) CancelInvitation(inviteID string) {
	c.mutex.Lock()
	invitation := c.store.CurrentInvitation()
	matches := invitation.InviteID == inviteID || invitation.InviteID == ""
	if invitation.Status != state.InvitationInviting || !matches {
		c.mutex.Unlock()
		c.logger.WithField("invite_id", inviteID).Warn("cancel for an unknown invitation, ignoring")
		return
	}

	c.cancelInvitationTimerLocked()
	c.mutex.Unlock()

	if err := c.binder.Emit(event.InviteCancel{InviteID: inviteID}); err != nil {
		c.logger.WithError(err).Error("failed to emit the cancellation")
	}

	c.store.ResetInvitation()
	c.publishInvitation("")
}

// EndCall terminates the active call locally: informs the server, stops the
// media session, records the call history and resets the call atom.
func (c *Coordinator) EndCall(reason string) {
	c.mutex.Lock()
	call := c.store.CurrentCall()
	c.mutex.Unlock()

	if call.Status != state.CallConnecting && call.Status != state.CallConnected {
		c.logger.Warn("end call without an active call, ignoring")
		return
	}

	if call.CallID != "" {
		if err := c.binder.Emit(event.CallEndRequest{CallID: call.CallID, Reason: reason}); err != nil {
			c.logger.WithError(err).Error("failed to emit the call end")
		}
	}

	c.finishCall(call, reason)
}

func isVideo(metadata map[string]interface{}) bool {
	value, _ := metadata["isVideo"].(bool)
	return value
}
