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

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/callflow/pkg/bus"
	"github.com/matrix-org/callflow/pkg/channel"
	"github.com/matrix-org/callflow/pkg/event"
	"github.com/matrix-org/callflow/pkg/history"
	"github.com/matrix-org/callflow/pkg/media"
	"github.com/matrix-org/callflow/pkg/state"
	"github.com/matrix-org/callflow/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// A client-side timer fired for an invitation that never left its pending state.
type invitationTimedOut struct {
	inviteID string
}

// The connect watchdog fired: media did not report connected in time.
type connectTimedOut struct {
	id string
}

var errConnectTimedOut = errors.New("media did not connect in time")

// Listen on messages from the incoming channels and process them.
// This is essentially the main loop of the coordinator.
func (c *Coordinator) processMessages() {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.events:
			c.processMessage(message)
		}
	}
}

func (c *Coordinator) processMessage(message channel.Message[channel.Source, interface{}]) {
	// Since Go does not support ADTs, we have to use a switch statement to
	// determine the actual type of the message.
	switch content := message.Content.(type) {
	case event.InviteIncoming:
		c.handleInviteIncoming(content)
	case event.InviteSuccess:
		c.handleInviteSuccess(content)
	case event.InviteError:
		c.handleInviteError(content)
	case event.InviteDeclined:
		c.handleInviteDeclined(content)
	case event.InviteCancelled:
		c.handleInviteInterrupted(content.InviteID, "cancelled")
	case event.InviteExpired:
		c.handleInviteInterrupted(content.InviteID, "expired")
	case event.CallStart:
		c.handleCallStart(content)
	case event.CallEnd:
		c.handleCallEnd(content)
	case media.Connected:
		c.handleMediaConnected(content)
	case media.Disconnected:
		c.handleMediaDisconnected(content)
	case invitationTimedOut:
		c.handleInvitationTimeout(content)
	case connectTimedOut:
		c.handleConnectTimeout(content)
	default:
		c.logger.Errorf("Unknown message type: %T", content)
	}
}

// A peer invited us. Duplicate deliveries (e.g. the push facade raced the
// signaling channel) are recognized by the invite ID and ignored.
func (c *Coordinator) handleInviteIncoming(incoming event.InviteIncoming) {
	logger := c.logger.WithField("invite_id", incoming.InviteID)

	c.mutex.Lock()
	if _, accepted := c.acceptedInvites[incoming.InviteID]; accepted {
		c.mutex.Unlock()
		logger.Debug("duplicate invitation for an accepted invite, ignoring")
		return
	}

	invitation := c.store.CurrentInvitation()
	if invitation.Status != state.InvitationIdle {
		c.mutex.Unlock()
		if invitation.InviteID == incoming.InviteID {
			logger.Debug("duplicate invitation, ignoring")
		} else {
			logger.Warn("busy with another invitation, dropping the incoming one")
		}
		return
	}

	if call := c.store.CurrentCall(); call.Status != state.CallIdle {
		c.mutex.Unlock()
		logger.Warn("already in a call, dropping the incoming invitation")
		return
	}

	ttl := time.Until(incoming.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	c.armInvitationTimerLocked(incoming.InviteID, ttl)
	c.mutex.Unlock()

	ringing := state.Invitation{
		InviteID:             incoming.InviteID,
		Role:                 state.RoleReceiver,
		Status:               state.InvitationIncoming,
		RemoteUserID:         incoming.CallerID,
		RemoteUserName:       incoming.CallerName,
		RemoteUserProfilePic: incoming.CallerProfilePic,
		ExpiresAt:            incoming.ExpiresAt,
		Metadata:             incoming.Metadata,
		CallHistoryID:        incoming.CallHistoryID,
	}

	if err := c.store.SetInvitation(ringing); err != nil {
		logger.WithError(err).Error("failed to ring the invitation")

		c.mutex.Lock()
		c.cancelInvitationTimerLocked()
		c.mutex.Unlock()
		return
	}
	c.publishInvitation("")

	// The match flow pre-agrees the call on both sides: no prompting.
	if incoming.AutoAccept {
		c.AcceptInvitation(incoming.InviteID)
	}
}

// The server confirmed our outgoing invitation and assigned it an ID.
func (c *Coordinator) handleInviteSuccess(success event.InviteSuccess) {
	c.mutex.Lock()
	invitation := c.store.CurrentInvitation()
	c.mutex.Unlock()

	if invitation.Status != state.InvitationInviting {
		c.logger.WithField("invite_id", success.InviteID).Debug("stray invite:success, ignoring")
		return
	}

	if invitation.InviteID != "" && invitation.InviteID != success.InviteID {
		c.logger.WithField("invite_id", success.InviteID).Warn("invite:success for a different invitation, ignoring")
		return
	}

	err := c.store.PatchInvitation(func(invitation *state.Invitation) {
		invitation.InviteID = success.InviteID
		if invitation.CallHistoryID == "" {
			invitation.CallHistoryID = success.CallHistoryID
		}
	})
	if err != nil {
		c.logger.WithError(err).Error("failed to bind the invite ID")
		return
	}

	c.publishInvitation("")
}

// The server rejected our outgoing invitation.
func (c *Coordinator) handleInviteError(failure event.InviteError) {
	c.mutex.Lock()
	invitation := c.store.CurrentInvitation()
	if invitation.Status != state.InvitationInviting {
		c.mutex.Unlock()
		c.logger.Debug("stray invite:error, ignoring")
		return
	}

	c.cancelInvitationTimerLocked()
	c.mutex.Unlock()

	c.store.ResetInvitation()
	c.publishInvitation("error")
	c.bus.Publish(bus.InvitationError, InvitationFailure{Reason: failure.Reason})
}

// The receiver declined our invitation. The decline beats a racing acceptance:
// if the call atom went to connecting but no call ID was bound yet, the call
// atom is reset too.
func (c *Coordinator) handleInviteDeclined(declined event.InviteDeclined) {
	c.mutex.Lock()
	delete(c.acceptedInvites, declined.InviteID)

	invitation := c.store.CurrentInvitation()
	matches := invitation.Status != state.InvitationIdle &&
		(invitation.InviteID == declined.InviteID || invitation.InviteID == "")

	call := c.store.CurrentCall()
	resetCall := call.Status == state.CallConnecting && call.CallID == ""

	if !matches && !resetCall {
		c.mutex.Unlock()
		c.logger.WithField("invite_id", declined.InviteID).Debug("stray invite:declined, ignoring")
		return
	}

	if matches {
		c.cancelInvitationTimerLocked()
	}
	if resetCall {
		c.cancelConnectTimerLocked()
	}
	c.mutex.Unlock()

	if matches {
		c.store.ResetInvitation()
	}
	if resetCall {
		c.store.ResetActiveCall()
		c.publishCall()
	}

	c.publishInvitation("declined")
}

// The invitation expired or its sender cancelled it. An accepted invitation is
// shielded: once a call is connecting or connected on its behalf, the event
// must not tear the call down.
func (c *Coordinator) handleInviteInterrupted(inviteID string, reason string) {
	logger := c.logger.WithField("invite_id", inviteID)

	c.mutex.Lock()
	_, accepted := c.acceptedInvites[inviteID]
	call := c.store.CurrentCall()
	callLive := call.Status == state.CallConnecting || call.Status == state.CallConnected

	invitation := c.store.CurrentInvitation()

	if accepted && callLive {
		// The expired invitation is no longer relevant to the live call; the
		// cancelled one stays mapped in case the expiration is still to come.
		if reason == "expired" {
			delete(c.acceptedInvites, inviteID)
		}

		dropInvitation := invitation.Status != state.InvitationIdle && invitation.InviteID == inviteID
		if dropInvitation {
			c.cancelInvitationTimerLocked()
		}
		c.mutex.Unlock()

		if dropInvitation {
			c.store.ResetInvitation()
			c.publishInvitation(reason)
		}

		logger.WithField("reason", reason).Debug("invitation interrupted after acceptance, call unaffected")
		return
	}

	delete(c.acceptedInvites, inviteID)

	dropInvitation := invitation.Status != state.InvitationIdle &&
		(invitation.InviteID == inviteID || invitation.InviteID == "")
	// The acceptance never produced a call:start, so the connecting shell
	// would otherwise linger until the connect watchdog fires.
	dropCall := call.Status == state.CallConnecting && call.CallID == ""

	if dropInvitation {
		c.cancelInvitationTimerLocked()
	}
	if dropCall {
		c.cancelConnectTimerLocked()
	}
	c.mutex.Unlock()

	if dropInvitation {
		c.store.ResetInvitation()
		c.publishInvitation(reason)
	}
	if dropCall {
		c.store.ResetActiveCall()
		c.publishCall()
	}
}

// The server created the call session. Processed exactly once per call ID:
// retransmissions are suppressed. The invitation (if any) is subsumed by the
// call; the call stays connecting until the media session reports connected.
func (c *Coordinator) handleCallStart(start event.CallStart) {
	logger := c.logger.WithField("call_id", start.CallID)

	c.mutex.Lock()
	if _, handled := c.handledCalls[start.CallID]; handled {
		c.mutex.Unlock()
		logger.Debug("duplicate call:start, ignoring")
		return
	}

	var role state.Role
	var remoteID string
	switch c.config.UserID {
	case start.CallerID:
		role, remoteID = state.RoleSender, start.ReceiverID
	case start.ReceiverID:
		role, remoteID = state.RoleReceiver, start.CallerID
	default:
		c.mutex.Unlock()
		logger.Error("call:start for a call we are not part of, dropping")
		return
	}

	call := c.store.CurrentCall()
	accepting := call.Status == state.CallConnecting && call.CallID == ""
	if call.Status != state.CallIdle && !accepting {
		c.mutex.Unlock()
		logger.Error("call:start while another call is active, dropping")
		return
	}

	c.handledCalls[start.CallID] = struct{}{}

	// Bind the accepted invitation to its call: from now on the invitation's
	// expiration or cancellation must not touch this call.
	invitation := c.store.CurrentInvitation()
	if invitation.InviteID != "" {
		if _, accepted := c.acceptedInvites[invitation.InviteID]; accepted {
			c.acceptedInvites[invitation.InviteID] = start.CallID
		}
	}

	c.cancelInvitationTimerLocked()
	c.armConnectTimerLocked(start.CallID)

	c.callSpan = telemetry.NewTelemetry(
		context.Background(),
		"call",
		attribute.String("call_id", start.CallID),
		attribute.String("role", string(role)),
	)
	c.mutex.Unlock()

	if accepting {
		err := c.store.PatchActiveCall(func(call *state.ActiveCall) {
			call.CallID = start.CallID
			if call.CallHistoryID == "" {
				call.CallHistoryID = start.CallHistoryID
			}
		})
		if err != nil {
			logger.WithError(err).Error("failed to bind the call ID")
		}
	} else {
		remoteName := ""
		if invitation.RemoteUserID == remoteID {
			remoteName = invitation.RemoteUserName
		}

		metadata := start.Metadata
		if metadata == nil {
			metadata = invitation.Metadata
		}

		historyID := start.CallHistoryID
		if historyID == "" {
			historyID = invitation.CallHistoryID
		}

		connecting := state.ActiveCall{
			Status:         state.CallConnecting,
			CallID:         start.CallID,
			Role:           role,
			RemoteUserID:   remoteID,
			RemoteUserName: remoteName,
			IsAudioEnabled: true,
			IsVideoEnabled: isVideo(metadata),
			CallHistoryID:  historyID,
		}

		if err := c.store.SetActiveCall(connecting); err != nil {
			logger.WithError(err).Error("failed to move the call to connecting")
		}
	}
	c.publishCall()

	if invitation.Status != state.InvitationIdle {
		c.store.ResetInvitation()
		c.publishInvitation("")
	}

	current := c.store.CurrentCall()
	c.session.SyncState(media.Snapshot{
		CallID:         start.CallID,
		Role:           string(role),
		RemoteUserID:   remoteID,
		IsVideoEnabled: current.IsVideoEnabled,
	})
}

// The server terminated the call session.
func (c *Coordinator) handleCallEnd(end event.CallEnd) {
	c.mutex.Lock()
	call := c.store.CurrentCall()
	c.mutex.Unlock()

	live := call.Status == state.CallConnecting || call.Status == state.CallConnected
	if !live || call.CallID != end.CallID {
		c.logger.WithField("call_id", end.CallID).Debug("stray call:end, ignoring")
		return
	}

	c.finishCall(call, end.Reason)
}

// The media session negotiated successfully: promote the call to connected and
// tell the UI to navigate to the call screen.
func (c *Coordinator) handleMediaConnected(connected media.Connected) {
	c.mutex.Lock()
	call := c.store.CurrentCall()
	if call.Status != state.CallConnecting || call.CallID != connected.CallID {
		c.mutex.Unlock()
		c.logger.WithField("call_id", connected.CallID).Debug("late media connected, ignoring")
		return
	}

	c.cancelConnectTimerLocked()
	span := c.callSpan
	c.mutex.Unlock()

	if span != nil {
		span.AddEvent("media connected")
	}

	established := call
	established.Status = state.CallConnected
	established.CallStartTime = time.Now()

	if err := c.store.SetActiveCall(established); err != nil {
		c.logger.WithError(err).Error("failed to promote the call to connected")
		return
	}

	c.publishCall()
	c.bus.Publish(bus.WebRTCConnected, MediaConnected{CallID: connected.CallID})
	c.bus.Publish(bus.NavigateToCallScreen, c.store.CurrentCall())
}

// The media session lost its transport. The call cannot survive that.
func (c *Coordinator) handleMediaDisconnected(disconnected media.Disconnected) {
	c.mutex.Lock()
	call := c.store.CurrentCall()
	c.mutex.Unlock()

	live := call.Status == state.CallConnecting || call.Status == state.CallConnected
	if !live || call.CallID != disconnected.CallID {
		c.logger.WithField("call_id", disconnected.CallID).Debug("stray media disconnect, ignoring")
		return
	}

	if err := c.binder.Emit(event.CallEndRequest{CallID: call.CallID, Reason: disconnected.Reason}); err != nil {
		c.logger.WithError(err).Error("failed to emit the call end")
	}

	c.mutex.Lock()
	span := c.callSpan
	c.mutex.Unlock()
	if span != nil {
		span.Fail(fmt.Errorf("media transport lost: %s", disconnected.Reason))
	}

	c.finishCall(call, disconnected.Reason)
}

// The client-side invitation timer fired: the invitation never transitioned,
// so cancel or decline it locally. The server will independently expire it.
func (c *Coordinator) handleInvitationTimeout(timeout invitationTimedOut) {
	c.mutex.Lock()
	invitation := c.store.CurrentInvitation()

	stale := timeout.inviteID != outgoingInviteID && invitation.InviteID != timeout.inviteID
	if invitation.Status == state.InvitationIdle || stale {
		c.mutex.Unlock()
		return
	}

	if _, accepted := c.acceptedInvites[invitation.InviteID]; accepted {
		// The acceptance is in flight; the connect watchdog owns the cleanup.
		c.mutex.Unlock()
		return
	}

	c.invitationTimer = nil
	c.mutex.Unlock()

	c.logger.WithField("invite_id", invitation.InviteID).Info("invitation timed out")

	var outbound event.Outbound
	switch invitation.Status {
	case state.InvitationInviting:
		outbound = event.InviteCancel{InviteID: invitation.InviteID}
	case state.InvitationIncoming:
		outbound = event.InviteDecline{InviteID: invitation.InviteID}
	}

	if outbound != nil {
		if err := c.binder.Emit(outbound); err != nil {
			c.logger.WithError(err).Error("failed to emit the timeout cleanup")
		}
	}

	c.store.ResetInvitation()
	c.publishInvitation("timeout")
}

// The connect watchdog fired: media never reported connected.
func (c *Coordinator) handleConnectTimeout(connectTimedOut) {
	c.mutex.Lock()
	call := c.store.CurrentCall()
	if call.Status != state.CallConnecting {
		c.mutex.Unlock()
		return
	}
	c.connectTimer = nil
	span := c.callSpan
	c.mutex.Unlock()

	c.logger.WithField("call_id", call.CallID).Warn("media did not connect in time, dropping the call")

	if span != nil {
		span.Fail(errConnectTimedOut)
	}

	if call.CallID != "" {
		if err := c.binder.Emit(event.CallEndRequest{CallID: call.CallID, Reason: "connect-timeout"}); err != nil {
			c.logger.WithError(err).Error("failed to emit the call end")
		}
	}

	c.finishCall(call, "connect-timeout")
}

// Tears the given call down: stops the timers and the media session, walks the
// call atom through ended back to idle and records the history exactly once.
func (c *Coordinator) finishCall(call state.ActiveCall, reason string) {
	c.mutex.Lock()
	c.cancelConnectTimerLocked()

	// The accepted-invitation entries bound to this call are now history.
	for inviteID, callID := range c.acceptedInvites {
		if callID == call.CallID || callID == pendingCallID {
			delete(c.acceptedInvites, inviteID)
		}
	}

	span := c.callSpan
	c.callSpan = nil
	c.mutex.Unlock()

	if span != nil {
		span.AddEvent("call ended", attribute.String("reason", reason))
		span.End()
	}

	c.session.Close()

	ended := call
	ended.Status = state.CallEnded
	if err := c.store.SetActiveCall(ended); err != nil {
		c.logger.WithError(err).Error("failed to move the call to ended")
	} else {
		c.publishCall()
	}

	if call.CallID != "" && c.recorder != nil {
		record := history.Record{
			CallID:         call.CallID,
			CallHistoryID:  call.CallHistoryID,
			RemoteUserID:   call.RemoteUserID,
			RemoteUserName: call.RemoteUserName,
			StartedAt:      call.CallStartTime,
			Duration:       call.Duration(time.Now()),
			EndReason:      reason,
		}
		if err := c.recorder.RecordCall(context.Background(), record); err != nil {
			c.logger.WithError(err).Error("failed to record the call history")
		}
	}

	c.store.ResetActiveCall()
	c.publishCall()
}
