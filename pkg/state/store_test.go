package state_test

import (
	"testing"
	"time"

	"github.com/matrix-org/callflow/pkg/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_InitialSnapshots(t *testing.T) {
	s := state.NewStore()

	invitation := s.CurrentInvitation()
	assert.Equal(t, state.InvitationIdle, invitation.Status)
	assert.Equal(t, state.RoleNone, invitation.Role)
	assert.Empty(t, invitation.InviteID)

	call := s.CurrentCall()
	assert.Equal(t, state.CallIdle, call.Status)
	assert.Empty(t, call.CallID)
}

func TestStore_InvitationLifecycle(t *testing.T) {
	s := state.NewStore()

	require.NoError(t, s.SetInvitation(state.Invitation{
		Status:         state.InvitationInviting,
		Role:           state.RoleSender,
		RemoteUserID:   "U2",
		RemoteUserName: "Bob",
		ExpiresAt:      time.Now().Add(30 * time.Second),
	}))
	assert.Equal(t, state.InvitationInviting, s.CurrentInvitation().Status)

	// inviting -> incoming is never legal.
	err := s.SetInvitation(state.Invitation{Status: state.InvitationIncoming, Role: state.RoleReceiver})
	assert.Error(t, err)

	s.ResetInvitation()
	invitation := s.CurrentInvitation()
	assert.Equal(t, state.InvitationIdle, invitation.Status)
	assert.Empty(t, invitation.RemoteUserID, "reset must clear remote user info")
	assert.Empty(t, invitation.RemoteUserName)
	assert.True(t, invitation.ExpiresAt.IsZero())

	// After a reset the atom accepts the receiver path again.
	require.NoError(t, s.SetInvitation(state.Invitation{Status: state.InvitationIncoming, Role: state.RoleReceiver}))
}

func TestStore_CallLifecycle(t *testing.T) {
	s := state.NewStore()

	// idle -> connected without connecting is rejected.
	assert.Error(t, s.SetActiveCall(state.ActiveCall{Status: state.CallConnected, CallID: "c1"}))

	require.NoError(t, s.SetActiveCall(state.ActiveCall{Status: state.CallConnecting, CallID: "c1"}))
	require.NoError(t, s.SetActiveCall(state.ActiveCall{Status: state.CallConnected, CallID: "c1"}))
	require.NoError(t, s.SetActiveCall(state.ActiveCall{Status: state.CallEnded, CallID: "c1"}))

	s.ResetActiveCall()
	assert.Equal(t, state.CallIdle, s.CurrentCall().Status)
	assert.Empty(t, s.CurrentCall().CallID)
}

func TestStore_PatchKeepsStatus(t *testing.T) {
	s := state.NewStore()
	require.NoError(t, s.SetInvitation(state.Invitation{Status: state.InvitationInviting, Role: state.RoleSender}))

	require.NoError(t, s.PatchInvitation(func(invitation *state.Invitation) {
		invitation.InviteID = "i1"
	}))
	assert.Equal(t, "i1", s.CurrentInvitation().InviteID)

	err := s.PatchInvitation(func(invitation *state.Invitation) {
		invitation.Status = state.InvitationIdle
	})
	assert.Error(t, err)
}

func TestStore_SubscriberSeesCurrentValueOnSubscription(t *testing.T) {
	s := state.NewStore()
	require.NoError(t, s.SetActiveCall(state.ActiveCall{Status: state.CallConnecting, CallID: "c1"}))

	var observed []state.CallStatus
	unsubscribe := s.SubscribeActiveCall(func(call state.ActiveCall) {
		observed = append(observed, call.Status)
	})
	defer unsubscribe()

	require.NoError(t, s.SetActiveCall(state.ActiveCall{Status: state.CallConnected, CallID: "c1"}))

	require.Len(t, observed, 2)
	assert.Equal(t, state.CallConnecting, observed[0])
	assert.Equal(t, state.CallConnected, observed[1])
}

func TestStore_UnsubscribeStopsNotifications(t *testing.T) {
	s := state.NewStore()

	count := 0
	unsubscribe := s.SubscribeInvitation(func(state.Invitation) { count++ })
	require.Equal(t, 1, count) // initial snapshot

	unsubscribe()
	require.NoError(t, s.SetInvitation(state.Invitation{Status: state.InvitationInviting, Role: state.RoleSender}))
	assert.Equal(t, 1, count)
}

func TestStore_ReentrantSubscriber(t *testing.T) {
	s := state.NewStore()

	// A subscriber may call back into the store synchronously. The UI does this:
	// it reacts to `incoming` by accepting, which mutates the call atom.
	s.SubscribeInvitation(func(invitation state.Invitation) {
		if invitation.Status == state.InvitationIncoming {
			require.NoError(t, s.SetActiveCall(state.ActiveCall{Status: state.CallConnecting}))
		}
	})

	require.NoError(t, s.SetInvitation(state.Invitation{Status: state.InvitationIncoming, Role: state.RoleReceiver}))
	assert.Equal(t, state.CallConnecting, s.CurrentCall().Status)
}

func TestStore_MetadataSnapshotsAreIsolated(t *testing.T) {
	s := state.NewStore()
	require.NoError(t, s.SetInvitation(state.Invitation{
		Status:   state.InvitationInviting,
		Role:     state.RoleSender,
		Metadata: map[string]interface{}{"isVideo": true},
	}))

	snapshot := s.CurrentInvitation()
	snapshot.Metadata["isVideo"] = false

	assert.Equal(t, true, s.CurrentInvitation().Metadata["isVideo"])
}

func TestStore_CallDuration(t *testing.T) {
	started := time.Now()
	call := state.ActiveCall{Status: state.CallConnected, CallStartTime: started}
	assert.Equal(t, 10*time.Second, call.Duration(started.Add(10*time.Second)))

	idle := state.ActiveCall{}
	assert.Zero(t, idle.Duration(started))
}
