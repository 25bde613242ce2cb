package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
)

// Store holds the two observable state atoms of the call flow: the Invitation
// and the ActiveCall. The two atoms are disjoint and independently subscribable.
// Every mutation is validated against the legal lifecycle of the atom and then
// broadcast to the subscribers of that atom, synchronously, in the order the
// mutations were issued. The store carries no business logic: deciding *whether*
// to transition is the coordinator's job, the store only rejects transitions
// that no execution may ever take.
type Store struct {
	mutex sync.Mutex

	invitation    Invitation
	invitationFSM *fsm.FSM

	call    ActiveCall
	callFSM *fsm.FSM

	subscriberID    uint64
	invitationSubs  []subscriber[Invitation]
	callSubscribers []subscriber[ActiveCall]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Lifecycle events of the invitation atom.
const (
	invitationEventInvite = "invite"
	invitationEventRing   = "ring"
)

// Lifecycle events of the call atom.
const (
	callEventConnect   = "connect"
	callEventEstablish = "establish"
	callEventEnd       = "end"
)

func NewStore() *Store {
	return &Store{
		invitation: emptyInvitation(),
		call:       emptyActiveCall(),
		invitationFSM: fsm.NewFSM(
			string(InvitationIdle),
			fsm.Events{
				{Name: invitationEventInvite, Src: []string{string(InvitationIdle)}, Dst: string(InvitationInviting)},
				{Name: invitationEventRing, Src: []string{string(InvitationIdle)}, Dst: string(InvitationIncoming)},
			}, nil,
		),
		callFSM: fsm.NewFSM(
			string(CallIdle),
			fsm.Events{
				{Name: callEventConnect, Src: []string{string(CallIdle)}, Dst: string(CallConnecting)},
				{Name: callEventEstablish, Src: []string{string(CallConnecting)}, Dst: string(CallConnected)},
				{Name: callEventEnd, Src: []string{string(CallConnecting), string(CallConnected)}, Dst: string(CallEnded)},
			}, nil,
		),
	}
}

// CurrentInvitation returns a snapshot of the invitation atom.
func (s *Store) CurrentInvitation() Invitation {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.invitation.clone()
}

// CurrentCall returns a snapshot of the call atom.
func (s *Store) CurrentCall() ActiveCall {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.call
}

// SetInvitation replaces the invitation atom with the given value, validating
// the lifecycle transition implied by the status change.
func (s *Store) SetInvitation(invitation Invitation) error {
	s.mutex.Lock()

	if invitation.Status != s.invitation.Status {
		var lifecycleEvent string
		switch invitation.Status {
		case InvitationInviting:
			lifecycleEvent = invitationEventInvite
		case InvitationIncoming:
			lifecycleEvent = invitationEventRing
		default:
			s.mutex.Unlock()
			return fmt.Errorf("invitation must be reset, not set, to reach %q", invitation.Status)
		}

		if err := s.invitationFSM.Event(context.Background(), lifecycleEvent); err != nil {
			s.mutex.Unlock()
			return fmt.Errorf("invalid invitation transition %s -> %s: %w", s.invitation.Status, invitation.Status, err)
		}
	}

	s.invitation = invitation.clone()
	snapshot := s.invitation.clone()
	subscribers := append([]subscriber[Invitation](nil), s.invitationSubs...)
	s.mutex.Unlock()

	notify(subscribers, snapshot)
	return nil
}

// PatchInvitation applies an in-place update that must not change the status
// (e.g. binding the server-assigned invite ID once confirmed).
func (s *Store) PatchInvitation(patch func(*Invitation)) error {
	s.mutex.Lock()

	updated := s.invitation.clone()
	patch(&updated)
	if updated.Status != s.invitation.Status {
		s.mutex.Unlock()
		return fmt.Errorf("patch must not change invitation status (use SetInvitation)")
	}

	s.invitation = updated
	snapshot := s.invitation.clone()
	subscribers := append([]subscriber[Invitation](nil), s.invitationSubs...)
	s.mutex.Unlock()

	notify(subscribers, snapshot)
	return nil
}

// ResetInvitation clears every field of the invitation atom back to its initial
// value. Resetting is legal from any state.
func (s *Store) ResetInvitation() {
	s.mutex.Lock()
	s.invitation = emptyInvitation()
	s.invitationFSM.SetState(string(InvitationIdle))
	snapshot := s.invitation.clone()
	subscribers := append([]subscriber[Invitation](nil), s.invitationSubs...)
	s.mutex.Unlock()

	notify(subscribers, snapshot)
}

// SetActiveCall replaces the call atom with the given value, validating the
// lifecycle transition implied by the status change.
func (s *Store) SetActiveCall(call ActiveCall) error {
	s.mutex.Lock()

	if call.Status != s.call.Status {
		var lifecycleEvent string
		switch call.Status {
		case CallConnecting:
			lifecycleEvent = callEventConnect
		case CallConnected:
			lifecycleEvent = callEventEstablish
		case CallEnded:
			lifecycleEvent = callEventEnd
		default:
			s.mutex.Unlock()
			return fmt.Errorf("call must be reset, not set, to reach %q", call.Status)
		}

		if err := s.callFSM.Event(context.Background(), lifecycleEvent); err != nil {
			s.mutex.Unlock()
			return fmt.Errorf("invalid call transition %s -> %s: %w", s.call.Status, call.Status, err)
		}
	}

	s.call = call
	snapshot := s.call
	subscribers := append([]subscriber[ActiveCall](nil), s.callSubscribers...)
	s.mutex.Unlock()

	notify(subscribers, snapshot)
	return nil
}

// PatchActiveCall applies an in-place update that must not change the status.
func (s *Store) PatchActiveCall(patch func(*ActiveCall)) error {
	s.mutex.Lock()

	updated := s.call
	patch(&updated)
	if updated.Status != s.call.Status {
		s.mutex.Unlock()
		return fmt.Errorf("patch must not change call status (use SetActiveCall)")
	}

	s.call = updated
	snapshot := s.call
	subscribers := append([]subscriber[ActiveCall](nil), s.callSubscribers...)
	s.mutex.Unlock()

	notify(subscribers, snapshot)
	return nil
}

// ResetActiveCall clears every field of the call atom back to its initial value.
func (s *Store) ResetActiveCall() {
	s.mutex.Lock()
	s.call = emptyActiveCall()
	s.callFSM.SetState(string(CallIdle))
	snapshot := s.call
	subscribers := append([]subscriber[ActiveCall](nil), s.callSubscribers...)
	s.mutex.Unlock()

	notify(subscribers, snapshot)
}

// SubscribeInvitation registers a listener for invitation changes. The listener
// immediately observes the current snapshot and then every subsequent change.
// The returned function unsubscribes.
func (s *Store) SubscribeInvitation(fn func(Invitation)) func() {
	s.mutex.Lock()
	s.subscriberID++
	id := s.subscriberID
	s.invitationSubs = append(s.invitationSubs, subscriber[Invitation]{id, fn})
	snapshot := s.invitation.clone()
	s.mutex.Unlock()

	fn(snapshot)

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.invitationSubs = removeSubscriber(s.invitationSubs, id)
	}
}

// SubscribeActiveCall registers a listener for call changes, with the same
// semantics as SubscribeInvitation.
func (s *Store) SubscribeActiveCall(fn func(ActiveCall)) func() {
	s.mutex.Lock()
	s.subscriberID++
	id := s.subscriberID
	s.callSubscribers = append(s.callSubscribers, subscriber[ActiveCall]{id, fn})
	snapshot := s.call
	s.mutex.Unlock()

	fn(snapshot)

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.callSubscribers = removeSubscriber(s.callSubscribers, id)
	}
}

// Listeners run outside of the store mutex: a listener is allowed to call back
// into the store (and into the coordinator) synchronously.
func notify[T any](subscribers []subscriber[T], snapshot T) {
	for _, subscriber := range subscribers {
		subscriber.fn(snapshot)
	}
}

func removeSubscriber[T any](subscribers []subscriber[T], id uint64) []subscriber[T] {
	remaining := subscribers[:0]
	for _, subscriber := range subscribers {
		if subscriber.id != id {
			remaining = append(remaining, subscriber)
		}
	}
	return remaining
}
