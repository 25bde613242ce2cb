package timer

import (
	"sync"
	"time"
)

// Atom names the state atom a timer belongs to. Timers are keyed by the
// combination of the atom and the opaque server-assigned identifier, so an
// invitation timer for an ID never collides with a call timer for the same ID.
type Atom string

const (
	AtomInvitation Atom = "invitation"
	AtomCall       Atom = "call"
)

type Key struct {
	Atom Atom
	ID   string
}

// Service owns single-shot timers keyed by `(atom, id)`. Firing is idempotent:
// a cancelled timer never fires and a timer fired once is inert. Re-arming an
// existing key replaces the previous timer. The coordinator is the sole caller,
// so there is no contention beyond the internal bookkeeping mutex.
type Service struct {
	mutex  sync.Mutex
	armed  map[Key]*armedTimer
	closed bool
}

type armedTimer struct {
	timer   *time.Timer
	stopped chan struct{}
}

func NewService() *Service {
	return &Service{armed: make(map[Key]*armedTimer)}
}

// Arm starts a single-shot timer for the given key. `onFire` runs on the
// timer's own goroutine once the duration elapses, unless the key is cancelled
// or re-armed first.
func (s *Service) Arm(key Key, d time.Duration, onFire func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return
	}

	// Re-arming replaces the previous timer for this key.
	if previous, ok := s.armed[key]; ok {
		previous.stop()
	}

	armed := &armedTimer{stopped: make(chan struct{})}
	armed.timer = time.AfterFunc(d, func() {
		// A cancelled timer never fires: the stop channel wins the race.
		select {
		case <-armed.stopped:
			return
		default:
		}

		s.mutex.Lock()
		// Only remove the entry if it is still ours: the key may have been
		// re-armed between the fire and acquiring the mutex.
		if current, ok := s.armed[key]; ok && current == armed {
			delete(s.armed, key)
		} else {
			s.mutex.Unlock()
			return
		}
		s.mutex.Unlock()

		onFire()
	})

	s.armed[key] = armed
}

// Cancel stops the timer for the given key, if any. Cancelling an unknown or
// already fired key is a no-op.
func (s *Service) Cancel(key Key) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if armed, ok := s.armed[key]; ok {
		armed.stop()
		delete(s.armed, key)
	}
}

// CancelAll stops every outstanding timer. Used on coordinator shutdown.
func (s *Service) CancelAll() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for key, armed := range s.armed {
		armed.stop()
		delete(s.armed, key)
	}
}

// Close cancels all timers and rejects any further arming.
func (s *Service) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	for key, armed := range s.armed {
		armed.stop()
		delete(s.armed, key)
	}
}

// Armed reports whether a timer is currently pending for the key.
func (s *Service) Armed(key Key) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, ok := s.armed[key]
	return ok
}

func (a *armedTimer) stop() {
	select {
	case <-a.stopped:
		// Already stopped.
	default:
		close(a.stopped)
	}
	a.timer.Stop()
}
