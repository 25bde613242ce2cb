package media

import (
	"sync"
	"time"
)

// liveness watches a remote track for inactivity: if the track is not petted
// for `timeout`, `onStall` fires exactly once and the watcher retires.
type liveness struct {
	packets chan struct{}
	mutex   sync.Mutex
	closed  bool
}

func startLiveness(timeout time.Duration, onStall func()) *liveness {
	l := &liveness{packets: make(chan struct{}, 1)}

	go func() {
		for {
			select {
			case _, ok := <-l.packets:
				if !ok {
					return
				}
			case <-time.After(timeout):
				onStall()
				return
			}
		}
	}()

	return l
}

// Pet informs the watcher that a packet has been received. Returns false if
// the watcher is already stopped.
func (l *liveness) Pet() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return false
	}

	// Coalesce: a pending pet is as good as many.
	select {
	case l.packets <- struct{}{}:
	default:
	}

	return true
}

// Stop retires the watcher unless already stopped.
func (l *liveness) Stop() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.closed {
		close(l.packets)
		l.closed = true
	}
}
