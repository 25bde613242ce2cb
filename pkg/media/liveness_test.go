package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveness_FiresOnStall(t *testing.T) {
	fired := make(chan struct{})
	startLiveness(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watcher did not fire")
	}
}

func TestLiveness_PetDefersFiring(t *testing.T) {
	fired := make(chan struct{}, 1)
	watcher := startLiveness(50*time.Millisecond, func() { fired <- struct{}{} })
	defer watcher.Stop()

	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		require.True(t, watcher.Pet())
	}

	select {
	case <-fired:
		t.Fatal("watcher fired despite being petted")
	default:
	}
}

func TestLiveness_StopPreventsFiring(t *testing.T) {
	fired := make(chan struct{}, 1)
	watcher := startLiveness(20*time.Millisecond, func() { fired <- struct{}{} })

	watcher.Stop()
	assert.False(t, watcher.Pet())

	select {
	case <-fired:
		t.Fatal("watcher fired after being stopped")
	case <-time.After(50 * time.Millisecond):
	}
}
