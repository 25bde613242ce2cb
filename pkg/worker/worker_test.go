package worker_test

import (
	"testing"
	"time"

	"github.com/matrix-org/callflow/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_ExecutesTasks(t *testing.T) {
	done := make(chan string, 4)

	w := worker.StartWorker(worker.Config[string]{
		ChannelSize: 4,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask:      func(task string) { done <- task },
	})
	defer w.Stop()

	require.NoError(t, w.Send("a"))
	require.NoError(t, w.Send("b"))

	assert.Equal(t, "a", <-done)
	assert.Equal(t, "b", <-done)
}

func TestWorker_SendAfterStop(t *testing.T) {
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask:      func(int) {},
	})

	w.Stop()
	assert.ErrorIs(t, w.Send(1), worker.ErrWorkerClosed)

	// Stopping twice must not panic.
	w.Stop()
}

func TestWorker_Overload(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})

	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Hour,
		OnTimeout:   func() {},
		OnTask: func(int) {
			close(started)
			<-block
		},
	})
	defer w.Stop()

	require.NoError(t, w.Send(1))
	<-started

	// The worker is busy with the first task; fill the single slot and overflow.
	require.NoError(t, w.Send(2))
	assert.ErrorIs(t, w.Send(3), worker.ErrWorkerTooBusy)

	close(block)
}

func BenchmarkWorker(b *testing.B) {
	workerConfig := worker.Config[struct{}]{
		ChannelSize: 1,
		Timeout:     2 * time.Second,
		OnTimeout:   func() {},
		OnTask:      func(struct{}) {},
	}
	w := worker.StartWorker(workerConfig)

	for n := 0; n < b.N; n++ {
		w.Send(struct{}{})
	}

	w.Stop()
}
