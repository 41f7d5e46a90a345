package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct {
	name string
	runs *atomic.Int64
	wg   *sync.WaitGroup
}

func (t *countingTask) Name() string { return t.name }

func (t *countingTask) Run(ctx context.Context) error {
	t.runs.Add(1)
	if t.wg != nil {
		t.wg.Done()
	}
	return nil
}

type blockingTask struct {
	release chan struct{}
}

func (t *blockingTask) Name() string { return "blocking" }

func (t *blockingTask) Run(ctx context.Context) error {
	<-t.release
	return nil
}

func TestWorkerQueue_RunsEnqueuedTasks(t *testing.T) {
	q := NewWorkerQueue(16, 2, time.Second)
	defer q.Shutdown(context.Background())

	var runs atomic.Int64
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		require.True(t, q.Enqueue(&countingTask{name: "task", runs: &runs, wg: &wg}))
	}

	wg.Wait()
	assert.Equal(t, int64(5), runs.Load())
}

func TestWorkerQueue_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// One worker, buffer of one. The worker blocks on the first task, the
	// second fills the buffer, the third has nowhere to go.
	q := NewWorkerQueue(1, 1, time.Second)
	require.True(t, q.Enqueue(&blockingTask{release: release}))

	// Give the worker time to pick up the blocking task.
	time.Sleep(50 * time.Millisecond)

	var runs atomic.Int64
	assert.True(t, q.Enqueue(&countingTask{name: "buffered", runs: &runs}))
	assert.False(t, q.Enqueue(&countingTask{name: "dropped", runs: &runs}),
		"a full buffer drops instead of blocking the caller")
}

func TestWorkerQueue_ShutdownDrainsBuffer(t *testing.T) {
	q := NewWorkerQueue(16, 1, time.Second)

	var runs atomic.Int64
	for i := 0; i < 8; i++ {
		require.True(t, q.Enqueue(&countingTask{name: "task", runs: &runs}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	q.Shutdown(ctx)

	assert.Equal(t, int64(8), runs.Load(), "buffered tasks run before workers exit")
}

func TestWorkerQueue_EnqueueAfterShutdown(t *testing.T) {
	q := NewWorkerQueue(16, 1, time.Second)
	q.Shutdown(context.Background())

	var runs atomic.Int64
	assert.False(t, q.Enqueue(&countingTask{name: "late", runs: &runs}))
}
