package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// Default worker queue sizing.
const (
	DefaultBufferSize  = 256
	DefaultWorkers     = 2
	DefaultTaskTimeout = 10 * time.Second
)

// WorkerQueue is a bounded in-process task queue backed by a worker pool.
// Enqueue never blocks: when the buffer is full the task is dropped and
// reported, because callers on the refresh hot path must not wait on
// notification delivery.
type WorkerQueue struct {
	tasks       chan core.Task
	done        chan struct{}
	wg          sync.WaitGroup
	stopOnce    sync.Once
	taskTimeout time.Duration
}

var _ core.TaskQueue = (*WorkerQueue)(nil)

// NewWorkerQueue creates the queue and starts its workers. Non-positive
// sizes fall back to defaults.
func NewWorkerQueue(buffer, workers int, taskTimeout time.Duration) *WorkerQueue {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}

	q := &WorkerQueue{
		tasks:       make(chan core.Task, buffer),
		done:        make(chan struct{}),
		taskTimeout: taskTimeout,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue hands a task to the worker pool. Returns false when the queue is
// full or shut down; the task is dropped, never retried.
func (q *WorkerQueue) Enqueue(task core.Task) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	select {
	case q.tasks <- task:
		return true
	default:
		log.Printf("[Notify] Queue full, dropping task %s", task.Name())
		return false
	}
}

// Shutdown stops the workers after draining buffered tasks, or earlier if
// ctx expires.
func (q *WorkerQueue) Shutdown(ctx context.Context) {
	q.stopOnce.Do(func() { close(q.done) })

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
		log.Printf("[Notify] Shutdown timed out with %d tasks buffered", len(q.tasks))
	}
}

func (q *WorkerQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case task := <-q.tasks:
			q.run(task)
		}
	}
}

// drain empties whatever is still buffered at shutdown.
func (q *WorkerQueue) drain() {
	for {
		select {
		case task := <-q.tasks:
			q.run(task)
		default:
			return
		}
	}
}

func (q *WorkerQueue) run(task core.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.taskTimeout)
	defer cancel()

	if err := task.Run(ctx); err != nil {
		log.Printf("[Notify] Task %s failed: %v", task.Name(), err)
	}
}
