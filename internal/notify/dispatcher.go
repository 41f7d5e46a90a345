package notify

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// Dispatcher is the async front of the notification sink: events from the
// health store are queued and delivered by the worker pool, so a slow or
// failing messaging subsystem never stalls a health transition.
type Dispatcher struct {
	queue core.TaskQueue
	sink  core.NotificationSink
}

var _ core.NotificationSink = (*Dispatcher)(nil)

// NewDispatcher wraps sink with queued delivery via queue.
func NewDispatcher(queue core.TaskQueue, sink core.NotificationSink) *Dispatcher {
	return &Dispatcher{queue: queue, sink: sink}
}

// ReconnectionRequired queues the event. Always returns nil: delivery is
// fire-and-forget and drops are logged, not surfaced.
func (d *Dispatcher) ReconnectionRequired(_ context.Context, userID, provider, message string) error {
	d.enqueue(&sinkTask{
		id:   uuid.New().String(),
		kind: "reconnection_required",
		run: func(ctx context.Context) error {
			return d.sink.ReconnectionRequired(ctx, userID, provider, message)
		},
	})
	return nil
}

// ConnectionRecovered queues the event. Always returns nil.
func (d *Dispatcher) ConnectionRecovered(_ context.Context, userID, provider string) error {
	d.enqueue(&sinkTask{
		id:   uuid.New().String(),
		kind: "connection_recovered",
		run: func(ctx context.Context) error {
			return d.sink.ConnectionRecovered(ctx, userID, provider)
		},
	})
	return nil
}

func (d *Dispatcher) enqueue(task *sinkTask) {
	if !d.queue.Enqueue(task) {
		log.Printf("[Notify] Dropped %s notification %s", task.kind, task.id)
	}
}

// sinkTask adapts one sink call into a queued task.
type sinkTask struct {
	id   string
	kind string
	run  func(ctx context.Context) error
}

func (t *sinkTask) Name() string { return t.kind + ":" + t.id }

func (t *sinkTask) Run(ctx context.Context) error { return t.run(ctx) }
