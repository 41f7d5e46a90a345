package core

import "context"

// NotificationSink receives fire-and-forget connection lifecycle events.
// It is owned by the messaging subsystem; the engine never formats or
// sends user-facing messages itself. Implementations must not block.
type NotificationSink interface {
	// ReconnectionRequired fires when a connection transitions into a state
	// that only a manual reconnection can resolve.
	ReconnectionRequired(ctx context.Context, userID, provider, message string) error

	// ConnectionRecovered fires when a previously failing connection
	// becomes healthy again.
	ConnectionRecovered(ctx context.Context, userID, provider string) error
}

// Task is a unit of deferred work executed by a TaskQueue worker.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// TaskQueue dispatches fire-and-forget work (notification delivery,
// scheduled refresh runs) without binding the engine to any particular
// queue technology. Enqueue never blocks; it reports false when the task
// was dropped because the queue is full or shut down.
type TaskQueue interface {
	Enqueue(task Task) bool
}
