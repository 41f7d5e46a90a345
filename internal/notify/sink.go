package notify

import (
	"context"
	"log"

	"github.com/johnfmorton/upload-drive-in-sub011/internal/core"
)

// LogSink is the default sink for deployments without a messaging
// subsystem wired: events land in the process log and nowhere else.
type LogSink struct{}

var _ core.NotificationSink = (*LogSink)(nil)

func (LogSink) ReconnectionRequired(_ context.Context, userID, provider, message string) error {
	log.Printf("[Notify] Reconnection required user=%s provider=%s: %s", userID, provider, message)
	return nil
}

func (LogSink) ConnectionRecovered(_ context.Context, userID, provider string) error {
	log.Printf("[Notify] Connection recovered user=%s provider=%s", userID, provider)
	return nil
}
