package app

import "github.com/dkeye/Streamer/internal/core"

// Lifecycle event names published to a Notifier.
const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventStreamEnded    = "stream.ended"
	EventStreamError    = "stream.error"
)

// Notifier receives session lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(event string, id core.ConnectionID, attrs map[string]string)
}

