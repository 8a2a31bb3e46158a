package ui

import "dropcrate/internal/events"

// eventMsg wraps one job event from the registry stream.
type eventMsg struct {
	E events.Event
}

// streamClosedMsg signals the event channel was closed by the
// registry: the job is over.
type streamClosedMsg struct{}
