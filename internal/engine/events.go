package engine

import (
	"github.com/workflowai/gateway/internal/providers"
	"github.com/workflowai/gateway/internal/router"
	"github.com/workflowai/gateway/pkg/models"
)

// EventType names one run state transition.
type EventType string

const (
	EventStart          EventType = "start"
	EventAttemptStarted EventType = "attempt_started"
	EventAttemptFailed  EventType = "attempt_failed"
	EventChunk          EventType = "chunk"
	EventToolCalled     EventType = "tool_called"
	EventToolReturned   EventType = "tool_returned"
	EventFinished       EventType = "finished"
)

// Event is one entry on the run's event bus. The client stream writer
// consumes Chunk events; observability consumes everything.
type Event struct {
	Type  EventType
	RunID string

	// Attempt is set on attempt_started and attempt_failed.
	Attempt *router.Attempt

	// Chunk is set on chunk events.
	Chunk *providers.Chunk

	// Tool is set on tool_called and tool_returned.
	Tool *models.ToolCallRecord

	// Err is set on attempt_failed and on finished when the run failed.
	Err *models.RunError

	// Run is the final record, set on finished.
	Run *models.Run
}
