// ABOUTME: Lifecycle event types emitted by the run workflow for observability.
// ABOUTME: Events are delivered to an optional callback; no callback means no overhead.

package workflow

import "time"

// EventType identifies the kind of workflow lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventStateEntered EventType = "run.state_entered"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventCompensation EventType = "run.compensation"
)

// RunState names a workflow state for StateEntered events.
type RunState string

const (
	StateProvisioning     RunState = "PROVISIONING"
	StateLoadingContext   RunState = "LOADING_CONTEXT"
	StateAgentLoop        RunState = "AGENT_LOOP"
	StateTitleAndResponse RunState = "TITLE_AND_RESPONSE"
	StatePersistSuccess   RunState = "PERSIST_SUCCESS"
	StatePersistFailure   RunState = "PERSIST_FAILURE"
)

// Event is one workflow lifecycle event.
type Event struct {
	Type      EventType
	RunID     string
	State     RunState
	Data      map[string]any
	Timestamp time.Time
}
