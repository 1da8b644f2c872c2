package v1

import "time"

// EventKind tags the HistoryEvent variant.
type EventKind string

const (
	EventOrchestratorStarted      EventKind = "ORCHESTRATOR_STARTED"
	EventOrchestratorCompleted    EventKind = "ORCHESTRATOR_COMPLETED"
	EventExecutionStarted         EventKind = "EXECUTION_STARTED"
	EventExecutionCompleted       EventKind = "EXECUTION_COMPLETED"
	EventExecutionTerminated      EventKind = "EXECUTION_TERMINATED"
	EventContinueAsNew            EventKind = "CONTINUE_AS_NEW"
	EventTaskScheduled            EventKind = "TASK_SCHEDULED"
	EventTaskCompleted            EventKind = "TASK_COMPLETED"
	EventTaskFailed               EventKind = "TASK_FAILED"
	EventSubOrchestrationCreated  EventKind = "SUB_ORCHESTRATION_CREATED"
	EventSubOrchestrationDone     EventKind = "SUB_ORCHESTRATION_COMPLETED"
	EventSubOrchestrationFailed   EventKind = "SUB_ORCHESTRATION_FAILED"
	EventTimerCreated             EventKind = "TIMER_CREATED"
	EventTimerFired               EventKind = "TIMER_FIRED"
	EventRaised                   EventKind = "EVENT_RAISED"
	EventSent                     EventKind = "EVENT_SENT"
	EventExecutionSuspended       EventKind = "EXECUTION_SUSPENDED"
	EventExecutionResumed         EventKind = "EXECUTION_RESUMED"
	EventGeneric                  EventKind = "GENERIC"
)

// SystemEventID marks events synthesized by the engine rather than
// assigned by the orchestrator cursor.
const SystemEventID int32 = -1

// HistoryEvent is a tagged variant: Kind selects which payload pointer is
// set. EventID is the cursor-assigned sequence number (>= 0) or
// SystemEventID for system-synthesized events.
type HistoryEvent struct {
	EventID   int32     `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`

	ExecutionStarted        *ExecutionStartedEvent        `json:"execution_started,omitempty"`
	ExecutionCompleted      *ExecutionCompletedEvent      `json:"execution_completed,omitempty"`
	ExecutionTerminated     *ExecutionTerminatedEvent     `json:"execution_terminated,omitempty"`
	TaskScheduled           *TaskScheduledEvent           `json:"task_scheduled,omitempty"`
	TaskCompleted           *TaskCompletedEvent           `json:"task_completed,omitempty"`
	TaskFailed              *TaskFailedEvent              `json:"task_failed,omitempty"`
	SubOrchestrationCreated *SubOrchestrationCreatedEvent `json:"sub_orchestration_created,omitempty"`
	SubOrchestrationDone    *SubOrchestrationDoneEvent    `json:"sub_orchestration_completed,omitempty"`
	SubOrchestrationFailed  *SubOrchestrationFailedEvent  `json:"sub_orchestration_failed,omitempty"`
	TimerCreated            *TimerCreatedEvent            `json:"timer_created,omitempty"`
	TimerFired              *TimerFiredEvent              `json:"timer_fired,omitempty"`
	EventRaised             *EventRaisedEvent             `json:"event_raised,omitempty"`
	EventSent               *EventSentEvent               `json:"event_sent,omitempty"`
	ExecutionSuspended      *ExecutionSuspendedEvent      `json:"execution_suspended,omitempty"`
	ExecutionResumed        *ExecutionResumedEvent        `json:"execution_resumed,omitempty"`
	Generic                 *GenericEvent                 `json:"generic,omitempty"`
}

// ExecutionStartedEvent starts a new orchestration execution.
type ExecutionStartedEvent struct {
	Name               string                `json:"name"`
	Version            string                `json:"version,omitempty"`
	Input              string                `json:"input,omitempty"`
	Instance           OrchestrationInstance `json:"instance"`
	Parent             *ParentInfo           `json:"parent,omitempty"`
	ScheduledStartTime *time.Time            `json:"scheduled_start_time,omitempty"`
	Tags               map[string]string     `json:"tags,omitempty"`
}

// ExecutionCompletedEvent records the orchestration reaching a terminal
// status (or CONTINUED_AS_NEW).
type ExecutionCompletedEvent struct {
	Status  OrchestrationStatus `json:"status"`
	Result  string              `json:"result,omitempty"`
	Failure *TaskFailure        `json:"failure,omitempty"`
}

// ExecutionTerminatedEvent is the inbound request to force-terminate.
type ExecutionTerminatedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// TaskScheduledEvent records an activity invocation request.
type TaskScheduledEvent struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Input   string `json:"input,omitempty"`
}

// TaskCompletedEvent correlates to a prior TaskScheduledEvent by
// ScheduledID.
type TaskCompletedEvent struct {
	ScheduledID int32  `json:"scheduled_id"`
	Result      string `json:"result,omitempty"`
}

// TaskFailedEvent correlates to a prior TaskScheduledEvent by ScheduledID.
type TaskFailedEvent struct {
	ScheduledID int32        `json:"scheduled_id"`
	Failure     *TaskFailure `json:"failure"`
}

// SubOrchestrationCreatedEvent records a child orchestration request.
type SubOrchestrationCreatedEvent struct {
	Name       string `json:"name"`
	Version    string `json:"version,omitempty"`
	Input      string `json:"input,omitempty"`
	InstanceID string `json:"instance_id"`
}

// SubOrchestrationDoneEvent reports a completed child back to its parent.
type SubOrchestrationDoneEvent struct {
	ScheduledID int32  `json:"scheduled_id"`
	Result      string `json:"result,omitempty"`
}

// SubOrchestrationFailedEvent reports a failed child back to its parent.
type SubOrchestrationFailedEvent struct {
	ScheduledID int32        `json:"scheduled_id"`
	Failure     *TaskFailure `json:"failure"`
}

// TimerCreatedEvent records a durable timer request.
type TimerCreatedEvent struct {
	FireAt time.Time `json:"fire_at"`
}

// TimerFiredEvent correlates to a prior TimerCreatedEvent by ScheduledID.
type TimerFiredEvent struct {
	ScheduledID int32     `json:"scheduled_id"`
	FireAt      time.Time `json:"fire_at"`
}

// EventRaisedEvent is an external event delivered to the orchestration.
type EventRaisedEvent struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

// EventSentEvent records an event sent by this orchestration to another.
type EventSentEvent struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
}

// ExecutionSuspendedEvent pauses event processing for an instance.
type ExecutionSuspendedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// ExecutionResumedEvent resumes a suspended instance.
type ExecutionResumedEvent struct {
	Reason string `json:"reason,omitempty"`
}

// GenericEvent carries opaque data for forward compatibility.
type GenericEvent struct {
	Name string `json:"name,omitempty"`
	Data string `json:"data,omitempty"`
}

// ScheduledID returns the correlation ID the event refers back to, or -1
// when the variant carries none.
func (e *HistoryEvent) ScheduledID() int32 {
	switch {
	case e.TaskCompleted != nil:
		return e.TaskCompleted.ScheduledID
	case e.TaskFailed != nil:
		return e.TaskFailed.ScheduledID
	case e.SubOrchestrationDone != nil:
		return e.SubOrchestrationDone.ScheduledID
	case e.SubOrchestrationFailed != nil:
		return e.SubOrchestrationFailed.ScheduledID
	case e.TimerFired != nil:
		return e.TimerFired.ScheduledID
	}
	return -1
}
