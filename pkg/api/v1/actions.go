package v1

import "time"

// ActionKind tags the OrchestratorAction variant.
type ActionKind string

const (
	ActionScheduleTask           ActionKind = "SCHEDULE_TASK"
	ActionCreateTimer            ActionKind = "CREATE_TIMER"
	ActionCreateSubOrchestration ActionKind = "CREATE_SUB_ORCHESTRATION"
	ActionSendEvent              ActionKind = "SEND_EVENT"
	ActionCompleteOrchestration  ActionKind = "COMPLETE_ORCHESTRATION"
)

// OrchestratorAction is what a worker emits per turn. ID equals the
// eventID of the history event the action will produce; within one turn
// IDs are unique and contiguous starting from the cursor's next free
// counter.
type OrchestratorAction struct {
	ID   int32      `json:"id"`
	Kind ActionKind `json:"kind"`

	ScheduleTask           *ScheduleTaskAction           `json:"schedule_task,omitempty"`
	CreateTimer            *CreateTimerAction            `json:"create_timer,omitempty"`
	CreateSubOrchestration *CreateSubOrchestrationAction `json:"create_sub_orchestration,omitempty"`
	SendEvent              *SendEventAction              `json:"send_event,omitempty"`
	CompleteOrchestration  *CompleteOrchestrationAction  `json:"complete_orchestration,omitempty"`
}

// ScheduleTaskAction requests an activity invocation.
type ScheduleTaskAction struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Input   string `json:"input,omitempty"`
}

// CreateTimerAction requests a durable timer.
type CreateTimerAction struct {
	FireAt time.Time `json:"fire_at"`
}

// CreateSubOrchestrationAction requests a child orchestration.
type CreateSubOrchestrationAction struct {
	Name       string            `json:"name"`
	Version    string            `json:"version,omitempty"`
	Input      string            `json:"input,omitempty"`
	InstanceID string            `json:"instance_id"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// SendEventAction raises an event on another orchestration instance.
type SendEventAction struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
}

// CompleteOrchestrationAction finishes the orchestration, or restarts it
// when Status is CONTINUED_AS_NEW.
type CompleteOrchestrationAction struct {
	Status          OrchestrationStatus `json:"status"`
	Result          string              `json:"result,omitempty"`
	Details         string              `json:"details,omitempty"`
	Failure         *TaskFailure        `json:"failure,omitempty"`
	NewVersion      string              `json:"new_version,omitempty"`
	CarryoverEvents []*HistoryEvent     `json:"carryover_events,omitempty"`
}
