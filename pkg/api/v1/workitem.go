package v1

import "fmt"

// TaskMessage is an inbound message addressed to an orchestration
// instance.
type TaskMessage struct {
	Instance OrchestrationInstance `json:"instance"`
	Event    *HistoryEvent         `json:"event"`
}

// WorkMessage is the transport envelope around a TaskMessage: exactly one
// per dispatchable action. DispatchID is the routing key; PopReceipt is
// the store's delete handle for at-least-once consumption.
type WorkMessage struct {
	DispatchID string       `json:"dispatch_id"`
	Message    *TaskMessage `json:"message"`
	Parent     *ParentInfo  `json:"parent,omitempty"`
	PopReceipt string       `json:"pop_receipt,omitempty"`
}

// WorkItemKind tags the WorkItem variant.
type WorkItemKind string

const (
	WorkItemOrchestrator WorkItemKind = "ORCHESTRATOR"
	WorkItemActivity     WorkItemKind = "ACTIVITY"
)

// WorkItem is the envelope streamed to a worker.
type WorkItem struct {
	Kind         WorkItemKind          `json:"kind"`
	Orchestrator *OrchestratorWorkItem `json:"orchestrator,omitempty"`
	Activity     *ActivityWorkItem     `json:"activity,omitempty"`
}

// OrchestratorWorkItem asks a worker to run one orchestration turn.
// ReplayHistory carries the committed past events in order; NewMessages
// carries the inbound messages that triggered the turn.
type OrchestratorWorkItem struct {
	Instance      OrchestrationInstance `json:"instance"`
	Name          string                `json:"name"`
	Version       string                `json:"version,omitempty"`
	Parent        *ParentInfo           `json:"parent,omitempty"`
	ReplayHistory []*HistoryEvent       `json:"replay_history"`
	NewMessages   []*TaskMessage        `json:"new_messages"`
	Metadata      map[string]string     `json:"metadata,omitempty"`
}

// ActivityWorkItem asks a worker to run one activity invocation.
type ActivityWorkItem struct {
	Instance OrchestrationInstance `json:"instance"`
	Name     string                `json:"name"`
	Version  string                `json:"version,omitempty"`
	Input    string                `json:"input,omitempty"`
	TaskID   int32                 `json:"task_id"`
}

// DispatchKey is the hub's pending-map key for an activity work item.
func (a *ActivityWorkItem) DispatchKey() string {
	return ActivityDispatchKey(a.Instance.InstanceID, a.TaskID)
}

// ActivityDispatchKey builds the instanceID||"."||taskID routing key.
func ActivityDispatchKey(instanceID string, taskID int32) string {
	return fmt.Sprintf("%s.%d", instanceID, taskID)
}

// ActivityResult is the worker's reply for one activity work item.
type ActivityResult struct {
	InstanceID string       `json:"instance_id"`
	TaskID     int32        `json:"task_id"`
	Result     string       `json:"result,omitempty"`
	Failure    *TaskFailure `json:"failure,omitempty"`
}

// OrchestratorResult is the worker's reply for one orchestration turn.
type OrchestratorResult struct {
	InstanceID   string                `json:"instance_id"`
	Actions      []*OrchestratorAction `json:"actions"`
	CustomStatus string                `json:"custom_status,omitempty"`
	// Abort signals the hub to abandon the turn without committing; the
	// store will redeliver the work item.
	Abort   bool         `json:"abort,omitempty"`
	Failure *TaskFailure `json:"failure,omitempty"`
}

// CompletionAck acknowledges a completion request.
type CompletionAck struct {
	Completed bool `json:"completed"`
}
