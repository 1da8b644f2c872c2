// Package v1 defines the wire-level data model shared by the hub, the
// workers, and the management clients.
package v1

import (
	"time"
)

// OrchestrationStatus represents the runtime status of an orchestration.
type OrchestrationStatus string

const (
	StatusPending        OrchestrationStatus = "PENDING"
	StatusRunning        OrchestrationStatus = "RUNNING"
	StatusSuspended      OrchestrationStatus = "SUSPENDED"
	StatusCompleted      OrchestrationStatus = "COMPLETED"
	StatusFailed         OrchestrationStatus = "FAILED"
	StatusTerminated     OrchestrationStatus = "TERMINATED"
	StatusCanceled       OrchestrationStatus = "CANCELED"
	StatusContinuedAsNew OrchestrationStatus = "CONTINUED_AS_NEW"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrchestrationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated, StatusCanceled:
		return true
	}
	return false
}

// OrchestrationInstance identifies one execution of one orchestration.
// ExecutionID changes on continue-as-new; InstanceID is stable until purge.
type OrchestrationInstance struct {
	InstanceID  string `json:"instance_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// ParentInfo links a child orchestration back to the parent that created it.
type ParentInfo struct {
	Instance    OrchestrationInstance `json:"instance"`
	Name        string                `json:"name"`
	Version     string                `json:"version,omitempty"`
	ScheduledID int32                 `json:"scheduled_id"`
}

// TaskName names an orchestrator or activity. An empty version means
// "unversioned".
type TaskName struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

func (n TaskName) String() string {
	if n.Version == "" {
		return n.Name
	}
	return n.Name + "/" + n.Version
}

// TaskFailure describes a failed task or orchestration on the wire.
type TaskFailure struct {
	ErrorType    string       `json:"error_type"`
	ErrorMessage string       `json:"error_message"`
	StackTrace   string       `json:"stack_trace,omitempty"`
	InnerFailure *TaskFailure `json:"inner_failure,omitempty"`
	NonRetriable bool         `json:"non_retriable,omitempty"`
}

// OrchestrationMetadata is the status row exposed by the management API.
type OrchestrationMetadata struct {
	Instance       OrchestrationInstance `json:"instance"`
	Name           string                `json:"name"`
	Version        string                `json:"version,omitempty"`
	Status         OrchestrationStatus   `json:"status"`
	CreatedAt      time.Time             `json:"created_at"`
	LastUpdatedAt  time.Time             `json:"last_updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	Input          string                `json:"input,omitempty"`
	Output         string                `json:"output,omitempty"`
	CustomStatus   string                `json:"custom_status,omitempty"`
	Failure        *TaskFailure          `json:"failure,omitempty"`
	Tags           map[string]string     `json:"tags,omitempty"`
	ParentInstance string                `json:"parent_instance,omitempty"`
}

// QueryFilter selects orchestration metadata rows.
type QueryFilter struct {
	InstanceIDPrefix string                `json:"instance_id_prefix,omitempty"`
	Name             string                `json:"name,omitempty"`
	Statuses         []OrchestrationStatus `json:"statuses,omitempty"`
	CreatedFrom      *time.Time            `json:"created_from,omitempty"`
	CreatedTo        *time.Time            `json:"created_to,omitempty"`
}

// QueryRequest pages through orchestration metadata.
type QueryRequest struct {
	Filter       QueryFilter `json:"filter"`
	PageSize     int         `json:"page_size,omitempty"`
	Continuation string      `json:"continuation,omitempty"`
}

// QueryResponse carries one page of results.
type QueryResponse struct {
	Results      []*OrchestrationMetadata `json:"results"`
	Continuation string                   `json:"continuation,omitempty"`
}
