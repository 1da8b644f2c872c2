package v1

import "time"

// Error codes surfaced over the wire.
const (
	ErrorCodeNotFound        = "NOT_FOUND"
	ErrorCodeInvalidArgument = "INVALID_ARGUMENT"
	ErrorCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrorCodeCancelled       = "CANCELLED"
	ErrorCodeUnsupported     = "UNSUPPORTED"
	ErrorCodeInternal        = "INTERNAL"
)

// APIError is the error body returned by the management API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ScheduleOrchestrationRequest starts a new orchestration instance.
type ScheduleOrchestrationRequest struct {
	Name           string                `json:"name" binding:"required"`
	Version        string                `json:"version,omitempty"`
	InstanceID     string                `json:"instance_id,omitempty"`
	Input          string                `json:"input,omitempty"`
	StartAt        *time.Time            `json:"start_at,omitempty"`
	Tags           map[string]string     `json:"tags,omitempty"`
	DedupeStatuses []OrchestrationStatus `json:"dedupe_statuses,omitempty"`
}

// ScheduleOrchestrationResponse returns the created instance identity.
type ScheduleOrchestrationResponse struct {
	Instance OrchestrationInstance `json:"instance"`
}

// GetOrchestrationRequest fetches the status row (and optionally the
// full history) of an instance.
type GetOrchestrationRequest struct {
	InstanceID    string `json:"instance_id" binding:"required"`
	FetchInputs   bool   `json:"fetch_inputs,omitempty"`
	FetchHistory  bool   `json:"fetch_history,omitempty"`
}

// GetOrchestrationResponse carries the status row and optional history.
type GetOrchestrationResponse struct {
	Metadata *OrchestrationMetadata `json:"metadata"`
	History  []*HistoryEvent        `json:"history,omitempty"`
}

// WaitOrchestrationRequest blocks until the instance reaches one of the
// given statuses (or any terminal status when Statuses is empty).
type WaitOrchestrationRequest struct {
	InstanceID     string                `json:"instance_id" binding:"required"`
	Statuses       []OrchestrationStatus `json:"statuses,omitempty"`
	TimeoutSeconds int                   `json:"timeout_seconds,omitempty"`
}

// RaiseEventRequest delivers an external event to an instance.
type RaiseEventRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	Name       string `json:"name" binding:"required"`
	Input      string `json:"input,omitempty"`
}

// TerminateOrchestrationRequest force-terminates an instance.
type TerminateOrchestrationRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	Reason     string `json:"reason,omitempty"`
}

// SuspendOrchestrationRequest pauses event processing for an instance.
type SuspendOrchestrationRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	Reason     string `json:"reason,omitempty"`
}

// ResumeOrchestrationRequest resumes a suspended instance.
type ResumeOrchestrationRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	Reason     string `json:"reason,omitempty"`
}

// PurgeOrchestrationRequest deletes terminal instances by ID or filter.
type PurgeOrchestrationRequest struct {
	InstanceID string       `json:"instance_id,omitempty"`
	Filter     *QueryFilter `json:"filter,omitempty"`
}

// PurgeOrchestrationResponse reports how many instances were removed.
type PurgeOrchestrationResponse struct {
	Deleted int `json:"deleted"`
}
