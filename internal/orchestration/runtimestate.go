// Package orchestration holds the durable runtime state of one
// orchestration execution and the pure transform that applies
// worker-produced actions to it.
package orchestration

import (
	"errors"
	"fmt"
	"time"

	v1 "github.com/durahub/durahub/pkg/api/v1"
)

var (
	// ErrDuplicateEvent is returned when an event would duplicate a prior
	// start or completion.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUnknownScheduledID is returned when a completion event references
	// an event ID that was never scheduled.
	ErrUnknownScheduledID = errors.New("completion references unknown scheduled ID")

	// ErrNotStarted is returned when state-dependent accessors are called
	// before an ExecutionStarted event was recorded.
	ErrNotStarted = errors.New("orchestration has not started")
)

// OrchestratorMessage is an outbound message addressed to another
// orchestration instance (or to a future generation of this one).
type OrchestratorMessage struct {
	TargetInstanceID string
	Event            *v1.HistoryEvent
}

// RuntimeState is the durable truth for one execution of one instance.
// pastEvents are committed; newEvents were produced in the current turn
// and are not yet committed. ExecutionID is immutable within one
// RuntimeState; continue-as-new builds a fresh state.
type RuntimeState struct {
	instance       v1.OrchestrationInstance
	startEvent     *v1.ExecutionStartedEvent
	completedEvent *v1.ExecutionCompletedEvent
	// completionFailure is carried for the status row and parent
	// notification but never persisted into history.
	completionFailure *v1.TaskFailure
	createdAt      time.Time
	completedAt    time.Time
	lastUpdatedAt  time.Time
	suspended      bool

	pastEvents []*v1.HistoryEvent
	newEvents  []*v1.HistoryEvent

	// scheduled tracks cursor-assigned event IDs that may later be
	// completed; completions consume their entry.
	scheduled map[int32]v1.EventKind

	CustomStatus string

	pendingTasks    []*v1.HistoryEvent    // TaskScheduled events awaiting activity dispatch
	pendingTimers   []*v1.HistoryEvent    // TimerCreated events awaiting deferred TimerFired
	pendingMessages []OrchestratorMessage // messages to other instances

	continuedAsNew bool
}

// NewRuntimeState rebuilds state from committed history. The existing
// events are replayed through the same bookkeeping as live appends but
// land in pastEvents.
func NewRuntimeState(instanceID string, existing []*v1.HistoryEvent) *RuntimeState {
	s := &RuntimeState{
		instance:  v1.OrchestrationInstance{InstanceID: instanceID},
		scheduled: make(map[int32]v1.EventKind),
	}
	for _, e := range existing {
		// Committed history is trusted; bookkeeping only.
		s.track(e)
		s.pastEvents = append(s.pastEvents, e)
	}
	return s
}

// AddEvent validates and appends an event to the uncommitted turn.
func (s *RuntimeState) AddEvent(e *v1.HistoryEvent) error {
	switch e.Kind {
	case v1.EventExecutionStarted:
		if s.startEvent != nil {
			return ErrDuplicateEvent
		}
	case v1.EventExecutionCompleted:
		if s.completedEvent != nil {
			return ErrDuplicateEvent
		}
	case v1.EventTaskCompleted, v1.EventTaskFailed,
		v1.EventSubOrchestrationDone, v1.EventSubOrchestrationFailed,
		v1.EventTimerFired:
		id := e.ScheduledID()
		if _, ok := s.scheduled[id]; !ok {
			return fmt.Errorf("%w: %d", ErrUnknownScheduledID, id)
		}
	}
	s.track(e)
	s.newEvents = append(s.newEvents, e)
	return nil
}

// track updates derived fields for one event.
func (s *RuntimeState) track(e *v1.HistoryEvent) {
	switch e.Kind {
	case v1.EventExecutionStarted:
		if s.startEvent == nil {
			s.startEvent = e.ExecutionStarted
			s.createdAt = e.Timestamp
			if id := e.ExecutionStarted.Instance.ExecutionID; id != "" {
				s.instance.ExecutionID = id
			}
		}
	case v1.EventExecutionCompleted:
		if s.completedEvent == nil {
			s.completedEvent = e.ExecutionCompleted
			s.completedAt = e.Timestamp
		}
	case v1.EventExecutionSuspended:
		s.suspended = true
	case v1.EventExecutionResumed:
		s.suspended = false
	case v1.EventTaskScheduled, v1.EventSubOrchestrationCreated, v1.EventTimerCreated:
		if e.EventID >= 0 {
			s.scheduled[e.EventID] = e.Kind
		}
	case v1.EventTaskCompleted, v1.EventTaskFailed,
		v1.EventSubOrchestrationDone, v1.EventSubOrchestrationFailed,
		v1.EventTimerFired:
		delete(s.scheduled, e.ScheduledID())
	}
	s.lastUpdatedAt = time.Now().UTC()
}

// Instance returns the identity of this execution.
func (s *RuntimeState) Instance() v1.OrchestrationInstance {
	return s.instance
}

// Name returns the orchestrator name, or ErrNotStarted.
func (s *RuntimeState) Name() (string, error) {
	if s.startEvent == nil {
		return "", ErrNotStarted
	}
	return s.startEvent.Name, nil
}

// Version returns the orchestrator version ("" when unversioned).
func (s *RuntimeState) Version() string {
	if s.startEvent == nil {
		return ""
	}
	return s.startEvent.Version
}

// Input returns the serialized orchestration input.
func (s *RuntimeState) Input() (string, error) {
	if s.startEvent == nil {
		return "", ErrNotStarted
	}
	return s.startEvent.Input, nil
}

// Parent returns the parent pointer, or nil for root orchestrations.
func (s *RuntimeState) Parent() *v1.ParentInfo {
	if s.startEvent == nil {
		return nil
	}
	return s.startEvent.Parent
}

// Tags returns the tags recorded at start.
func (s *RuntimeState) Tags() map[string]string {
	if s.startEvent == nil {
		return nil
	}
	return s.startEvent.Tags
}

// CreatedAt returns the start timestamp, or ErrNotStarted.
func (s *RuntimeState) CreatedAt() (time.Time, error) {
	if s.startEvent == nil {
		return time.Time{}, ErrNotStarted
	}
	return s.createdAt, nil
}

// CompletedAt returns the completion timestamp, or an error when the
// orchestration is still running.
func (s *RuntimeState) CompletedAt() (time.Time, error) {
	if s.completedEvent == nil {
		return time.Time{}, errors.New("orchestration has not completed")
	}
	return s.completedAt, nil
}

// RuntimeStatus derives the status from recorded events. A state with no
// start event is PENDING regardless of anything else.
func (s *RuntimeState) RuntimeStatus() v1.OrchestrationStatus {
	if s.startEvent == nil {
		return v1.StatusPending
	}
	if s.completedEvent != nil {
		return s.completedEvent.Status
	}
	if s.suspended {
		return v1.StatusSuspended
	}
	return v1.StatusRunning
}

// IsCompleted reports whether a completion event was recorded.
func (s *RuntimeState) IsCompleted() bool {
	return s.completedEvent != nil
}

// IsValid reports whether the state is either empty or properly started.
func (s *RuntimeState) IsValid() bool {
	if len(s.pastEvents) == 0 && len(s.newEvents) == 0 {
		return true
	}
	return s.startEvent != nil
}

// Output returns the serialized result of a completed orchestration.
func (s *RuntimeState) Output() string {
	if s.completedEvent == nil {
		return ""
	}
	return s.completedEvent.Result
}

// Failure returns the failure of a failed orchestration, or nil. The
// failure lives outside history, so it survives only until the state is
// rebuilt; the store's status row is the durable copy.
func (s *RuntimeState) Failure() *v1.TaskFailure {
	if s.completionFailure != nil {
		return s.completionFailure
	}
	if s.completedEvent == nil {
		return nil
	}
	return s.completedEvent.Failure
}

// OldEvents returns the committed history.
func (s *RuntimeState) OldEvents() []*v1.HistoryEvent {
	return s.pastEvents
}

// NewEvents returns the uncommitted events of the current turn.
func (s *RuntimeState) NewEvents() []*v1.HistoryEvent {
	return s.newEvents
}

// PendingTasks returns the activity invocations produced this turn.
func (s *RuntimeState) PendingTasks() []*v1.HistoryEvent {
	return s.pendingTasks
}

// PendingTimers returns the timers created this turn.
func (s *RuntimeState) PendingTimers() []*v1.HistoryEvent {
	return s.pendingTimers
}

// PendingMessages returns the messages to other instances produced this
// turn.
func (s *RuntimeState) PendingMessages() []OrchestratorMessage {
	return s.pendingMessages
}

// ContinuedAsNew reports whether the last ApplyActions replaced the
// state.
func (s *RuntimeState) ContinuedAsNew() bool {
	return s.continuedAsNew
}

// Metadata builds the status row for this state.
func (s *RuntimeState) Metadata() *v1.OrchestrationMetadata {
	md := &v1.OrchestrationMetadata{
		Instance:     s.instance,
		Status:       s.RuntimeStatus(),
		CustomStatus: s.CustomStatus,
	}
	if s.startEvent != nil {
		md.Name = s.startEvent.Name
		md.Version = s.startEvent.Version
		md.Input = s.startEvent.Input
		md.CreatedAt = s.createdAt
		md.Tags = s.startEvent.Tags
		if s.startEvent.Parent != nil {
			md.ParentInstance = s.startEvent.Parent.Instance.InstanceID
		}
	}
	md.LastUpdatedAt = s.lastUpdatedAt
	if s.completedEvent != nil {
		completedAt := s.completedAt
		md.CompletedAt = &completedAt
		md.Output = s.completedEvent.Result
		md.Failure = s.Failure()
	}
	return md
}

// String describes the state for logs.
func (s *RuntimeState) String() string {
	name, err := s.Name()
	if err != nil {
		name = "(new)"
	}
	return fmt.Sprintf("%s: %s, status=%s, events=%d",
		s.instance.InstanceID, name, s.RuntimeStatus(), len(s.pastEvents))
}
