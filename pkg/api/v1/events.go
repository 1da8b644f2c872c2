package v1

import "time"

// Constructors for common history events. The engine stamps system events
// with SystemEventID; cursor-emitted events carry their assigned sequence
// number.

func NewOrchestratorStartedEvent(at time.Time) *HistoryEvent {
	return &HistoryEvent{EventID: SystemEventID, Timestamp: at, Kind: EventOrchestratorStarted}
}

func NewOrchestratorCompletedEvent(at time.Time) *HistoryEvent {
	return &HistoryEvent{EventID: SystemEventID, Timestamp: at, Kind: EventOrchestratorCompleted}
}

func NewExecutionStartedEvent(name, version, input string, instance OrchestrationInstance, parent *ParentInfo, tags map[string]string) *HistoryEvent {
	return &HistoryEvent{
		EventID:   SystemEventID,
		Timestamp: time.Now().UTC(),
		Kind:      EventExecutionStarted,
		ExecutionStarted: &ExecutionStartedEvent{
			Name:     name,
			Version:  version,
			Input:    input,
			Instance: instance,
			Parent:   parent,
			Tags:     tags,
		},
	}
}

func NewExecutionCompletedEvent(id int32, status OrchestrationStatus, result string, failure *TaskFailure) *HistoryEvent {
	return &HistoryEvent{
		EventID:   id,
		Timestamp: time.Now().UTC(),
		Kind:      EventExecutionCompleted,
		ExecutionCompleted: &ExecutionCompletedEvent{
			Status:  status,
			Result:  result,
			Failure: failure,
		},
	}
}

func NewExecutionTerminatedEvent(reason string) *HistoryEvent {
	return &HistoryEvent{
		EventID:             SystemEventID,
		Timestamp:           time.Now().UTC(),
		Kind:                EventExecutionTerminated,
		ExecutionTerminated: &ExecutionTerminatedEvent{Reason: reason},
	}
}

func NewTaskScheduledEvent(id int32, name, version, input string) *HistoryEvent {
	return &HistoryEvent{
		EventID:       id,
		Timestamp:     time.Now().UTC(),
		Kind:          EventTaskScheduled,
		TaskScheduled: &TaskScheduledEvent{Name: name, Version: version, Input: input},
	}
}

func NewTaskCompletedEvent(scheduledID int32, result string) *HistoryEvent {
	return &HistoryEvent{
		EventID:       SystemEventID,
		Timestamp:     time.Now().UTC(),
		Kind:          EventTaskCompleted,
		TaskCompleted: &TaskCompletedEvent{ScheduledID: scheduledID, Result: result},
	}
}

func NewTaskFailedEvent(scheduledID int32, failure *TaskFailure) *HistoryEvent {
	return &HistoryEvent{
		EventID:    SystemEventID,
		Timestamp:  time.Now().UTC(),
		Kind:       EventTaskFailed,
		TaskFailed: &TaskFailedEvent{ScheduledID: scheduledID, Failure: failure},
	}
}

func NewSubOrchestrationCreatedEvent(id int32, name, version, input, instanceID string) *HistoryEvent {
	return &HistoryEvent{
		EventID:   id,
		Timestamp: time.Now().UTC(),
		Kind:      EventSubOrchestrationCreated,
		SubOrchestrationCreated: &SubOrchestrationCreatedEvent{
			Name:       name,
			Version:    version,
			Input:      input,
			InstanceID: instanceID,
		},
	}
}

func NewSubOrchestrationDoneEvent(scheduledID int32, result string) *HistoryEvent {
	return &HistoryEvent{
		EventID:              SystemEventID,
		Timestamp:            time.Now().UTC(),
		Kind:                 EventSubOrchestrationDone,
		SubOrchestrationDone: &SubOrchestrationDoneEvent{ScheduledID: scheduledID, Result: result},
	}
}

func NewSubOrchestrationFailedEvent(scheduledID int32, failure *TaskFailure) *HistoryEvent {
	return &HistoryEvent{
		EventID:                SystemEventID,
		Timestamp:              time.Now().UTC(),
		Kind:                   EventSubOrchestrationFailed,
		SubOrchestrationFailed: &SubOrchestrationFailedEvent{ScheduledID: scheduledID, Failure: failure},
	}
}

func NewTimerCreatedEvent(id int32, fireAt time.Time) *HistoryEvent {
	return &HistoryEvent{
		EventID:      id,
		Timestamp:    time.Now().UTC(),
		Kind:         EventTimerCreated,
		TimerCreated: &TimerCreatedEvent{FireAt: fireAt},
	}
}

func NewTimerFiredEvent(scheduledID int32, fireAt time.Time) *HistoryEvent {
	return &HistoryEvent{
		EventID:    SystemEventID,
		Timestamp:  time.Now().UTC(),
		Kind:       EventTimerFired,
		TimerFired: &TimerFiredEvent{ScheduledID: scheduledID, FireAt: fireAt},
	}
}

func NewEventRaisedEvent(name, input string) *HistoryEvent {
	return &HistoryEvent{
		EventID:     SystemEventID,
		Timestamp:   time.Now().UTC(),
		Kind:        EventRaised,
		EventRaised: &EventRaisedEvent{Name: name, Input: input},
	}
}

func NewEventSentEvent(id int32, instanceID, name, input string) *HistoryEvent {
	return &HistoryEvent{
		EventID:   id,
		Timestamp: time.Now().UTC(),
		Kind:      EventSent,
		EventSent: &EventSentEvent{InstanceID: instanceID, Name: name, Input: input},
	}
}

func NewExecutionSuspendedEvent(reason string) *HistoryEvent {
	return &HistoryEvent{
		EventID:            SystemEventID,
		Timestamp:          time.Now().UTC(),
		Kind:               EventExecutionSuspended,
		ExecutionSuspended: &ExecutionSuspendedEvent{Reason: reason},
	}
}

func NewExecutionResumedEvent(reason string) *HistoryEvent {
	return &HistoryEvent{
		EventID:          SystemEventID,
		Timestamp:        time.Now().UTC(),
		Kind:             EventExecutionResumed,
		ExecutionResumed: &ExecutionResumedEvent{Reason: reason},
	}
}
