package orchestration

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// ApplyActions folds a turn's orchestrator actions into the runtime
// state. History events are appended to the uncommitted turn and
// outbound work (activity tasks, timers, cross-instance messages) is
// accumulated on the state for the store to commit atomically.
//
// The transform never touches persistence, so callers can discard the
// state on error.
//
// Returns true when a continue-as-new action replaced the state; in
// that case the state is a fresh generation and the caller must re-run
// the orchestrator against it instead of committing.
func ApplyActions(state *RuntimeState, actions []*v1.OrchestratorAction) (bool, error) {
	if state.instance.InstanceID == "" {
		return false, fmt.Errorf("%w: runtime state has no instance ID", v1.ErrInvalidArgument)
	}
	for _, action := range actions {
		continued, err := applyAction(state, action)
		if err != nil {
			return false, err
		}
		if continued {
			// Continue-as-new swallows all remaining actions.
			return true, nil
		}
	}
	// Close the turn's episode in history.
	if err := state.AddEvent(v1.NewOrchestratorCompletedEvent(time.Now().UTC())); err != nil {
		return false, err
	}
	return false, nil
}

func applyAction(state *RuntimeState, action *v1.OrchestratorAction) (bool, error) {
	switch action.Kind {
	case v1.ActionScheduleTask:
		a := action.ScheduleTask
		if a == nil {
			return false, fmt.Errorf("%w: schedule task action %d has no payload", v1.ErrInvalidArgument, action.ID)
		}
		if a.Name == "" {
			return false, fmt.Errorf("%w: schedule task action %d has no task name", v1.ErrInvalidArgument, action.ID)
		}
		e := v1.NewTaskScheduledEvent(action.ID, a.Name, a.Version, a.Input)
		if err := state.AddEvent(e); err != nil {
			return false, err
		}
		state.pendingTasks = append(state.pendingTasks, e)

	case v1.ActionCreateTimer:
		a := action.CreateTimer
		if a == nil {
			return false, fmt.Errorf("%w: create timer action %d has no payload", v1.ErrInvalidArgument, action.ID)
		}
		if err := state.AddEvent(v1.NewTimerCreatedEvent(action.ID, a.FireAt)); err != nil {
			return false, err
		}
		state.pendingTimers = append(state.pendingTimers, v1.NewTimerFiredEvent(action.ID, a.FireAt))

	case v1.ActionCreateSubOrchestration:
		a := action.CreateSubOrchestration
		if a == nil {
			return false, fmt.Errorf("%w: sub-orchestration action %d has no payload", v1.ErrInvalidArgument, action.ID)
		}
		if a.InstanceID == "" {
			return false, fmt.Errorf("%w: sub-orchestration action %d has no instance ID", v1.ErrInvalidArgument, action.ID)
		}
		created := v1.NewSubOrchestrationCreatedEvent(action.ID, a.Name, a.Version, a.Input, a.InstanceID)
		if err := state.AddEvent(created); err != nil {
			return false, err
		}
		name, err := state.Name()
		if err != nil {
			return false, err
		}
		start := v1.NewExecutionStartedEvent(a.Name, a.Version, a.Input,
			v1.OrchestrationInstance{InstanceID: a.InstanceID},
			&v1.ParentInfo{
				Instance:    state.Instance(),
				Name:        name,
				Version:     state.Version(),
				ScheduledID: action.ID,
			}, a.Tags)
		state.pendingMessages = append(state.pendingMessages, OrchestratorMessage{
			TargetInstanceID: a.InstanceID,
			Event:            start,
		})

	case v1.ActionSendEvent:
		a := action.SendEvent
		if a == nil {
			return false, fmt.Errorf("%w: send event action %d has no payload", v1.ErrInvalidArgument, action.ID)
		}
		if a.InstanceID == "" {
			return false, fmt.Errorf("%w: send event action %d has no target instance", v1.ErrInvalidArgument, action.ID)
		}
		if err := state.AddEvent(v1.NewEventSentEvent(action.ID, a.InstanceID, a.Name, a.Input)); err != nil {
			return false, err
		}
		state.pendingMessages = append(state.pendingMessages, OrchestratorMessage{
			TargetInstanceID: a.InstanceID,
			Event:            v1.NewEventRaisedEvent(a.Name, a.Input),
		})

	case v1.ActionCompleteOrchestration:
		a := action.CompleteOrchestration
		if a == nil {
			return false, fmt.Errorf("%w: complete action %d has no payload", v1.ErrInvalidArgument, action.ID)
		}
		if a.Status == v1.StatusContinuedAsNew {
			return true, continueAsNew(state, a)
		}
		// Failure details ride on the status row and the parent message,
		// not on history.
		if err := state.AddEvent(v1.NewExecutionCompletedEvent(action.ID, a.Status, a.Result, nil)); err != nil {
			return false, err
		}
		state.completionFailure = a.Failure
		if parent := state.Parent(); parent != nil {
			notifyParent(state, parent, a)
		}

	default:
		return false, fmt.Errorf("%w: unknown action kind %q", v1.ErrInvalidArgument, action.Kind)
	}
	return false, nil
}

// continueAsNew replaces the state's events in place with a fresh
// generation seeded from the completion action. Uncommitted events from
// the finished turn are dropped; carryover events (buffered external
// events) follow the new ExecutionStarted.
func continueAsNew(state *RuntimeState, a *v1.CompleteOrchestrationAction) error {
	name, err := state.Name()
	if err != nil {
		return err
	}
	version := state.Version()
	if a.NewVersion != "" {
		version = a.NewVersion
	}

	fresh := NewRuntimeState(state.instance.InstanceID, nil)
	fresh.continuedAsNew = true
	fresh.CustomStatus = state.CustomStatus
	if err := fresh.AddEvent(v1.NewOrchestratorStartedEvent(time.Now().UTC())); err != nil {
		return err
	}
	start := v1.NewExecutionStartedEvent(name, version, a.Result,
		v1.OrchestrationInstance{
			InstanceID:  state.instance.InstanceID,
			ExecutionID: uuid.NewString(),
		},
		state.Parent(), state.Tags())
	if err := fresh.AddEvent(start); err != nil {
		return err
	}
	for _, e := range a.CarryoverEvents {
		if err := fresh.AddEvent(e); err != nil {
			return err
		}
	}
	*state = *fresh
	return nil
}

// notifyParent queues the sub-orchestration completion message for the
// parent instance. Any non-success terminal status surfaces to the
// parent as a failure.
func notifyParent(state *RuntimeState, parent *v1.ParentInfo, a *v1.CompleteOrchestrationAction) {
	var e *v1.HistoryEvent
	if a.Status == v1.StatusCompleted {
		e = v1.NewSubOrchestrationDoneEvent(parent.ScheduledID, a.Result)
	} else {
		failure := a.Failure
		if failure == nil {
			failure = &v1.TaskFailure{
				ErrorType:    "OrchestrationFailure",
				ErrorMessage: fmt.Sprintf("sub-orchestration %q ended with status %s", state.instance.InstanceID, a.Status),
			}
		}
		e = v1.NewSubOrchestrationFailedEvent(parent.ScheduledID, failure)
	}
	state.pendingMessages = append(state.pendingMessages, OrchestratorMessage{
		TargetInstanceID: parent.Instance.InstanceID,
		Event:            e,
	})
}
