package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

const defaultMaxTimerInterval = 72 * time.Hour

// Executor runs work items against a registry. Safe for concurrent use;
// each turn gets its own cursor.
type Executor struct {
	registry         *Registry
	log              *logger.Logger
	maxTimerInterval time.Duration
}

func NewExecutor(reg *Registry, cfg *config.EngineConfig, log *logger.Logger) *Executor {
	maxInterval := defaultMaxTimerInterval
	if cfg != nil && cfg.MaxTimerIntervalDuration() > 0 {
		maxInterval = cfg.MaxTimerIntervalDuration()
	}
	return &Executor{
		registry:         reg,
		log:              log.WithFields(zap.String("component", "worker")),
		maxTimerInterval: maxInterval,
	}
}

// ExecuteOrchestrator replays one orchestration turn and returns the
// actions the orchestrator produced. A determinism violation or an
// unresolvable orchestrator fails the instance; ErrAbortWorkItem from
// user code aborts the turn without committing.
func (e *Executor) ExecuteOrchestrator(ctx context.Context, wi *v1.OrchestratorWorkItem) *v1.OrchestratorResult {
	result := &v1.OrchestratorResult{InstanceID: wi.Instance.InstanceID}
	cursor := newCursor(e.registry, wi, e.maxTimerInterval, e.log)
	defer cursor.close()

	run := func(events []*v1.HistoryEvent, replaying bool) (*v1.OrchestratorAction, bool, error) {
		cursor.replaying = replaying
		for _, event := range events {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			if err := cursor.processMessage(event); err != nil {
				return nil, false, err
			}
			if completion, done := cursor.checkCompletion(); done {
				return completion, true, nil
			}
		}
		return nil, false, nil
	}

	completion, done, err := run(wi.ReplayHistory, true)
	if err == nil && !done {
		newEvents := make([]*v1.HistoryEvent, 0, len(wi.NewMessages))
		for _, m := range wi.NewMessages {
			newEvents = append(newEvents, m.Event)
		}
		completion, _, err = run(newEvents, false)
	}

	switch {
	case err != nil && ctx.Err() != nil:
		// Shutdown mid-turn: abandon, the store redelivers.
		result.Abort = true
	case err != nil:
		e.log.WithError(err).WithInstanceID(wi.Instance.InstanceID).Error("Orchestration turn failed")
		result.Failure = failureFromError(err)
	case cursor.abort:
		result.Abort = true
	default:
		result.Actions = cursor.resultActions(completion)
		result.CustomStatus = cursor.customStatus
	}
	return result
}

// ExecuteActivity invokes one activity and captures its outcome,
// including panics, as a TaskFailure.
func (e *Executor) ExecuteActivity(ctx context.Context, wi *v1.ActivityWorkItem) *v1.ActivityResult {
	result := &v1.ActivityResult{InstanceID: wi.Instance.InstanceID, TaskID: wi.TaskID}

	fn, ok := e.registry.activity(wi.Name, wi.Version)
	if !ok {
		result.Failure = &v1.TaskFailure{
			ErrorType:    "ActivityNotFound",
			ErrorMessage: fmt.Sprintf("no activity registered for %q", wi.Name),
			NonRetriable: true,
		}
		return result
	}

	actx := ActivityContext{
		ctx:      ctx,
		instance: wi.Instance,
		taskID:   wi.TaskID,
		name:     wi.Name,
		rawInput: wi.Input,
	}
	out, err := e.invokeActivity(fn, actx)
	if err != nil {
		e.log.WithError(err).WithInstanceID(wi.Instance.InstanceID).Warn("Activity failed",
			zap.String("activity", wi.Name), zap.Int32("task_id", wi.TaskID))
		result.Failure = activityFailure(err)
		return result
	}
	raw, merr := marshalValue(out)
	if merr != nil {
		result.Failure = activityFailure(fmt.Errorf("marshal activity output: %w", merr))
		return result
	}
	result.Result = raw
	return result
}

func (e *Executor) invokeActivity(fn Activity, actx ActivityContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn(actx)
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

func activityFailure(err error) *v1.TaskFailure {
	var pe *panicError
	if errors.As(err, &pe) {
		return &v1.TaskFailure{
			ErrorType:    "ActivityPanic",
			ErrorMessage: pe.Error(),
			StackTrace:   pe.stack,
		}
	}
	return &v1.TaskFailure{
		ErrorType:    "ActivityError",
		ErrorMessage: err.Error(),
	}
}
