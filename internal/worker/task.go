package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// ErrAbortWorkItem, returned from an orchestrator, makes the worker drop
// the turn without committing; the store redelivers it later.
var ErrAbortWorkItem = errors.New("abort work item")

// ErrTaskCanceled resolves awaits that can no longer complete, e.g.
// after ContinueAsNew ends the turn.
var ErrTaskCanceled = errors.New("task canceled")

// TaskFailureError surfaces a failed activity or sub-orchestration to
// the awaiting orchestrator.
type TaskFailureError struct {
	Failure *v1.TaskFailure
}

func (e *TaskFailureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Failure.ErrorType, e.Failure.ErrorMessage)
}

// Task is an awaitable produced by the orchestration context. Await
// suspends the orchestrator until the task resolves, deserializing the
// result into v when non-nil.
type Task interface {
	Await(v any) error
}

// completableTask resolves when its correlated history event arrives.
// All fields are owned by the cursor's cooperative scheduler; the user
// goroutine and the cursor never run concurrently.
type completableTask struct {
	cursor   *OrchestrationCursor
	done     bool
	result   string
	failure  *v1.TaskFailure
	canceled bool
}

func (t *completableTask) Await(v any) error {
	for !t.done {
		t.cursor.yield()
	}
	switch {
	case t.failure != nil:
		return &TaskFailureError{Failure: t.failure}
	case t.canceled:
		return ErrTaskCanceled
	}
	if v != nil && t.result != "" {
		return json.Unmarshal([]byte(t.result), v)
	}
	return nil
}

func (t *completableTask) complete(result string) {
	t.done = true
	t.result = result
}

func (t *completableTask) fail(failure *v1.TaskFailure) {
	t.done = true
	t.failure = failure
}

func (t *completableTask) cancel() {
	t.done = true
	t.canceled = true
}

// failedTask is resolved at construction, for errors detected before a
// pending action could be allocated.
type failedTask struct{ err error }

func (t failedTask) Await(any) error { return t.err }

// timerTask fires at an absolute deadline, transparently splitting the
// wait into store-friendly chunks of at most maxTimerInterval. Each
// chunk is its own durable timer; the split points are derived from the
// replay clock, so replays produce the identical chain.
type timerTask struct {
	cursor *OrchestrationCursor
	fireAt time.Time
}

func (t *timerTask) Await(v any) error {
	c := t.cursor
	for {
		remaining := t.fireAt.Sub(c.now())
		if c.maxTimerInterval > 0 && remaining > c.maxTimerInterval {
			inner := c.emitTimer(c.now().Add(c.maxTimerInterval))
			if err := inner.Await(nil); err != nil {
				return err
			}
			continue
		}
		return c.emitTimer(t.fireAt).Await(v)
	}
}
