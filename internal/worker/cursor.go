package worker

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/durahub/durahub/internal/common/logger"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// ErrNonDeterminism marks a replay that diverged from committed
// history. The turn is unrecoverable; the orchestration is failed.
var ErrNonDeterminism = errors.New("non-determinism detected")

// errTurnEnded unwinds the user goroutine when the cursor closes while
// the orchestrator is still suspended.
var errTurnEnded = errors.New("turn ended")

// pendingAction is an outbound action awaiting its history echo (during
// replay) or its completion event (across turns).
type pendingAction struct {
	action        *v1.OrchestratorAction
	task          *completableTask
	consumed      bool
	fireAndForget bool
}

// OrchestrationCursor drives one orchestration turn. It feeds history
// and new messages to the user coroutine one at a time on a cooperative
// single-threaded scheduler: the cursor and the user goroutine hand
// control back and forth, never running concurrently.
type OrchestrationCursor struct {
	registry         *Registry
	log              *logger.Logger
	wi               *v1.OrchestratorWorkItem
	maxTimerInterval time.Duration

	sequenceID   int32
	pending      map[int32]*pendingAction
	emitted      []*pendingAction
	eventBuffer  map[string][]string
	eventWaiters map[string][]*completableTask

	pendingCompletion *v1.OrchestratorAction
	preserveEvents    bool
	carryover         []*v1.HistoryEvent

	currentTime  time.Time
	guidCounter  int
	replaying    bool
	customStatus string

	suspended      bool
	suspendedQueue []*v1.HistoryEvent

	started     bool
	execDone    bool
	execResult  string
	execFailure *v1.TaskFailure
	abort       bool

	resumeCh      chan struct{}
	yieldCh       chan struct{}
	coroutineDone chan struct{}
	closed        chan struct{}
}

func newCursor(reg *Registry, wi *v1.OrchestratorWorkItem, maxTimerInterval time.Duration, log *logger.Logger) *OrchestrationCursor {
	return &OrchestrationCursor{
		registry:         reg,
		log:              log.WithInstanceID(wi.Instance.InstanceID),
		wi:               wi,
		maxTimerInterval: maxTimerInterval,
		pending:          make(map[int32]*pendingAction),
		eventBuffer:      make(map[string][]string),
		eventWaiters:     make(map[string][]*completableTask),
		resumeCh:         make(chan struct{}),
		yieldCh:          make(chan struct{}),
		coroutineDone:    make(chan struct{}),
		closed:           make(chan struct{}),
	}
}

func (c *OrchestrationCursor) nextID() int32 {
	id := c.sequenceID
	c.sequenceID++
	return id
}

func (c *OrchestrationCursor) now() time.Time { return c.currentTime }

// yield hands control from the user goroutine back to the cursor. It is
// only reachable from inside an Await.
func (c *OrchestrationCursor) yield() {
	select {
	case c.yieldCh <- struct{}{}:
	case <-c.closed:
		panic(errTurnEnded)
	}
	select {
	case <-c.resumeCh:
	case <-c.closed:
		panic(errTurnEnded)
	}
}

// resume hands control to the user goroutine and waits for it to yield
// or finish.
func (c *OrchestrationCursor) resume() {
	if !c.started || c.execDone {
		return
	}
	select {
	case c.resumeCh <- struct{}{}:
	case <-c.coroutineDone:
		return
	}
	select {
	case <-c.yieldCh:
	case <-c.coroutineDone:
	}
}

// close releases the user goroutine if it is still suspended.
func (c *OrchestrationCursor) close() {
	close(c.closed)
}

func (c *OrchestrationCursor) start(input string) error {
	if c.started {
		return fmt.Errorf("%w: duplicate execution start", ErrNonDeterminism)
	}
	fn, ok := c.registry.orchestrator(c.wi.Name, c.wi.Version)
	if !ok {
		return fmt.Errorf("no orchestrator registered for %q", c.wi.Name)
	}
	c.started = true
	octx := &OrchestrationContext{cursor: c, rawInput: input}
	go func() {
		defer close(c.coroutineDone)
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok && errors.Is(err, errTurnEnded) {
					return
				}
				c.execFailure = &v1.TaskFailure{
					ErrorType:    "OrchestratorPanic",
					ErrorMessage: fmt.Sprint(r),
					StackTrace:   string(debug.Stack()),
				}
				c.execDone = true
			}
		}()
		<-c.resumeCh
		out, err := fn(octx)
		c.finishExecution(out, err)
	}()
	c.resume()
	return nil
}

func (c *OrchestrationCursor) finishExecution(out any, err error) {
	defer func() { c.execDone = true }()
	if err != nil {
		if errors.Is(err, ErrAbortWorkItem) {
			c.abort = true
			return
		}
		c.execFailure = failureFromError(err)
		return
	}
	result, merr := marshalValue(out)
	if merr != nil {
		c.execFailure = failureFromError(fmt.Errorf("marshal orchestrator output: %w", merr))
		return
	}
	c.execResult = result
}

// processMessage folds one inbound event into the turn.
func (c *OrchestrationCursor) processMessage(e *v1.HistoryEvent) error {
	if !e.Timestamp.IsZero() && e.Timestamp.After(c.currentTime) {
		c.currentTime = e.Timestamp
	}

	// A suspended instance holds deliveries until it is resumed;
	// termination cuts through.
	if c.suspended {
		switch e.Kind {
		case v1.EventExecutionResumed:
			c.suspended = false
			queued := c.suspendedQueue
			c.suspendedQueue = nil
			for _, qe := range queued {
				if err := c.processMessage(qe); err != nil {
					return err
				}
			}
			return nil
		case v1.EventExecutionTerminated:
		default:
			c.suspendedQueue = append(c.suspendedQueue, e)
			return nil
		}
	}

	switch e.Kind {
	case v1.EventExecutionStarted:
		return c.start(e.ExecutionStarted.Input)

	case v1.EventExecutionSuspended:
		c.suspended = true

	case v1.EventExecutionTerminated:
		c.pendingCompletion = &v1.OrchestratorAction{
			ID:   c.nextID(),
			Kind: v1.ActionCompleteOrchestration,
			CompleteOrchestration: &v1.CompleteOrchestrationAction{
				Status: v1.StatusTerminated,
				Result: e.ExecutionTerminated.Reason,
			},
		}
		c.preserveEvents = false

	case v1.EventTaskScheduled, v1.EventTimerCreated, v1.EventSubOrchestrationCreated, v1.EventSent:
		return c.consumeEcho(e)

	case v1.EventTaskCompleted:
		return c.completeTask(e.TaskCompleted.ScheduledID, e.TaskCompleted.Result, nil)
	case v1.EventTaskFailed:
		return c.completeTask(e.TaskFailed.ScheduledID, "", e.TaskFailed.Failure)
	case v1.EventSubOrchestrationDone:
		return c.completeTask(e.SubOrchestrationDone.ScheduledID, e.SubOrchestrationDone.Result, nil)
	case v1.EventSubOrchestrationFailed:
		return c.completeTask(e.SubOrchestrationFailed.ScheduledID, "", e.SubOrchestrationFailed.Failure)
	case v1.EventTimerFired:
		return c.completeTask(e.TimerFired.ScheduledID, "", nil)

	case v1.EventRaised:
		c.deliverExternalEvent(e.EventRaised.Name, e.EventRaised.Input)

	default:
		// OrchestratorStarted and the remaining system events only
		// advance the clock.
	}
	return nil
}

// consumeEcho matches a replayed outbound event against the pending
// action the user code must have re-produced by now.
func (c *OrchestrationCursor) consumeEcho(e *v1.HistoryEvent) error {
	p, ok := c.pending[e.EventID]
	if !ok {
		return fmt.Errorf("%w: history event %s id=%d has no matching pending action",
			ErrNonDeterminism, e.Kind, e.EventID)
	}
	if err := echoMatches(e, p.action); err != nil {
		return fmt.Errorf("%w: %v", ErrNonDeterminism, err)
	}
	p.consumed = true
	if p.fireAndForget {
		delete(c.pending, e.EventID)
	}
	return nil
}

func echoMatches(e *v1.HistoryEvent, a *v1.OrchestratorAction) error {
	switch e.Kind {
	case v1.EventTaskScheduled:
		if a.Kind != v1.ActionScheduleTask || a.ScheduleTask.Name != e.TaskScheduled.Name {
			return fmt.Errorf("event %d: history scheduled task %q, code produced %s", e.EventID, e.TaskScheduled.Name, describeAction(a))
		}
	case v1.EventTimerCreated:
		if a.Kind != v1.ActionCreateTimer {
			return fmt.Errorf("event %d: history created a timer, code produced %s", e.EventID, describeAction(a))
		}
	case v1.EventSubOrchestrationCreated:
		if a.Kind != v1.ActionCreateSubOrchestration || a.CreateSubOrchestration.Name != e.SubOrchestrationCreated.Name {
			return fmt.Errorf("event %d: history created sub-orchestration %q, code produced %s", e.EventID, e.SubOrchestrationCreated.Name, describeAction(a))
		}
	case v1.EventSent:
		if a.Kind != v1.ActionSendEvent || a.SendEvent.Name != e.EventSent.Name {
			return fmt.Errorf("event %d: history sent event %q, code produced %s", e.EventID, e.EventSent.Name, describeAction(a))
		}
	}
	return nil
}

func describeAction(a *v1.OrchestratorAction) string {
	switch a.Kind {
	case v1.ActionScheduleTask:
		return fmt.Sprintf("schedule-task %q", a.ScheduleTask.Name)
	case v1.ActionCreateSubOrchestration:
		return fmt.Sprintf("create-sub-orchestration %q", a.CreateSubOrchestration.Name)
	case v1.ActionSendEvent:
		return fmt.Sprintf("send-event %q", a.SendEvent.Name)
	default:
		return string(a.Kind)
	}
}

func (c *OrchestrationCursor) completeTask(scheduledID int32, result string, failure *v1.TaskFailure) error {
	p, ok := c.pending[scheduledID]
	if !ok {
		return fmt.Errorf("%w: completion references unscheduled id %d", ErrNonDeterminism, scheduledID)
	}
	delete(c.pending, scheduledID)
	if failure != nil {
		p.task.fail(failure)
	} else {
		p.task.complete(result)
	}
	c.resume()
	return nil
}

func (c *OrchestrationCursor) deliverExternalEvent(name, input string) {
	if c.pendingCompletion != nil && c.preserveEvents {
		c.carryover = append(c.carryover, v1.NewEventRaisedEvent(name, input))
		return
	}
	if waiters := c.eventWaiters[name]; len(waiters) > 0 {
		w := waiters[0]
		c.eventWaiters[name] = waiters[1:]
		w.complete(input)
		c.resume()
		return
	}
	c.eventBuffer[name] = append(c.eventBuffer[name], input)
}

// emit allocates the next sequence ID and records the outbound action.
// During replay the matching history echo marks it consumed; unconsumed
// actions become the turn's result.
func (c *OrchestrationCursor) emit(kind v1.ActionKind, fill func(a *v1.OrchestratorAction)) *completableTask {
	task := &completableTask{cursor: c}
	if c.pendingCompletion != nil {
		// The turn already has a completion; further work is ignored.
		task.cancel()
		return task
	}
	action := &v1.OrchestratorAction{ID: c.nextID(), Kind: kind}
	fill(action)
	p := &pendingAction{
		action:        action,
		task:          task,
		fireAndForget: kind == v1.ActionSendEvent,
	}
	c.pending[action.ID] = p
	c.emitted = append(c.emitted, p)
	return task
}

func (c *OrchestrationCursor) emitTimer(fireAt time.Time) *completableTask {
	return c.emit(v1.ActionCreateTimer, func(a *v1.OrchestratorAction) {
		a.CreateTimer = &v1.CreateTimerAction{FireAt: fireAt}
	})
}

func (c *OrchestrationCursor) continueAsNew(rawInput string, preserveEvents bool) {
	if c.pendingCompletion != nil {
		return
	}
	c.preserveEvents = preserveEvents
	if preserveEvents {
		for name, inputs := range c.eventBuffer {
			for _, input := range inputs {
				c.carryover = append(c.carryover, v1.NewEventRaisedEvent(name, input))
			}
			delete(c.eventBuffer, name)
		}
	}
	c.pendingCompletion = &v1.OrchestratorAction{
		ID:   c.nextID(),
		Kind: v1.ActionCompleteOrchestration,
		CompleteOrchestration: &v1.CompleteOrchestrationAction{
			Status: v1.StatusContinuedAsNew,
			Result: rawInput,
		},
	}
}

// checkCompletion decides whether the turn is over. Priority: a
// continue-as-new wins over the user coroutine finishing, which wins
// over a termination request.
func (c *OrchestrationCursor) checkCompletion() (*v1.OrchestratorAction, bool) {
	if c.pendingCompletion != nil && c.pendingCompletion.CompleteOrchestration.Status == v1.StatusContinuedAsNew {
		c.pendingCompletion.CompleteOrchestration.CarryoverEvents = c.carryover
		return c.pendingCompletion, true
	}
	if c.execDone {
		if c.abort {
			return nil, true
		}
		completion := &v1.CompleteOrchestrationAction{Status: v1.StatusCompleted, Result: c.execResult}
		if c.execFailure != nil {
			completion.Status = v1.StatusFailed
			completion.Failure = c.execFailure
		}
		return &v1.OrchestratorAction{ID: c.nextID(), Kind: v1.ActionCompleteOrchestration, CompleteOrchestration: completion}, true
	}
	if c.pendingCompletion != nil {
		return c.pendingCompletion, true
	}
	return nil, false
}

// resultActions returns the turn's outbound actions in emission order:
// every emitted action history did not echo, then the completion.
func (c *OrchestrationCursor) resultActions(completion *v1.OrchestratorAction) []*v1.OrchestratorAction {
	actions := make([]*v1.OrchestratorAction, 0, len(c.emitted)+1)
	for _, p := range c.emitted {
		if !p.consumed {
			actions = append(actions, p.action)
		}
	}
	if completion != nil {
		actions = append(actions, completion)
	}
	return actions
}

func failureFromError(err error) *v1.TaskFailure {
	var tfe *TaskFailureError
	if errors.As(err, &tfe) {
		return &v1.TaskFailure{
			ErrorType:    "OrchestratorError",
			ErrorMessage: err.Error(),
			InnerFailure: tfe.Failure,
			NonRetriable: tfe.Failure.NonRetriable,
		}
	}
	return &v1.TaskFailure{
		ErrorType:    "OrchestratorError",
		ErrorMessage: err.Error(),
	}
}

