package worker

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// guidNamespace seeds deterministic GUID generation. Changing it breaks
// replay of any history that recorded derived IDs.
var guidNamespace = uuid.MustParse("b16ca6c2-91f3-4a5c-8c35-6d2a7e20e4af")

// callOptions collects per-call settings for CallActivity,
// CallSubOrchestrator and SendEvent.
type callOptions struct {
	rawInput   string
	version    string
	instanceID string
	tags       map[string]string
}

// CallOption configures one outbound call.
type CallOption func(*callOptions) error

// WithInput serializes v as the call input.
func WithInput(v any) CallOption {
	return func(o *callOptions) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal call input: %w", err)
		}
		o.rawInput = string(raw)
		return nil
	}
}

// WithRawInput passes input that is already serialized.
func WithRawInput(raw string) CallOption {
	return func(o *callOptions) error {
		o.rawInput = raw
		return nil
	}
}

// WithVersion selects a versioned registration of the target task.
func WithVersion(version string) CallOption {
	return func(o *callOptions) error {
		o.version = version
		return nil
	}
}

// WithInstanceID pins the child orchestration's instance ID. Without it
// a deterministic ID is derived from the replay clock.
func WithInstanceID(id string) CallOption {
	return func(o *callOptions) error {
		o.instanceID = id
		return nil
	}
}

// WithTags attaches tags to a child orchestration.
func WithTags(tags map[string]string) CallOption {
	return func(o *callOptions) error {
		o.tags = tags
		return nil
	}
}

func applyOptions(opts []CallOption) (*callOptions, error) {
	o := &callOptions{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// OrchestrationContext is the deterministic API surface handed to user
// orchestrators. All methods must be called from the orchestrator
// goroutine; the cursor guarantees it never runs concurrently with the
// turn loop.
type OrchestrationContext struct {
	cursor   *OrchestrationCursor
	rawInput string
}

// InstanceID is this orchestration's instance ID.
func (ctx *OrchestrationContext) InstanceID() string {
	return ctx.cursor.wi.Instance.InstanceID
}

// Name is the orchestrator name this instance was scheduled under.
func (ctx *OrchestrationContext) Name() string { return ctx.cursor.wi.Name }

// IsReplaying reports whether the turn is still consuming committed
// history. Use it to gate side effects like logging.
func (ctx *OrchestrationContext) IsReplaying() bool { return ctx.cursor.replaying }

// CurrentTime is the deterministic replay clock: the highest message
// timestamp seen so far. It never moves backwards and is safe to use in
// orchestrator logic.
func (ctx *OrchestrationContext) CurrentTime() time.Time { return ctx.cursor.now() }

// GetInput deserializes the orchestration input into v.
func (ctx *OrchestrationContext) GetInput(v any) error {
	if ctx.rawInput == "" {
		return nil
	}
	return json.Unmarshal([]byte(ctx.rawInput), v)
}

// SetCustomStatus records a user-defined substatus, persisted with the
// turn.
func (ctx *OrchestrationContext) SetCustomStatus(status string) {
	ctx.cursor.customStatus = status
}

// CallActivity schedules an activity invocation and returns its
// awaitable result.
func (ctx *OrchestrationContext) CallActivity(name string, opts ...CallOption) Task {
	if name == "" {
		return failedTask{err: fmt.Errorf("%w: activity name is empty", v1.ErrInvalidArgument)}
	}
	o, err := applyOptions(opts)
	if err != nil {
		return failedTask{err: err}
	}
	return ctx.cursor.emit(v1.ActionScheduleTask, func(a *v1.OrchestratorAction) {
		a.ScheduleTask = &v1.ScheduleTaskAction{Name: name, Version: o.version, Input: o.rawInput}
	})
}

// CallSubOrchestrator schedules a child orchestration and returns its
// awaitable result.
func (ctx *OrchestrationContext) CallSubOrchestrator(name string, opts ...CallOption) Task {
	if name == "" {
		return failedTask{err: fmt.Errorf("%w: orchestrator name is empty", v1.ErrInvalidArgument)}
	}
	o, err := applyOptions(opts)
	if err != nil {
		return failedTask{err: err}
	}
	instanceID := o.instanceID
	if instanceID == "" {
		instanceID = ctx.NewGUID().String()
	}
	return ctx.cursor.emit(v1.ActionCreateSubOrchestration, func(a *v1.OrchestratorAction) {
		a.CreateSubOrchestration = &v1.CreateSubOrchestrationAction{
			Name:       name,
			Version:    o.version,
			Input:      o.rawInput,
			InstanceID: instanceID,
			Tags:       o.tags,
		}
	})
}

// CreateTimer returns a task that resolves after delay of durable time.
// Delays beyond the configured maximum are split into chained timers.
func (ctx *OrchestrationContext) CreateTimer(delay time.Duration) Task {
	return &timerTask{cursor: ctx.cursor, fireAt: ctx.CurrentTime().Add(delay)}
}

// CreateTimerAt returns a task that resolves at an absolute deadline.
func (ctx *OrchestrationContext) CreateTimerAt(fireAt time.Time) Task {
	return &timerTask{cursor: ctx.cursor, fireAt: fireAt}
}

// WaitForExternalEvent returns a task resolved by the next raised event
// with the given name. Buffered events are consumed in arrival order.
func (ctx *OrchestrationContext) WaitForExternalEvent(name string) Task {
	c := ctx.cursor
	task := &completableTask{cursor: c}
	if buffered := c.eventBuffer[name]; len(buffered) > 0 {
		c.eventBuffer[name] = buffered[1:]
		task.complete(buffered[0])
		return task
	}
	c.eventWaiters[name] = append(c.eventWaiters[name], task)
	return task
}

// SendEvent raises an event on another orchestration instance.
// Fire-and-forget: the returned task resolves when the send is recorded,
// not when the target observes it.
func (ctx *OrchestrationContext) SendEvent(instanceID, name string, opts ...CallOption) Task {
	if instanceID == "" {
		return failedTask{err: fmt.Errorf("%w: target instance id is empty", v1.ErrInvalidArgument)}
	}
	o, err := applyOptions(opts)
	if err != nil {
		return failedTask{err: err}
	}
	task := ctx.cursor.emit(v1.ActionSendEvent, func(a *v1.OrchestratorAction) {
		a.SendEvent = &v1.SendEventAction{InstanceID: instanceID, Name: name, Input: o.rawInput}
	})
	task.complete("")
	return task
}

// ContinueAsNew restarts the orchestration with new input and a fresh
// history. When preserveEvents is set, buffered and still-arriving
// external events are carried into the next generation. The caller
// should return promptly; further scheduling in this turn is ignored.
func (ctx *OrchestrationContext) ContinueAsNew(input any, preserveEvents bool) error {
	raw, err := marshalValue(input)
	if err != nil {
		return fmt.Errorf("marshal continue-as-new input: %w", err)
	}
	ctx.cursor.continueAsNew(raw, preserveEvents)
	return nil
}

// NewGUID returns a replay-stable UUID: SHA1 over the instance ID, the
// replay clock and a per-turn counter, laid out v5 with the first three
// groups byte-swapped so every runtime derives identical bytes.
func (ctx *OrchestrationContext) NewGUID() uuid.UUID {
	c := ctx.cursor
	name := fmt.Sprintf("%s_%s_%d",
		ctx.InstanceID(),
		c.now().UTC().Format(time.RFC3339Nano),
		c.guidCounter)
	c.guidCounter++

	h := sha1.New()
	h.Write(guidNamespace[:])
	h.Write([]byte(name))
	sum := h.Sum(nil)

	var b [16]byte
	copy(b[:], sum)
	b[6] = (b[6] & 0x0f) | 0x50
	b[8] = (b[8] & 0x3f) | 0x80
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return uuid.UUID(b)
}

func marshalValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
