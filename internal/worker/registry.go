// Package worker is the worker side of the engine: it executes
// orchestration turns via deterministic replay and runs activities,
// reporting results back to the hub.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// Orchestrator is a user orchestration function. It must be
// deterministic: all side effects go through the OrchestrationContext.
type Orchestrator func(ctx *OrchestrationContext) (any, error)

// Activity is a user activity function. Activities may do arbitrary I/O
// but must be idempotent: delivery is at-least-once.
type Activity func(ctx ActivityContext) (any, error)

// ActivityContext carries one activity invocation.
type ActivityContext struct {
	ctx      context.Context
	instance v1.OrchestrationInstance
	taskID   int32
	name     string
	rawInput string
}

// Context returns the invocation's cancellation context.
func (c ActivityContext) Context() context.Context { return c.ctx }

// InstanceID is the calling orchestration instance.
func (c ActivityContext) InstanceID() string { return c.instance.InstanceID }

// TaskID is the scheduling event ID within the caller's history.
func (c ActivityContext) TaskID() int32 { return c.taskID }

// Name is the activity name as scheduled.
func (c ActivityContext) Name() string { return c.name }

// GetInput deserializes the activity input into v.
func (c ActivityContext) GetInput(v any) error {
	if c.rawInput == "" {
		return nil
	}
	return json.Unmarshal([]byte(c.rawInput), v)
}

// Registry maps task names to user functions. A name may carry multiple
// versions; the empty version is the unversioned fallback.
type Registry struct {
	orchestrators map[string]Orchestrator
	activities    map[string]Activity
}

func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]Orchestrator),
		activities:    make(map[string]Activity),
	}
}

func taskKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + "/" + version
}

// AddOrchestrator registers an unversioned orchestrator.
func (r *Registry) AddOrchestrator(name string, fn Orchestrator) error {
	return r.AddVersionedOrchestrator(v1.TaskName{Name: name}, fn)
}

// AddVersionedOrchestrator registers an orchestrator under a task name.
func (r *Registry) AddVersionedOrchestrator(tn v1.TaskName, fn Orchestrator) error {
	if tn.Name == "" {
		return fmt.Errorf("%w: orchestrator name is empty", v1.ErrInvalidArgument)
	}
	key := taskKey(tn.Name, tn.Version)
	if _, ok := r.orchestrators[key]; ok {
		return fmt.Errorf("orchestrator %q already registered", key)
	}
	r.orchestrators[key] = fn
	return nil
}

// AddActivity registers an unversioned activity.
func (r *Registry) AddActivity(name string, fn Activity) error {
	return r.AddVersionedActivity(v1.TaskName{Name: name}, fn)
}

// AddVersionedActivity registers an activity under a task name.
func (r *Registry) AddVersionedActivity(tn v1.TaskName, fn Activity) error {
	if tn.Name == "" {
		return fmt.Errorf("%w: activity name is empty", v1.ErrInvalidArgument)
	}
	key := taskKey(tn.Name, tn.Version)
	if _, ok := r.activities[key]; ok {
		return fmt.Errorf("activity %q already registered", key)
	}
	r.activities[key] = fn
	return nil
}

// orchestrator resolves name/version with unversioned fallback.
func (r *Registry) orchestrator(name, version string) (Orchestrator, bool) {
	if fn, ok := r.orchestrators[taskKey(name, version)]; ok {
		return fn, true
	}
	fn, ok := r.orchestrators[name]
	return fn, ok
}

func (r *Registry) activity(name, version string) (Activity, bool) {
	if fn, ok := r.activities[taskKey(name, version)]; ok {
		return fn, true
	}
	fn, ok := r.activities[name]
	return fn, ok
}
