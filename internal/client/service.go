// Package client is the management surface of the engine: scheduling,
// inspection and lifecycle control of orchestration instances.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/events/bus"
	"github.com/durahub/durahub/internal/store"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// Service implements the management operations over a Store.
type Service struct {
	store store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

func NewService(st store.Store, eb bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store: st,
		bus:   eb,
		log:   log.WithFields(zap.String("component", "client")),
	}
}

// ScheduleNewOrchestration creates a new instance. A zero InstanceID
// gets a random one; StartAt defers the first turn; DedupeStatuses
// controls which existing statuses block re-creation (default: Pending
// and Running).
func (s *Service) ScheduleNewOrchestration(ctx context.Context, req *v1.ScheduleOrchestrationRequest) (*v1.OrchestrationInstance, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: orchestrator name is required", v1.ErrInvalidArgument)
	}
	instance := v1.OrchestrationInstance{
		InstanceID:  req.InstanceID,
		ExecutionID: uuid.NewString(),
	}
	if instance.InstanceID == "" {
		instance.InstanceID = uuid.NewString()
	}

	event := v1.NewExecutionStartedEvent(req.Name, req.Version, req.Input, instance, nil, req.Tags)
	if req.StartAt != nil {
		at := req.StartAt.UTC()
		event.ExecutionStarted.ScheduledStartTime = &at
	}
	msg := &v1.TaskMessage{Instance: instance, Event: event}

	if err := s.store.CreateInstance(ctx, msg, req.DedupeStatuses); err != nil {
		return nil, err
	}
	s.log.WithInstanceID(instance.InstanceID).Info("Scheduled orchestration",
		zap.String("name", req.Name), zap.String("execution_id", instance.ExecutionID))
	s.publish("orchestration.scheduled", instance.InstanceID, map[string]any{
		"name":         req.Name,
		"execution_id": instance.ExecutionID,
	})
	return &instance, nil
}

// GetOrchestration returns the status row, optionally with history.
func (s *Service) GetOrchestration(ctx context.Context, req *v1.GetOrchestrationRequest) (*v1.GetOrchestrationResponse, error) {
	if req.InstanceID == "" {
		return nil, fmt.Errorf("%w: instance_id is required", v1.ErrInvalidArgument)
	}
	md, err := s.store.GetMetadata(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if !req.FetchInputs {
		md.Input = ""
		md.Output = ""
	}
	resp := &v1.GetOrchestrationResponse{Metadata: md}
	if req.FetchHistory {
		history, err := s.store.GetHistory(ctx, req.InstanceID)
		if err != nil {
			return nil, err
		}
		resp.History = history
	}
	return resp, nil
}

// WaitForOrchestration blocks until the instance reaches one of the
// requested statuses, or any terminal status when none are given.
func (s *Service) WaitForOrchestration(ctx context.Context, req *v1.WaitOrchestrationRequest) (*v1.OrchestrationMetadata, error) {
	if req.InstanceID == "" {
		return nil, fmt.Errorf("%w: instance_id is required", v1.ErrInvalidArgument)
	}
	waitCtx := ctx
	if req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	md, err := s.store.WaitForStatus(waitCtx, req.InstanceID, req.Statuses)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: instance %s", v1.ErrTimeout, req.InstanceID)
		}
		return nil, err
	}
	return md, nil
}

// RaiseEvent delivers a named external event to a running instance.
func (s *Service) RaiseEvent(ctx context.Context, req *v1.RaiseEventRequest) error {
	if req.InstanceID == "" || req.Name == "" {
		return fmt.Errorf("%w: instance_id and name are required", v1.ErrInvalidArgument)
	}
	msg := &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: req.InstanceID},
		Event:    v1.NewEventRaisedEvent(req.Name, req.Input),
	}
	return s.store.AppendMessage(ctx, msg, nil)
}

// Terminate force-terminates an instance. The termination takes effect
// on the instance's next turn; already-terminal instances ignore it.
func (s *Service) Terminate(ctx context.Context, req *v1.TerminateOrchestrationRequest) error {
	if req.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is required", v1.ErrInvalidArgument)
	}
	if _, err := s.store.GetMetadata(ctx, req.InstanceID); err != nil {
		return err
	}
	msg := &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: req.InstanceID},
		Event:    v1.NewExecutionTerminatedEvent(req.Reason),
	}
	if err := s.store.AppendMessage(ctx, msg, nil); err != nil {
		return err
	}
	s.publish("orchestration.terminate_requested", req.InstanceID, map[string]any{"reason": req.Reason})
	return nil
}

// Suspend pauses an instance's event processing.
func (s *Service) Suspend(ctx context.Context, req *v1.SuspendOrchestrationRequest) error {
	if req.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is required", v1.ErrInvalidArgument)
	}
	msg := &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: req.InstanceID},
		Event:    v1.NewExecutionSuspendedEvent(req.Reason),
	}
	return s.store.AppendMessage(ctx, msg, nil)
}

// Resume restarts a suspended instance.
func (s *Service) Resume(ctx context.Context, req *v1.ResumeOrchestrationRequest) error {
	if req.InstanceID == "" {
		return fmt.Errorf("%w: instance_id is required", v1.ErrInvalidArgument)
	}
	msg := &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: req.InstanceID},
		Event:    v1.NewExecutionResumedEvent(req.Reason),
	}
	return s.store.AppendMessage(ctx, msg, nil)
}

// Query pages through instances matching a filter.
func (s *Service) Query(ctx context.Context, req *v1.QueryRequest) (*v1.QueryResponse, error) {
	return s.store.Query(ctx, req)
}

// Purge deletes terminal instances: one by ID, or every match of a
// filter. Exactly one of the two must be set.
func (s *Service) Purge(ctx context.Context, req *v1.PurgeOrchestrationRequest) (*v1.PurgeOrchestrationResponse, error) {
	switch {
	case req.InstanceID != "" && req.Filter != nil:
		return nil, fmt.Errorf("%w: instance_id and filter are mutually exclusive", v1.ErrInvalidArgument)
	case req.InstanceID != "":
		if err := s.store.Purge(ctx, req.InstanceID); err != nil {
			return nil, err
		}
		return &v1.PurgeOrchestrationResponse{Deleted: 1}, nil
	case req.Filter != nil:
		n, err := s.store.PurgeBy(ctx, req.Filter)
		if err != nil {
			return nil, err
		}
		return &v1.PurgeOrchestrationResponse{Deleted: n}, nil
	default:
		return nil, fmt.Errorf("%w: instance_id or filter is required", v1.ErrInvalidArgument)
	}
}

func (s *Service) publish(eventType, instanceID string, data map[string]any) {
	if s.bus == nil {
		return
	}
	subject := bus.InstanceSubject(bus.SubjectOrchestrationState, instanceID)
	if err := s.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "client", data)); err != nil {
		s.log.WithError(err).Warn("Failed to publish client event")
	}
}
