package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/logger"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// ResultSink receives completed work item results, typically the wire
// back to the hub.
type ResultSink interface {
	CompleteActivity(ctx context.Context, result *v1.ActivityResult) error
	CompleteOrchestrator(ctx context.Context, result *v1.OrchestratorResult) error
}

// Dispatcher fans incoming work items out to the executor, one
// goroutine per item. Orchestration turns for distinct instances and
// activities all run in parallel; per-instance serialization is the
// hub's store lock, not the worker.
type Dispatcher struct {
	exec *Executor
	log  *logger.Logger
	wg   sync.WaitGroup
}

func NewDispatcher(exec *Executor, log *logger.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, log: log.WithFields(zap.String("component", "worker-dispatcher"))}
}

// Dispatch runs one work item asynchronously and reports the result to
// the sink.
func (d *Dispatcher) Dispatch(ctx context.Context, item *v1.WorkItem, sink ResultSink) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handle(ctx, item, sink)
	}()
}

func (d *Dispatcher) handle(ctx context.Context, item *v1.WorkItem, sink ResultSink) {
	switch item.Kind {
	case v1.WorkItemOrchestrator:
		if item.Orchestrator == nil {
			d.log.Error("Orchestrator work item without payload")
			return
		}
		result := d.exec.ExecuteOrchestrator(ctx, item.Orchestrator)
		if err := sink.CompleteOrchestrator(ctx, result); err != nil {
			d.log.WithError(err).WithInstanceID(result.InstanceID).Error("Failed to report orchestrator result")
		}
	case v1.WorkItemActivity:
		if item.Activity == nil {
			d.log.Error("Activity work item without payload")
			return
		}
		result := d.exec.ExecuteActivity(ctx, item.Activity)
		if err := sink.CompleteActivity(ctx, result); err != nil {
			d.log.WithError(err).WithInstanceID(result.InstanceID).Error("Failed to report activity result")
		}
	default:
		d.log.Error("Unknown work item kind", zap.String("kind", string(item.Kind)))
	}
}

// Wait blocks until all dispatched work items have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
