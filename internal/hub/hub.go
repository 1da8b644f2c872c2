// Package hub pulls locked work items from the store, streams them to
// connected workers, and commits the results. It owns the pending-work
// maps: what is out on a wire but not yet completed.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/latch"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/common/telemetry"
	"github.com/durahub/durahub/internal/events/bus"
	"github.com/durahub/durahub/internal/orchestration"
	"github.com/durahub/durahub/internal/router"
	"github.com/durahub/durahub/internal/store"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// WorkStream is one connected worker wire. Send must be safe for a
// single concurrent caller; the hub dedicates one consumer per stream.
type WorkStream interface {
	Send(ctx context.Context, item *v1.WorkItem) error
}

// queuedItem pairs a wire envelope with the handles needed to abandon
// it if the send fails.
type queuedItem struct {
	item *v1.WorkItem
	sess *router.Session
	awi  *store.ActivityWorkItem
}

// Dispatcher is the hub-side work item pump.
type Dispatcher struct {
	cfg    *config.EngineConfig
	store  store.Store
	router *router.Router
	bus    bus.EventBus
	log    *logger.Logger
	tracer trace.Tracer

	queue   chan *queuedItem
	readers *latch.Latch

	mu          sync.Mutex
	pendingOrch map[string]*router.Session          // instanceID → session
	pendingAct  map[string]*store.ActivityWorkItem  // instanceID.taskID → work item
	streamCount int

	runCtx    context.Context
	runCancel context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// NewDispatcher builds a stopped dispatcher; call Start to run the
// producer loops.
func NewDispatcher(cfg *config.EngineConfig, st store.Store, rt *router.Router, eb bus.EventBus, log *logger.Logger) *Dispatcher {
	capacity := cfg.WorkItemBufferCapacity
	if capacity <= 0 {
		capacity = 100
	}
	d := &Dispatcher{
		cfg:         cfg,
		store:       st,
		router:      rt,
		bus:         eb,
		log:         log.WithFields(zap.String("component", "hub")),
		tracer:      telemetry.Tracer("durahub/hub"),
		queue:       make(chan *queuedItem, capacity),
		readers:     latch.New(),
		pendingOrch: make(map[string]*router.Session),
		pendingAct:  make(map[string]*store.ActivityWorkItem),
	}
	// Stores that can push persisted messages into a live turn route
	// them through the same dispatcher the session reads.
	if ds, ok := st.(store.DelivererSetter); ok {
		ds.SetDeliverer(rt)
	}
	return d
}

// Start launches the activity and orchestration producer loops. They
// park until at least one worker stream attaches.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runCtx, d.runCancel = context.WithCancel(ctx)
	d.group, _ = errgroup.WithContext(d.runCtx)
	d.group.Go(func() error { return d.produceOrchestrations(d.runCtx) })
	d.group.Go(func() error { return d.produceActivities(d.runCtx) })
	d.log.Info("Hub dispatcher started")
}

// StreamWorkItems serves one worker wire: it consumes from the shared
// work queue until ctx ends or a send fails. The first attached stream
// opens the readers latch; the last detach closes it.
func (d *Dispatcher) StreamWorkItems(ctx context.Context, stream WorkStream) error {
	d.attach()
	defer d.detach()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.runCtx.Done():
			return d.runCtx.Err()
		case qi := <-d.queue:
			if err := stream.Send(ctx, qi.item); err != nil {
				d.abandonQueued(qi, err)
				return err
			}
		}
	}
}

func (d *Dispatcher) attach() {
	d.mu.Lock()
	d.streamCount++
	first := d.streamCount == 1
	d.mu.Unlock()
	if first {
		d.readers.Set()
		d.log.Info("First worker stream attached")
	}
}

func (d *Dispatcher) detach() {
	d.mu.Lock()
	d.streamCount--
	last := d.streamCount == 0
	d.mu.Unlock()
	if last {
		d.readers.Reset()
		d.log.Info("Last worker stream detached")
	}
}

// abandonQueued returns a work item to the store after a failed send.
func (d *Dispatcher) abandonQueued(qi *queuedItem, cause error) {
	ctx := context.WithoutCancel(d.runCtx)
	switch {
	case qi.sess != nil:
		wi := qi.sess.WorkItem()
		d.log.WithError(cause).WithInstanceID(wi.InstanceID).Warn("Send failed, abandoning orchestration turn")
		d.removeSession(wi.InstanceID)
		if err := d.store.AbandonOrchestration(ctx, wi, 0); err != nil {
			d.log.WithError(err).Error("Failed to abandon orchestration after send failure")
		}
		qi.sess.Release()
	case qi.awi != nil:
		d.log.WithError(cause).Warn("Send failed, abandoning activity",
			zap.String("instance_id", qi.awi.InstanceID), zap.Int32("task_id", qi.awi.Event.EventID))
		d.removePendingActivity(v1.ActivityDispatchKey(qi.awi.InstanceID, qi.awi.Event.EventID))
		if err := d.store.AbandonActivity(ctx, qi.awi, 0); err != nil {
			d.log.WithError(err).Error("Failed to abandon activity after send failure")
		}
	}
}

// produceOrchestrations locks orchestration turns and enqueues them.
func (d *Dispatcher) produceOrchestrations(ctx context.Context) error {
	for {
		if err := d.readers.Wait(ctx); err != nil {
			return err
		}
		wi, err := d.store.LockNextOrchestration(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, store.ErrClosed) {
				return err
			}
			d.log.WithError(err).Error("Failed to lock orchestration work item")
			continue
		}
		if err := d.dispatchOrchestration(ctx, wi); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.log.WithError(err).WithInstanceID(wi.InstanceID).Error("Failed to dispatch orchestration turn")
			_ = d.store.AbandonOrchestration(context.WithoutCancel(ctx), wi, time.Second)
		}
	}
}

func (d *Dispatcher) dispatchOrchestration(ctx context.Context, wi *store.OrchestrationWorkItem) error {
	sess, err := router.NewSession(d.router, wi, d.log)
	if err != nil {
		return err
	}

	// Each turn opens a fresh episode; the worker reads its timestamp as
	// the turn's wall clock.
	started := v1.NewOrchestratorStartedEvent(time.Now().UTC())
	if err := wi.State.AddEvent(started); err != nil {
		sess.Release()
		return err
	}
	turnMessages := []*v1.TaskMessage{{Instance: wi.State.Instance(), Event: started}}

	// Fold the turn's messages into the uncommitted state now; the
	// worker processes the same list, and an abandoned turn discards
	// the state anyway. The drain also picks up messages the store
	// delivered after the lock was taken; anything arriving after this
	// point stays queued and triggers the next turn.
	for _, workMsg := range sess.Drain() {
		if err := sess.ConsumeMessage(workMsg); err != nil {
			// Stale or contradictory message; its receipt is still
			// deleted at commit.
			d.log.WithError(err).WithInstanceID(wi.InstanceID).Warn("Dropping inbound message",
				zap.String("kind", string(workMsg.Message.Event.Kind)))
			continue
		}
		turnMessages = append(turnMessages, workMsg.Message)
	}

	item, err := d.buildOrchestratorItem(sess, turnMessages)
	if err != nil {
		sess.Release()
		return err
	}
	d.addSession(wi.InstanceID, sess)

	select {
	case d.queue <- &queuedItem{item: item, sess: sess}:
	case <-ctx.Done():
		d.removeSession(wi.InstanceID)
		sess.Release()
		return ctx.Err()
	}
	return nil
}

func (d *Dispatcher) buildOrchestratorItem(sess *router.Session, msgs []*v1.TaskMessage) (*v1.WorkItem, error) {
	wi := sess.WorkItem()
	name, err := wi.State.Name()
	if err != nil {
		return nil, fmt.Errorf("turn for %s has no start event: %w", wi.InstanceID, err)
	}
	return &v1.WorkItem{
		Kind: v1.WorkItemOrchestrator,
		Orchestrator: &v1.OrchestratorWorkItem{
			Instance:      wi.State.Instance(),
			Name:          name,
			Version:       wi.State.Version(),
			Parent:        wi.State.Parent(),
			ReplayHistory: sess.History(),
			NewMessages:   msgs,
		},
	}, nil
}

// produceActivities locks activity invocations in batches and enqueues
// them.
func (d *Dispatcher) produceActivities(ctx context.Context) error {
	batch := d.cfg.ActivityBatchSize
	if batch <= 0 {
		batch = 1
	}
	for {
		if err := d.readers.Wait(ctx); err != nil {
			return err
		}
		items, err := d.store.LockNextActivities(ctx, batch)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, store.ErrClosed) {
				return err
			}
			d.log.WithError(err).Error("Failed to lock activity work items")
			continue
		}
		for i, awi := range items {
			if err := d.enqueueActivity(ctx, awi); err != nil {
				// The rest of the batch never made the wire; return the
				// locks so another producer picks them up.
				for _, rest := range items[i+1:] {
					_ = d.store.AbandonActivity(context.WithoutCancel(ctx), rest, 0)
				}
				return err
			}
		}
	}
}

func (d *Dispatcher) enqueueActivity(ctx context.Context, awi *store.ActivityWorkItem) error {
	task := awi.Event.TaskScheduled
	item := &v1.WorkItem{
		Kind: v1.WorkItemActivity,
		Activity: &v1.ActivityWorkItem{
			Instance: v1.OrchestrationInstance{InstanceID: awi.InstanceID, ExecutionID: awi.ExecutionID},
			Name:     task.Name,
			Version:  task.Version,
			Input:    task.Input,
			TaskID:   awi.Event.EventID,
		},
	}
	d.addPendingActivity(item.Activity.DispatchKey(), awi)

	select {
	case d.queue <- &queuedItem{item: item, awi: awi}:
		return nil
	case <-ctx.Done():
		d.removePendingActivity(item.Activity.DispatchKey())
		_ = d.store.AbandonActivity(context.WithoutCancel(ctx), awi, 0)
		return ctx.Err()
	}
}

// CompleteActivityTask commits one activity result. Unknown work items
// fail with v1.ErrNotFound.
func (d *Dispatcher) CompleteActivityTask(ctx context.Context, result *v1.ActivityResult) (*v1.CompletionAck, error) {
	ctx, span := d.tracer.Start(ctx, "hub.complete_activity",
		trace.WithAttributes(
			attribute.String("instance_id", result.InstanceID),
			attribute.Int("task_id", int(result.TaskID)),
		))
	defer span.End()

	key := v1.ActivityDispatchKey(result.InstanceID, result.TaskID)
	awi := d.takePendingActivity(key)
	if awi == nil {
		return nil, fmt.Errorf("%w: no pending activity %s", v1.ErrNotFound, key)
	}

	var event *v1.HistoryEvent
	if result.Failure != nil {
		event = v1.NewTaskFailedEvent(result.TaskID, result.Failure)
	} else {
		event = v1.NewTaskCompletedEvent(result.TaskID, result.Result)
	}
	response := &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: awi.InstanceID, ExecutionID: awi.ExecutionID},
		Event:    event,
	}
	if err := d.store.CompleteActivity(ctx, awi, response); err != nil {
		d.log.WithError(err).Warn("Failed to complete activity, abandoning", zap.String("key", key))
		_ = d.store.AbandonActivity(context.WithoutCancel(ctx), awi, time.Second)
		return nil, err
	}
	return &v1.CompletionAck{Completed: true}, nil
}

// CompleteOrchestratorTask commits one orchestration turn. A
// continue-as-new result re-enqueues the turn without committing.
func (d *Dispatcher) CompleteOrchestratorTask(ctx context.Context, result *v1.OrchestratorResult) (*v1.CompletionAck, error) {
	ctx, span := d.tracer.Start(ctx, "hub.complete_orchestrator",
		trace.WithAttributes(attribute.String("instance_id", result.InstanceID)))
	defer span.End()

	sess := d.takeSession(result.InstanceID)
	if sess == nil {
		return nil, fmt.Errorf("%w: no pending orchestration %s", v1.ErrNotFound, result.InstanceID)
	}
	wi := sess.WorkItem()

	if result.Abort {
		d.log.WithInstanceID(wi.InstanceID).Warn("Worker aborted turn, abandoning")
		sess.Release()
		if err := d.store.AbandonOrchestration(ctx, wi, 0); err != nil {
			return nil, err
		}
		return &v1.CompletionAck{}, nil
	}

	// settled means the lock has a new owner: committed, abandoned, or
	// re-enqueued for a continued-as-new turn. Unsettled exits must not
	// leak the lock.
	settled := false
	defer func() {
		if settled {
			return
		}
		sess.Release()
		_ = d.store.ReleaseOrchestrationLock(context.WithoutCancel(ctx), wi)
	}()

	sess.UpdateState(result.CustomStatus)
	actions := result.Actions
	if result.Failure != nil && len(actions) == 0 {
		// The worker could not run the orchestrator at all.
		actions = []*v1.OrchestratorAction{{
			ID:   nextActionID(wi.State),
			Kind: v1.ActionCompleteOrchestration,
			CompleteOrchestration: &v1.CompleteOrchestrationAction{
				Status:  v1.StatusFailed,
				Failure: result.Failure,
			},
		}}
	}

	continued, err := orchestration.ApplyActions(wi.State, actions)
	if err != nil {
		d.log.WithError(err).WithInstanceID(wi.InstanceID).Error("Failed to apply actions, abandoning turn")
		sess.Release()
		if abandonErr := d.store.AbandonOrchestration(context.WithoutCancel(ctx), wi, time.Second); abandonErr != nil {
			d.log.WithError(abandonErr).Error("Abandon failed")
		}
		settled = true
		return nil, err
	}

	if continued {
		ack, err := d.redispatchContinuedAsNew(ctx, sess)
		if err == nil {
			settled = true
		}
		return ack, err
	}

	if err := d.store.CompleteOrchestration(ctx, wi); err != nil {
		d.log.WithError(err).WithInstanceID(wi.InstanceID).Error("Commit failed, abandoning turn")
		sess.Release()
		if abandonErr := d.store.AbandonOrchestration(context.WithoutCancel(ctx), wi, time.Second); abandonErr != nil {
			d.log.WithError(abandonErr).Error("Abandon failed")
		}
		settled = true
		return nil, err
	}
	settled = true
	sess.Release()
	d.publishState(ctx, wi)
	return &v1.CompletionAck{Completed: wi.State.IsCompleted()}, nil
}

// redispatchContinuedAsNew feeds the fresh generation straight back to
// the wire without committing, renewing the lock when it is close to
// expiry.
func (d *Dispatcher) redispatchContinuedAsNew(ctx context.Context, sess *router.Session) (*v1.CompletionAck, error) {
	wi := sess.WorkItem()
	renewalWindow := d.cfg.LockRenewalWindowDuration()
	if renewalWindow <= 0 {
		renewalWindow = time.Minute
	}
	if time.Until(wi.LockedUntil) < renewalWindow {
		if err := d.store.RenewOrchestrationLock(ctx, wi); err != nil {
			return nil, err
		}
	}
	sess.Release()

	// The fresh generation's events double as the turn's message list;
	// they are already folded into state, so no re-consumption happens.
	msgs := make([]*v1.TaskMessage, 0, len(wi.State.NewEvents()))
	for _, e := range wi.State.NewEvents() {
		msgs = append(msgs, &v1.TaskMessage{Instance: wi.State.Instance(), Event: e})
	}
	// Receipts stay: the original inbox entries are deleted only when
	// the chain's final turn commits.
	wi.NewMessages = msgs
	newSess, err := router.NewSession(d.router, wi, d.log)
	if err != nil {
		return nil, err
	}
	item, err := d.buildOrchestratorItem(newSess, msgs)
	if err != nil {
		newSess.Release()
		return nil, err
	}
	d.addSession(wi.InstanceID, newSess)

	select {
	case d.queue <- &queuedItem{item: item, sess: newSess}:
	case <-d.runCtx.Done():
		d.removeSession(wi.InstanceID)
		newSess.Release()
		return nil, d.runCtx.Err()
	}
	return &v1.CompletionAck{}, nil
}

func nextActionID(state *orchestration.RuntimeState) int32 {
	max := int32(-1)
	for _, e := range state.OldEvents() {
		if e.EventID > max {
			max = e.EventID
		}
	}
	for _, e := range state.NewEvents() {
		if e.EventID > max {
			max = e.EventID
		}
	}
	return max + 1
}

func (d *Dispatcher) publishState(ctx context.Context, wi *store.OrchestrationWorkItem) {
	if d.bus == nil {
		return
	}
	md := wi.State.Metadata()
	event := bus.NewEvent("orchestration.state", "hub", map[string]any{
		"instance_id": wi.InstanceID,
		"status":      string(md.Status),
	})
	subject := bus.InstanceSubject(bus.SubjectOrchestrationState, wi.InstanceID)
	if err := d.bus.Publish(ctx, subject, event); err != nil {
		d.log.WithError(err).Warn("Failed to publish state event")
	}
}

func (d *Dispatcher) addSession(id string, sess *router.Session) {
	d.mu.Lock()
	d.pendingOrch[id] = sess
	d.mu.Unlock()
}

func (d *Dispatcher) takeSession(id string) *router.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess := d.pendingOrch[id]
	delete(d.pendingOrch, id)
	return sess
}

func (d *Dispatcher) removeSession(id string) {
	d.mu.Lock()
	delete(d.pendingOrch, id)
	d.mu.Unlock()
}

func (d *Dispatcher) addPendingActivity(key string, awi *store.ActivityWorkItem) {
	d.mu.Lock()
	d.pendingAct[key] = awi
	d.mu.Unlock()
}

func (d *Dispatcher) takePendingActivity(key string) *store.ActivityWorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	awi := d.pendingAct[key]
	delete(d.pendingAct, key)
	return awi
}

func (d *Dispatcher) removePendingActivity(key string) {
	d.mu.Lock()
	delete(d.pendingAct, key)
	d.mu.Unlock()
}

// Close stops the producer loops and abandons everything still out on a
// wire. Idempotent.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		if d.runCancel != nil {
			d.runCancel()
		}
		if d.group != nil {
			_ = d.group.Wait()
		}

		d.mu.Lock()
		sessions := make([]*router.Session, 0, len(d.pendingOrch))
		for id, sess := range d.pendingOrch {
			sessions = append(sessions, sess)
			delete(d.pendingOrch, id)
		}
		activities := make([]*store.ActivityWorkItem, 0, len(d.pendingAct))
		for key, awi := range d.pendingAct {
			activities = append(activities, awi)
			delete(d.pendingAct, key)
		}
		d.mu.Unlock()

		ctx := context.Background()
		for _, sess := range sessions {
			wi := sess.WorkItem()
			if err := d.store.AbandonOrchestration(ctx, wi, 0); err != nil {
				d.log.WithError(err).Warn("Failed to abandon orchestration at close")
			}
			sess.Release()
			_ = d.store.ReleaseOrchestrationLock(ctx, wi)
		}
		for _, awi := range activities {
			if err := d.store.AbandonActivity(ctx, awi, 0); err != nil {
				d.log.WithError(err).Warn("Failed to abandon activity at close")
			}
		}
		d.log.Info("Hub dispatcher closed")
	})
}
