// Package memstore is the in-memory Store used for tests and
// single-process deployments. All state lives behind one mutex; the
// ready-to-run scan and the lock mark happen under that mutex so an
// instance can never be handed to two consumers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/latch"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/orchestration"
	"github.com/durahub/durahub/internal/store"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

const defaultLockTimeout = 2 * time.Minute

type queuedMessage struct {
	seq       int64
	msg       *v1.TaskMessage
	visibleAt time.Time
}

type activityTask struct {
	seq         int64
	instanceID  string
	executionID string
	event       *v1.HistoryEvent
	visibleAt   time.Time
	lockToken   string
	lockedUntil time.Time
}

type instanceRecord struct {
	metadata    *v1.OrchestrationMetadata
	history     []*v1.HistoryEvent
	inbox       []*queuedMessage
	lockToken   string
	lockedUntil time.Time
}

func (r *instanceRecord) locked(now time.Time) bool {
	return r.lockToken != "" && now.Before(r.lockedUntil)
}

// MemoryStore implements store.Store entirely in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	instances  map[string]*instanceRecord
	activities []*activityTask
	seq        int64

	// sigOrch/sigAct wake one blocked Lock call after new work arrives;
	// changed pulses every status transition for WaitForStatus.
	sigOrch chan struct{}
	sigAct  chan struct{}
	changed *latch.Latch

	// deliverer, when set, receives messages appended for an instance
	// whose turn is currently locked, so the live session folds them in.
	deliverer store.Deliverer

	done      chan struct{}
	closeOnce sync.Once

	log *logger.Logger
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*instanceRecord),
		sigOrch:   make(chan struct{}, 1),
		sigAct:    make(chan struct{}, 1),
		changed:   latch.New(),
		done:      make(chan struct{}),
		log:       log.WithFields(zap.String("component", "memstore")),
	}
}

// SetDeliverer implements store.DelivererSetter. Must be called before
// the store starts serving work.
func (s *MemoryStore) SetDeliverer(d store.Deliverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverer = d
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *MemoryStore) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CreateInstance implements store.Store.
func (s *MemoryStore) CreateInstance(ctx context.Context, msg *v1.TaskMessage, dedupeStatuses []v1.OrchestrationStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil || msg.Event == nil || msg.Event.ExecutionStarted == nil {
		return fmt.Errorf("%w: create requires an ExecutionStarted message", v1.ErrInvalidArgument)
	}
	if msg.Instance.InstanceID == "" {
		return fmt.Errorf("%w: missing instance ID", v1.ErrInvalidArgument)
	}
	if len(dedupeStatuses) == 0 {
		dedupeStatuses = store.DefaultDedupeStatuses
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return store.ErrClosed
	}

	id := msg.Instance.InstanceID
	if existing, ok := s.instances[id]; ok {
		for _, status := range dedupeStatuses {
			if existing.metadata.Status == status {
				return fmt.Errorf("%w: %s", v1.ErrDuplicateInstance, id)
			}
		}
		// The prior execution is being replaced.
		delete(s.instances, id)
	}
	s.createLocked(msg)
	notify(s.sigOrch)
	s.changed.PulseAll()
	return nil
}

// createLocked registers a fresh record and enqueues the start message.
// Caller holds s.mu.
func (s *MemoryStore) createLocked(msg *v1.TaskMessage) {
	started := msg.Event.ExecutionStarted
	now := time.Now().UTC()
	rec := &instanceRecord{
		metadata: &v1.OrchestrationMetadata{
			Instance:      msg.Instance,
			Name:          started.Name,
			Version:       started.Version,
			Status:        v1.StatusPending,
			CreatedAt:     now,
			LastUpdatedAt: now,
			Input:         started.Input,
			Tags:          started.Tags,
		},
	}
	if started.Parent != nil {
		rec.metadata.ParentInstance = started.Parent.Instance.InstanceID
	}
	rec.inbox = append(rec.inbox, &queuedMessage{
		seq:       s.nextSeq(),
		msg:       msg,
		visibleAt: visibilityOf(msg, nil),
	})
	s.instances[msg.Instance.InstanceID] = rec
}

// visibilityOf derives when a message becomes deliverable.
func visibilityOf(msg *v1.TaskMessage, explicit *time.Time) time.Time {
	if explicit != nil {
		return explicit.UTC()
	}
	e := msg.Event
	switch {
	case e.ExecutionStarted != nil && e.ExecutionStarted.ScheduledStartTime != nil:
		return e.ExecutionStarted.ScheduledStartTime.UTC()
	case e.TimerFired != nil:
		return e.TimerFired.FireAt.UTC()
	}
	return time.Time{} // immediately visible
}

// AppendMessage implements store.Store.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *v1.TaskMessage, visibleAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil || msg.Event == nil {
		return fmt.Errorf("%w: nil message", v1.ErrInvalidArgument)
	}
	if msg.Instance.InstanceID == "" {
		return fmt.Errorf("%w: missing instance ID", v1.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return store.ErrClosed
	}
	s.appendLocked(msg, visibleAt)
	return nil
}

// appendLocked delivers one message. Caller holds s.mu.
func (s *MemoryStore) appendLocked(msg *v1.TaskMessage, visibleAt *time.Time) {
	id := msg.Instance.InstanceID
	rec, ok := s.instances[id]
	if !ok {
		if msg.Event.Kind == v1.EventExecutionStarted {
			s.createLocked(msg)
			notify(s.sigOrch)
			s.changed.PulseAll()
			return
		}
		s.log.Warn("Dropping message for unknown instance",
			zap.String("instance_id", id),
			zap.String("kind", string(msg.Event.Kind)))
		return
	}
	if rec.metadata.Status.IsTerminal() {
		if msg.Event.Kind == v1.EventExecutionStarted {
			delete(s.instances, id)
			s.createLocked(msg)
			notify(s.sigOrch)
			s.changed.PulseAll()
			return
		}
		s.log.Warn("Dropping message for terminal instance",
			zap.String("instance_id", id),
			zap.String("kind", string(msg.Event.Kind)))
		return
	}
	qm := &queuedMessage{
		seq:       s.nextSeq(),
		msg:       msg,
		visibleAt: visibilityOf(msg, visibleAt),
	}
	rec.inbox = append(rec.inbox, qm)

	// A locked instance has a live session; hand it the message so the
	// in-flight turn can fold it in. The queue entry stays until that
	// turn commits with the receipt, so an unconsumed delivery is just
	// redelivered on the next lock.
	now := time.Now().UTC()
	if s.deliverer != nil && rec.locked(now) && !qm.visibleAt.After(now) {
		s.deliverer.Deliver(id, &v1.WorkMessage{
			DispatchID: id,
			Message:    msg,
			PopReceipt: strconv.FormatInt(qm.seq, 10),
		})
	}
	notify(s.sigOrch)
}

// LockNextOrchestration implements store.Store.
func (s *MemoryStore) LockNextOrchestration(ctx context.Context) (*store.OrchestrationWorkItem, error) {
	for {
		wi, wake := s.tryLockOrchestration()
		if wi != nil {
			return wi, nil
		}
		if err := s.waitForWork(ctx, s.sigOrch, wake); err != nil {
			return nil, err
		}
	}
}

// tryLockOrchestration scans for a ready instance. Returns the earliest
// future visibility time when only deferred messages exist.
func (s *MemoryStore) tryLockOrchestration() (*store.OrchestrationWorkItem, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var nextWake time.Time
	for id, rec := range s.instances {
		if rec.locked(now) || rec.metadata.Status.IsTerminal() {
			continue
		}
		var visible, deferred []*queuedMessage
		for _, qm := range rec.inbox {
			if qm.visibleAt.After(now) {
				deferred = append(deferred, qm)
				if nextWake.IsZero() || qm.visibleAt.Before(nextWake) {
					nextWake = qm.visibleAt
				}
				continue
			}
			visible = append(visible, qm)
		}
		if len(visible) == 0 {
			continue
		}
		sort.SliceStable(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })

		state := orchestration.NewRuntimeState(id, rec.history)

		raw := make([]*v1.TaskMessage, 0, len(visible))
		for _, qm := range visible {
			raw = append(raw, qm.msg)
		}
		kept := orchestration.FilterAndSortMessages(state, raw)
		if len(kept) == 0 {
			// Everything was stale; drop it so the scan doesn't spin.
			rec.inbox = deferred
			continue
		}

		keptSet := make(map[*v1.TaskMessage]*queuedMessage, len(kept))
		for _, qm := range visible {
			keptSet[qm.msg] = qm
		}
		receipts := make([]string, 0, len(kept))
		for _, m := range kept {
			receipts = append(receipts, strconv.FormatInt(keptSet[m].seq, 10))
		}

		rec.lockToken = uuid.NewString()
		rec.lockedUntil = now.Add(defaultLockTimeout)
		return &store.OrchestrationWorkItem{
			InstanceID:  id,
			LockToken:   rec.lockToken,
			LockedUntil: rec.lockedUntil,
			State:       state,
			NewMessages: kept,
			Receipts:    receipts,
		}, time.Time{}
	}
	return nil, nextWake
}

// LockNextActivities implements store.Store.
func (s *MemoryStore) LockNextActivities(ctx context.Context, max int) ([]*store.ActivityWorkItem, error) {
	if max <= 0 {
		max = 1
	}
	for {
		items, wake := s.tryLockActivities(max)
		if len(items) > 0 {
			return items, nil
		}
		if err := s.waitForWork(ctx, s.sigAct, wake); err != nil {
			return nil, err
		}
	}
}

func (s *MemoryStore) tryLockActivities(max int) ([]*store.ActivityWorkItem, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var nextWake time.Time
	var items []*store.ActivityWorkItem
	for _, task := range s.activities {
		if len(items) == max {
			break
		}
		if task.lockToken != "" && now.Before(task.lockedUntil) {
			continue
		}
		if task.visibleAt.After(now) {
			if nextWake.IsZero() || task.visibleAt.Before(nextWake) {
				nextWake = task.visibleAt
			}
			continue
		}
		task.lockToken = uuid.NewString()
		task.lockedUntil = now.Add(defaultLockTimeout)
		items = append(items, &store.ActivityWorkItem{
			SequenceNumber: task.seq,
			InstanceID:     task.instanceID,
			ExecutionID:    task.executionID,
			LockToken:      task.lockToken,
			Event:          task.event,
		})
	}
	return items, nextWake
}

// waitForWork blocks until signaled, the wake deadline passes, ctx is
// cancelled, or the store closes.
func (s *MemoryStore) waitForWork(ctx context.Context, sig chan struct{}, wake time.Time) error {
	var timerC <-chan time.Time
	if !wake.IsZero() {
		timer := time.NewTimer(time.Until(wake))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return store.ErrClosed
	case <-sig:
		return nil
	case <-timerC:
		return nil
	}
}

// RenewOrchestrationLock implements store.Store.
func (s *MemoryStore) RenewOrchestrationLock(ctx context.Context, wi *store.OrchestrationWorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[wi.InstanceID]
	if !ok || rec.lockToken != wi.LockToken {
		return store.ErrLockLost
	}
	rec.lockedUntil = time.Now().UTC().Add(defaultLockTimeout)
	wi.LockedUntil = rec.lockedUntil
	return nil
}

// ReleaseOrchestrationLock implements store.Store.
func (s *MemoryStore) ReleaseOrchestrationLock(ctx context.Context, wi *store.OrchestrationWorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[wi.InstanceID]
	if !ok || rec.lockToken != wi.LockToken {
		// Already released or taken over; nothing to do.
		return nil
	}
	rec.lockToken = ""
	rec.lockedUntil = time.Time{}
	if len(rec.inbox) > 0 {
		notify(s.sigOrch)
	}
	return nil
}

// CompleteOrchestration implements store.Store.
func (s *MemoryStore) CompleteOrchestration(ctx context.Context, wi *store.OrchestrationWorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return store.ErrClosed
	}

	rec, ok := s.instances[wi.InstanceID]
	if !ok || rec.lockToken != wi.LockToken {
		return store.ErrLockLost
	}

	s.deleteReceiptsLocked(rec, wi.Receipts)

	state := wi.State
	if state.ContinuedAsNew() {
		rec.history = append([]*v1.HistoryEvent(nil), state.NewEvents()...)
	} else {
		rec.history = append(rec.history, state.NewEvents()...)
	}

	md := state.Metadata()
	// Creation time survives turns; a continue-as-new generation resets it.
	if !state.ContinuedAsNew() && !rec.metadata.CreatedAt.IsZero() {
		md.CreatedAt = rec.metadata.CreatedAt
	}
	rec.metadata = md

	execID := state.Instance().ExecutionID
	for _, task := range state.PendingTasks() {
		s.activities = append(s.activities, &activityTask{
			seq:         s.nextSeq(),
			instanceID:  wi.InstanceID,
			executionID: execID,
			event:       task,
		})
	}
	if len(state.PendingTasks()) > 0 {
		notify(s.sigAct)
	}
	for _, timer := range state.PendingTimers() {
		s.appendLocked(&v1.TaskMessage{
			Instance: v1.OrchestrationInstance{InstanceID: wi.InstanceID, ExecutionID: execID},
			Event:    timer,
		}, nil)
	}
	for _, out := range state.PendingMessages() {
		s.appendLocked(&v1.TaskMessage{
			Instance: v1.OrchestrationInstance{InstanceID: out.TargetInstanceID},
			Event:    out.Event,
		}, nil)
	}

	rec.lockToken = ""
	rec.lockedUntil = time.Time{}
	if len(rec.inbox) > 0 {
		notify(s.sigOrch)
	}
	s.changed.PulseAll()
	return nil
}

func (s *MemoryStore) deleteReceiptsLocked(rec *instanceRecord, receipts []string) {
	if len(receipts) == 0 {
		return
	}
	consumed := make(map[int64]bool, len(receipts))
	for _, r := range receipts {
		if seq, err := strconv.ParseInt(r, 10, 64); err == nil {
			consumed[seq] = true
		}
	}
	remaining := rec.inbox[:0]
	for _, qm := range rec.inbox {
		if !consumed[qm.seq] {
			remaining = append(remaining, qm)
		}
	}
	rec.inbox = remaining
}

// AbandonOrchestration implements store.Store.
func (s *MemoryStore) AbandonOrchestration(ctx context.Context, wi *store.OrchestrationWorkItem, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[wi.InstanceID]
	if !ok || rec.lockToken != wi.LockToken {
		return nil
	}
	// Messages were never deleted; defer their redelivery.
	if delay > 0 {
		redeliverAt := time.Now().UTC().Add(delay)
		consumed := make(map[string]bool, len(wi.Receipts))
		for _, r := range wi.Receipts {
			consumed[r] = true
		}
		for _, qm := range rec.inbox {
			if consumed[strconv.FormatInt(qm.seq, 10)] {
				qm.visibleAt = redeliverAt
			}
		}
	}
	rec.lockToken = ""
	rec.lockedUntil = time.Time{}
	notify(s.sigOrch)
	return nil
}

// CompleteActivity implements store.Store.
func (s *MemoryStore) CompleteActivity(ctx context.Context, wi *store.ActivityWorkItem, response *v1.TaskMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return store.ErrClosed
	}

	idx := -1
	for i, task := range s.activities {
		if task.seq == wi.SequenceNumber {
			idx = i
			break
		}
	}
	if idx < 0 || s.activities[idx].lockToken != wi.LockToken {
		return store.ErrLockLost
	}
	s.activities = append(s.activities[:idx], s.activities[idx+1:]...)
	s.appendLocked(response, nil)
	return nil
}

// AbandonActivity implements store.Store.
func (s *MemoryStore) AbandonActivity(ctx context.Context, wi *store.ActivityWorkItem, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range s.activities {
		if task.seq == wi.SequenceNumber && task.lockToken == wi.LockToken {
			task.lockToken = ""
			task.lockedUntil = time.Time{}
			task.visibleAt = time.Now().UTC().Add(delay)
			notify(s.sigAct)
			return nil
		}
	}
	return nil
}

// GetMetadata implements store.Store.
func (s *MemoryStore) GetMetadata(ctx context.Context, instanceID string) (*v1.OrchestrationMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", v1.ErrNotFound, instanceID)
	}
	md := *rec.metadata
	return &md, nil
}

// GetHistory implements store.Store.
func (s *MemoryStore) GetHistory(ctx context.Context, instanceID string) ([]*v1.HistoryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", v1.ErrNotFound, instanceID)
	}
	return append([]*v1.HistoryEvent(nil), rec.history...), nil
}

// Query implements store.Store.
func (s *MemoryStore) Query(ctx context.Context, req *v1.QueryRequest) (*v1.QueryResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	matches := make([]*v1.OrchestrationMetadata, 0)
	for _, rec := range s.instances {
		if matchesFilter(rec.metadata, &req.Filter) {
			md := *rec.metadata
			matches = append(matches, &md)
		}
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].Instance.InstanceID < matches[j].Instance.InstanceID
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})

	offset := 0
	if req.Continuation != "" {
		n, err := strconv.Atoi(req.Continuation)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad continuation token", v1.ErrInvalidArgument)
		}
		offset = n
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	if offset > len(matches) {
		offset = len(matches)
	}
	end := offset + pageSize
	resp := &v1.QueryResponse{}
	if end < len(matches) {
		resp.Continuation = strconv.Itoa(end)
	} else {
		end = len(matches)
	}
	resp.Results = matches[offset:end]
	return resp, nil
}

func matchesFilter(md *v1.OrchestrationMetadata, f *v1.QueryFilter) bool {
	if f.InstanceIDPrefix != "" && !strings.HasPrefix(md.Instance.InstanceID, f.InstanceIDPrefix) {
		return false
	}
	if f.Name != "" && md.Name != f.Name {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if md.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedFrom != nil && md.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && md.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

// Purge implements store.Store.
func (s *MemoryStore) Purge(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: %s", v1.ErrNotFound, instanceID)
	}
	if !rec.metadata.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot purge non-terminal instance %s", v1.ErrInvalidArgument, instanceID)
	}
	delete(s.instances, instanceID)
	return nil
}

// PurgeBy implements store.Store.
func (s *MemoryStore) PurgeBy(ctx context.Context, filter *v1.QueryFilter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, rec := range s.instances {
		if rec.metadata.Status.IsTerminal() && matchesFilter(rec.metadata, filter) {
			delete(s.instances, id)
			deleted++
		}
	}
	return deleted, nil
}

// WaitForStatus implements store.Store.
func (s *MemoryStore) WaitForStatus(ctx context.Context, instanceID string, statuses []v1.OrchestrationStatus) (*v1.OrchestrationMetadata, error) {
	for {
		// Subscribe before checking: a pulse that lands between the
		// check and the wait swaps the gate, and waiting on the fresh
		// generation would miss that wakeup.
		gate := s.changed.WaitChan()

		s.mu.Lock()
		rec, ok := s.instances[instanceID]
		var md *v1.OrchestrationMetadata
		if ok {
			copied := *rec.metadata
			md = &copied
		}
		s.mu.Unlock()

		if md != nil && store.StatusMatches(md.Status, statuses) {
			return md, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, store.ErrClosed
		case <-gate:
		}
	}
}

// Close implements store.Store.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		// Set (not pulse) so late waiters pass straight through and
		// observe the closed store.
		s.changed.Set()
	})
	return nil
}
