package memstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/orchestration"
	"github.com/durahub/durahub/internal/store"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

func newStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(logger.Default())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func startMessage(name, instanceID string) *v1.TaskMessage {
	instance := v1.OrchestrationInstance{InstanceID: instanceID, ExecutionID: "exec-" + instanceID}
	return &v1.TaskMessage{
		Instance: instance,
		Event:    v1.NewExecutionStartedEvent(name, "", `"in"`, instance, nil, nil),
	}
}

func lockWithTimeout(t *testing.T, s *MemoryStore) *store.OrchestrationWorkItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wi, err := s.LockNextOrchestration(ctx)
	require.NoError(t, err)
	return wi
}

func lockOneActivity(t *testing.T, ctx context.Context, s *MemoryStore) *store.ActivityWorkItem {
	t.Helper()
	items, err := s.LockNextActivities(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestCreateInstanceAndLock(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateInstance(context.Background(), startMessage("Greeter", "abc"), nil))

	wi := lockWithTimeout(t, s)
	assert.Equal(t, "abc", wi.InstanceID)
	require.Len(t, wi.NewMessages, 1)
	assert.Equal(t, v1.EventExecutionStarted, wi.NewMessages[0].Event.Kind)
	assert.NotEmpty(t, wi.LockToken)

	md, err := s.GetMetadata(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusPending, md.Status)
	assert.Equal(t, "Greeter", md.Name)
}

func TestCreateInstanceDedupes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	err := s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil)
	assert.ErrorIs(t, err, v1.ErrDuplicateInstance)

	// Explicit empty dedupe set still defaults to pending+running.
	err = s.CreateInstance(ctx, startMessage("Greeter", "abc"), []v1.OrchestrationStatus{v1.StatusPending})
	assert.ErrorIs(t, err, v1.ErrDuplicateInstance)
}

func TestLockIsExclusivePerInstance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	_ = lockWithTimeout(t, s)

	// Instance is locked; a second lock attempt must block until timeout.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := s.LockNextOrchestration(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompleteOrchestrationCommitsTurn(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))
	wi := lockWithTimeout(t, s)

	// Simulate a turn that schedules one activity.
	for _, msg := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(msg.Event))
	}
	_, err := orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{{
		ID:           0,
		Kind:         v1.ActionScheduleTask,
		ScheduleTask: &v1.ScheduleTaskAction{Name: "SayHello", Input: `"world"`},
	}})
	require.NoError(t, err)

	require.NoError(t, s.CompleteOrchestration(ctx, wi))

	md, err := s.GetMetadata(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusRunning, md.Status)

	history, err := s.GetHistory(ctx, "abc")
	require.NoError(t, err)
	assert.NotEmpty(t, history)

	// The scheduled activity is dequeueable.
	awi := lockOneActivity(t, ctx, s)
	assert.Equal(t, "abc", awi.InstanceID)
	assert.Equal(t, "SayHello", awi.Event.TaskScheduled.Name)

	// Consumed start message is gone: no new orchestration work.
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = s.LockNextOrchestration(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockNextActivitiesBatches(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))
	wi := lockWithTimeout(t, s)
	for _, msg := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(msg.Event))
	}
	_, err := orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{
		{ID: 0, Kind: v1.ActionScheduleTask, ScheduleTask: &v1.ScheduleTaskAction{Name: "A"}},
		{ID: 1, Kind: v1.ActionScheduleTask, ScheduleTask: &v1.ScheduleTaskAction{Name: "B"}},
		{ID: 2, Kind: v1.ActionScheduleTask, ScheduleTask: &v1.ScheduleTaskAction{Name: "C"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.CompleteOrchestration(ctx, wi))

	// One call locks up to max items; the remainder stays queued.
	items, err := s.LockNextActivities(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].Event.TaskScheduled.Name)
	assert.Equal(t, "B", items[1].Event.TaskScheduled.Name)

	rest := lockOneActivity(t, ctx, s)
	assert.Equal(t, "C", rest.Event.TaskScheduled.Name)
}

func TestCompleteActivityFeedsOrchestration(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))
	wi := lockWithTimeout(t, s)
	for _, msg := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(msg.Event))
	}
	_, err := orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{{
		ID:           0,
		Kind:         v1.ActionScheduleTask,
		ScheduleTask: &v1.ScheduleTaskAction{Name: "SayHello"},
	}})
	require.NoError(t, err)
	require.NoError(t, s.CompleteOrchestration(ctx, wi))

	awi := lockOneActivity(t, ctx, s)

	response := &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: "abc", ExecutionID: awi.ExecutionID},
		Event:    v1.NewTaskCompletedEvent(awi.Event.EventID, `"hello"`),
	}
	require.NoError(t, s.CompleteActivity(ctx, awi, response))

	// The response triggers a new orchestration turn.
	next := lockWithTimeout(t, s)
	require.Len(t, next.NewMessages, 1)
	assert.Equal(t, v1.EventTaskCompleted, next.NewMessages[0].Event.Kind)
	// Replay history carries the committed first turn.
	assert.NotEmpty(t, next.State.OldEvents())
}

func TestCompleteWithStaleLockFails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))
	wi := lockWithTimeout(t, s)
	wi.LockToken = "bogus"

	err := s.CompleteOrchestration(ctx, wi)
	assert.ErrorIs(t, err, store.ErrLockLost)
}

func TestAbandonOrchestrationRedelivers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))
	wi := lockWithTimeout(t, s)

	require.NoError(t, s.AbandonOrchestration(ctx, wi, 0))

	again := lockWithTimeout(t, s)
	assert.Equal(t, "abc", again.InstanceID)
	require.Len(t, again.NewMessages, 1)
}

func TestAbandonActivityRedeliversAfterDelay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))
	wi := lockWithTimeout(t, s)
	for _, msg := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(msg.Event))
	}
	_, err := orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{{
		ID:           0,
		Kind:         v1.ActionScheduleTask,
		ScheduleTask: &v1.ScheduleTaskAction{Name: "SayHello"},
	}})
	require.NoError(t, err)
	require.NoError(t, s.CompleteOrchestration(ctx, wi))

	awi := lockOneActivity(t, ctx, s)
	require.NoError(t, s.AbandonActivity(ctx, awi, 50*time.Millisecond))

	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	redelivered := lockOneActivity(t, lockCtx, s)
	assert.Equal(t, awi.SequenceNumber, redelivered.SequenceNumber)
}

func TestDeferredMessageDelivery(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg := startMessage("Greeter", "abc")
	startAt := time.Now().UTC().Add(150 * time.Millisecond)
	msg.Event.ExecutionStarted.ScheduledStartTime = &startAt
	require.NoError(t, s.CreateInstance(ctx, msg, nil))

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := s.LockNextOrchestration(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wi := lockWithTimeout(t, s)
	assert.Equal(t, "abc", wi.InstanceID)
}

func TestAppendMessageDropsForUnknownInstance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.AppendMessage(ctx, &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: "ghost"},
		Event:    v1.NewEventRaisedEvent("ping", ""),
	}, nil)
	require.NoError(t, err)

	_, err = s.GetMetadata(ctx, "ghost")
	assert.ErrorIs(t, err, v1.ErrNotFound)
}

func TestAppendExecutionStartedAutoCreates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, startMessage("Child", "child-1"), nil))

	md, err := s.GetMetadata(ctx, "child-1")
	require.NoError(t, err)
	assert.Equal(t, "Child", md.Name)
}

func completeInstance(t *testing.T, s *MemoryStore, result string) {
	t.Helper()
	ctx := context.Background()
	wi := lockWithTimeout(t, s)
	for _, msg := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(msg.Event))
	}
	_, err := orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{{
		ID:   0,
		Kind: v1.ActionCompleteOrchestration,
		CompleteOrchestration: &v1.CompleteOrchestrationAction{
			Status: v1.StatusCompleted,
			Result: result,
		},
	}})
	require.NoError(t, err)
	require.NoError(t, s.CompleteOrchestration(ctx, wi))
}

func TestMessagesForTerminalInstanceAreDropped(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))
	completeInstance(t, s, `"done"`)

	require.NoError(t, s.AppendMessage(ctx, &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: "abc"},
		Event:    v1.NewEventRaisedEvent("late", ""),
	}, nil))

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := s.LockNextOrchestration(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	done := make(chan *v1.OrchestrationMetadata, 1)
	go func() {
		md, err := s.WaitForStatus(ctx, "abc", nil)
		if err == nil {
			done <- md
		}
	}()

	completeInstance(t, s, `"done"`)

	select {
	case md := <-done:
		assert.Equal(t, v1.StatusCompleted, md.Status)
		assert.Equal(t, `"done"`, md.Output)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal status")
	}
}

type captureDeliverer struct {
	delivered []*v1.WorkMessage
}

func (c *captureDeliverer) Deliver(_ string, msg *v1.WorkMessage) bool {
	c.delivered = append(c.delivered, msg)
	return true
}

func TestAppendDeliversToLockedInstance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	cd := &captureDeliverer{}
	s.SetDeliverer(cd)

	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	// No lock held yet: the message only queues.
	require.NoError(t, s.AppendMessage(ctx, &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: "abc"},
		Event:    v1.NewEventRaisedEvent("early", `"1"`),
	}, nil))
	assert.Empty(t, cd.delivered)

	wi := lockWithTimeout(t, s)

	// A message appended while the turn is locked reaches the deliverer
	// with a receipt, and its queue entry survives until commit.
	require.NoError(t, s.AppendMessage(ctx, &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: "abc"},
		Event:    v1.NewEventRaisedEvent("late", `"2"`),
	}, nil))
	require.Len(t, cd.delivered, 1)
	assert.Equal(t, "late", cd.delivered[0].Message.Event.EventRaised.Name)
	assert.NotEmpty(t, cd.delivered[0].PopReceipt)

	// The delivered copy was never consumed; abandoning the turn leaves
	// it queued for the next lock.
	require.NoError(t, s.AbandonOrchestration(ctx, wi, 0))
	again := lockWithTimeout(t, s)
	names := make([]string, 0, len(again.NewMessages))
	for _, m := range again.NewMessages {
		if m.Event.EventRaised != nil {
			names = append(names, m.Event.EventRaised.Name)
		}
	}
	assert.Contains(t, names, "late")
}

func TestWaitForStatusSurvivesConcurrentPulses(t *testing.T) {
	// Hammer the window between the waiter's status check and its
	// park: every transition pulses the store, and a pulse landing in
	// that window must still wake the waiter.
	for i := 0; i < 50; i++ {
		s := newStore(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		id := fmt.Sprintf("race-%d", i)
		require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", id), nil))

		done := make(chan error, 1)
		go func() {
			_, err := s.WaitForStatus(ctx, id, nil)
			done <- err
		}()

		completeInstance(t, s, `"ok"`)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("iteration %d: waiter missed the terminal transition", i)
		}
		cancel()
		_ = s.Close()
	}
}

func TestPurgeRequiresTerminalStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	err := s.Purge(ctx, "abc")
	assert.ErrorIs(t, err, v1.ErrInvalidArgument)

	completeInstance(t, s, "")
	require.NoError(t, s.Purge(ctx, "abc"))

	_, err = s.GetMetadata(ctx, "abc")
	assert.ErrorIs(t, err, v1.ErrNotFound)
}

func TestQueryFiltersAndPages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "a-1"), nil))
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "a-2"), nil))
	require.NoError(t, s.CreateInstance(ctx, startMessage("Other", "b-1"), nil))

	resp, err := s.Query(ctx, &v1.QueryRequest{Filter: v1.QueryFilter{Name: "Greeter"}})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)

	resp, err = s.Query(ctx, &v1.QueryRequest{Filter: v1.QueryFilter{InstanceIDPrefix: "a-"}, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.NotEmpty(t, resp.Continuation)

	resp, err = s.Query(ctx, &v1.QueryRequest{
		Filter:       v1.QueryFilter{InstanceIDPrefix: "a-"},
		PageSize:     1,
		Continuation: resp.Continuation,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Continuation)
}

func TestCloseUnblocksConsumers(t *testing.T) {
	s := NewMemoryStore(logger.Default())

	errCh := make(chan error, 1)
	go func() {
		_, err := s.LockNextOrchestration(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, store.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("LockNextOrchestration did not unblock on close")
	}
}
