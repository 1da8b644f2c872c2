package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/router"
	"github.com/durahub/durahub/internal/store"
	"github.com/durahub/durahub/internal/store/memstore"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// chanStream is an in-process WorkStream backed by a channel.
type chanStream struct {
	items chan *v1.WorkItem
}

func (s *chanStream) Send(ctx context.Context, item *v1.WorkItem) error {
	select {
	case s.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type hubFixture struct {
	store      store.Store
	dispatcher *Dispatcher
	stream     *chanStream
	cancel     context.CancelFunc
}

func newHub(t *testing.T) *hubFixture {
	t.Helper()
	log := logger.Default()
	st := memstore.NewMemoryStore(log)
	rt := router.New(log)
	cfg := &config.EngineConfig{WorkItemBufferCapacity: 10, LockRenewalWindow: 60}
	d := NewDispatcher(cfg, st, rt, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	stream := &chanStream{items: make(chan *v1.WorkItem, 10)}
	go func() { _ = d.StreamWorkItems(ctx, stream) }()

	t.Cleanup(func() {
		cancel()
		d.Close()
		_ = st.Close()
	})
	return &hubFixture{store: st, dispatcher: d, stream: stream, cancel: cancel}
}

func (f *hubFixture) recv(t *testing.T) *v1.WorkItem {
	t.Helper()
	select {
	case item := <-f.stream.items:
		return item
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a work item")
		return nil
	}
}

func (f *hubFixture) schedule(t *testing.T, name, instanceID string) {
	t.Helper()
	e := v1.NewExecutionStartedEvent(name, "", "", v1.OrchestrationInstance{
		InstanceID:  instanceID,
		ExecutionID: "exec-" + instanceID,
	}, nil, nil)
	err := f.store.CreateInstance(context.Background(), &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: instanceID, ExecutionID: "exec-" + instanceID},
		Event:    e,
	}, nil)
	require.NoError(t, err)
}

func completeAction(id int32, status v1.OrchestrationStatus, result string) *v1.OrchestratorAction {
	return &v1.OrchestratorAction{
		ID:   id,
		Kind: v1.ActionCompleteOrchestration,
		CompleteOrchestration: &v1.CompleteOrchestrationAction{
			Status: status,
			Result: result,
		},
	}
}

func TestHubDispatchesNewInstance(t *testing.T) {
	f := newHub(t)
	f.schedule(t, "Greeter", "hub-1")

	item := f.recv(t)
	require.Equal(t, v1.WorkItemOrchestrator, item.Kind)
	require.NotNil(t, item.Orchestrator)
	assert.Equal(t, "hub-1", item.Orchestrator.Instance.InstanceID)
	assert.Equal(t, "Greeter", item.Orchestrator.Name)
	assert.Empty(t, item.Orchestrator.ReplayHistory)

	require.Len(t, item.Orchestrator.NewMessages, 2)
	assert.Equal(t, v1.EventOrchestratorStarted, item.Orchestrator.NewMessages[0].Event.Kind)
	assert.Equal(t, v1.EventExecutionStarted, item.Orchestrator.NewMessages[1].Event.Kind)
}

func TestHubActivityRoundTrip(t *testing.T) {
	f := newHub(t)
	f.schedule(t, "Greeter", "hub-2")
	ctx := context.Background()

	item := f.recv(t)
	require.Equal(t, v1.WorkItemOrchestrator, item.Kind)

	_, err := f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{
		InstanceID: "hub-2",
		Actions: []*v1.OrchestratorAction{{
			ID:           0,
			Kind:         v1.ActionScheduleTask,
			ScheduleTask: &v1.ScheduleTaskAction{Name: "SayHello", Input: `"world"`},
		}},
	})
	require.NoError(t, err)

	item = f.recv(t)
	require.Equal(t, v1.WorkItemActivity, item.Kind)
	require.NotNil(t, item.Activity)
	assert.Equal(t, "SayHello", item.Activity.Name)
	assert.Equal(t, int32(0), item.Activity.TaskID)
	assert.Equal(t, `"world"`, item.Activity.Input)

	ack, err := f.dispatcher.CompleteActivityTask(ctx, &v1.ActivityResult{
		InstanceID: "hub-2",
		TaskID:     0,
		Result:     `"hello world"`,
	})
	require.NoError(t, err)
	assert.True(t, ack.Completed)

	item = f.recv(t)
	require.Equal(t, v1.WorkItemOrchestrator, item.Kind)
	assert.NotEmpty(t, item.Orchestrator.ReplayHistory)
	var gotCompleted bool
	for _, m := range item.Orchestrator.NewMessages {
		if m.Event.Kind == v1.EventTaskCompleted {
			gotCompleted = true
			assert.Equal(t, int32(0), m.Event.TaskCompleted.ScheduledID)
		}
	}
	assert.True(t, gotCompleted, "second turn should carry the task result")

	ack, err = f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{
		InstanceID: "hub-2",
		Actions:    []*v1.OrchestratorAction{completeAction(2, v1.StatusCompleted, `"hello world"`)},
	})
	require.NoError(t, err)
	assert.True(t, ack.Completed)

	md, err := f.store.GetMetadata(ctx, "hub-2")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, `"hello world"`, md.Output)
}

func TestHubCompletionForUnknownInstance(t *testing.T) {
	f := newHub(t)
	ctx := context.Background()

	_, err := f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{InstanceID: "nope"})
	assert.ErrorIs(t, err, v1.ErrNotFound)

	_, err = f.dispatcher.CompleteActivityTask(ctx, &v1.ActivityResult{InstanceID: "nope", TaskID: 3})
	assert.ErrorIs(t, err, v1.ErrNotFound)
}

func TestHubAbortRedelivers(t *testing.T) {
	f := newHub(t)
	f.schedule(t, "Flaky", "hub-3")
	ctx := context.Background()

	item := f.recv(t)
	require.Equal(t, "hub-3", item.Orchestrator.Instance.InstanceID)

	_, err := f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{
		InstanceID: "hub-3",
		Abort:      true,
	})
	require.NoError(t, err)

	item = f.recv(t)
	require.Equal(t, v1.WorkItemOrchestrator, item.Kind)
	assert.Equal(t, "hub-3", item.Orchestrator.Instance.InstanceID)
}

func TestHubContinueAsNewFastPath(t *testing.T) {
	f := newHub(t)
	f.schedule(t, "Counter", "hub-4")
	ctx := context.Background()

	item := f.recv(t)
	firstExecution := item.Orchestrator.Instance.ExecutionID

	_, err := f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{
		InstanceID: "hub-4",
		Actions: []*v1.OrchestratorAction{{
			ID:   0,
			Kind: v1.ActionCompleteOrchestration,
			CompleteOrchestration: &v1.CompleteOrchestrationAction{
				Status: v1.StatusContinuedAsNew,
				Result: `1`,
			},
		}},
	})
	require.NoError(t, err)

	// The fresh generation arrives without a store round trip.
	item = f.recv(t)
	require.Equal(t, v1.WorkItemOrchestrator, item.Kind)
	assert.Empty(t, item.Orchestrator.ReplayHistory)
	assert.NotEqual(t, firstExecution, item.Orchestrator.Instance.ExecutionID)
	var started *v1.HistoryEvent
	for _, m := range item.Orchestrator.NewMessages {
		if m.Event.Kind == v1.EventExecutionStarted {
			started = m.Event
		}
	}
	require.NotNil(t, started)
	assert.Equal(t, `1`, started.ExecutionStarted.Input)

	// Terminating the chain commits once with the replaced history.
	ack, err := f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{
		InstanceID: "hub-4",
		Actions:    []*v1.OrchestratorAction{completeAction(1, v1.StatusCompleted, `1`)},
	})
	require.NoError(t, err)
	assert.True(t, ack.Completed)

	md, err := f.store.GetMetadata(ctx, "hub-4")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, `1`, md.Input)

	history, err := f.store.GetHistory(ctx, "hub-4")
	require.NoError(t, err)
	for _, e := range history {
		assert.NotEqual(t, v1.EventContinueAsNew, e.Kind, "committed history starts at the last generation")
	}
}

func TestHubWorkerFailureFailsInstance(t *testing.T) {
	f := newHub(t)
	f.schedule(t, "Broken", "hub-5")
	ctx := context.Background()

	f.recv(t)
	_, err := f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{
		InstanceID: "hub-5",
		Failure:    &v1.TaskFailure{ErrorType: "OrchestratorError", ErrorMessage: "no such orchestrator"},
	})
	require.NoError(t, err)

	md, err := f.store.GetMetadata(ctx, "hub-5")
	require.NoError(t, err)
	assert.Equal(t, v1.StatusFailed, md.Status)
	require.NotNil(t, md.Failure)
	assert.Equal(t, "no such orchestrator", md.Failure.ErrorMessage)
}

func TestHubFailedActivityDeliversTaskFailed(t *testing.T) {
	f := newHub(t)
	f.schedule(t, "Greeter", "hub-6")
	ctx := context.Background()

	f.recv(t)
	_, err := f.dispatcher.CompleteOrchestratorTask(ctx, &v1.OrchestratorResult{
		InstanceID: "hub-6",
		Actions: []*v1.OrchestratorAction{{
			ID:           0,
			Kind:         v1.ActionScheduleTask,
			ScheduleTask: &v1.ScheduleTaskAction{Name: "Explode"},
		}},
	})
	require.NoError(t, err)

	f.recv(t)
	_, err = f.dispatcher.CompleteActivityTask(ctx, &v1.ActivityResult{
		InstanceID: "hub-6",
		TaskID:     0,
		Failure:    &v1.TaskFailure{ErrorType: "ActivityError", ErrorMessage: "boom"},
	})
	require.NoError(t, err)

	item := f.recv(t)
	var failed *v1.HistoryEvent
	for _, m := range item.Orchestrator.NewMessages {
		if m.Event.Kind == v1.EventTaskFailed {
			failed = m.Event
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "boom", failed.TaskFailed.Failure.ErrorMessage)
}
