package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/db"
	"github.com/durahub/durahub/internal/orchestration"
	"github.com/durahub/durahub/internal/store"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "durahub.db"),
	}
	pool, cleanup, err := db.Provide(cfg, logger.Default())
	require.NoError(t, err)
	t.Cleanup(cleanup)

	s, err := NewSQLStore(context.Background(), pool, logger.Default())
	require.NoError(t, err)
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

func lockOrch(t *testing.T, s *SQLStore) *store.OrchestrationWorkItem {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wi, err := s.LockNextOrchestration(ctx)
	require.NoError(t, err)
	return wi
}

func TestSQLiteCreateLockComplete(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	// Dedupe on pending.
	err := s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil)
	assert.ErrorIs(t, err, v1.ErrDuplicateInstance)

	wi := lockOrch(t, s)
	require.Len(t, wi.NewMessages, 1)
	assert.Equal(t, v1.EventExecutionStarted, wi.NewMessages[0].Event.Kind)

	for _, m := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(m.Event))
	}
	_, err = orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{{
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

	acts, err := s.LockNextActivities(ctx, 4)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	awi := acts[0]
	assert.Equal(t, "SayHello", awi.Event.TaskScheduled.Name)

	require.NoError(t, s.CompleteActivity(ctx, awi, &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: "abc", ExecutionID: awi.ExecutionID},
		Event:    v1.NewTaskCompletedEvent(awi.Event.EventID, `"hello"`),
	}))

	next := lockOrch(t, s)
	require.Len(t, next.NewMessages, 1)
	assert.Equal(t, v1.EventTaskCompleted, next.NewMessages[0].Event.Kind)
	assert.NotEmpty(t, next.State.OldEvents())
}

func TestSQLiteStaleLockRejected(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	wi := lockOrch(t, s)
	wi.LockToken = "bogus"
	assert.ErrorIs(t, s.CompleteOrchestration(ctx, wi), store.ErrLockLost)
	assert.ErrorIs(t, s.RenewOrchestrationLock(ctx, wi), store.ErrLockLost)
}

func TestSQLiteAbandonRedelivers(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	wi := lockOrch(t, s)
	require.NoError(t, s.AbandonOrchestration(ctx, wi, 0))

	again := lockOrch(t, s)
	assert.Equal(t, "abc", again.InstanceID)
}

func TestSQLiteTerminalDropAndPurge(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	wi := lockOrch(t, s)
	for _, m := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(m.Event))
	}
	_, err := orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{{
		ID:   0,
		Kind: v1.ActionCompleteOrchestration,
		CompleteOrchestration: &v1.CompleteOrchestrationAction{
			Status: v1.StatusCompleted,
			Result: `"done"`,
		},
	}})
	require.NoError(t, err)
	require.NoError(t, s.CompleteOrchestration(ctx, wi))

	// Late message is dropped.
	require.NoError(t, s.AppendMessage(ctx, &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: "abc"},
		Event:    v1.NewEventRaisedEvent("late", ""),
	}, nil))
	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = s.LockNextOrchestration(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, s.Purge(ctx, "abc"))
	_, err = s.GetMetadata(ctx, "abc")
	assert.ErrorIs(t, err, v1.ErrNotFound)
}

func TestSQLiteQueryPaging(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "a-1"), nil))
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "a-2"), nil))
	require.NoError(t, s.CreateInstance(ctx, startMessage("Other", "b-1"), nil))

	resp, err := s.Query(ctx, &v1.QueryRequest{Filter: v1.QueryFilter{Name: "Greeter"}, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	require.NotEmpty(t, resp.Continuation)

	resp, err = s.Query(ctx, &v1.QueryRequest{
		Filter:       v1.QueryFilter{Name: "Greeter"},
		PageSize:     1,
		Continuation: resp.Continuation,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Continuation)
}

func TestSQLiteWaitForStatus(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateInstance(ctx, startMessage("Greeter", "abc"), nil))

	done := make(chan *v1.OrchestrationMetadata, 1)
	go func() {
		md, err := s.WaitForStatus(ctx, "abc", nil)
		if err == nil {
			done <- md
		}
	}()

	wi := lockOrch(t, s)
	for _, m := range wi.NewMessages {
		require.NoError(t, wi.State.AddEvent(m.Event))
	}
	_, err := orchestration.ApplyActions(wi.State, []*v1.OrchestratorAction{{
		ID:   0,
		Kind: v1.ActionCompleteOrchestration,
		CompleteOrchestration: &v1.CompleteOrchestrationAction{
			Status: v1.StatusCompleted,
			Result: `"done"`,
		},
	}})
	require.NoError(t, err)
	require.NoError(t, s.CompleteOrchestration(ctx, wi))

	select {
	case md := <-done:
		assert.Equal(t, v1.StatusCompleted, md.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal status")
	}
}
