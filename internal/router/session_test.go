package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/store"
	"github.com/durahub/durahub/internal/store/memstore"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

func lockedTurn(t *testing.T, s store.Store, name, instanceID string) *store.OrchestrationWorkItem {
	t.Helper()
	ctx := context.Background()
	instance := v1.OrchestrationInstance{InstanceID: instanceID, ExecutionID: "exec-1"}
	require.NoError(t, s.CreateInstance(ctx, &v1.TaskMessage{
		Instance: instance,
		Event:    v1.NewExecutionStartedEvent(name, "", "", instance, nil, nil),
	}, nil))

	lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	wi, err := s.LockNextOrchestration(lockCtx)
	require.NoError(t, err)
	return wi
}

func TestSessionConveysTurnMessages(t *testing.T) {
	ms := memstore.NewMemoryStore(logger.Default())
	defer ms.Close()
	r := New(logger.Default())
	wi := lockedTurn(t, ms, "Greeter", "abc")

	sess, err := NewSession(r, wi, logger.Default())
	require.NoError(t, err)
	defer sess.Release()

	msg, err := sess.Reader().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v1.EventExecutionStarted, msg.Message.Event.Kind)
	assert.NotEmpty(t, msg.PopReceipt)
	assert.Empty(t, sess.History())
}

func TestSessionConsumeFoldsIntoState(t *testing.T) {
	ms := memstore.NewMemoryStore(logger.Default())
	defer ms.Close()
	r := New(logger.Default())
	wi := lockedTurn(t, ms, "Greeter", "abc")

	sess, err := NewSession(r, wi, logger.Default())
	require.NoError(t, err)
	defer sess.Release()

	msg, err := sess.Reader().Read(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.ConsumeMessage(msg))

	assert.Equal(t, v1.StatusRunning, wi.State.RuntimeStatus())
}

func TestSessionConsumeClaimsLiveReceipts(t *testing.T) {
	ms := memstore.NewMemoryStore(logger.Default())
	defer ms.Close()
	r := New(logger.Default())
	wi := lockedTurn(t, ms, "Greeter", "abc")

	sess, err := NewSession(r, wi, logger.Default())
	require.NoError(t, err)
	defer sess.Release()

	seeded := len(wi.Receipts)

	// Consuming a seeded message claims nothing new: its receipt was
	// listed on the work item at lock time.
	msg, err := sess.Reader().Read(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.ConsumeMessage(msg))
	assert.Len(t, wi.Receipts, seeded)

	// A live-delivered message carries a fresh receipt; consumption
	// adds it so the commit deletes the queue entry.
	require.NoError(t, sess.ConsumeMessage(&v1.WorkMessage{
		DispatchID: "abc",
		Message: &v1.TaskMessage{
			Instance: wi.State.Instance(),
			Event:    v1.NewEventRaisedEvent("signal", `"x"`),
		},
		PopReceipt: "99",
	}))
	assert.Contains(t, wi.Receipts, "99")

	// Re-consuming the same receipt does not duplicate it.
	require.Error(t, sess.ConsumeMessage(&v1.WorkMessage{
		DispatchID: "abc",
		Message: &v1.TaskMessage{
			Instance: wi.State.Instance(),
			Event:    msg.Message.Event,
		},
		PopReceipt: "99",
	}))
	assert.Len(t, wi.Receipts, seeded+1)
}

func TestSessionReleaseUnregisters(t *testing.T) {
	ms := memstore.NewMemoryStore(logger.Default())
	defer ms.Close()
	r := New(logger.Default())
	wi := lockedTurn(t, ms, "Greeter", "abc")

	sess, err := NewSession(r, wi, logger.Default())
	require.NoError(t, err)

	require.True(t, r.Registered("abc"))
	sess.Release()
	sess.Release() // idempotent
	assert.False(t, r.Registered("abc"))
}
