package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durahub/durahub/internal/common/logger"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

func workMessage(instanceID, eventName string) *v1.WorkMessage {
	return &v1.WorkMessage{
		DispatchID: instanceID,
		Message: &v1.TaskMessage{
			Instance: v1.OrchestrationInstance{InstanceID: instanceID},
			Event:    v1.NewEventRaisedEvent(eventName, ""),
		},
	}
}

func TestInitializeSeedsFirstMessage(t *testing.T) {
	r := New(logger.Default())

	reader, err := r.Initialize(workMessage("abc", "first"))
	require.NoError(t, err)
	defer reader.Close()

	msg, err := reader.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", msg.Message.Event.EventRaised.Name)
}

func TestInitializeRejectsDuplicate(t *testing.T) {
	r := New(logger.Default())

	reader, err := r.Initialize(workMessage("abc", "first"))
	require.NoError(t, err)
	defer reader.Close()

	_, err = r.Initialize(workMessage("abc", "second"))
	assert.Error(t, err)
}

func TestDeliverOnlyToRegistered(t *testing.T) {
	r := New(logger.Default())

	assert.False(t, r.Deliver("ghost", workMessage("ghost", "x")))

	reader, err := r.Initialize(workMessage("abc", "first"))
	require.NoError(t, err)
	defer reader.Close()

	assert.True(t, r.Deliver("abc", workMessage("abc", "second")))

	ctx := context.Background()
	first, err := reader.Read(ctx)
	require.NoError(t, err)
	second, err := reader.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", first.Message.Event.EventRaised.Name)
	assert.Equal(t, "second", second.Message.Event.EventRaised.Name)
}

func TestReadBlocksUntilDelivery(t *testing.T) {
	r := New(logger.Default())
	reader, err := r.Initialize(workMessage("abc", "first"))
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Read(context.Background())
	require.NoError(t, err)

	got := make(chan *v1.WorkMessage, 1)
	go func() {
		msg, err := reader.Read(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.True(t, r.Deliver("abc", workMessage("abc", "late")))

	select {
	case msg := <-got:
		assert.Equal(t, "late", msg.Message.Event.EventRaised.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read never observed the delivery")
	}
}

func TestCloseUnregistersAndDrains(t *testing.T) {
	r := New(logger.Default())
	reader, err := r.Initialize(workMessage("abc", "first"))
	require.NoError(t, err)
	require.True(t, r.Deliver("abc", workMessage("abc", "second")))

	reader.Close()
	assert.False(t, r.Registered("abc"))
	assert.False(t, r.Deliver("abc", workMessage("abc", "after-close")))

	// Buffered messages stay readable until drained.
	ctx := context.Background()
	_, err = reader.Read(ctx)
	require.NoError(t, err)
	_, err = reader.Read(ctx)
	require.NoError(t, err)
	_, err = reader.Read(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	// A new registration for the instance is allowed after disposal.
	reader2, err := r.Initialize(workMessage("abc", "fresh"))
	require.NoError(t, err)
	reader2.Close()
}

func TestReadHonorsContext(t *testing.T) {
	r := New(logger.Default())
	reader, err := r.Initialize(workMessage("abc", "first"))
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Read(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = reader.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
