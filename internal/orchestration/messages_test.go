package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/durahub/durahub/pkg/api/v1"
)

func msg(instanceID, executionID string, e *v1.HistoryEvent) *v1.TaskMessage {
	return &v1.TaskMessage{
		Instance: v1.OrchestrationInstance{InstanceID: instanceID, ExecutionID: executionID},
		Event:    e,
	}
}

func TestFilterDropsWrongExecution(t *testing.T) {
	s := runningState(t, "abc") // execution ID exec-1

	kept := FilterAndSortMessages(s, []*v1.TaskMessage{
		msg("abc", "exec-0", v1.NewTaskCompletedEvent(1, "")),
		msg("abc", "exec-1", v1.NewEventRaisedEvent("go", "")),
		msg("abc", "", v1.NewEventRaisedEvent("also", "")),
	})

	require.Len(t, kept, 2)
	assert.Equal(t, "go", kept[0].Event.EventRaised.Name)
	assert.Equal(t, "also", kept[1].Event.EventRaised.Name)
}

func TestFilterDropsDuplicateStart(t *testing.T) {
	s := runningState(t, "abc")

	kept := FilterAndSortMessages(s, []*v1.TaskMessage{
		msg("abc", "", startedEvent("Greeter", "abc", "exec-2")),
		msg("abc", "exec-1", v1.NewEventRaisedEvent("go", "")),
	})

	require.Len(t, kept, 1)
	assert.Equal(t, v1.EventRaised, kept[0].Event.Kind)
}

func TestFilterSortsStartFirst(t *testing.T) {
	s := NewRuntimeState("abc", nil)

	kept := FilterAndSortMessages(s, []*v1.TaskMessage{
		msg("abc", "", v1.NewEventRaisedEvent("early", "")),
		msg("abc", "", startedEvent("Greeter", "abc", "exec-1")),
		msg("abc", "", v1.NewEventRaisedEvent("late", "")),
	})

	require.Len(t, kept, 3)
	assert.Equal(t, v1.EventExecutionStarted, kept[0].Event.Kind)
	assert.Equal(t, "early", kept[1].Event.EventRaised.Name)
	assert.Equal(t, "late", kept[2].Event.EventRaised.Name)
}

func TestFilterKeepsSingleStartFromBatch(t *testing.T) {
	s := NewRuntimeState("abc", nil)

	kept := FilterAndSortMessages(s, []*v1.TaskMessage{
		msg("abc", "", startedEvent("Greeter", "abc", "exec-1")),
		msg("abc", "", startedEvent("Greeter", "abc", "exec-2")),
	})

	require.Len(t, kept, 1)
	assert.Equal(t, "exec-1", kept[0].Event.ExecutionStarted.Instance.ExecutionID)
}
