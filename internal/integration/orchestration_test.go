package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/durahub/durahub/internal/worker"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// registerSamples wires the shared scenario tasks used across tests.
func registerSamples(r *worker.Registry) {
	_ = r.AddActivity("Double", func(ctx worker.ActivityContext) (any, error) {
		var n int
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})

	_ = r.AddActivity("Explode", func(ctx worker.ActivityContext) (any, error) {
		return nil, errors.New("the gasket blew")
	})

	_ = r.AddOrchestrator("DoubleChain", func(ctx *worker.OrchestrationContext) (any, error) {
		var n int
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		for i := 0; i < 3; i++ {
			if err := ctx.CallActivity("Double", worker.WithInput(n)).Await(&n); err != nil {
				return nil, err
			}
		}
		return n, nil
	})

	_ = r.AddOrchestrator("Doomed", func(ctx *worker.OrchestrationContext) (any, error) {
		var out int
		if err := ctx.CallActivity("Explode").Await(&out); err != nil {
			return nil, err
		}
		return out, nil
	})

	_ = r.AddOrchestrator("Approval", func(ctx *worker.OrchestrationContext) (any, error) {
		ctx.SetCustomStatus("waiting for approval")
		var verdict string
		if err := ctx.WaitForExternalEvent("approval").Await(&verdict); err != nil {
			return nil, err
		}
		return "approved by " + verdict, nil
	})

	_ = r.AddOrchestrator("ShortNap", func(ctx *worker.OrchestrationContext) (any, error) {
		before := ctx.CurrentTime()
		if err := ctx.CreateTimer(100 * time.Millisecond).Await(nil); err != nil {
			return nil, err
		}
		return ctx.CurrentTime().Sub(before) >= 100*time.Millisecond, nil
	})

	_ = r.AddOrchestrator("Fibonacci", func(ctx *worker.OrchestrationContext) (any, error) {
		var n int
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		if n < 2 {
			return n, nil
		}
		left := ctx.CallSubOrchestrator("Fibonacci", worker.WithInput(n-1))
		right := ctx.CallSubOrchestrator("Fibonacci", worker.WithInput(n-2))
		var a, b int
		if err := left.Await(&a); err != nil {
			return nil, err
		}
		if err := right.Await(&b); err != nil {
			return nil, err
		}
		return a + b, nil
	})

	_ = r.AddOrchestrator("Handoff", func(ctx *worker.OrchestrationContext) (any, error) {
		var phase string
		if err := ctx.GetInput(&phase); err != nil {
			return nil, err
		}
		if phase == "handover" {
			if err := ctx.WaitForExternalEvent("go").Await(nil); err != nil {
				return nil, err
			}
			return nil, ctx.ContinueAsNew("final", true)
		}
		var verdict string
		if err := ctx.WaitForExternalEvent("approval").Await(&verdict); err != nil {
			return nil, err
		}
		return "ok:" + verdict, nil
	})

	_ = r.AddOrchestrator("CountToThree", func(ctx *worker.OrchestrationContext) (any, error) {
		var count int
		if err := ctx.GetInput(&count); err != nil {
			return nil, err
		}
		if count >= 3 {
			return count, nil
		}
		return nil, ctx.ContinueAsNew(count+1, false)
	})
}

func TestActivityChainCompletes(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{
		Name:  "DoubleChain",
		Input: "3",
	})

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, "24", md.Output)
}

func TestActivityFailureFailsOrchestration(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{Name: "Doomed"})

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusFailed, md.Status)
	require.NotNil(t, md.Failure)
	require.NotNil(t, md.Failure.InnerFailure)
	assert.Contains(t, md.Failure.InnerFailure.ErrorMessage, "the gasket blew")
}

func TestExternalEventUnblocksOrchestration(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{Name: "Approval"})

	// The instance parks on the event; give its first turn time to run
	// and surface the custom status.
	require.Eventually(t, func() bool {
		resp, err := e.Client.GetOrchestration(context.Background(), &v1.GetOrchestrationRequest{
			InstanceID: instance.InstanceID,
		})
		return err == nil && resp.Metadata.CustomStatus == "waiting for approval"
	}, 5*time.Second, 20*time.Millisecond)

	err := e.Client.RaiseEvent(context.Background(), &v1.RaiseEventRequest{
		InstanceID: instance.InstanceID,
		Name:       "approval",
		Input:      `"ops"`,
	})
	require.NoError(t, err)

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, `"approved by ops"`, md.Output)
}

func TestDurableTimerFires(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{Name: "ShortNap"})

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, "true", md.Output)
}

func TestSubOrchestrationsComputeFibonacci(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{
		Name:  "Fibonacci",
		Input: "5",
	})

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, "5", md.Output)
}

func TestContinueAsNewKeepsHistoryShort(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{
		Name:  "CountToThree",
		Input: "0",
	})

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, "3", md.Output)

	// The final chain segment started from input 3 and carries none of
	// the earlier executions' events.
	resp, err := e.Client.GetOrchestration(context.Background(), &v1.GetOrchestrationRequest{
		InstanceID:   instance.InstanceID,
		FetchInputs:  true,
		FetchHistory: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "3", resp.Metadata.Input)
	assert.NotEqual(t, instance.ExecutionID, resp.Metadata.Instance.ExecutionID)
	for _, event := range resp.History {
		assert.NotEqual(t, v1.EventContinueAsNew, event.Kind)
	}
}

func TestContinueAsNewCarriesBufferedEvent(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{
		Name:  "Handoff",
		Input: `"handover"`,
	})

	// The approval lands before the generation that waits for it
	// exists; continue-as-new with carryover must hand it to the next
	// generation. Raising it first also pins the ordering: the start
	// generation consumes it before "go" triggers the handover.
	require.NoError(t, e.Client.RaiseEvent(context.Background(), &v1.RaiseEventRequest{
		InstanceID: instance.InstanceID,
		Name:       "approval",
		Input:      `"early"`,
	}))
	require.NoError(t, e.Client.RaiseEvent(context.Background(), &v1.RaiseEventRequest{
		InstanceID: instance.InstanceID,
		Name:       "go",
	}))

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, `"ok:early"`, md.Output)
}

func TestTerminateStopsWaitingInstance(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{Name: "Approval"})

	require.Eventually(t, func() bool {
		md, err := e.Store.GetMetadata(context.Background(), instance.InstanceID)
		return err == nil && md.Status == v1.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	err := e.Client.Terminate(context.Background(), &v1.TerminateOrchestrationRequest{
		InstanceID: instance.InstanceID,
		Reason:     "operator request",
	})
	require.NoError(t, err)

	md := e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusTerminated, md.Status)
	assert.Equal(t, "operator request", md.Output)
}

func TestReplayIsDeterministicAcrossTurns(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	// A chain of activities forces several replayed turns; any
	// divergence between replay and the first execution would fail the
	// instance with a non-determinism error instead of completing it.
	for i := 0; i < 3; i++ {
		instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{
			Name:       "DoubleChain",
			InstanceID: fmt.Sprintf("replay-%d", i),
			Input:      "1",
		})
		md := e.WaitTerminal(t, instance.InstanceID)
		require.Equal(t, v1.StatusCompleted, md.Status)

		var out int
		require.NoError(t, json.Unmarshal([]byte(md.Output), &out))
		assert.Equal(t, 8, out)
	}
}
