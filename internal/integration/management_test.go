package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/durahub/durahub/pkg/api/v1"
	ws "github.com/durahub/durahub/pkg/websocket"
)

func TestScheduleDedupesConcurrentCreates(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	req := &v1.ScheduleOrchestrationRequest{
		Name:       "Approval",
		InstanceID: "dedupe-1",
		DedupeStatuses: []v1.OrchestrationStatus{
			v1.StatusPending, v1.StatusRunning,
		},
	}
	_, err := e.Client.ScheduleNewOrchestration(context.Background(), req)
	require.NoError(t, err)

	_, err = e.Client.ScheduleNewOrchestration(context.Background(), req)
	require.ErrorIs(t, err, v1.ErrDuplicateInstance)
}

func TestQueryAndPurgeLifecycle(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	for _, id := range []string{"purge-a", "purge-b"} {
		instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{
			Name:       "DoubleChain",
			InstanceID: id,
			Input:      "1",
		})
		md := e.WaitTerminal(t, instance.InstanceID)
		require.Equal(t, v1.StatusCompleted, md.Status)
	}

	resp, err := e.Client.Query(context.Background(), &v1.QueryRequest{
		Filter: v1.QueryFilter{InstanceIDPrefix: "purge-"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	purged, err := e.Client.Purge(context.Background(), &v1.PurgeOrchestrationRequest{
		Filter: &v1.QueryFilter{InstanceIDPrefix: "purge-"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, purged.Deleted)

	_, err = e.Client.GetOrchestration(context.Background(), &v1.GetOrchestrationRequest{
		InstanceID: "purge-a",
	})
	require.ErrorIs(t, err, v1.ErrNotFound)
}

func TestSuspendDefersEventsUntilResume(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	instance := e.Schedule(t, &v1.ScheduleOrchestrationRequest{Name: "Approval"})

	require.Eventually(t, func() bool {
		md, err := e.Store.GetMetadata(context.Background(), instance.InstanceID)
		return err == nil && md.Status == v1.StatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, e.Client.Suspend(context.Background(), &v1.SuspendOrchestrationRequest{
		InstanceID: instance.InstanceID,
	}))
	require.Eventually(t, func() bool {
		md, err := e.Store.GetMetadata(context.Background(), instance.InstanceID)
		return err == nil && md.Status == v1.StatusSuspended
	}, 5*time.Second, 20*time.Millisecond)

	// The approval arrives while suspended and must not complete the
	// instance until it is resumed.
	require.NoError(t, e.Client.RaiseEvent(context.Background(), &v1.RaiseEventRequest{
		InstanceID: instance.InstanceID,
		Name:       "approval",
		Input:      `"ops"`,
	}))
	time.Sleep(200 * time.Millisecond)
	md, err := e.Store.GetMetadata(context.Background(), instance.InstanceID)
	require.NoError(t, err)
	require.Equal(t, v1.StatusSuspended, md.Status)

	require.NoError(t, e.Client.Resume(context.Background(), &v1.ResumeOrchestrationRequest{
		InstanceID: instance.InstanceID,
	}))

	md = e.WaitTerminal(t, instance.InstanceID)
	require.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, `"approved by ops"`, md.Output)
}

func TestHTTPScheduleAndWait(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	body, err := json.Marshal(&v1.ScheduleOrchestrationRequest{
		Name:  "DoubleChain",
		Input: "2",
	})
	require.NoError(t, err)

	resp, err := http.Post(e.Server.URL+"/api/v1/orchestrations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var scheduled v1.ScheduleOrchestrationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scheduled))
	require.NotEmpty(t, scheduled.Instance.InstanceID)

	waitBody, err := json.Marshal(&v1.WaitOrchestrationRequest{
		InstanceID:     scheduled.Instance.InstanceID,
		TimeoutSeconds: 10,
	})
	require.NoError(t, err)
	waitResp, err := http.Post(
		e.Server.URL+"/api/v1/orchestrations/"+scheduled.Instance.InstanceID+"/wait",
		"application/json", bytes.NewReader(waitBody))
	require.NoError(t, err)
	defer waitResp.Body.Close()
	require.Equal(t, http.StatusOK, waitResp.StatusCode)

	var md v1.OrchestrationMetadata
	require.NoError(t, json.NewDecoder(waitResp.Body).Decode(&md))
	assert.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, "16", md.Output)
}

func TestHTTPGetUnknownInstanceReturns404(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	resp, err := http.Get(e.Server.URL + "/api/v1/orchestrations/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var apiErr v1.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	assert.Equal(t, v1.ErrorCodeNotFound, apiErr.Code)
}

func TestManagementOverWebSocket(t *testing.T) {
	e := NewTestEngine(t, registerSamples)

	url := "ws" + strings.TrimPrefix(e.Server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	req, err := ws.NewRequest("m-1", ws.ActionOrchestrationSchedule, &v1.ScheduleOrchestrationRequest{
		Name:  "DoubleChain",
		Input: "1",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(req))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp ws.Message
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, ws.MessageTypeResponse, resp.Type)
	require.Equal(t, "m-1", resp.ID)

	var scheduled v1.ScheduleOrchestrationResponse
	require.NoError(t, resp.ParsePayload(&scheduled))

	waitReq, err := ws.NewRequest("m-2", ws.ActionOrchestrationWait, &v1.WaitOrchestrationRequest{
		InstanceID:     scheduled.Instance.InstanceID,
		TimeoutSeconds: 10,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(waitReq))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(15*time.Second)))
	var waitResp ws.Message
	require.NoError(t, conn.ReadJSON(&waitResp))
	require.Equal(t, ws.MessageTypeResponse, waitResp.Type)

	var md v1.OrchestrationMetadata
	require.NoError(t, waitResp.ParsePayload(&md))
	assert.Equal(t, v1.StatusCompleted, md.Status)
	assert.Equal(t, "8", md.Output)
}
