package websocket

import (
	"context"
	"encoding/json"
	"fmt"

	workhub "github.com/durahub/durahub/internal/hub"
	v1 "github.com/durahub/durahub/pkg/api/v1"
	ws "github.com/durahub/durahub/pkg/websocket"
)

// workerStream adapts a connected worker client to the dispatcher's
// WorkStream. Send blocks when the client's outbound queue is full,
// which is the backpressure the dispatcher expects.
type workerStream struct {
	client *Client
}

var _ workhub.WorkStream = (*workerStream)(nil)

func (s *workerStream) Send(ctx context.Context, item *v1.WorkItem) error {
	msg, err := ws.NewNotification(ws.ActionWorkItem, item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode work item frame: %w", err)
	}
	select {
	case s.client.send <- data:
		return nil
	case <-s.client.closed:
		return fmt.Errorf("worker %s disconnected", s.client.ID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterCompletionHandlers wires worker completion actions to the
// work dispatcher.
func RegisterCompletionHandlers(dispatcher *ws.Dispatcher, work *workhub.Dispatcher) {
	dispatcher.RegisterFunc(ws.ActionCompleteActivity, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var result v1.ActivityResult
		if err := msg.ParsePayload(&result); err != nil {
			return ws.NewError(msg.ID, msg.Action, v1.ErrorCodeInvalidArgument, "invalid activity result: "+err.Error())
		}
		ack, err := work.CompleteActivityTask(ctx, &result)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, v1.ErrorCode(err), err.Error())
		}
		return ws.NewResponse(msg.ID, msg.Action, ack)
	})

	dispatcher.RegisterFunc(ws.ActionCompleteOrchestrator, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var result v1.OrchestratorResult
		if err := msg.ParsePayload(&result); err != nil {
			return ws.NewError(msg.ID, msg.Action, v1.ErrorCodeInvalidArgument, "invalid orchestrator result: "+err.Error())
		}
		ack, err := work.CompleteOrchestratorTask(ctx, &result)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, v1.ErrorCode(err), err.Error())
		}
		return ws.NewResponse(msg.ID, msg.Action, ack)
	})
}
