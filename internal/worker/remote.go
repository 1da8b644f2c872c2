package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/logger"
	v1 "github.com/durahub/durahub/pkg/api/v1"
	ws "github.com/durahub/durahub/pkg/websocket"
)

// RemoteWorker dials the hub's worker gateway, consumes the work item
// stream and reports completions. It reconnects with backoff until its
// context ends.
type RemoteWorker struct {
	url        string
	dispatcher *Dispatcher
	log        *logger.Logger

	// writeMu guards conn: request() writes on it while Run swaps it
	// across reconnects.
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *ws.Message

	reconnectInterval time.Duration
	maxReconnectWait  time.Duration
}

func NewRemoteWorker(url string, exec *Executor, log *logger.Logger) *RemoteWorker {
	l := log.WithFields(zap.String("component", "remote-worker"))
	return &RemoteWorker{
		url:               url,
		dispatcher:        NewDispatcher(exec, l),
		log:               l,
		pending:           make(map[string]chan *ws.Message),
		reconnectInterval: time.Second,
		maxReconnectWait:  30 * time.Second,
	}
}

// Run connects and serves until ctx is canceled. Each disconnect is
// retried with exponential backoff.
func (w *RemoteWorker) Run(ctx context.Context) error {
	wait := w.reconnectInterval
	for {
		err := w.serveConnection(ctx)
		if ctx.Err() != nil {
			w.dispatcher.Wait()
			return ctx.Err()
		}
		w.log.WithError(err).Warn("Connection lost, reconnecting", zap.Duration("wait", wait))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			w.dispatcher.Wait()
			return ctx.Err()
		}
		if wait *= 2; wait > w.maxReconnectWait {
			wait = w.maxReconnectWait
		}
	}
}

func (w *RemoteWorker) serveConnection(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}
	w.writeMu.Lock()
	w.conn = conn
	w.writeMu.Unlock()
	w.log.Info("Connected to hub gateway", zap.String("url", w.url))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		var msg ws.Message
		if err := conn.ReadJSON(&msg); err != nil {
			w.failPending(err)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		w.handleMessage(connCtx, &msg)
	}
}

func (w *RemoteWorker) handleMessage(ctx context.Context, msg *ws.Message) {
	switch {
	case msg.Type == ws.MessageTypeResponse || msg.Type == ws.MessageTypeError:
		w.pendingMu.Lock()
		ch, ok := w.pending[msg.ID]
		delete(w.pending, msg.ID)
		w.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	case msg.Action == ws.ActionWorkItem:
		var item v1.WorkItem
		if err := msg.ParsePayload(&item); err != nil {
			w.log.WithError(err).Error("Malformed work item payload")
			return
		}
		w.dispatcher.Dispatch(ctx, &item, w)
	default:
		w.log.Warn("Unexpected message", zap.String("action", msg.Action), zap.String("type", string(msg.Type)))
	}
}

// CompleteActivity implements ResultSink over the wire.
func (w *RemoteWorker) CompleteActivity(ctx context.Context, result *v1.ActivityResult) error {
	var ack v1.CompletionAck
	return w.request(ctx, ws.ActionCompleteActivity, result, &ack)
}

// CompleteOrchestrator implements ResultSink over the wire.
func (w *RemoteWorker) CompleteOrchestrator(ctx context.Context, result *v1.OrchestratorResult) error {
	var ack v1.CompletionAck
	return w.request(ctx, ws.ActionCompleteOrchestrator, result, &ack)
}

func (w *RemoteWorker) request(ctx context.Context, action string, payload, result any) error {
	id := uuid.NewString()
	msg, err := ws.NewRequest(id, action, payload)
	if err != nil {
		return err
	}
	respChan := make(chan *ws.Message, 1)
	w.pendingMu.Lock()
	w.pending[id] = respChan
	w.pendingMu.Unlock()

	w.writeMu.Lock()
	if w.conn == nil {
		err = fmt.Errorf("not connected")
	} else {
		err = w.conn.WriteJSON(msg)
	}
	w.writeMu.Unlock()
	if err != nil {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
		return fmt.Errorf("send %s: %w", action, err)
	}

	select {
	case resp := <-respChan:
		if resp.Type == ws.MessageTypeError {
			var ep ws.ErrorPayload
			if json.Unmarshal(resp.Payload, &ep) == nil && ep.Code != "" {
				return &v1.APIError{Code: ep.Code, Message: ep.Message}
			}
			return fmt.Errorf("hub error: %s", string(resp.Payload))
		}
		if result != nil && len(resp.Payload) > 0 {
			return json.Unmarshal(resp.Payload, result)
		}
		return nil
	case <-ctx.Done():
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
		return ctx.Err()
	}
}

// failPending resolves outstanding requests after a disconnect so their
// callers do not hang across the reconnect.
func (w *RemoteWorker) failPending(cause error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		msg, err := ws.NewError(id, "", "CONNECTION_LOST", cause.Error())
		if err == nil {
			ch <- msg
		}
		delete(w.pending, id)
	}
}
