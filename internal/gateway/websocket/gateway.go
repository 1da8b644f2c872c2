package websocket

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/events/bus"
	workhub "github.com/durahub/durahub/internal/hub"
	ws "github.com/durahub/durahub/pkg/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway owns the WebSocket endpoints. Management clients connect on
// /ws; workers connect on /ws/worker and, in addition to the shared
// action dispatcher, receive streamed work items on their connection.
type Gateway struct {
	Hub        *ConnHub
	Dispatcher *ws.Dispatcher
	work       *workhub.Dispatcher
	bus        bus.EventBus
	logger     *logger.Logger
}

func NewGateway(work *workhub.Dispatcher, eb bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	RegisterCompletionHandlers(dispatcher, work)
	return &Gateway{
		Hub:        NewConnHub(dispatcher, log),
		Dispatcher: dispatcher,
		work:       work,
		bus:        eb,
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
}

// Run blocks servicing the connection hub until ctx is canceled. State
// transitions published on the bus fan out to management clients as
// notifications.
func (g *Gateway) Run(ctx context.Context) {
	if g.bus != nil {
		sub, err := g.bus.Subscribe(bus.SubjectOrchestrationState+".>", g.handleStateEvent)
		if err != nil {
			g.logger.Error("Failed to subscribe to state events", zap.Error(err))
		} else {
			defer func() { _ = sub.Unsubscribe() }()
		}
	}
	g.Hub.Run(ctx)
}

func (g *Gateway) handleStateEvent(_ context.Context, event *bus.Event) error {
	msg, err := ws.NewNotification(ws.ActionOrchestrationState, event)
	if err != nil {
		return err
	}
	g.Hub.Broadcast(msg)
	return nil
}

// SetupRoutes registers the WebSocket endpoints on the router.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.handleClient)
	router.GET("/ws/worker", g.handleWorker)
}

func (g *Gateway) handleClient(c *gin.Context) {
	client, ok := g.upgrade(c, false)
	if !ok {
		return
	}
	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

func (g *Gateway) handleWorker(c *gin.Context) {
	client, ok := g.upgrade(c, true)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream := &workerStream{client: client}
	go func() {
		err := g.work.StreamWorkItems(ctx, stream)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("Work stream ended",
				zap.String("client_id", client.ID),
				zap.Error(err))
		}
		client.markClosed()
	}()

	go client.WritePump()
	client.ReadPump(ctx)
}

func (g *Gateway) upgrade(c *gin.Context, worker bool) (*Client, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", zap.Error(err))
		return nil, false
	}
	client := NewClient(uuid.New().String(), conn, g.Hub, g.logger)
	client.worker = worker
	g.Hub.Register(client)
	return client, true
}
