// Package integration runs end-to-end tests against a real engine: the
// durable store, the hub, the gateway with a live WebSocket, and a
// worker connected through the remote wire.
package integration

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/durahub/durahub/internal/client"
	"github.com/durahub/durahub/internal/client/handlers"
	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/events/bus"
	gateways "github.com/durahub/durahub/internal/gateway/websocket"
	workhub "github.com/durahub/durahub/internal/hub"
	"github.com/durahub/durahub/internal/router"
	"github.com/durahub/durahub/internal/store"
	"github.com/durahub/durahub/internal/store/memstore"
	"github.com/durahub/durahub/internal/worker"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// TestEngine is a complete in-process engine with one remote worker
// attached over a real WebSocket connection.
type TestEngine struct {
	Store  store.Store
	Client *client.Service
	Server *httptest.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTestEngine(t *testing.T, register func(r *worker.Registry)) *TestEngine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	st := memstore.NewMemoryStore(log)
	rt := router.New(log)
	eventBus := bus.NewMemoryEventBus(log)
	cfg := &config.EngineConfig{
		WorkItemBufferCapacity: 100,
		ActivityBatchSize:      32,
		LockRenewalWindow:      60,
		MaxTimerInterval:       int((72 * time.Hour).Seconds()),
		PartitionCount:         1,
	}

	ctx, cancel := context.WithCancel(context.Background())

	work := workhub.NewDispatcher(cfg, st, rt, eventBus, log)
	work.Start(ctx)

	gateway := gateways.NewGateway(work, eventBus, log)
	go gateway.Run(ctx)

	svc := client.NewService(st, eventBus, log)

	engine := gin.New()
	gateway.SetupRoutes(engine)
	handlers.RegisterOrchestrationRoutes(engine, gateway.Dispatcher, svc, log)
	server := httptest.NewServer(engine)

	registry := worker.NewRegistry()
	register(registry)
	exec := worker.NewExecutor(registry, cfg, log)
	workerURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/worker"
	remote := worker.NewRemoteWorker(workerURL, exec, log)
	go func() { _ = remote.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		server.Close()
		work.Close()
		_ = st.Close()
		eventBus.Close()
	})
	return &TestEngine{
		Store:  st,
		Client: svc,
		Server: server,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule starts an instance and returns its identity.
func (e *TestEngine) Schedule(t *testing.T, req *v1.ScheduleOrchestrationRequest) v1.OrchestrationInstance {
	t.Helper()
	instance, err := e.Client.ScheduleNewOrchestration(context.Background(), req)
	require.NoError(t, err)
	return *instance
}

// WaitTerminal blocks until the instance reaches a terminal status.
func (e *TestEngine) WaitTerminal(t *testing.T, instanceID string) *v1.OrchestrationMetadata {
	t.Helper()
	md, err := e.Client.WaitForOrchestration(context.Background(), &v1.WaitOrchestrationRequest{
		InstanceID:     instanceID,
		TimeoutSeconds: 10,
	})
	require.NoError(t, err)
	return md
}
