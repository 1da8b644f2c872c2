// Package main is the durahub server: the durable store, the work item
// hub, the management API, and the WebSocket gateway in one binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/client"
	"github.com/durahub/durahub/internal/client/handlers"
	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/common/telemetry"
	"github.com/durahub/durahub/internal/events"
	gateways "github.com/durahub/durahub/internal/gateway/websocket"
	workhub "github.com/durahub/durahub/internal/hub"
	"github.com/durahub/durahub/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting durahub...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		log.Warn("Telemetry disabled", zap.Error(err))
	}

	// Event bus: NATS when configured, in-memory otherwise.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// Durable store per database.driver.
	st, storeCleanup, err := provideStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer storeCleanup()
	log.Info("Store initialized", zap.String("driver", cfg.Database.Driver))

	// Work item hub.
	rt := router.New(log)
	work := workhub.NewDispatcher(&cfg.Engine, st, rt, eventBus, log)
	work.Start(ctx)
	defer work.Close()

	// Management API service.
	clientSvc := client.NewService(st, eventBus, log)

	// WebSocket gateway: /ws for management clients, /ws/worker for
	// workers pulling work items.
	gateway := gateways.NewGateway(work, eventBus, log)
	go gateway.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	gateway.SetupRoutes(engine)
	handlers.RegisterOrchestrationRoutes(engine, gateway.Dispatcher, clientSvc, log)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "durahub",
			"store":   cfg.Database.Driver,
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8484
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("worker", "/ws/worker"),
		zap.String("http", "/api/v1"),
		zap.String("health", "/health"),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down durahub...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown error", zap.Error(err))
	}

	log.Info("durahub stopped")
}

// corsMiddleware allows browser-based management clients including
// WebSocket upgrades.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
