// Package main is a sample durahub worker. It registers a few
// orchestrations and activities, connects to the hub's worker endpoint,
// and executes streamed work items until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/config"
	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/worker"
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

	registry := worker.NewRegistry()
	if err := registerSamples(registry); err != nil {
		log.Fatal("Failed to register tasks", zap.Error(err))
	}

	hubURL := os.Getenv("DURAHUB_HUB_URL")
	if hubURL == "" {
		port := cfg.Server.Port
		if port == 0 {
			port = 8484
		}
		hubURL = fmt.Sprintf("ws://localhost:%d/ws/worker", port)
	}

	exec := worker.NewExecutor(registry, &cfg.Engine, log)
	remote := worker.NewRemoteWorker(hubURL, exec, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("Shutting down worker...")
		cancel()
	}()

	log.Info("Worker connecting", zap.String("hub_url", hubURL))
	if err := remote.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Worker stopped", zap.Error(err))
	}
	log.Info("Worker stopped")
}

// registerSamples wires the demo orchestrations and their activities.
func registerSamples(r *worker.Registry) error {
	if err := r.AddOrchestrator("Greetings", greetings); err != nil {
		return err
	}
	if err := r.AddOrchestrator("Fibonacci", fibonacci); err != nil {
		return err
	}
	if err := r.AddOrchestrator("Counter", counter); err != nil {
		return err
	}
	if err := r.AddActivity("SayHello", sayHello); err != nil {
		return err
	}
	return nil
}

// greetings chains three activity calls, each feeding the next.
func greetings(ctx *worker.OrchestrationContext) (any, error) {
	var name string
	if err := ctx.GetInput(&name); err != nil {
		return nil, err
	}

	greetings := make([]string, 0, 3)
	for _, lang := range []string{"en", "es", "fr"} {
		var out string
		err := ctx.CallActivity("SayHello",
			worker.WithInput(map[string]string{"name": name, "lang": lang}),
		).Await(&out)
		if err != nil {
			return nil, err
		}
		greetings = append(greetings, out)
	}
	return strings.Join(greetings, " "), nil
}

// fibonacci computes fib(n) with recursive sub-orchestrations.
func fibonacci(ctx *worker.OrchestrationContext) (any, error) {
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
}

const counterTickInterval = 5 * time.Second

// counter increments forever, sleeping between ticks and starting a
// fresh execution per tick so the history never grows. Terminate the
// instance to stop it.
func counter(ctx *worker.OrchestrationContext) (any, error) {
	var count int
	if err := ctx.GetInput(&count); err != nil {
		return nil, err
	}
	if err := ctx.CreateTimer(counterTickInterval).Await(nil); err != nil {
		return nil, err
	}
	return nil, ctx.ContinueAsNew(count+1, true)
}

func sayHello(ctx worker.ActivityContext) (any, error) {
	var in struct {
		Name string `json:"name"`
		Lang string `json:"lang"`
	}
	if err := ctx.GetInput(&in); err != nil {
		return nil, err
	}

	switch in.Lang {
	case "es":
		return "¡Hola, " + in.Name + "!", nil
	case "fr":
		return "Bonjour, " + in.Name + "!", nil
	default:
		return "Hello, " + in.Name + "!", nil
	}
}
