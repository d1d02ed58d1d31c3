package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/acme/whatsapp-dispatch/internal/api"
	"github.com/acme/whatsapp-dispatch/internal/api/handlers"
	"github.com/acme/whatsapp-dispatch/internal/app"
	"github.com/acme/whatsapp-dispatch/internal/telemetry"
	dispatchworker "github.com/acme/whatsapp-dispatch/internal/worker/dispatch"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config, "api")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	server := api.NewServer(container.Config.HTTP, handlers.NewHandlerSet(container))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	// The memory driver only delivers jobs inside this process.
	if container.Config.Queue.Driver == "memory" {
		g.Go(func() error {
			return dispatchworker.New(container).Run(gctx)
		})
	}

	log.Printf("api listening on :%d", container.Config.HTTP.Port)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
