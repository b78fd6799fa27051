package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ncecere/metering_gateway/internal/app"
	"github.com/ncecere/metering_gateway/internal/config"
	"github.com/ncecere/metering_gateway/internal/httpserver"
	"github.com/ncecere/metering_gateway/internal/observability"
	"github.com/ncecere/metering_gateway/internal/redisclient"
)

func main() {
	configFile := flag.String("config", "", "path to gateway.yaml")
	envFile := flag.String("env-file", "", "path to a .env file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := observability.SetupLogger(cfg.Observability)

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("init observability: %v", err)
	}
	if obs != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	store, closeStore, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	container, err := app.NewContainer(ctx, cfg, store, redisClient, obs, logger)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	container.HealthMon.Start(ctx)

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	logger.Info("metering gateway listening",
		slog.String("addr", cfg.Server.ListenAddr),
		slog.String("database", cfg.Database.Driver),
		slog.Bool("redis", redisClient != nil),
		slog.Bool("fallback", container.Router.FallbackConfigured()),
	)
	if err := server.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server stopped: %v", err)
	}
}
