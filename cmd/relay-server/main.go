package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sirsinexus/relay/internal/bus"
	"github.com/sirsinexus/relay/internal/config"
	"github.com/sirsinexus/relay/internal/logging"
	"github.com/sirsinexus/relay/internal/metrics"
	"github.com/sirsinexus/relay/internal/mock"
	"github.com/sirsinexus/relay/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	noDemo := flag.Bool("no-demo", false, "Disable the demo KPI and metrics feed")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *noDemo {
		cfg.Demo.Enabled = false
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector()
	hub := ws.NewHub(ws.HubOptions{
		MaxConnections:   cfg.Relay.MaxConnections,
		MaxActivities:    cfg.Relay.MaxActivities,
		MaxNotifications: cfg.Relay.MaxNotifications,
		SendBuffer:       cfg.Relay.SendBuffer,
		RateLimit:        cfg.Relay.RateLimit,
		RateBurst:        cfg.Relay.RateBurst,
		Logger:           logger,
		Metrics:          collector,
	})

	b, closeBus, err := openBus(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer closeBus()
	if b != nil {
		if err := hub.ConnectBus(ctx, b); err != nil {
			return err
		}
		logger.Info("cross-instance bus enabled",
			zap.String("driver", cfg.Bus.Driver),
			zap.String("instance", hub.InstanceID()))
	}

	go hub.Run(ctx)

	if cfg.Demo.Enabled {
		src, err := mock.NewSource(cfg.Demo.MetricsSource, nil)
		if err != nil {
			return err
		}
		mock.NewGenerator(hub, mock.Options{
			KPIInterval:     cfg.Demo.KPIInterval,
			MetricsInterval: cfg.Demo.MetricsInterval,
			Source:          src,
			Logger:          logger,
		}).Start(ctx)
	}

	server := ws.NewServer(hub, ws.ServerOptions{
		Addr:           cfg.Addr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Pump: ws.PumpOptions{
			ReadLimit:    cfg.Relay.ReadLimit,
			WriteTimeout: cfg.Relay.WriteTimeout,
			PongTimeout:  cfg.Relay.PongTimeout,
		},
		Logger:  logger,
		Metrics: collector,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// Close clients with 1001 first, then stop accepting requests.
	cancel()
	<-hub.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("relay stopped")
	return nil
}

func openBus(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (bus.Bus, func(), error) {
	switch cfg.Driver {
	case "memory":
		b := bus.NewMemoryBus()
		return b, func() { _ = b.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
		return bus.NewRedisBus(client, cfg.Channel, logger), func() { _ = client.Close() }, nil
	}
	return nil, func() {}, nil
}
