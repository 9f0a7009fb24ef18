// Package main provides the realtime communication server. It wires together
// configuration, database, the event bus, the connection manager, and the
// HTTP transport endpoints.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/config"
	"github.com/cory-johannsen/mudlink/internal/eventbus"
	"github.com/cory-johannsen/mudlink/internal/observability"
	"github.com/cory-johannsen/mudlink/internal/realtime"
	"github.com/cory-johannsen/mudlink/internal/server"
	"github.com/cory-johannsen/mudlink/internal/storage/postgres"
	"github.com/cory-johannsen/mudlink/internal/transport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting mudlink realtime server",
		zap.String("addr", cfg.Server.Addr()),
	)

	// Connect to PostgreSQL
	ctx := context.Background()
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
		zap.Duration("elapsed", time.Since(dbStart)),
	)

	// Build services
	metrics := observability.NewMetrics()
	players := postgres.NewPlayerRepository(pool.DB())
	rooms := postgres.NewRoomRepository(pool.DB())

	bus := eventbus.New(logger, eventbus.Options{
		QueueCapacity: cfg.EventBus.QueueCapacity,
		ShutdownGrace: cfg.EventBus.ShutdownGrace,
	})

	pusher := newStatePusher(players, rooms, logger)
	manager := realtime.NewManager(cfg.Realtime, logger, players, rooms, pusher, bus, metrics)
	pusher.Bind(manager)

	if err := newRelay(manager, logger).register(bus); err != nil {
		logger.Fatal("registering event handlers", zap.Error(err))
	}

	srv := transport.NewServer(cfg.Server, cfg.Realtime, manager, bus, metrics, logger)

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	dbQuit := make(chan struct{})
	lifecycle.Add("postgres", &server.FuncService{
		StartFn: func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				case <-dbQuit:
					return nil
				}
			}
		},
		StopFn: func() {
			close(dbQuit)
			pool.Close()
		},
	})

	busQuit := make(chan struct{})
	lifecycle.Add("eventbus", &server.FuncService{
		StartFn: func() error {
			<-busQuit
			return nil
		},
		StopFn: func() {
			close(busQuit)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.EventBus.ShutdownGrace)
			defer cancel()
			if err := bus.Shutdown(shutdownCtx); err != nil {
				logger.Warn("event bus shutdown incomplete", zap.Error(err))
			}
		},
	})

	rtQuit := make(chan struct{})
	lifecycle.Add("realtime", &server.FuncService{
		StartFn: func() error {
			if err := manager.StartMaintenance(ctx); err != nil {
				return err
			}
			<-rtQuit
			return nil
		},
		StopFn: func() {
			close(rtQuit)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := manager.Shutdown(shutdownCtx); err != nil {
				logger.Warn("connection manager shutdown incomplete", zap.Error(err))
			}
		},
	})

	lifecycle.Add("http", &server.FuncService{
		StartFn: srv.ListenAndServe,
		StopFn:  srv.Stop,
	})

	logger.Info("server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("http_addr", cfg.Server.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
