// Package main provides a room seeding tool that loads zone YAML files into
// the database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/config"
	"github.com/cory-johannsen/mudlink/internal/importer"
	"github.com/cory-johannsen/mudlink/internal/observability"
	"github.com/cory-johannsen/mudlink/internal/storage/postgres"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	dir := flag.String("dir", "", "path to zone file directory")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "usage: seed-rooms -dir <zone dir> [-config <file>]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer pool.Close()

	imp := importer.New(postgres.NewRoomRepository(pool.DB()), logger)
	sum, err := imp.Run(ctx, *dir)
	if err != nil {
		logger.Fatal("seeding rooms", zap.Error(err))
	}

	logger.Info("rooms seeded",
		zap.Int("zones", sum.Zones),
		zap.Int("rooms", sum.Rooms),
		zap.Duration("elapsed", time.Since(start)),
	)
}
