// Package importer seeds room definitions from zone YAML files into storage.
package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/mudlink/internal/realtime"
)

// RoomWriter persists room definitions. *postgres.RoomRepository satisfies it.
type RoomWriter interface {
	Upsert(ctx context.Context, room *realtime.Room) error
}

// Importer loads zone files and writes their rooms through a RoomWriter.
type Importer struct {
	rooms  RoomWriter
	logger *zap.Logger
}

// New constructs an Importer.
//
// Precondition: rooms and logger must be non-nil.
func New(rooms RoomWriter, logger *zap.Logger) *Importer {
	return &Importer{rooms: rooms, logger: logger}
}

// Summary reports what an import run touched.
type Summary struct {
	Zones int
	Rooms int
}

// Run loads every zone file in dir and upserts its rooms, tagging each room
// with the zone id. Files are processed in name order; the first failure
// aborts the run.
//
// Precondition: dir must contain at least one .yaml or .yml zone file.
// Postcondition: on success every room of every zone file has been upserted.
func (imp *Importer) Run(ctx context.Context, dir string) (Summary, error) {
	paths, err := zonePaths(dir)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, path := range paths {
		t0 := time.Now()

		zf, err := LoadZoneFile(path)
		if err != nil {
			return sum, fmt.Errorf("loading %s: %w", path, err)
		}

		for _, def := range zf.Zone.Rooms {
			room := &realtime.Room{ID: def.ID, Name: def.Name, Zone: zf.Zone.ID}
			if err := imp.rooms.Upsert(ctx, room); err != nil {
				return sum, fmt.Errorf("seeding room %q in zone %q: %w", def.ID, zf.Zone.ID, err)
			}
			sum.Rooms++
		}
		sum.Zones++

		imp.logger.Info("zone seeded",
			zap.String("zone_id", zf.Zone.ID),
			zap.Int("rooms", len(zf.Zone.Rooms)),
			zap.Duration("elapsed", time.Since(t0)),
		)
	}
	return sum, nil
}

// zonePaths lists the zone files in dir, sorted by name.
func zonePaths(dir string) ([]string, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("listing zone files: %w", err)
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no zone files in %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}
