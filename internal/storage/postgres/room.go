package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/mudlink/internal/realtime"
)

// RoomRepository provides room persistence operations. It implements
// realtime.RoomStore; lookups report missing rows as realtime.ErrRoomNotFound.
type RoomRepository struct {
	db *pgxpool.Pool
}

// NewRoomRepository creates a RoomRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewRoomRepository(db *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{db: db}
}

// Upsert inserts a room or updates its name and zone if it already exists.
// Room content is loaded from world data, so re-imports overwrite in place.
//
// Precondition: room.ID and room.Name must be non-empty.
func (r *RoomRepository) Upsert(ctx context.Context, room *realtime.Room) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rooms (id, name, zone)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, zone = EXCLUDED.zone`,
		room.ID, room.Name, room.Zone,
	)
	if err != nil {
		return fmt.Errorf("upserting room: %w", err)
	}
	return nil
}

// GetRoom retrieves a room by ID.
//
// Precondition: id must be non-empty.
// Postcondition: Returns the room or realtime.ErrRoomNotFound.
func (r *RoomRepository) GetRoom(ctx context.Context, id string) (*realtime.Room, error) {
	var room realtime.Room
	err := r.db.QueryRow(ctx,
		`SELECT id, name, zone FROM rooms WHERE id = $1`,
		id,
	).Scan(&room.ID, &room.Name, &room.Zone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, realtime.ErrRoomNotFound
		}
		return nil, fmt.Errorf("querying room: %w", err)
	}
	return &room, nil
}

// ListByZone returns all rooms in the given zone, ordered by ID.
//
// Postcondition: Returns a slice (may be empty) or a non-nil error.
func (r *RoomRepository) ListByZone(ctx context.Context, zone string) ([]*realtime.Room, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, zone FROM rooms WHERE zone = $1 ORDER BY id ASC`,
		zone,
	)
	if err != nil {
		return nil, fmt.Errorf("listing rooms: %w", err)
	}
	defer rows.Close()

	out := make([]*realtime.Room, 0)
	for rows.Next() {
		var room realtime.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Zone); err != nil {
			return nil, fmt.Errorf("scanning room row: %w", err)
		}
		out = append(out, &room)
	}
	return out, rows.Err()
}
