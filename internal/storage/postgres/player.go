package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/mudlink/internal/realtime"
)

// ErrPlayerNameTaken is returned when creating a player with a name already in use.
var ErrPlayerNameTaken = errors.New("player name already taken")

// PlayerRepository provides player persistence operations. It implements
// realtime.PlayerStore; lookups report missing rows as
// realtime.ErrPlayerNotFound.
type PlayerRepository struct {
	db *pgxpool.Pool
}

// NewPlayerRepository creates a PlayerRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPlayerRepository(db *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{db: db}
}

// Create inserts a new player and returns it with timestamps set. A blank ID
// is replaced with a generated UUID.
//
// Precondition: p.Name must be non-empty.
// Postcondition: Returns the created player, or ErrPlayerNameTaken on duplicate.
func (r *PlayerRepository) Create(ctx context.Context, p *realtime.Player) (*realtime.Player, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	var out realtime.Player
	err := r.db.QueryRow(ctx, `
		INSERT INTO players (id, name, display_name, profession, current_room_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, display_name, profession, current_room_id, last_active`,
		id, p.Name, p.DisplayName, p.Profession, p.CurrentRoomID,
	).Scan(&out.ID, &out.Name, &out.DisplayName, &out.Profession, &out.CurrentRoomID, &out.LastActive)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrPlayerNameTaken
		}
		return nil, fmt.Errorf("inserting player: %w", err)
	}
	return &out, nil
}

// GetPlayer retrieves a player by ID.
//
// Precondition: id must be non-empty.
// Postcondition: Returns the player or realtime.ErrPlayerNotFound.
func (r *PlayerRepository) GetPlayer(ctx context.Context, id string) (*realtime.Player, error) {
	var p realtime.Player
	err := r.db.QueryRow(ctx, `
		SELECT id, name, display_name, profession, current_room_id, last_active
		FROM players WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &p.DisplayName, &p.Profession, &p.CurrentRoomID, &p.LastActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, realtime.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("querying player: %w", err)
	}
	return &p, nil
}

// GetPlayerByName retrieves a player by their unique name.
//
// Precondition: name must be non-empty.
// Postcondition: Returns the player or realtime.ErrPlayerNotFound.
func (r *PlayerRepository) GetPlayerByName(ctx context.Context, name string) (*realtime.Player, error) {
	var p realtime.Player
	err := r.db.QueryRow(ctx, `
		SELECT id, name, display_name, profession, current_room_id, last_active
		FROM players WHERE name = $1`,
		name,
	).Scan(&p.ID, &p.Name, &p.DisplayName, &p.Profession, &p.CurrentRoomID, &p.LastActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, realtime.ErrPlayerNotFound
		}
		return nil, fmt.Errorf("querying player by name: %w", err)
	}
	return &p, nil
}

// SetCurrentRoom persists a player's location and refreshes last_active.
//
// Precondition: id must reference an existing player.
// Postcondition: Returns nil on success, realtime.ErrPlayerNotFound if no row updated.
func (r *PlayerRepository) SetCurrentRoom(ctx context.Context, id, roomID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE players SET current_room_id = $2, last_active = NOW()
		WHERE id = $1`,
		id, roomID,
	)
	if err != nil {
		return fmt.Errorf("updating player room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return realtime.ErrPlayerNotFound
	}
	return nil
}

// Touch refreshes a player's last_active timestamp.
//
// Postcondition: Returns nil on success, realtime.ErrPlayerNotFound if no row updated.
func (r *PlayerRepository) Touch(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `UPDATE players SET last_active = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touching player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return realtime.ErrPlayerNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
