package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ZoneFile is the on-disk schema for a zone's room definitions. Room ids may
// be omitted; they are derived from the room name during loading.
type ZoneFile struct {
	Zone ZoneDef `yaml:"zone"`
}

// ZoneDef holds zone-level metadata and its rooms.
type ZoneDef struct {
	ID    string    `yaml:"id"`
	Name  string    `yaml:"name"`
	Rooms []RoomDef `yaml:"rooms"`
}

// RoomDef holds a single room's data.
type RoomDef struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LoadZoneFile reads and validates one zone file.
//
// Postcondition: the returned zone and every room carry a non-empty id, and
// room ids are unique within the zone.
func LoadZoneFile(path string) (*ZoneFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading zone file: %w", err)
	}

	var zf ZoneFile
	if err := yaml.Unmarshal(raw, &zf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	if err := zf.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return &zf, nil
}

// normalize fills derived ids and rejects incomplete or ambiguous definitions.
func (zf *ZoneFile) normalize() error {
	if zf.Zone.ID == "" {
		zf.Zone.ID = NameToID(zf.Zone.Name)
	}
	if zf.Zone.ID == "" {
		return fmt.Errorf("zone needs an id or a name")
	}
	if len(zf.Zone.Rooms) == 0 {
		return fmt.Errorf("zone %q has no rooms", zf.Zone.ID)
	}

	seen := make(map[string]bool, len(zf.Zone.Rooms))
	for i := range zf.Zone.Rooms {
		room := &zf.Zone.Rooms[i]
		if room.ID == "" {
			room.ID = NameToID(room.Name)
		}
		if room.ID == "" {
			return fmt.Errorf("zone %q: room %d needs an id or a name", zf.Zone.ID, i)
		}
		if room.Name == "" {
			room.Name = room.ID
		}
		if seen[room.ID] {
			return fmt.Errorf("zone %q: duplicate room id %q", zf.Zone.ID, room.ID)
		}
		seen[room.ID] = true
	}
	return nil
}

// NameToID converts a display name to a stable snake_case identifier.
//
// Postcondition: result is lowercase, contains only [a-z0-9_], and is
// idempotent (NameToID(NameToID(s)) == NameToID(s)).
func NameToID(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "_")
	var b strings.Builder
	for _, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
