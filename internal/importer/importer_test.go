package importer_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/mudlink/internal/importer"
	"github.com/cory-johannsen/mudlink/internal/realtime"
)

// recordingWriter collects upserted rooms and can be made to fail.
type recordingWriter struct {
	rooms []realtime.Room
	err   error
}

func (w *recordingWriter) Upsert(ctx context.Context, room *realtime.Room) error {
	if w.err != nil {
		return w.err
	}
	w.rooms = append(w.rooms, *room)
	return nil
}

func writeZone(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestImporter_Run_SeedsRooms(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "harbor.yaml", `
zone:
  id: harbor
  name: Harbor District
  rooms:
    - id: tavern
      name: The Rusty Flagon
    - name: Harbor Gate
`)

	w := &recordingWriter{}
	sum, err := importer.New(w, zap.NewNop()).Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, importer.Summary{Zones: 1, Rooms: 2}, sum)
	require.Len(t, w.rooms, 2)
	assert.Equal(t, realtime.Room{ID: "tavern", Name: "The Rusty Flagon", Zone: "harbor"}, w.rooms[0])
	assert.Equal(t, realtime.Room{ID: "harbor_gate", Name: "Harbor Gate", Zone: "harbor"}, w.rooms[1])
}

func TestImporter_Run_MultipleZoneFiles(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "a_harbor.yaml", `
zone:
  id: harbor
  rooms:
    - id: tavern
`)
	writeZone(t, dir, "b_sewers.yml", `
zone:
  name: The Sewers
  rooms:
    - id: grate
    - id: tunnel
`)

	w := &recordingWriter{}
	sum, err := importer.New(w, zap.NewNop()).Run(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, importer.Summary{Zones: 2, Rooms: 3}, sum)
	// Files are processed in name order, so the harbor room comes first.
	assert.Equal(t, "harbor", w.rooms[0].Zone)
	assert.Equal(t, "the_sewers", w.rooms[1].Zone)
	assert.Equal(t, "the_sewers", w.rooms[2].Zone)
}

func TestImporter_Run_EmptyDir(t *testing.T) {
	w := &recordingWriter{}
	_, err := importer.New(w, zap.NewNop()).Run(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no zone files")
}

func TestImporter_Run_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "broken.yaml", "zone: [not: a: mapping")

	w := &recordingWriter{}
	_, err := importer.New(w, zap.NewNop()).Run(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yaml")
	assert.Empty(t, w.rooms)
}

func TestImporter_Run_DuplicateRoomID(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "harbor.yaml", `
zone:
  id: harbor
  rooms:
    - id: tavern
    - name: Tavern
`)

	w := &recordingWriter{}
	_, err := importer.New(w, zap.NewNop()).Run(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate room id "tavern"`)
}

func TestImporter_Run_WriterFailureAborts(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "harbor.yaml", `
zone:
  id: harbor
  rooms:
    - id: tavern
    - id: gate
`)

	w := &recordingWriter{err: errors.New("connection refused")}
	sum, err := importer.New(w, zap.NewNop()).Run(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `seeding room "tavern"`)
	assert.Equal(t, importer.Summary{}, sum)
}

func TestLoadZoneFile_RequiresRooms(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "empty.yaml", `
zone:
  id: harbor
  rooms: []
`)

	_, err := importer.LoadZoneFile(filepath.Join(dir, "empty.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no rooms")
}

func TestLoadZoneFile_RequiresZoneIdentity(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "anon.yaml", `
zone:
  rooms:
    - id: tavern
`)

	_, err := importer.LoadZoneFile(filepath.Join(dir, "anon.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zone needs an id or a name")
}

func TestLoadZoneFile_IDOnlyRoomGetsIDAsName(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "harbor.yaml", `
zone:
  id: harbor
  rooms:
    - id: tavern
`)

	zf, err := importer.LoadZoneFile(filepath.Join(dir, "harbor.yaml"))
	require.NoError(t, err)
	require.Len(t, zf.Zone.Rooms, 1)
	assert.Equal(t, "tavern", zf.Zone.Rooms[0].Name)
}

// TestImporter_Run_CountsMatchInput verifies that a run over N zone files of
// M rooms each upserts exactly N*M rooms.
func TestImporter_Run_CountsMatchInput(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		zones := rapid.IntRange(1, 5).Draw(rt, "zones")
		roomsPer := rapid.IntRange(1, 4).Draw(rt, "roomsPer")

		dir := t.TempDir()
		for z := 0; z < zones; z++ {
			content := fmt.Sprintf("zone:\n  id: zone_%d\n  rooms:\n", z)
			for r := 0; r < roomsPer; r++ {
				content += fmt.Sprintf("    - id: room_%d_%d\n", z, r)
			}
			if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("zone_%d.yaml", z)), []byte(content), 0644); err != nil {
				rt.Fatal(err)
			}
		}

		w := &recordingWriter{}
		sum, err := importer.New(w, zap.NewNop()).Run(context.Background(), dir)
		if err != nil {
			rt.Fatal(err)
		}
		assert.Equal(rt, zones, sum.Zones)
		assert.Equal(rt, zones*roomsPer, sum.Rooms)
		assert.Equal(rt, zones*roomsPer, len(w.rooms))
	})
}

func TestNameToID_Charset(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringOf(rapid.RuneFrom(nil, unicode.Letter, unicode.Digit, unicode.Space)).Draw(t, "name")
		id := importer.NameToID(name)
		for _, r := range id {
			assert.True(t, r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'),
				"unexpected char %q in id %q", r, id)
		}
	})
}

func TestNameToID_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringOf(rapid.RuneFrom(nil, unicode.Letter, unicode.Digit)).Draw(t, "name")
		id := importer.NameToID(name)
		assert.Equal(t, id, importer.NameToID(id))
	})
}

func TestNameToID_KnownValues(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"The Rusty Flagon", "the_rusty_flagon"},
		{"Grinder's Row", "grinders_row"},
		{"Harbor Gate 3", "harbor_gate_3"},
		{"Sewer  Junction", "sewer__junction"},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.want, importer.NameToID(tc.input))
		})
	}
}
