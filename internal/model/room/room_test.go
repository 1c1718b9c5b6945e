package room_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
)

func TestRoomIsEditor(t *testing.T) {
	r := room.Room{ID: "r1", OwnerID: "owner", EditorIDs: []string{"ed"}}

	t.Run("owner", func(t *testing.T) {
		assert.True(t, r.IsEditor("owner"))
	})
	t.Run("editor", func(t *testing.T) {
		assert.True(t, r.IsEditor("ed"))
	})
	t.Run("stranger", func(t *testing.T) {
		assert.False(t, r.IsEditor("someone"))
	})
	t.Run("empty identity", func(t *testing.T) {
		anon := room.Room{ID: "r2"}
		assert.False(t, anon.IsEditor(""))
	})
	t.Run("owner missing from editors", func(t *testing.T) {
		assert.True(t, r.OwnerMissing())
		healed := room.Room{OwnerID: "owner", EditorIDs: []string{"owner"}}
		assert.False(t, healed.OwnerMissing())
	})
}

func TestSnapshotClone(t *testing.T) {
	s := room.NewSnapshot("demo")
	var err error
	s.State, err = s.State.Insert("", structure.NewFile("a.txt"), "A")
	require.NoError(t, err)
	s.Clock = map[string]uint64{"c1": 3}

	c := s.Clone()
	c.Files["a.txt"] = "B"
	c.Clock["c1"] = 9

	assert.Equal(t, "A", s.Files["a.txt"])
	assert.Equal(t, uint64(3), s.Clock["c1"])
	assert.False(t, s.SameContent(c))
	c.Files["a.txt"] = "A"
	assert.True(t, s.SameContent(c))
}
