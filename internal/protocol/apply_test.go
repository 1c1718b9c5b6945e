package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
	"room-sync-service/internal/protocol"
)

func insertUpdate(t *testing.T, base structure.State, sender string, rev uint64, name string) protocol.Update {
	t.Helper()
	op := structure.InsertOp("", structure.NewFile(name), "")
	state, err := base.Apply(op)
	require.NoError(t, err)
	return protocol.Update{Revision: rev, Sender: sender, State: state, Ops: []structure.Op{op}}
}

func TestApplyUpdateMergesConcurrentInserts(t *testing.T) {
	empty := room.NewSnapshot("")
	fromA := insertUpdate(t, empty.State, "A", 1, "x.txt")
	fromB := insertUpdate(t, empty.State, "B", 1, "y.txt")

	ab, outcome := protocol.ApplyUpdate(empty, fromA)
	assert.Equal(t, protocol.Merged, outcome)
	ab, outcome = protocol.ApplyUpdate(ab, fromB)
	assert.Equal(t, protocol.Merged, outcome)

	ba, _ := protocol.ApplyUpdate(empty, fromB)
	ba, _ = protocol.ApplyUpdate(ba, fromA)

	assert.Equal(t, []string{"x.txt", "y.txt"}, structure.FilePaths(ab.Tree))
	assert.True(t, ab.State.Equal(ba.State))
}

func TestApplyUpdateIdempotent(t *testing.T) {
	empty := room.NewSnapshot("")
	u := insertUpdate(t, empty.State, "A", 1, "x.txt")

	once, outcome := protocol.ApplyUpdate(empty, u)
	require.Equal(t, protocol.Merged, outcome)
	twice, outcome := protocol.ApplyUpdate(once, u)

	assert.Equal(t, protocol.Duplicate, outcome)
	assert.True(t, once.State.Equal(twice.State))
	assert.Equal(t, once.Clock, twice.Clock)
}

func TestApplyUpdateOlderRevisionIgnored(t *testing.T) {
	empty := room.NewSnapshot("")
	u1 := insertUpdate(t, empty.State, "A", 1, "x.txt")
	u2 := insertUpdate(t, u1.State, "A", 2, "y.txt")

	s, _ := protocol.ApplyUpdate(empty, u1)
	s, _ = protocol.ApplyUpdate(s, u2)
	s, outcome := protocol.ApplyUpdate(s, u1)

	assert.Equal(t, protocol.Duplicate, outcome)
	assert.Equal(t, []string{"x.txt", "y.txt"}, structure.FilePaths(s.Tree))
}

func TestApplyUpdateValueIdentical(t *testing.T) {
	empty := room.NewSnapshot("")
	u := protocol.Update{Revision: 1, Sender: "A", State: structure.NewState()}

	s, outcome := protocol.ApplyUpdate(empty, u)
	assert.Equal(t, protocol.Unchanged, outcome)
	assert.False(t, outcome.Changed())
	assert.Equal(t, uint64(1), s.Clock["A"])
}

func TestApplyUpdateGapReplaces(t *testing.T) {
	empty := room.NewSnapshot("")
	u := insertUpdate(t, empty.State, "A", 5, "x.txt")
	u.State.Files["x.txt"] = "from full state"

	s, outcome := protocol.ApplyUpdate(empty, u)
	assert.Equal(t, protocol.Replaced, outcome)
	assert.Equal(t, "from full state", s.Files["x.txt"])
	assert.Equal(t, uint64(5), s.Clock["A"])
}

func TestApplyUpdateDoesNotMutateInput(t *testing.T) {
	snap := room.NewSnapshot("")
	snap.Clock = map[string]uint64{"B": 1}
	u := insertUpdate(t, snap.State, "A", 1, "x.txt")

	_, _ = protocol.ApplyUpdate(snap, u)
	assert.Empty(t, structure.FilePaths(snap.Tree))
	assert.NotContains(t, snap.Clock, "A")
}

func TestApplyUpdateSkipsKindlessInsert(t *testing.T) {
	empty := room.NewSnapshot("")
	bad := &structure.Node{Name: "x"}
	u := protocol.Update{
		Revision: 1,
		Sender:   "A",
		State: structure.State{
			Tree:  structure.NewFolder(structure.RootName, bad),
			Files: structure.Files{},
		},
		Ops: []structure.Op{{Kind: structure.OpInsert, Node: bad, Content: "hello"}},
	}

	got, outcome := protocol.ApplyUpdate(empty, u)
	assert.Equal(t, protocol.Merged, outcome)
	assert.NoError(t, structure.Validate(got.State))
	assert.Empty(t, structure.FilePaths(got.Tree))

	// A late joiner normalizes what it loads; it must end up with the
	// same state as the room.
	assert.True(t, structure.Normalize(got.State).Equal(got.State))
}
