package protocol

import (
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
)

// Outcome says what ApplyUpdate did with an incoming update.
type Outcome int

const (
	// Merged: the update was the sender's next revision and its ops were
	// replayed on top of the local state.
	Merged Outcome = iota
	// Replaced: revisions were missed (or no ops were sent) so the local
	// state was replaced by the sender's full state.
	Replaced
	// Duplicate: the sender's revision was already folded in.
	Duplicate
	// Unchanged: the update carried the state already held.
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Changed reports whether the outcome altered the visible state.
func (o Outcome) Changed() bool {
	return o == Merged || o == Replaced
}

// ApplyUpdate folds u into snap. Revisions are compared per sender: an
// update is only considered when its revision is strictly greater than the
// last one recorded for that sender, which makes redelivery a no-op.
func ApplyUpdate(snap room.Snapshot, u Update) (room.Snapshot, Outcome) {
	last := snap.Clock[u.Sender]
	if u.Revision <= last {
		return snap, Duplicate
	}

	out := snap.Clone()
	if out.Clock == nil {
		out.Clock = make(map[string]uint64)
	}
	out.Clock[u.Sender] = u.Revision

	if out.State.Equal(u.State) {
		return out, Unchanged
	}
	if len(u.Ops) > 0 && u.Revision == last+1 {
		out.State, _ = out.State.Replay(u.Ops)
		return out, Merged
	}
	out.State = structure.Normalize(u.State)
	return out, Replaced
}
