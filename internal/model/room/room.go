package room

import (
	"maps"
	"slices"
	"time"

	"room-sync-service/internal/model/structure"
)

// Room is the durable record of a collaborative session.
type Room struct {
	ID           string    `json:"roomId"`
	Title        string    `json:"title"`
	PasscodeHash string    `json:"-"`
	OwnerID      string    `json:"ownerId,omitempty"`
	EditorIDs    []string  `json:"editorIds"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsEditor reports whether identity may write. The owner always may.
func (r *Room) IsEditor(identity string) bool {
	if identity == "" {
		return false
	}
	return identity == r.OwnerID || slices.Contains(r.EditorIDs, identity)
}

// OwnerMissing reports whether the owner has fallen out of EditorIDs.
func (r *Room) OwnerMissing() bool {
	return r.OwnerID != "" && !slices.Contains(r.EditorIDs, r.OwnerID)
}

// Snapshot is the unit of convergence exchanged between peers and with
// storage.
//
// Revision counts the structure updates the room has accepted. Clock maps
// each sender to the last of its revisions folded into this snapshot.
type Snapshot struct {
	Title string `json:"title"`
	structure.State
	Revision uint64            `json:"revision"`
	Clock    map[string]uint64 `json:"clock,omitempty"`
}

func NewSnapshot(title string) Snapshot {
	return Snapshot{Title: title, State: structure.NewState()}
}

func (s Snapshot) Clone() Snapshot {
	c := Snapshot{Title: s.Title, State: s.State.Clone(), Revision: s.Revision}
	if s.Clock != nil {
		c.Clock = maps.Clone(s.Clock)
	}
	return c
}

// SameContent compares the parts of two snapshots users can see.
func (s Snapshot) SameContent(o Snapshot) bool {
	return s.Title == o.Title && s.State.Equal(o.State)
}

// PresenceEntry is one live connection in a room.
type PresenceEntry struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
}
