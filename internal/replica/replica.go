// Package replica is the session side of structure synchronization: it
// loads an initial snapshot, applies remote updates and batches local
// edits into outgoing updates.
package replica

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"room-sync-service/internal/clock"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
	"room-sync-service/internal/protocol"
	"room-sync-service/pkg/logger"
)

var (
	ErrReadOnly  = errors.New("session is read-only")
	ErrNotLoaded = errors.New("snapshot not loaded yet")
	ErrNotJoined = errors.New("session has not joined a room")
)

// Origin tells observers whether a change was made here or received.
type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Local {
		return "local"
	}
	return "remote"
}

// Transport carries frames to the room.
type Transport interface {
	Send(f protocol.Frame) error
}

type Config struct {
	SyncTimeout time.Duration
	Debounce    time.Duration

	// OnChange, if set, is called with the replica's state after every
	// change. It runs with the replica locked and must not call back into
	// it.
	OnChange func(origin Origin, snap room.Snapshot)

	// OnPresence, if set, is called with each presence list.
	OnPresence func(entries []room.PresenceEntry)
}

type Replica struct {
	transport Transport
	clk       clock.Clock
	cfg       Config
	log       *logger.Logger
	flusher   *clock.Debouncer

	mu       sync.Mutex
	id       string
	canWrite bool
	loaded   bool
	syncGen  uint64
	fallback clock.Timer
	snap     room.Snapshot
	revision uint64
	queued   []structure.Op
	buffer   []protocol.Update
	presence []room.PresenceEntry
	lastErr  *protocol.Frame
}

func New(t Transport, clk clock.Clock, log *logger.Logger, cfg Config) *Replica {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 50 * time.Millisecond
	}
	if log == nil {
		log = logger.NewNop()
	}
	r := &Replica{transport: t, clk: clk, cfg: cfg, log: log}
	r.flusher = clock.NewDebouncer(clk, cfg.Debounce, r.Flush)
	return r
}

// Handle processes one frame from the room. Frames must be handed over in
// the order they arrive.
func (r *Replica) Handle(f protocol.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch f.Type {
	case protocol.TypeJoined:
		r.id = f.ConnectionID
		r.canWrite = f.CanWrite
		r.log = r.log.With(zap.String("connection", f.ConnectionID))
		return r.startSync()
	case protocol.TypePresence:
		r.presence = slices.Clone(f.Presence)
		if r.cfg.OnPresence != nil {
			r.cfg.OnPresence(r.presence)
		}
	case protocol.TypeSnapshotRequest:
		return r.answerRequest(f.Requester)
	case protocol.TypeSnapshotLoaded:
		r.load(f)
	case protocol.TypeStructureUpdate:
		if f.Update == nil {
			return fmt.Errorf("structure update without payload")
		}
		r.receive(*f.Update)
	case protocol.TypeError:
		r.lastErr = &f
		r.log.Warn("room reported an error", zap.String("code", f.Code), zap.String("message", f.Message))
		if f.Code == protocol.CodeSyncFailed && !r.loaded {
			r.armFallback()
		}
	default:
		return fmt.Errorf("unexpected %s frame", f.Type)
	}
	return nil
}

// Resync discards the loaded state and runs the initial sync again. Local
// edits not yet sent are sent first.
func (r *Replica) Resync() error {
	r.flusher.Stop()
	r.Flush()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" {
		return ErrNotJoined
	}
	r.loaded = false
	r.buffer = nil
	return r.startSync()
}

// startSync asks loaded peers for their state and falls back to the
// server's copy if nobody answers in time.
func (r *Replica) startSync() error {
	r.syncGen++
	if err := r.transport.Send(protocol.Frame{Type: protocol.TypeRequestSnapshot}); err != nil {
		return fmt.Errorf("request snapshot: %w", err)
	}
	r.armFallback()
	return nil
}

func (r *Replica) armFallback() {
	if r.fallback != nil {
		r.fallback.Stop()
	}
	gen := r.syncGen
	r.fallback = r.clk.AfterFunc(r.cfg.SyncTimeout, func() { r.fallbackFired(gen) })
}

func (r *Replica) fallbackFired(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded || gen != r.syncGen {
		return
	}
	r.log.Debug("no peer answered, loading stored snapshot")
	if err := r.transport.Send(protocol.Frame{Type: protocol.TypeLoadSnapshot}); err != nil {
		r.log.Warn("failed to request stored snapshot", zap.Error(err))
	}
}

// load takes the first snapshot to arrive. Later answers are ignored.
func (r *Replica) load(f protocol.Frame) {
	if r.loaded || f.Snapshot == nil {
		return
	}
	r.loaded = true
	if r.fallback != nil {
		r.fallback.Stop()
		r.fallback = nil
	}
	r.snap = f.Snapshot.Clone()
	r.snap.State = structure.Normalize(r.snap.State)
	r.log.Debug("snapshot loaded", zap.String("source", f.Source))

	buffered := r.buffer
	r.buffer = nil
	for _, u := range buffered {
		r.apply(u)
	}
	r.notify(Remote)
}

func (r *Replica) receive(u protocol.Update) {
	if u.Sender == r.id {
		return
	}
	if !r.loaded {
		r.buffer = append(r.buffer, u)
		return
	}
	if r.apply(u) {
		r.notify(Remote)
	}
}

// apply never schedules an outgoing update.
func (r *Replica) apply(u protocol.Update) bool {
	next, outcome := protocol.ApplyUpdate(r.snap, u)
	if outcome == protocol.Duplicate {
		return false
	}
	if outcome == protocol.Replaced && len(r.queued) > 0 {
		next.State, _ = next.State.Replay(r.queued)
	}
	r.snap = next
	return outcome.Changed()
}

func (r *Replica) answerRequest(requester string) error {
	if !r.loaded || requester == "" || requester == r.id {
		return nil
	}
	snap := r.snap.Clone()
	return r.transport.Send(protocol.Frame{
		Type:     protocol.TypeProvideSnapshot,
		Target:   requester,
		Snapshot: &snap,
	})
}

func (r *Replica) Insert(parent string, node *structure.Node, content string) error {
	return r.mutate(structure.InsertOp(parent, node, content))
}

func (r *Replica) Rename(path, newName string) error {
	return r.mutate(structure.RenameOp(path, newName))
}

func (r *Replica) Delete(path string) error {
	return r.mutate(structure.DeleteOp(path))
}

func (r *Replica) Write(path, content string) error {
	return r.mutate(structure.WriteOp(path, content))
}

func (r *Replica) mutate(op structure.Op) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id != "" && !r.canWrite {
		return ErrReadOnly
	}
	if !r.loaded {
		return ErrNotLoaded
	}
	next, err := r.snap.State.Apply(op)
	if err != nil {
		return err
	}
	r.snap.State = next
	r.queued = append(r.queued, op)
	r.notify(Local)
	r.flusher.Trigger()
	return nil
}

// Flush sends queued local edits as one update. The debounce timer calls
// it; callers may too, for example before disconnecting.
func (r *Replica) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queued) == 0 || !r.loaded {
		return
	}
	r.revision++
	if r.snap.Clock == nil {
		r.snap.Clock = make(map[string]uint64)
	}
	r.snap.Clock[r.id] = r.revision
	u := protocol.Update{
		Revision: r.revision,
		Sender:   r.id,
		State:    r.snap.State.Clone(),
		Ops:      r.queued,
	}
	r.queued = nil
	if err := r.transport.Send(protocol.Frame{Type: protocol.TypeStructureUpdate, Update: &u}); err != nil {
		r.log.Warn("failed to send structure update", zap.Error(err))
	}
}

// Close stops the replica's timers. Queued edits are dropped.
func (r *Replica) Close() {
	r.flusher.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncGen++
	if r.fallback != nil {
		r.fallback.Stop()
	}
	r.queued = nil
}

func (r *Replica) notify(origin Origin) {
	if r.cfg.OnChange != nil {
		r.cfg.OnChange(origin, r.snap.Clone())
	}
}

func (r *Replica) Snapshot() room.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Clone()
}

func (r *Replica) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

func (r *Replica) ConnectionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Replica) CanWrite() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canWrite
}

func (r *Replica) Presence() []room.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.presence)
}

// LastError returns the most recent error frame from the room, if any.
func (r *Replica) LastError() (protocol.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr == nil {
		return protocol.Frame{}, false
	}
	return *r.lastErr, true
}
