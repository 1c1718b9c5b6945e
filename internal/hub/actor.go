package hub

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"room-sync-service/internal/clock"
	"room-sync-service/internal/metrics"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
	"room-sync-service/internal/protocol"
	"room-sync-service/internal/service/persistence"
	"room-sync-service/pkg/logger"
)

const inboxSize = 256

type message interface{}

type reply struct {
	snap room.Snapshot
	key  string
	err  error
}

// call is embedded in every message that expects an answer.
type call struct {
	reply chan reply
}

func (c call) respond(r reply) {
	c.reply <- r
}

type responder interface {
	respond(reply)
}

type (
	joinMsg struct {
		call
		session *Session
	}
	leaveMsg struct {
		session *Session
	}
	frameMsg struct {
		session *Session
		frame   protocol.Frame
	}
	remoteMsg struct {
		update protocol.Update
	}
	snapshotMsg struct {
		call
	}
	writeFileMsg struct {
		call
		path string
		text string
	}
	saveNowMsg struct {
		call
	}
	kickMsg  struct{}
	saveTick struct{}
	loadDone struct {
		snap room.Snapshot
		err  error
	}
	saveDone struct {
		key      string
		err      error
		explicit []call
	}
)

type member struct {
	session *Session
	loaded  bool
	gone    bool
}

type roomActor struct {
	hub       *Hub
	id        string
	log       *logger.Logger
	inbox     chan message
	done      chan struct{}
	flushed   chan struct{}
	prevFlush <-chan struct{}

	members map[string]*member
	order   []string
	evicted []*member

	cache   *room.Snapshot
	dirty   bool
	loading bool
	saving  bool
	saver   *clock.Debouncer

	// waiting for the cache to be loaded
	loadWaiters []string
	pending     []message

	// explicit saves waiting for the running save to finish
	explicit []call
}

func newRoomActor(h *Hub, roomID string, prevFlush <-chan struct{}) *roomActor {
	a := &roomActor{
		hub:       h,
		id:        roomID,
		log:       logger.GetLogger(h.ctx).With(zap.String("room", roomID)),
		inbox:     make(chan message, inboxSize),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
		prevFlush: prevFlush,
		members:   make(map[string]*member),
	}
	a.saver = clock.NewDebouncer(h.clk, h.cfg.SaveInterval, func() { a.post(saveTick{}) })
	return a
}

// post reports false if the actor has stopped.
func (a *roomActor) post(m message) bool {
	select {
	case a.inbox <- m:
		return true
	case <-a.done:
		return false
	}
}

func (a *roomActor) run() {
	defer a.hub.wg.Done()
	metrics.RoomStarted()
	defer metrics.RoomStopped()

	for {
		msg := <-a.inbox
		a.handle(msg)
		a.flushEvictions()
		if a.idle() {
			a.stop()
			return
		}
	}
}

func (a *roomActor) handle(msg message) {
	switch m := msg.(type) {
	case joinMsg:
		a.join(m)
	case leaveMsg:
		if a.remove(m.session.ID) {
			a.broadcastPresence()
		}
	case frameMsg:
		a.handleFrame(m.session, m.frame)
	case remoteMsg:
		a.applyRemote(m.update)
	case snapshotMsg, writeFileMsg, saveNowMsg:
		a.request(msg)
	case kickMsg:
		for _, id := range slices.Clone(a.order) {
			a.remove(id)
		}
	case loadDone:
		a.loaded(m)
	case saveTick:
		a.startSave()
	case saveDone:
		a.saved(m)
	}
}

func (a *roomActor) idle() bool {
	return len(a.members) == 0 && !a.loading && !a.saving &&
		len(a.pending) == 0 && len(a.explicit) == 0
}

// stop unregisters the actor, turns away whatever is still queued and
// writes the cache one last time.
func (a *roomActor) stop() {
	a.hub.release(a)
	close(a.done)
	a.saver.Stop()

drain:
	for {
		select {
		case msg := <-a.inbox:
			if r, ok := msg.(responder); ok {
				r.respond(reply{err: errStopped})
			}
		default:
			break drain
		}
	}

	if a.dirty && a.cache != nil {
		ctx, cancel := a.hub.storeCtx()
		if err := a.hub.store.Save(ctx, a.id, *a.cache); err != nil {
			a.log.Error("final flush failed", zap.Error(err))
		}
		cancel()
	}
	close(a.flushed)
	a.hub.flushDone(a)
	a.log.Info("room closed")
}

func (a *roomActor) join(m joinMsg) {
	s := m.session
	s.actor = a
	mb := &member{session: s}
	a.members[s.ID] = mb
	a.order = append(a.order, s.ID)
	metrics.SessionJoined()
	m.respond(reply{})

	a.deliver(mb, protocol.Frame{
		Type:         protocol.TypeJoined,
		RoomID:       a.id,
		ConnectionID: s.ID,
		Identity:     s.Access.Identity,
		DisplayName:  s.Access.DisplayName,
		CanWrite:     s.Access.CanWrite,
	})
	a.broadcastPresence()
}

func (a *roomActor) remove(id string) bool {
	mb, ok := a.members[id]
	if !ok {
		return false
	}
	delete(a.members, id)
	// Frames from a departed connection are dropped, so its clock entry
	// can never dedupe anything again.
	if a.cache != nil {
		delete(a.cache.Clock, id)
	}
	a.order = slices.DeleteFunc(a.order, func(x string) bool { return x == id })
	a.loadWaiters = slices.DeleteFunc(a.loadWaiters, func(x string) bool { return x == id })
	mb.gone = true
	close(mb.session.closed)
	close(mb.session.out)
	metrics.SessionLeft()
	return true
}

// deliver never blocks. A member whose queue is full is marked for
// eviction.
func (a *roomActor) deliver(mb *member, f protocol.Frame) {
	if mb == nil || mb.gone {
		return
	}
	select {
	case mb.session.out <- f:
	default:
		mb.gone = true
		a.evicted = append(a.evicted, mb)
	}
}

func (a *roomActor) broadcast(f protocol.Frame) {
	for _, id := range a.order {
		a.deliver(a.members[id], f)
	}
}

func (a *roomActor) broadcastPresence() {
	entries := make([]room.PresenceEntry, 0, len(a.order))
	for _, id := range a.order {
		mb := a.members[id]
		if mb.gone {
			continue
		}
		entries = append(entries, room.PresenceEntry{
			ConnectionID: id,
			DisplayName:  mb.session.Access.DisplayName,
		})
	}
	a.broadcast(protocol.Frame{Type: protocol.TypePresence, RoomID: a.id, Presence: entries})
}

func (a *roomActor) flushEvictions() {
	for len(a.evicted) > 0 {
		batch := a.evicted
		a.evicted = nil
		for _, mb := range batch {
			if _, ok := a.members[mb.session.ID]; !ok {
				continue
			}
			a.remove(mb.session.ID)
			metrics.RecordEviction()
			a.log.Warn("evicted slow session", zap.String("connection", mb.session.ID))
		}
		a.broadcastPresence()
	}
}

func (a *roomActor) handleFrame(s *Session, f protocol.Frame) {
	mb, ok := a.members[s.ID]
	if !ok || mb.gone {
		return
	}
	switch f.Type {
	case protocol.TypeRequestSnapshot:
		a.requestSnapshot(mb)
	case protocol.TypeProvideSnapshot:
		a.provideSnapshot(mb, f)
	case protocol.TypeLoadSnapshot:
		a.loadSnapshot(mb)
	case protocol.TypeStructureUpdate:
		a.structureUpdate(mb, f.Update)
	default:
		a.deliver(mb, protocol.ErrorFrame(protocol.CodeBadFrame, fmt.Sprintf("unexpected %s frame", f.Type)))
	}
}

// requestSnapshot asks every loaded peer to send the requester its state.
// A member asking for a snapshot is resyncing, so it counts as not loaded
// until one arrives.
func (a *roomActor) requestSnapshot(mb *member) {
	mb.loaded = false
	req := protocol.Frame{Type: protocol.TypeSnapshotRequest, RoomID: a.id, Requester: mb.session.ID}
	for _, id := range a.order {
		if peer := a.members[id]; peer != mb && peer.loaded {
			a.deliver(peer, req)
		}
	}
}

func (a *roomActor) provideSnapshot(mb *member, f protocol.Frame) {
	if !mb.loaded || f.Snapshot == nil {
		return
	}
	snap := f.Snapshot.Clone()
	snap.State = structure.Normalize(snap.State)
	if a.cache == nil {
		warm := snap.Clone()
		a.cache = &warm
	}
	if target, ok := a.members[f.Target]; ok && !target.loaded {
		a.sendLoaded(target, snap, protocol.SourcePeer)
	}
}

func (a *roomActor) loadSnapshot(mb *member) {
	if mb.loaded {
		return
	}
	if a.cache != nil {
		a.sendLoaded(mb, a.cache.Clone(), protocol.SourceCache)
		return
	}
	if !slices.Contains(a.loadWaiters, mb.session.ID) {
		a.loadWaiters = append(a.loadWaiters, mb.session.ID)
	}
	a.startLoad()
}

func (a *roomActor) sendLoaded(mb *member, snap room.Snapshot, source string) {
	mb.loaded = true
	metrics.RecordSnapshotLoad(source)
	a.deliver(mb, protocol.Frame{
		Type:     protocol.TypeSnapshotLoaded,
		RoomID:   a.id,
		Source:   source,
		Snapshot: &snap,
	})
}

func (a *roomActor) structureUpdate(mb *member, u *protocol.Update) {
	if !mb.session.Access.CanWrite {
		metrics.RecordStructureUpdate("denied")
		a.deliver(mb, protocol.ErrorFrame(protocol.CodePermissionDenied, "read-only participants cannot change the structure"))
		return
	}
	if u == nil {
		a.deliver(mb, protocol.ErrorFrame(protocol.CodeBadFrame, "structure update without payload"))
		return
	}
	if !mb.loaded || a.cache == nil {
		metrics.RecordStructureUpdate("not_loaded")
		a.deliver(mb, protocol.ErrorFrame(protocol.CodeNotLoaded, "load a snapshot before sending updates"))
		return
	}

	upd := *u
	upd.Sender = mb.session.ID
	before := a.cache.Files
	if !a.accept(upd) {
		return
	}
	a.markDirty()
	a.forgetRemoved(before)

	if relay := a.hub.relay; relay != nil {
		go func() {
			ctx, cancel := a.hub.storeCtx()
			defer cancel()
			if err := relay.Publish(ctx, a.id, upd); err != nil {
				a.log.Warn("failed to relay structure update", zap.Error(err))
			}
		}()
	}
}

// forgetRemoved releases the documents of files that were in before but are
// gone from the cache.
func (a *roomActor) forgetRemoved(before structure.Files) {
	docs := a.hub.docs
	if docs == nil {
		return
	}
	var gone []string
	for path := range before {
		if _, ok := a.cache.Files[path]; !ok {
			gone = append(gone, path)
		}
	}
	if len(gone) == 0 {
		return
	}
	slices.Sort(gone)
	go func() {
		ctx, cancel := a.hub.storeCtx()
		defer cancel()
		if err := docs.ForgetFiles(ctx, a.id, gone); err != nil {
			a.log.Warn("failed to release documents", zap.Strings("paths", gone), zap.Error(err))
		}
	}()
}

func (a *roomActor) applyRemote(u protocol.Update) {
	if a.cache == nil {
		a.broadcast(protocol.Frame{Type: protocol.TypeStructureUpdate, RoomID: a.id, Update: &u})
		return
	}
	a.accept(u)
}

// accept folds u into the cache and fans it out to every member, the sender
// included. Redelivered updates are dropped.
func (a *roomActor) accept(u protocol.Update) bool {
	next, outcome := protocol.ApplyUpdate(*a.cache, u)
	metrics.RecordStructureUpdate(outcome.String())
	if outcome == protocol.Duplicate {
		return false
	}
	next.Revision++
	a.cache = &next
	a.broadcast(protocol.Frame{Type: protocol.TypeStructureUpdate, RoomID: a.id, Update: &u})
	return true
}

func (a *roomActor) request(msg message) {
	if a.cache == nil {
		a.pending = append(a.pending, msg)
		a.startLoad()
		return
	}
	switch m := msg.(type) {
	case snapshotMsg:
		m.respond(reply{snap: a.cache.Clone()})
	case writeFileMsg:
		state, err := a.cache.State.Write(m.path, m.text)
		if err != nil {
			m.respond(reply{err: fmt.Errorf("%w: %s", ErrFileNotFound, m.path)})
			return
		}
		a.cache.State = state
		a.markDirty()
		m.respond(reply{})
	case saveNowMsg:
		a.explicit = append(a.explicit, m.call)
		a.startSave()
	}
}

func (a *roomActor) startLoad() {
	if a.loading {
		return
	}
	a.loading = true
	prev := a.prevFlush
	go func() {
		if prev != nil {
			<-prev
		}
		ctx, cancel := a.hub.storeCtx()
		defer cancel()
		snap, err := a.hub.store.Load(ctx, a.id)
		a.post(loadDone{snap: snap, err: err})
	}()
}

func (a *roomActor) loaded(m loadDone) {
	a.loading = false
	waiters, pending := a.loadWaiters, a.pending
	a.loadWaiters, a.pending = nil, nil

	if m.err != nil {
		err := m.err
		if errors.Is(err, persistence.ErrNotFound) {
			err = ErrRoomNotFound
		}
		a.log.Error("failed to load room", zap.Error(m.err))
		for _, id := range waiters {
			a.deliver(a.members[id], protocol.ErrorFrame(protocol.CodeSyncFailed, "could not load the room"))
		}
		for _, p := range pending {
			p.(responder).respond(reply{err: err})
		}
		return
	}

	if a.cache == nil {
		snap := m.snap.Clone()
		// Every sender in a stored clock belongs to a connection this actor
		// never saw.
		snap.Clock = nil
		a.cache = &snap
		if len(waiters) > 0 {
			a.markDirty()
		}
	}
	for _, id := range waiters {
		if mb, ok := a.members[id]; ok && !mb.loaded {
			a.sendLoaded(mb, a.cache.Clone(), protocol.SourceStore)
		}
	}
	for _, p := range pending {
		a.request(p)
	}
}

func (a *roomActor) markDirty() {
	a.dirty = true
	a.saver.Trigger()
}

// startSave writes a copy of the cache off the actor. Only one write is in
// flight per room.
func (a *roomActor) startSave() {
	if a.saving || a.cache == nil {
		return
	}
	if !a.dirty && len(a.explicit) == 0 {
		return
	}
	a.saving = true
	a.dirty = false
	snap := a.cache.Clone()
	explicit := a.explicit
	a.explicit = nil

	go func() {
		ctx, cancel := a.hub.storeCtx()
		defer cancel()
		var (
			key string
			err error
		)
		if len(explicit) > 0 {
			key, err = a.hub.store.SaveExplicit(ctx, a.id, snap)
		} else {
			err = a.hub.store.Save(ctx, a.id, snap)
		}
		a.post(saveDone{key: key, err: err, explicit: explicit})
	}()
}

func (a *roomActor) saved(m saveDone) {
	a.saving = false
	for _, c := range m.explicit {
		c.respond(reply{key: m.key, err: m.err})
	}
	if m.err != nil {
		a.log.Warn("failed to save room, will retry", zap.Error(m.err))
		a.dirty = true
	}
	if len(a.explicit) > 0 {
		a.startSave()
		return
	}
	if a.dirty {
		a.saver.Trigger()
	}
}
