// Package hub runs one actor goroutine per active room. The actor owns the
// room's members, its presence list and its snapshot cache; sessions, the
// document gateway and the relay talk to it through its inbox.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"room-sync-service/internal/clock"
	"room-sync-service/internal/metrics"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/protocol"
	"room-sync-service/internal/service/permission"
	"room-sync-service/pkg/logger"
)

var (
	ErrRoomNotFound  = permission.ErrRoomNotFound
	ErrFileNotFound  = errors.New("file not found")
	ErrSessionClosed = errors.New("session closed")
	ErrClosed        = errors.New("hub is shutting down")

	errStopped = errors.New("room actor stopped")
)

type Resolver interface {
	ResolveRoom(ctx context.Context, roomID, token, guestName string) (*room.Room, permission.Access, error)
}

type Persistence interface {
	Load(ctx context.Context, roomID string) (room.Snapshot, error)
	Save(ctx context.Context, roomID string, snap room.Snapshot) error
	SaveExplicit(ctx context.Context, roomID string, snap room.Snapshot) (string, error)
}

// Publisher forwards accepted structure updates to other server instances.
type Publisher interface {
	Publish(ctx context.Context, roomID string, u protocol.Update) error
}

// Documents drops per-file text engine state for paths that left the tree.
type Documents interface {
	ForgetFiles(ctx context.Context, roomID string, paths []string) error
}

type Config struct {
	SaveInterval time.Duration
	StoreTimeout time.Duration
	OutboxSize   int
}

func (c Config) withDefaults() Config {
	if c.SaveInterval <= 0 {
		c.SaveInterval = 3 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 64
	}
	return c
}

type Hub struct {
	ctx   context.Context
	cfg   Config
	perms Resolver
	store Persistence
	clk   clock.Clock
	relay Publisher
	docs  Documents

	mu       sync.Mutex
	closed   bool
	rooms    map[string]*roomActor
	flushing map[string]chan struct{}
	wg       sync.WaitGroup
}

// New builds a hub. ctx carries the logger; its cancellation does not stop
// room actors, Close does.
func New(ctx context.Context, perms Resolver, store Persistence, clk clock.Clock, cfg Config) *Hub {
	return &Hub{
		ctx:      context.WithoutCancel(ctx),
		cfg:      cfg.withDefaults(),
		perms:    perms,
		store:    store,
		clk:      clk,
		rooms:    make(map[string]*roomActor),
		flushing: make(map[string]chan struct{}),
	}
}

// SetPublisher enables cross-instance fan-out. Call it before serving.
func (h *Hub) SetPublisher(p Publisher) {
	h.relay = p
}

// SetDocuments lets deleted or renamed files be seeded afresh when a file
// reappears under the same path. Call it before serving.
func (h *Hub) SetDocuments(d Documents) {
	h.docs = d
}

// Session is one connection's membership in a room.
type Session struct {
	ID     string
	RoomID string
	Access permission.Access

	out    chan protocol.Frame
	actor  *roomActor
	closed chan struct{}
	leave  sync.Once
}

// Frames delivers server frames. It is closed when the session leaves or is
// evicted.
func (s *Session) Frames() <-chan protocol.Frame {
	return s.out
}

// Done is closed once the room has dropped the session.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Send hands a client frame to the room.
func (s *Session) Send(f protocol.Frame) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if !s.actor.post(frameMsg{session: s, frame: f}) {
		return ErrSessionClosed
	}
	return nil
}

// Leave removes the session from its room. Calling it more than once, or
// after an eviction, does nothing.
func (s *Session) Leave() {
	s.leave.Do(func() {
		s.actor.post(leaveMsg{session: s})
	})
}

// Join admits a connection to roomID. Permissions are resolved afresh; a bad
// token yields a read-only guest session rather than an error.
func (h *Hub) Join(ctx context.Context, roomID, token, guestName string) (*Session, error) {
	rm, access, err := h.perms.ResolveRoom(ctx, roomID, token, guestName)
	if err != nil {
		metrics.RecordJoin("rejected")
		return nil, err
	}

	s := &Session{
		ID:     uuid.NewString(),
		RoomID: rm.ID,
		Access: access,
		out:    make(chan protocol.Frame, h.cfg.OutboxSize),
		closed: make(chan struct{}),
	}
	// Once posted, the join must be answered even if the caller gives up,
	// otherwise the room would keep a member nobody reads from.
	if _, err := h.ask(context.WithoutCancel(ctx), rm.ID, func(c call) message {
		return joinMsg{call: c, session: s}
	}); err != nil {
		metrics.RecordJoin("rejected")
		return nil, err
	}

	if access.Guest {
		metrics.RecordJoin("guest")
	} else {
		metrics.RecordJoin("member")
	}
	logger.GetLogger(ctx).Info("session joined",
		zap.String("room", rm.ID),
		zap.String("connection", s.ID),
		zap.String("identity", access.Identity),
		zap.Bool("canWrite", access.CanWrite))
	return s, nil
}

// Snapshot returns the room's current state, loading it if no session has.
func (h *Hub) Snapshot(ctx context.Context, roomID string) (room.Snapshot, error) {
	r, err := h.ask(ctx, roomID, func(c call) message { return snapshotMsg{call: c} })
	return r.snap, err
}

// WriteFile replaces the content of an existing file without a structure
// broadcast. The change reaches storage with the next save.
func (h *Hub) WriteFile(ctx context.Context, roomID, path, text string) error {
	_, err := h.ask(ctx, roomID, func(c call) message {
		return writeFileMsg{call: c, path: path, text: text}
	})
	return err
}

// SaveRoom writes the room immediately and returns the archive key, if an
// archive copy was made.
func (h *Hub) SaveRoom(ctx context.Context, roomID string) (string, error) {
	r, err := h.ask(ctx, roomID, func(c call) message { return saveNowMsg{call: c} })
	return r.key, err
}

// ApplyRemote feeds an update accepted by another instance into the local
// room, if it is active here.
func (h *Hub) ApplyRemote(roomID string, u protocol.Update) {
	h.mu.Lock()
	a, ok := h.rooms[roomID]
	h.mu.Unlock()
	if ok {
		a.post(remoteMsg{update: u})
	}
}

// ActiveRooms reports how many room actors are running.
func (h *Hub) ActiveRooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close disconnects every session, lets each room flush and waits for the
// actors to finish or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	actors := make([]*roomActor, 0, len(h.rooms))
	for _, a := range h.rooms {
		actors = append(actors, a)
	}
	h.mu.Unlock()

	for _, a := range actors {
		a.post(kickMsg{})
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ask posts a request to the room's actor and waits for the answer. If the
// actor shuts down before answering, the request moves to its successor.
func (h *Hub) ask(ctx context.Context, roomID string, build func(call) message) (reply, error) {
	for {
		a, err := h.acquire(roomID)
		if err != nil {
			return reply{}, err
		}
		c := call{reply: make(chan reply, 1)}
		if !a.post(build(c)) {
			continue
		}
		select {
		case r := <-c.reply:
			if errors.Is(r.err, errStopped) {
				continue
			}
			return r, r.err
		case <-a.done:
			select {
			case r := <-c.reply:
				if !errors.Is(r.err, errStopped) {
					return r, r.err
				}
			default:
			}
		case <-ctx.Done():
			return reply{}, ctx.Err()
		}
	}
}

func (h *Hub) acquire(roomID string) (*roomActor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.rooms[roomID]; ok {
		return a, nil
	}
	if h.closed {
		return nil, ErrClosed
	}
	a := newRoomActor(h, roomID, h.flushing[roomID])
	h.rooms[roomID] = a
	h.wg.Add(1)
	go a.run()
	return a, nil
}

// release unregisters a stopping actor. Until its final flush completes,
// a successor for the same room waits before loading.
func (h *Hub) release(a *roomActor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[a.id] == a {
		delete(h.rooms, a.id)
	}
	h.flushing[a.id] = a.flushed
}

func (h *Hub) flushDone(a *roomActor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flushing[a.id] == a.flushed {
		delete(h.flushing, a.id)
	}
}

func (h *Hub) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.ctx, h.cfg.StoreTimeout)
}
