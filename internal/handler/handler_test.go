package handler_test

import (
	"context"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"room-sync-service/internal/clock"
	"room-sync-service/internal/handler"
	"room-sync-service/internal/hub"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
	"room-sync-service/internal/protocol"
	"room-sync-service/internal/repository/BlackListRepo"
	"room-sync-service/internal/repository/documentRepo"
	"room-sync-service/internal/repository/roomRepo"
	"room-sync-service/internal/service/gateway"
	"room-sync-service/internal/service/permission"
	"room-sync-service/internal/service/persistence"
	"room-sync-service/pkg/logger"
	"room-sync-service/pkg/middleware"
)

const secret = "handler-secret"

type memStore struct {
	mu    sync.Mutex
	rooms map[string]*room.Room
	snaps map[string]room.Snapshot
}

func (m *memStore) Create(_ context.Context, rm *room.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[rm.ID]; ok {
		return roomRepo.ErrRoomExists
	}
	c := *rm
	m.rooms[rm.ID] = &c
	m.snaps[rm.ID] = room.NewSnapshot(rm.Title)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[id]
	if !ok {
		return nil, roomRepo.ErrNotFound
	}
	c := *rm
	c.EditorIDs = slices.Clone(rm.EditorIDs)
	return &c, nil
}

func (m *memStore) AddEditor(_ context.Context, id, identity string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[id]
	if !ok {
		return false, roomRepo.ErrNotFound
	}
	if slices.Contains(rm.EditorIDs, identity) {
		return false, nil
	}
	rm.EditorIDs = append(rm.EditorIDs, identity)
	return true, nil
}

func (m *memStore) LoadSnapshot(_ context.Context, id string) (room.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return room.Snapshot{}, roomRepo.ErrNotFound
	}
	return snap.Clone(), nil
}

func (m *memStore) SaveSnapshot(_ context.Context, id string, snap room.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[id] = snap.Clone()
	return nil
}

type server struct {
	client *handler.Client
	perms  *permission.Service
	store  *memStore
}

func setupServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()

	store := &memStore{rooms: map[string]*room.Room{}, snaps: map[string]room.Snapshot{}}
	seed := room.NewSnapshot("Demo")
	var err error
	seed.State, err = seed.State.Insert("", structure.NewFile("main.go"), "package main")
	require.NoError(t, err)
	hash, err := permission.HashPasscode("letmein")
	require.NoError(t, err)
	store.rooms["r1"] = &room.Room{ID: "r1", Title: "Demo", PasscodeHash: hash, OwnerID: "alice", EditorIDs: []string{"alice"}}
	store.snaps["r1"] = seed

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	perms := permission.New(store, BlackListRepo.NewBlackListRepo(rdb), secret)
	persist := persistence.New(store, nil)
	rooms := hub.New(ctx, perms, persist, clock.Real(), hub.Config{})
	docs := gateway.New(perms, rooms, documentRepo.New(rdb), secret, time.Minute)

	log := logger.NewNop()
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(middleware.AuthInterceptor(log)),
		grpc.StreamInterceptor(middleware.StreamAuthInterceptor(log)),
	)
	handler.Register(srv, handler.New(rooms, persist, perms, docs))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rooms.Close(ctx)
	})
	return &server{client: handler.NewClient(conn), perms: perms, store: store}
}

func (s *server) as(t *testing.T, identity string) context.Context {
	t.Helper()
	tok, err := s.perms.IssueToken(identity, identity, time.Hour)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), err.Error())
}

func recv(t *testing.T, stream *handler.ConnectClient, typ protocol.FrameType) protocol.Frame {
	t.Helper()
	for {
		f, err := stream.Recv()
		require.NoError(t, err)
		if f.Type == typ {
			return f
		}
	}
}

func connect(t *testing.T, ctx context.Context, s *server, roomID string) *handler.ConnectClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	t.Cleanup(cancel)
	stream, err := s.client.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(protocol.Frame{Type: protocol.TypeJoin, RoomID: roomID, GuestName: "Visitor"}))
	return stream
}

func TestConnect(t *testing.T) {
	s := setupServer(t)

	t.Run("editor joins and loads", func(t *testing.T) {
		stream := connect(t, s.as(t, "alice"), s, "r1")
		joined := recv(t, stream, protocol.TypeJoined)
		assert.True(t, joined.CanWrite)
		assert.Equal(t, "alice", joined.Identity)

		require.NoError(t, stream.Send(protocol.Frame{Type: protocol.TypeLoadSnapshot}))
		loaded := recv(t, stream, protocol.TypeSnapshotLoaded)
		require.NotNil(t, loaded.Snapshot)
		assert.Equal(t, "package main", loaded.Snapshot.Files["main.go"])
		require.NoError(t, stream.CloseSend())
	})

	t.Run("anonymous caller joins read-only", func(t *testing.T) {
		stream := connect(t, context.Background(), s, "r1")
		joined := recv(t, stream, protocol.TypeJoined)
		assert.False(t, joined.CanWrite)
		assert.Equal(t, "Visitor", joined.DisplayName)
		require.NoError(t, stream.CloseSend())
	})

	t.Run("unknown room", func(t *testing.T) {
		stream := connect(t, context.Background(), s, "nope")
		_, err := stream.Recv()
		requireCode(t, err, codes.NotFound)
	})

	t.Run("first frame must be join", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stream, err := s.client.Connect(ctx)
		require.NoError(t, err)
		require.NoError(t, stream.Send(protocol.Frame{Type: protocol.TypeLoadSnapshot}))
		_, err = stream.Recv()
		requireCode(t, err, codes.InvalidArgument)
	})

	t.Run("unexpected frame is answered in band", func(t *testing.T) {
		stream := connect(t, s.as(t, "alice"), s, "r1")
		recv(t, stream, protocol.TypeJoined)
		require.NoError(t, stream.Send(protocol.Frame{Type: protocol.TypeJoined}))
		f := recv(t, stream, protocol.TypeError)
		assert.Equal(t, protocol.CodeBadFrame, f.Code)

		require.NoError(t, stream.Send(protocol.Frame{Type: protocol.TypeLoadSnapshot}))
		recv(t, stream, protocol.TypeSnapshotLoaded)
		require.NoError(t, stream.CloseSend())
	})
}

func TestCreateRoom(t *testing.T) {
	s := setupServer(t)

	t.Run("owner becomes editor", func(t *testing.T) {
		resp, err := s.client.CreateRoom(s.as(t, "carol"), handler.CreateRoomRequest{RoomID: "r2", Title: "New", Passcode: "pw"})
		require.NoError(t, err)
		assert.Equal(t, "r2", resp.RoomID)
		assert.Equal(t, "carol", resp.OwnerID)

		rm, err := s.store.GetByID(context.Background(), "r2")
		require.NoError(t, err)
		assert.Equal(t, []string{"carol"}, rm.EditorIDs)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := s.client.CreateRoom(s.as(t, "carol"), handler.CreateRoomRequest{RoomID: "r1", Title: "Again", Passcode: "pw"})
		requireCode(t, err, codes.AlreadyExists)
	})

	t.Run("passcode required", func(t *testing.T) {
		_, err := s.client.CreateRoom(s.as(t, "carol"), handler.CreateRoomRequest{RoomID: "r3", Title: "T"})
		requireCode(t, err, codes.InvalidArgument)
	})

	t.Run("anonymous", func(t *testing.T) {
		_, err := s.client.CreateRoom(context.Background(), handler.CreateRoomRequest{RoomID: "r4", Title: "T", Passcode: "pw"})
		requireCode(t, err, codes.Unauthenticated)
	})
}

func TestRedeemPasscode(t *testing.T) {
	s := setupServer(t)

	_, err := s.client.RedeemPasscode(s.as(t, "bob"), handler.RedeemPasscodeRequest{RoomID: "r1", Passcode: "wrong"})
	requireCode(t, err, codes.PermissionDenied)

	_, err = s.client.RedeemPasscode(context.Background(), handler.RedeemPasscodeRequest{RoomID: "r1", Passcode: "letmein"})
	requireCode(t, err, codes.Unauthenticated)

	resp, err := s.client.RedeemPasscode(s.as(t, "bob"), handler.RedeemPasscodeRequest{RoomID: "r1", Passcode: "letmein"})
	require.NoError(t, err)
	assert.True(t, resp.Granted)

	stream := connect(t, s.as(t, "bob"), s, "r1")
	assert.True(t, recv(t, stream, protocol.TypeJoined).CanWrite)
	require.NoError(t, stream.CloseSend())
}

func TestSaveRoom(t *testing.T) {
	s := setupServer(t)

	_, err := s.client.SaveRoom(context.Background(), handler.SaveRoomRequest{RoomID: "r1"})
	requireCode(t, err, codes.PermissionDenied)

	_, err = s.client.SaveRoom(s.as(t, "alice"), handler.SaveRoomRequest{RoomID: "missing"})
	requireCode(t, err, codes.NotFound)

	resp, err := s.client.SaveRoom(s.as(t, "alice"), handler.SaveRoomRequest{RoomID: "r1"})
	require.NoError(t, err)
	assert.Empty(t, resp.ArchiveKey)
}

func TestDocuments(t *testing.T) {
	s := setupServer(t)
	ctx := s.as(t, "alice")

	first, err := s.client.OpenDocument(ctx, handler.OpenDocumentRequest{RoomID: "r1", Path: "main.go"})
	require.NoError(t, err)
	assert.Equal(t, "r1-main.go", first.DocumentID)
	assert.True(t, first.Seeded)
	assert.Equal(t, "package main", first.Seed)
	assert.True(t, first.CanWrite)

	second, err := s.client.OpenDocument(ctx, handler.OpenDocumentRequest{RoomID: "r1", Path: "main.go"})
	require.NoError(t, err)
	assert.False(t, second.Seeded)

	_, err = s.client.OpenDocument(ctx, handler.OpenDocumentRequest{RoomID: "r1", Path: "missing.go"})
	requireCode(t, err, codes.NotFound)

	_, err = s.client.ReportDocument(context.Background(), handler.ReportDocumentRequest{Ticket: first.Ticket, Text: "package app"})
	require.NoError(t, err)

	_, err = s.client.ReportDocument(context.Background(), handler.ReportDocumentRequest{Ticket: "garbage", Text: "x"})
	requireCode(t, err, codes.Unauthenticated)

	guest, err := s.client.OpenDocument(context.Background(), handler.OpenDocumentRequest{RoomID: "r1", Path: "main.go"})
	require.NoError(t, err)
	assert.False(t, guest.CanWrite)
	_, err = s.client.ReportDocument(context.Background(), handler.ReportDocumentRequest{Ticket: guest.Ticket, Text: "x"})
	requireCode(t, err, codes.PermissionDenied)

	_, err = s.client.SaveRoom(ctx, handler.SaveRoomRequest{RoomID: "r1"})
	require.NoError(t, err)
	snap, err := s.store.LoadSnapshot(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "package app", snap.Files["main.go"])
}
