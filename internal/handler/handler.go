// Package handler exposes the room service over gRPC.
package handler

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"room-sync-service/internal/hub"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
	"room-sync-service/internal/protocol"
	"room-sync-service/internal/service/gateway"
	"room-sync-service/internal/service/permission"
	"room-sync-service/internal/service/persistence"
	"room-sync-service/pkg/logger"
	"room-sync-service/pkg/middleware"
)

var (
	errBadRequest = errors.New("bad request")
	errReadOnly   = errors.New("write access required")
)

type Rooms interface {
	Join(ctx context.Context, roomID, token, guestName string) (*hub.Session, error)
	SaveRoom(ctx context.Context, roomID string) (string, error)
}

type Creator interface {
	CreateRoom(ctx context.Context, roomID, title, passcode, ownerID string) (*room.Room, error)
}

type Permissions interface {
	Authenticate(ctx context.Context, token string) (*permission.Claims, bool)
	ResolveRoom(ctx context.Context, roomID, token, guestName string) (*room.Room, permission.Access, error)
	RedeemPasscode(ctx context.Context, roomID, token, passcode string) (bool, error)
}

type Documents interface {
	OpenDocumentChannel(ctx context.Context, roomID, filePath, token string) (*gateway.Admission, error)
	ReportDocumentText(ctx context.Context, ticket, text string) error
}

type GRPCHandler struct {
	rooms   Rooms
	creator Creator
	perms   Permissions
	docs    Documents
}

func New(rooms Rooms, creator Creator, perms Permissions, docs Documents) *GRPCHandler {
	return &GRPCHandler{rooms: rooms, creator: creator, perms: perms, docs: docs}
}

// Connect admits the stream to the room named by its first frame, then
// relays frames both ways until either side goes away.
func (h *GRPCHandler) Connect(stream ConnectServer) error {
	ctx := stream.Context()
	msg, err := stream.Recv()
	if err != nil {
		return err
	}
	first, err := protocol.Decode(msg)
	if err != nil || first.Type != protocol.TypeJoin {
		return status.Error(codes.InvalidArgument, "first frame must be join")
	}

	session, err := h.rooms.Join(ctx, first.RoomID, middleware.TokenFromContext(ctx), first.GuestName)
	if err != nil {
		return toStatus(ctx, err)
	}
	defer session.Leave()

	log := logger.GetLogger(ctx).With(zap.String("room", session.RoomID), zap.String("connection", session.ID))
	local := make(chan protocol.Frame, 8)
	recvErr := make(chan error, 1)
	go receive(ctx, stream, session, local, recvErr)

	for {
		select {
		case f, ok := <-session.Frames():
			if !ok {
				log.Info("session dropped by room")
				return status.Error(codes.Unavailable, "session closed by room")
			}
			if err := send(stream, f); err != nil {
				return err
			}
		case f := <-local:
			if err := send(stream, f); err != nil {
				return err
			}
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// receive forwards client frames to the room. Undecodable frames are
// answered on the stream instead of closing it.
func receive(ctx context.Context, stream ConnectServer, session *hub.Session, local chan<- protocol.Frame, done chan<- error) {
	for {
		msg, err := stream.Recv()
		if err != nil {
			done <- err
			return
		}
		f, err := protocol.Decode(msg)
		if err != nil {
			select {
			case local <- protocol.ErrorFrame(protocol.CodeBadFrame, err.Error()):
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := session.Send(f); err != nil {
			return
		}
	}
}

func send(stream ConnectServer, f protocol.Frame) error {
	msg, err := protocol.Encode(f)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.Send(msg)
}

func (h *GRPCHandler) CreateRoom(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req CreateRoomRequest
	if err := decodeMessage(in, &req); err != nil {
		return nil, toStatus(ctx, err)
	}
	claims, ok := h.perms.Authenticate(ctx, middleware.TokenFromContext(ctx))
	if !ok {
		return nil, toStatus(ctx, permission.ErrUnauthenticated)
	}
	rm, err := h.creator.CreateRoom(ctx, req.RoomID, req.Title, req.Passcode, claims.Subject)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(ctx, CreateRoomResponse{RoomID: rm.ID, Title: rm.Title, OwnerID: rm.OwnerID})
}

func (h *GRPCHandler) RedeemPasscode(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req RedeemPasscodeRequest
	if err := decodeMessage(in, &req); err != nil {
		return nil, toStatus(ctx, err)
	}
	granted, err := h.perms.RedeemPasscode(ctx, req.RoomID, middleware.TokenFromContext(ctx), req.Passcode)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(ctx, RedeemPasscodeResponse{Granted: granted})
}

// SaveRoom is limited to editors of the room.
func (h *GRPCHandler) SaveRoom(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req SaveRoomRequest
	if err := decodeMessage(in, &req); err != nil {
		return nil, toStatus(ctx, err)
	}
	_, access, err := h.perms.ResolveRoom(ctx, req.RoomID, middleware.TokenFromContext(ctx), "")
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	if !access.CanWrite {
		return nil, toStatus(ctx, errReadOnly)
	}
	key, err := h.rooms.SaveRoom(ctx, req.RoomID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(ctx, SaveRoomResponse{ArchiveKey: key})
}

func (h *GRPCHandler) OpenDocument(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req OpenDocumentRequest
	if err := decodeMessage(in, &req); err != nil {
		return nil, toStatus(ctx, err)
	}
	adm, err := h.docs.OpenDocumentChannel(ctx, req.RoomID, req.Path, middleware.TokenFromContext(ctx))
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(ctx, OpenDocumentResponse{
		DocumentID: adm.DocumentID,
		Ticket:     adm.Ticket,
		ExpiresAt:  adm.ExpiresAt.Unix(),
		CanWrite:   adm.CanWrite,
		Seed:       adm.Seed,
		Seeded:     adm.Seeded,
	})
}

func (h *GRPCHandler) ReportDocument(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req ReportDocumentRequest
	if err := decodeMessage(in, &req); err != nil {
		return nil, toStatus(ctx, err)
	}
	if err := h.docs.ReportDocumentText(ctx, req.Ticket, req.Text); err != nil {
		return nil, toStatus(ctx, err)
	}
	return reply(ctx, ReportDocumentResponse{})
}

func reply(ctx context.Context, v any) (*wrapperspb.BytesValue, error) {
	out, err := encodeMessage(v)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return out, nil
}

func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, permission.ErrRoomNotFound),
		errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, gateway.ErrFileNotFound),
		errors.Is(err, hub.ErrFileNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, persistence.ErrRoomExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, permission.ErrInvalidPasscode),
		errors.Is(err, gateway.ErrReadOnlyTicket),
		errors.Is(err, errReadOnly):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, errBadRequest),
		errors.Is(err, persistence.ErrInvalidInput),
		errors.Is(err, permission.ErrPasscodeRequired),
		errors.Is(err, structure.ErrInvalidName),
		errors.Is(err, structure.ErrInvalidPath),
		errors.Is(err, structure.ErrNodeExists),
		errors.Is(err, structure.ErrNodeNotFound),
		errors.Is(err, structure.ErrNotFolder),
		errors.Is(err, structure.ErrNotFile),
		errors.Is(err, structure.ErrInvalidKind):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, permission.ErrUnauthenticated),
		errors.Is(err, gateway.ErrInvalidTicket):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, hub.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		logger.GetLogger(ctx).Error("request failed", zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}
