package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"room-sync-service/internal/protocol"
)

const ServiceName = "roomsync.RoomSync"

// RoomSyncServer is the server API. Every message is a BytesValue whose
// payload is JSON: protocol frames on Connect, the request and response
// types below on unary calls.
type RoomSyncServer interface {
	Connect(ConnectServer) error
	CreateRoom(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	RedeemPasscode(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	SaveRoom(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	OpenDocument(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	ReportDocument(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

type CreateRoomRequest struct {
	RoomID   string `json:"roomId"`
	Title    string `json:"title"`
	Passcode string `json:"passcode"`
}

type CreateRoomResponse struct {
	RoomID  string `json:"roomId"`
	Title   string `json:"title"`
	OwnerID string `json:"ownerId"`
}

type RedeemPasscodeRequest struct {
	RoomID   string `json:"roomId"`
	Passcode string `json:"passcode"`
}

type RedeemPasscodeResponse struct {
	Granted bool `json:"granted"`
}

type SaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type SaveRoomResponse struct {
	ArchiveKey string `json:"archiveKey,omitempty"`
}

type OpenDocumentRequest struct {
	RoomID string `json:"roomId"`
	Path   string `json:"path"`
}

type OpenDocumentResponse struct {
	DocumentID string `json:"documentId"`
	Ticket     string `json:"ticket"`
	ExpiresAt  int64  `json:"expiresAt"`
	CanWrite   bool   `json:"canWrite"`
	Seed       string `json:"seed,omitempty"`
	Seeded     bool   `json:"seeded"`
}

type ReportDocumentRequest struct {
	Ticket string `json:"ticket"`
	Text   string `json:"text"`
}

type ReportDocumentResponse struct{}

func decodeMessage(msg *wrapperspb.BytesValue, v any) error {
	if msg == nil || len(msg.GetValue()) == 0 {
		return fmt.Errorf("%w: empty message", errBadRequest)
	}
	if err := json.Unmarshal(msg.GetValue(), v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func encodeMessage(v any) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

type unaryCall func(RoomSyncServer, context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RoomSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(RoomSyncServer), ctx, req.(*wrapperspb.BytesValue))
			})
		},
	}
}

// ConnectServer is the server side of a Connect stream.
type ConnectServer interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type connectServer struct {
	grpc.ServerStream
}

func (x *connectServer) Send(m *wrapperspb.BytesValue) error {
	return x.ServerStream.SendMsg(m)
}

func (x *connectServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RoomSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateRoom", RoomSyncServer.CreateRoom),
		unaryMethod("RedeemPasscode", RoomSyncServer.RedeemPasscode),
		unaryMethod("SaveRoom", RoomSyncServer.SaveRoom),
		unaryMethod("OpenDocument", RoomSyncServer.OpenDocument),
		unaryMethod("ReportDocument", RoomSyncServer.ReportDocument),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Connect",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(RoomSyncServer).Connect(&connectServer{stream})
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func Register(s grpc.ServiceRegistrar, srv RoomSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is the caller side of RoomSync, used by the CLI and by tests.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := encodeMessage(req)
	if err != nil {
		return err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return err
	}
	if err := json.Unmarshal(out.GetValue(), resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest, opts ...grpc.CallOption) (*CreateRoomResponse, error) {
	resp := new(CreateRoomResponse)
	return resp, c.invoke(ctx, "CreateRoom", req, resp, opts...)
}

func (c *Client) RedeemPasscode(ctx context.Context, req RedeemPasscodeRequest, opts ...grpc.CallOption) (*RedeemPasscodeResponse, error) {
	resp := new(RedeemPasscodeResponse)
	return resp, c.invoke(ctx, "RedeemPasscode", req, resp, opts...)
}

func (c *Client) SaveRoom(ctx context.Context, req SaveRoomRequest, opts ...grpc.CallOption) (*SaveRoomResponse, error) {
	resp := new(SaveRoomResponse)
	return resp, c.invoke(ctx, "SaveRoom", req, resp, opts...)
}

func (c *Client) OpenDocument(ctx context.Context, req OpenDocumentRequest, opts ...grpc.CallOption) (*OpenDocumentResponse, error) {
	resp := new(OpenDocumentResponse)
	return resp, c.invoke(ctx, "OpenDocument", req, resp, opts...)
}

func (c *Client) ReportDocument(ctx context.Context, req ReportDocumentRequest, opts ...grpc.CallOption) (*ReportDocumentResponse, error) {
	resp := new(ReportDocumentResponse)
	return resp, c.invoke(ctx, "ReportDocument", req, resp, opts...)
}

// ConnectClient is the caller side of a Connect stream.
type ConnectClient struct {
	grpc.ClientStream
}

func (c *Client) Connect(ctx context.Context, opts ...grpc.CallOption) (*ConnectClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Connect", opts...)
	if err != nil {
		return nil, err
	}
	return &ConnectClient{stream}, nil
}

func (x *ConnectClient) Send(f protocol.Frame) error {
	msg, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return x.ClientStream.SendMsg(msg)
}

func (x *ConnectClient) Recv() (protocol.Frame, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(m)
}
