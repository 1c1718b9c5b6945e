// Package protocol defines the frames exchanged on a room connection.
//
// Frames are JSON documents carried inside google.protobuf.BytesValue
// messages so the gRPC service needs no generated code.
package protocol

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/wrapperspb"

	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
)

type FrameType string

const (
	// client -> server
	TypeJoin            FrameType = "join"
	TypeRequestSnapshot FrameType = "request_snapshot"
	TypeLoadSnapshot    FrameType = "load_snapshot"
	TypeProvideSnapshot FrameType = "provide_snapshot"

	// server -> client
	TypeJoined          FrameType = "joined"
	TypePresence        FrameType = "presence"
	TypeSnapshotRequest FrameType = "snapshot_request"
	TypeSnapshotLoaded  FrameType = "snapshot_loaded"
	TypeError           FrameType = "error"

	// both directions
	TypeStructureUpdate FrameType = "structure_update"
)

const (
	SourcePeer  = "peer"
	SourceCache = "cache"
	SourceStore = "store"
)

const (
	CodeRoomNotFound     = "room_not_found"
	CodePermissionDenied = "permission_denied"
	CodeSyncFailed       = "sync_failed"
	CodeNotLoaded        = "not_loaded"
	CodeBadFrame         = "bad_frame"
)

// Frame is the single envelope type. Only the fields relevant to Type are
// set.
type Frame struct {
	Type   FrameType `json:"type"`
	RoomID string    `json:"roomId,omitempty"`

	// join / joined
	GuestName    string `json:"guestName,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
	Identity     string `json:"identity,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	CanWrite     bool   `json:"canWrite,omitempty"`

	// presence
	Presence []room.PresenceEntry `json:"presence,omitempty"`

	// snapshot_request / provide_snapshot / snapshot_loaded
	Requester string         `json:"requester,omitempty"`
	Target    string         `json:"target,omitempty"`
	Source    string         `json:"source,omitempty"`
	Snapshot  *room.Snapshot `json:"snapshot,omitempty"`

	// structure_update
	Update *Update `json:"update,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Update is one structure broadcast. Sender is stamped by the server with
// the connection id of the originating session.
type Update struct {
	Revision uint64          `json:"revision"`
	Sender   string          `json:"sender"`
	State    structure.State `json:"state"`
	Ops      []structure.Op  `json:"ops,omitempty"`
}

func ErrorFrame(code, msg string) Frame {
	return Frame{Type: TypeError, Code: code, Message: msg}
}

func Encode(f Frame) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return wrapperspb.Bytes(data), nil
}

func Decode(msg *wrapperspb.BytesValue) (Frame, error) {
	var f Frame
	if msg == nil {
		return f, fmt.Errorf("decode frame: empty message")
	}
	if err := json.Unmarshal(msg.GetValue(), &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return f, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}
