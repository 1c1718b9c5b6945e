package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"room-sync-service/internal/metrics"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/repository/roomRepo"
	"room-sync-service/internal/service/permission"
	"room-sync-service/pkg/logger"
)

var (
	ErrNotFound     = errors.New("room not found")
	ErrRoomExists   = errors.New("room already exists")
	ErrInvalidInput = errors.New("room id and title are required")
)

type Store interface {
	Create(ctx context.Context, rm *room.Room) error
	LoadSnapshot(ctx context.Context, roomID string) (room.Snapshot, error)
	SaveSnapshot(ctx context.Context, roomID string, snap room.Snapshot) error
}

// Archiver keeps point-in-time copies of snapshots outside the store.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, roomID string, snap room.Snapshot) (string, error)
}

type Service struct {
	store   Store
	archive Archiver
	now     func() time.Time
}

// New builds the bridge. archive may be nil, in which case explicit saves
// only write to the store.
func New(store Store, archive Archiver) *Service {
	return &Service{store: store, archive: archive, now: time.Now}
}

// CreateRoom registers a room with an empty tree. The owner starts as the
// only editor.
func (s *Service) CreateRoom(ctx context.Context, roomID, title, passcode, ownerID string) (*room.Room, error) {
	roomID = strings.TrimSpace(roomID)
	title = strings.TrimSpace(title)
	if roomID == "" || title == "" {
		return nil, ErrInvalidInput
	}
	hash, err := permission.HashPasscode(passcode)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	rm := &room.Room{
		ID:           roomID,
		Title:        title,
		PasscodeHash: hash,
		OwnerID:      ownerID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if ownerID != "" {
		rm.EditorIDs = []string{ownerID}
	}

	err = s.store.Create(ctx, rm)
	if errors.Is(err, roomRepo.ErrRoomExists) {
		return nil, ErrRoomExists
	}
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	logger.GetLogger(ctx).Info("room created", zap.String("room", roomID), zap.String("owner", ownerID))
	return rm, nil
}

func (s *Service) Load(ctx context.Context, roomID string) (room.Snapshot, error) {
	snap, err := s.store.LoadSnapshot(ctx, roomID)
	if errors.Is(err, roomRepo.ErrNotFound) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("load room %s: %w", roomID, err)
	}
	return snap, nil
}

// Save writes snap over whatever is stored for roomID.
func (s *Service) Save(ctx context.Context, roomID string, snap room.Snapshot) error {
	start := time.Now()
	err := s.store.SaveSnapshot(ctx, roomID, snap)
	metrics.RecordSave(time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("save room %s: %w", roomID, err)
	}
	return nil
}

// SaveExplicit is a user-requested save: the store write must succeed, the
// archive copy is best effort. It returns the archive key, if any.
func (s *Service) SaveExplicit(ctx context.Context, roomID string, snap room.Snapshot) (string, error) {
	if err := s.Save(ctx, roomID, snap); err != nil {
		return "", err
	}
	if s.archive == nil {
		return "", nil
	}
	key, err := s.archive.ArchiveSnapshot(ctx, roomID, snap)
	if err != nil {
		logger.GetLogger(ctx).Warn("failed to archive snapshot", zap.String("room", roomID), zap.Error(err))
		return "", nil
	}
	return key, nil
}
