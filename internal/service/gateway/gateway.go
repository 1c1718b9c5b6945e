package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"room-sync-service/internal/hub"
	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
	"room-sync-service/internal/service/permission"
	"room-sync-service/pkg/logger"
)

// Audience marks tokens that admit to a document channel.
const Audience = "document"

var (
	ErrFileNotFound   = errors.New("file not found")
	ErrInvalidTicket  = errors.New("invalid document ticket")
	ErrReadOnlyTicket = errors.New("ticket does not allow edits")
)

type Resolver interface {
	ResolveRoom(ctx context.Context, roomID, token, guestName string) (*room.Room, permission.Access, error)
}

type Rooms interface {
	Snapshot(ctx context.Context, roomID string) (room.Snapshot, error)
	WriteFile(ctx context.Context, roomID, path, text string) error
}

type Registry interface {
	MarkOpened(ctx context.Context, documentID string) (bool, error)
	Forget(ctx context.Context, documentID string) error
}

// TicketClaims is what the text engine learns about a connection.
type TicketClaims struct {
	RoomID   string `json:"roomId"`
	Path     string `json:"path"`
	CanWrite bool   `json:"canWrite"`
	jwt.RegisteredClaims
}

type Admission struct {
	DocumentID string
	Ticket     string
	ExpiresAt  time.Time
	CanWrite   bool
	// Seed is the stored file content. It is only set for the first open
	// of a document; later openers get the text from the engine.
	Seed   string
	Seeded bool
}

type Service struct {
	perms    Resolver
	rooms    Rooms
	registry Registry
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func New(perms Resolver, rooms Rooms, registry Registry, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		perms:    perms,
		rooms:    rooms,
		registry: registry,
		secret:   []byte(secret),
		ttl:      ttl,
		now:      time.Now,
	}
}

// DocumentID names the shared text document of one file.
func DocumentID(roomID, path string) string {
	return roomID + "-" + path
}

// OpenDocumentChannel admits a connection to the text document of
// filePath. Permissions are resolved for this call alone.
func (s *Service) OpenDocumentChannel(ctx context.Context, roomID, filePath, token string) (*Admission, error) {
	rm, access, err := s.perms.ResolveRoom(ctx, roomID, token, "")
	if err != nil {
		return nil, err
	}
	path, err := structure.CleanPath(filePath)
	if err != nil || path == "" {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, filePath)
	}

	snap, err := s.rooms.Snapshot(ctx, rm.ID)
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	node := structure.Find(snap.Tree, path)
	if node == nil || node.Kind != structure.KindFile {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
	}

	docID := DocumentID(rm.ID, path)
	first, err := s.registry.MarkOpened(ctx, docID)
	if err != nil {
		return nil, err
	}

	expires := s.now().Add(s.ttl)
	ticket, err := s.sign(TicketClaims{
		RoomID:   rm.ID,
		Path:     path,
		CanWrite: access.CanWrite,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   access.Identity,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	if err != nil {
		return nil, err
	}

	adm := &Admission{
		DocumentID: docID,
		Ticket:     ticket,
		ExpiresAt:  expires,
		CanWrite:   access.CanWrite,
	}
	if first {
		adm.Seed = snap.Files[path]
		adm.Seeded = true
	}
	logger.GetLogger(ctx).Debug("document channel opened",
		zap.String("document", docID),
		zap.Bool("canWrite", access.CanWrite),
		zap.Bool("seeded", first))
	return adm, nil
}

// ForgetFiles drops the opened record of each path, so a file re-created
// under the same path is seeded from its new content.
func (s *Service) ForgetFiles(ctx context.Context, roomID string, paths []string) error {
	for _, path := range paths {
		if err := s.registry.Forget(ctx, DocumentID(roomID, path)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sign(claims TicketClaims) (string, error) {
	ticket, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign ticket: %w", err)
	}
	return ticket, nil
}

// ValidateTicket checks a ticket the way the text engine does.
func (s *Service) ValidateTicket(ticket string) (*TicketClaims, error) {
	claims := &TicketClaims{}
	parsed, err := jwt.ParseWithClaims(ticket, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidTicket
	}
	return claims, nil
}

// ReportDocumentText stores the engine's current text for the ticket's
// file. No structure update is broadcast.
func (s *Service) ReportDocumentText(ctx context.Context, ticket, text string) error {
	claims, err := s.ValidateTicket(ticket)
	if err != nil {
		return err
	}
	if !claims.CanWrite {
		return ErrReadOnlyTicket
	}
	err = s.rooms.WriteFile(ctx, claims.RoomID, claims.Path, text)
	if errors.Is(err, hub.ErrFileNotFound) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, claims.Path)
	}
	return err
}
