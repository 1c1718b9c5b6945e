package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"room-sync-service/internal/model/room"
	"room-sync-service/internal/repository/roomRepo"
	"room-sync-service/pkg/logger"
)

const DefaultDisplayName = "Guest"

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrUnauthenticated  = errors.New("valid identity token required")
	ErrInvalidPasscode  = errors.New("invalid passcode")
	ErrPasscodeRequired = errors.New("passcode required")
)

type RoomStore interface {
	GetByID(ctx context.Context, roomID string) (*room.Room, error)
	AddEditor(ctx context.Context, roomID, identity string) (bool, error)
}

type Revocations interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Claims is the payload of an identity token.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Access is the outcome of resolving one connection's permissions.
type Access struct {
	Identity    string
	DisplayName string
	CanWrite    bool
	Guest       bool
}

type Service struct {
	rooms   RoomStore
	revoked Revocations
	secret  []byte
}

func New(rooms RoomStore, revoked Revocations, jwtSecret string) *Service {
	return &Service{rooms: rooms, revoked: revoked, secret: []byte(jwtSecret)}
}

// IssueToken signs an identity token. Login is handled elsewhere; this is
// used by tooling and tests.
func (s *Service) IssueToken(identity, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Authenticate validates token and returns its claims. Any failure, revoked
// tokens included, reports false.
func (s *Service) Authenticate(ctx context.Context, token string) (*Claims, bool) {
	token = cleanToken(token)
	if token == "" {
		return nil, false
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return nil, false
	}
	// Identity tokens carry no audience. Anything scoped to one, such as a
	// document ticket signed with the same secret, is not an identity.
	if len(claims.Audience) > 0 {
		return nil, false
	}

	if s.revoked != nil {
		revoked, err := s.revoked.IsRevoked(ctx, token)
		if err != nil {
			logger.GetLogger(ctx).Warn("revocation check failed, treating token as invalid", zap.Error(err))
			return nil, false
		}
		if revoked {
			return nil, false
		}
	}
	return claims, true
}

// Resolve decides what the holder of token may do in rm. A missing or bad
// token degrades to a read-only guest; it is never an error.
func (s *Service) Resolve(ctx context.Context, rm *room.Room, token, guestName string) Access {
	claims, ok := s.Authenticate(ctx, token)
	if !ok {
		return Access{
			Identity:    "guest-" + uuid.NewString(),
			DisplayName: displayName("", guestName),
			Guest:       true,
		}
	}

	s.healOwner(ctx, rm)

	return Access{
		Identity:    claims.Subject,
		DisplayName: displayName(claims.Username, guestName),
		CanWrite:    rm.IsEditor(claims.Subject),
	}
}

// displayName prefers the token's username, then the name the guest typed.
func displayName(username, guestName string) string {
	if name := strings.TrimSpace(username); name != "" {
		return name
	}
	if name := strings.TrimSpace(guestName); name != "" {
		return name
	}
	return DefaultDisplayName
}

// ResolveRoom loads the room and resolves access against its current
// editor set.
func (s *Service) ResolveRoom(ctx context.Context, roomID, token, guestName string) (*room.Room, Access, error) {
	rm, err := s.room(ctx, roomID)
	if err != nil {
		return nil, Access{}, err
	}
	return rm, s.Resolve(ctx, rm, token, guestName), nil
}

// RedeemPasscode grants write access to the token's identity when passcode
// matches. Redeeming twice is harmless.
func (s *Service) RedeemPasscode(ctx context.Context, roomID, token, passcode string) (bool, error) {
	claims, ok := s.Authenticate(ctx, token)
	if !ok {
		return false, ErrUnauthenticated
	}
	rm, err := s.room(ctx, roomID)
	if err != nil {
		return false, err
	}
	if rm.PasscodeHash == "" || bcrypt.CompareHashAndPassword([]byte(rm.PasscodeHash), []byte(passcode)) != nil {
		return false, ErrInvalidPasscode
	}
	if rm.IsEditor(claims.Subject) {
		return true, nil
	}
	if _, err := s.rooms.AddEditor(ctx, roomID, claims.Subject); err != nil {
		return false, fmt.Errorf("grant editor: %w", err)
	}
	logger.GetLogger(ctx).Info("passcode redeemed",
		zap.String("room", roomID), zap.String("identity", claims.Subject))
	return true, nil
}

func (s *Service) room(ctx context.Context, roomID string) (*room.Room, error) {
	rm, err := s.rooms.GetByID(ctx, roomID)
	if errors.Is(err, roomRepo.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return rm, nil
}

func (s *Service) healOwner(ctx context.Context, rm *room.Room) {
	if !rm.OwnerMissing() {
		return
	}
	if _, err := s.rooms.AddEditor(ctx, rm.ID, rm.OwnerID); err != nil {
		logger.GetLogger(ctx).Warn("failed to restore owner to editors",
			zap.String("room", rm.ID), zap.Error(err))
		return
	}
	rm.EditorIDs = append(rm.EditorIDs, rm.OwnerID)
}

// HashPasscode is used when a room is created.
func HashPasscode(passcode string) (string, error) {
	if passcode == "" {
		return "", ErrPasscodeRequired
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash passcode: %w", err)
	}
	return string(hash), nil
}

func cleanToken(token string) string {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	return strings.Trim(token, `"' `)
}
