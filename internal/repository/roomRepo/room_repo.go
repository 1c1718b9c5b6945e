package roomRepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"room-sync-service/internal/model/room"
	"room-sync-service/internal/model/structure"
)

var (
	ErrNotFound   = errors.New("room not found")
	ErrRoomExists = errors.New("room already exists")
)

// DB is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id       TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	passcode_hash TEXT NOT NULL DEFAULT '',
	owner_id      TEXT NOT NULL DEFAULT '',
	editor_ids    TEXT[] NOT NULL DEFAULT '{}',
	structure     JSONB NOT NULL DEFAULT '{"type":"folder","name":"root","children":[]}',
	files         JSONB NOT NULL DEFAULT '{}',
	revision      BIGINT NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type RoomRepo struct {
	db DB
}

func New(db DB) *RoomRepo {
	return &RoomRepo{db: db}
}

func (r *RoomRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create rooms table: %w", err)
	}
	return nil
}

// Create inserts a new room with an empty tree.
func (r *RoomRepo) Create(ctx context.Context, rm *room.Room) error {
	query := `INSERT INTO rooms (room_id, title, passcode_hash, owner_id, editor_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (room_id) DO NOTHING`
	editors := rm.EditorIDs
	if editors == nil {
		editors = []string{}
	}
	tag, err := r.db.Exec(ctx, query, rm.ID, rm.Title, rm.PasscodeHash, rm.OwnerID, editors, rm.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoomExists
	}
	return nil
}

func (r *RoomRepo) GetByID(ctx context.Context, roomID string) (*room.Room, error) {
	query := `SELECT room_id, title, passcode_hash, owner_id, editor_ids, created_at, updated_at
		FROM rooms WHERE room_id = $1`
	var rm room.Room
	err := r.db.QueryRow(ctx, query, roomID).
		Scan(&rm.ID, &rm.Title, &rm.PasscodeHash, &rm.OwnerID, &rm.EditorIDs, &rm.CreatedAt, &rm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &rm, nil
}

// AddEditor appends identity to the room's editor set unless it is already
// there. It reports whether the set changed.
func (r *RoomRepo) AddEditor(ctx context.Context, roomID, identity string) (bool, error) {
	query := `UPDATE rooms SET editor_ids = array_append(editor_ids, $2), updated_at = now()
		WHERE room_id = $1 AND NOT ($2 = ANY(editor_ids))`
	tag, err := r.db.Exec(ctx, query, roomID, identity)
	if err != nil {
		return false, fmt.Errorf("failed to add editor: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RoomRepo) LoadSnapshot(ctx context.Context, roomID string) (room.Snapshot, error) {
	query := `SELECT title, structure, files, revision FROM rooms WHERE room_id = $1`
	var (
		snap      room.Snapshot
		treeJSON  []byte
		filesJSON []byte
		revision  int64
	)
	err := r.db.QueryRow(ctx, query, roomID).Scan(&snap.Title, &treeJSON, &filesJSON, &revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var state structure.State
	if len(treeJSON) > 0 {
		if err := json.Unmarshal(treeJSON, &state.Tree); err != nil {
			return snap, fmt.Errorf("failed to decode structure: %w", err)
		}
	}
	if len(filesJSON) > 0 {
		if err := json.Unmarshal(filesJSON, &state.Files); err != nil {
			return snap, fmt.Errorf("failed to decode files: %w", err)
		}
	}
	snap.State = structure.Normalize(state)
	snap.Revision = uint64(revision)
	return snap, nil
}

// SaveSnapshot upserts the room's tree and content. Concurrent writers to
// the same room overwrite each other.
func (r *RoomRepo) SaveSnapshot(ctx context.Context, roomID string, snap room.Snapshot) error {
	treeJSON, err := json.Marshal(snap.Tree)
	if err != nil {
		return fmt.Errorf("failed to encode structure: %w", err)
	}
	files := snap.Files
	if files == nil {
		files = structure.Files{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("failed to encode files: %w", err)
	}

	query := `INSERT INTO rooms (room_id, title, structure, files, revision, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (room_id) DO UPDATE SET
			title = EXCLUDED.title,
			structure = EXCLUDED.structure,
			files = EXCLUDED.files,
			revision = EXCLUDED.revision,
			updated_at = now()`
	if _, err := r.db.Exec(ctx, query, roomID, snap.Title, treeJSON, filesJSON, int64(snap.Revision)); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
