package documentRepo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DocumentRepo remembers which collaborative documents have been opened so
// that only the first opener seeds the text engine. It lives in Redis so
// every server instance agrees.
type DocumentRepo struct {
	Client *redis.Client
}

func New(client *redis.Client) *DocumentRepo {
	return &DocumentRepo{Client: client}
}

func (r *DocumentRepo) buildKey(documentID string) string {
	return fmt.Sprintf("document:opened:%s", documentID)
}

// MarkOpened records documentID and reports whether this was the first
// open.
func (r *DocumentRepo) MarkOpened(ctx context.Context, documentID string) (bool, error) {
	first, err := r.Client.SetNX(ctx, r.buildKey(documentID), "1", 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark document opened: %w", err)
	}
	return first, nil
}

// Forget clears the record, so the next open seeds again.
func (r *DocumentRepo) Forget(ctx context.Context, documentID string) error {
	if err := r.Client.Del(ctx, r.buildKey(documentID)).Err(); err != nil {
		return fmt.Errorf("failed to forget document: %w", err)
	}
	return nil
}
