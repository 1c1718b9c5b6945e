package BlackListRepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BlackListRepo holds identity tokens revoked before they expire. Tokens are
// stored by digest so a Redis dump never contains a usable credential.
type BlackListRepo struct {
	Client *redis.Client
}

func NewBlackListRepo(client *redis.Client) *BlackListRepo {
	return &BlackListRepo{
		Client: client,
	}
}

func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (r *BlackListRepo) buildKey(token string) string {
	return fmt.Sprintf("revoked:%s", TokenDigest(token))
}

// Revoke blacklists token until expiresAt. Already expired tokens are
// rejected by signature checks anyway and are not stored.
func (r *BlackListRepo) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt).Round(time.Second)
	if ttl <= 0 {
		return nil
	}
	if err := r.Client.Set(ctx, r.buildKey(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (r *BlackListRepo) Restore(ctx context.Context, token string) error {
	return r.Client.Del(ctx, r.buildKey(token)).Err()
}

func (r *BlackListRepo) IsRevoked(ctx context.Context, token string) (bool, error) {
	err := r.Client.Get(ctx, r.buildKey(token)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return true, nil
}
