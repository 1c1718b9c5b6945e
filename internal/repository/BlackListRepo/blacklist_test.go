package BlackListRepo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"room-sync-service/internal/repository/BlackListRepo"
)

func TestBlackListRepo(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	repo := BlackListRepo.NewBlackListRepo(db)
	key := "revoked:" + BlackListRepo.TokenDigest("token123")

	t.Run("Revoke success", func(t *testing.T) {
		mock.ExpectSet(key, "1", time.Hour).SetVal("OK")
		err := repo.Revoke(ctx, "token123", time.Now().Add(time.Hour))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Revoke expired token is a no-op", func(t *testing.T) {
		err := repo.Revoke(ctx, "token123", time.Now().Add(-time.Minute))
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("IsRevoked (true)", func(t *testing.T) {
		mock.ExpectGet(key).SetVal("1")
		revoked, err := repo.IsRevoked(ctx, "token123")
		assert.NoError(t, err)
		assert.True(t, revoked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("IsRevoked (false)", func(t *testing.T) {
		mock.ExpectGet(key).RedisNil()
		revoked, err := repo.IsRevoked(ctx, "token123")
		assert.NoError(t, err)
		assert.False(t, revoked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("IsRevoked (redis down)", func(t *testing.T) {
		mock.ExpectGet(key).SetErr(errors.New("dial tcp: connection refused"))
		_, err := repo.IsRevoked(ctx, "token123")
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Restore", func(t *testing.T) {
		mock.ExpectDel(key).SetVal(1)
		err := repo.Restore(ctx, "token123")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTokenDigest(t *testing.T) {
	assert.Len(t, BlackListRepo.TokenDigest("abc"), 64)
	assert.NotEqual(t, BlackListRepo.TokenDigest("abc"), BlackListRepo.TokenDigest("abd"))
}
