package MinIO

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"room-sync-service/internal/model/room"
)

type Config struct {
	Endpoint  string `env:"MINIO_ENDPOINT" env-default:"localhost:9000"`
	Bucket    string `env:"MINIO_BUCKET_NAME" env-default:"room-archive"`
	AccessKey string `env:"MINIO_ACCESS_KEY" env-default:"admin"`
	SecretKey string `env:"MINIO_SECRET_KEY" env-default:"admin-secret"`
	UseSSL    bool   `env:"MINIO_USE_SSL" env-default:"false"`
	Enabled   bool   `env:"MINIO_ENABLED" env-default:"false"`
}

// MinIOClient keeps point-in-time copies of room snapshots, written when a
// room is saved explicitly.
type MinIOClient struct {
	Client *minio.Client
	Bucket string
	now    func() time.Time
}

func New(ctx context.Context, cfg Config) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, errBucketExists := client.BucketExists(ctx, cfg.Bucket)
		if errBucketExists != nil || !exists {
			return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &MinIOClient{
		Client: client,
		Bucket: cfg.Bucket,
		now:    time.Now,
	}, nil
}

// ArchiveKey names the object holding snap. Keys of one room sort by time.
func ArchiveKey(roomID string, at time.Time, revision uint64) string {
	return fmt.Sprintf("rooms/%s/%s-r%d.json", roomID, at.UTC().Format("20060102T150405.000000000Z"), revision)
}

func encodeSnapshot(snap room.Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// ArchiveSnapshot uploads snap and returns the object key.
func (m *MinIOClient) ArchiveSnapshot(ctx context.Context, roomID string, snap room.Snapshot) (string, error) {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	key := ArchiveKey(roomID, m.now(), snap.Revision)
	_, err = m.Client.PutObject(ctx, m.Bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("failed to upload archive %s: %w", key, err)
	}
	return key, nil
}
