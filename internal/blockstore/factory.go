package blockstore

import (
	"context"
	"fmt"

	"dcol-go/internal/config"
	"dcol-go/internal/content"
)

// NewFromConfig creates a block store backend based on the config type.
func NewFromConfig(ctx context.Context, cfg config.BlockStoreConfig) (content.BlockStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem block store requires root to be set")
		}
		return NewFileSystemStore(cfg.Root)
	case "s3":
		return NewS3Store(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown block store type: %s", cfg.Type)
	}
}
