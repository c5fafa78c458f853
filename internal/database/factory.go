package database

import (
	"fmt"
	"os"
	"path/filepath"

	"dcol-go/internal/collection"
	"dcol-go/internal/config"
	"dcol-go/internal/content"
	"dcol-go/internal/database/migrations"
)

// Compile-time checks that Store satisfies its consumers' interfaces.
var (
	_ collection.OperationLog = (*Store)(nil)
	_ collection.CatalogStore = (*Store)(nil)
	_ content.PinIndex        = (*Store)(nil)
)

// NewFromConfig creates a migrated Store from configuration.
func NewFromConfig(cfg config.DatabaseConfig) (*Store, error) {
	var path string
	switch cfg.Type {
	case "memory":
		path = ":memory:"
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("sqlite database requires data_dir")
		}
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		path = filepath.Join(cfg.DataDir, "dcol.db")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	store, err := NewStore(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(store.DB()); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return store, nil
}
