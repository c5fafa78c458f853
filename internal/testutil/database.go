package testutil

import (
	"testing"

	"dcol-go/internal/database"
	"dcol-go/internal/database/migrations"
)

// NewTestStore creates a new in-memory SQLite store with the schema
// applied. The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *database.Store {
	t.Helper()

	store, err := database.NewStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := migrations.MigrateUp(store.DB()); err != nil {
		store.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
	})

	return store
}
