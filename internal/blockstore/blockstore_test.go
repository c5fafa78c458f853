package blockstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"dcol-go/internal/config"
	"dcol-go/internal/content"
)

func testStores(t *testing.T) map[string]content.BlockStore {
	t.Helper()

	fsStore, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemStore() error = %v", err)
	}
	return map[string]content.BlockStore{
		"memory":     NewMemoryStore(),
		"filesystem": fsStore,
	}
}

func TestAddress(t *testing.T) {
	t.Parallel()

	data := []byte("block payload")
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])

	if got := Address(data); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
	if Address(data) != Address(data) {
		t.Error("Address() is not deterministic")
	}
	if Address(data) == Address([]byte("other payload")) {
		t.Error("different payloads produced the same address")
	}
}

func TestBlockStore_PutGetRoundTrip(t *testing.T) {
	t.Parallel()

	for name, store := range testStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			data := []byte("some block data")
			address, err := store.Put(ctx, data)
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if address != Address(data) {
				t.Errorf("Put() address = %q, want %q", address, Address(data))
			}

			got, found, err := store.Get(ctx, address)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if !found {
				t.Fatal("Get() found = false, want true")
			}
			if string(got) != string(data) {
				t.Errorf("Get() = %q, want %q", got, data)
			}
		})
	}
}

func TestBlockStore_PutIsIdempotent(t *testing.T) {
	t.Parallel()

	for name, store := range testStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			data := []byte("same bytes")
			first, err := store.Put(ctx, data)
			if err != nil {
				t.Fatalf("first Put() error = %v", err)
			}
			second, err := store.Put(ctx, data)
			if err != nil {
				t.Fatalf("second Put() error = %v", err)
			}
			if first != second {
				t.Errorf("addresses differ: %q vs %q", first, second)
			}
		})
	}
}

func TestBlockStore_GetAbsent(t *testing.T) {
	t.Parallel()

	for name, store := range testStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			data, found, err := store.Get(context.Background(), Address([]byte("never stored")))
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if found || data != nil {
				t.Error("Get() of absent block should report found = false with nil data")
			}
		})
	}
}

func TestBlockStore_Unpin(t *testing.T) {
	t.Parallel()

	for name, store := range testStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			address, err := store.Put(ctx, []byte("ephemeral"))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := store.Unpin(ctx, address); err != nil {
				t.Fatalf("Unpin() error = %v", err)
			}

			if _, found, err := store.Get(ctx, address); err != nil || found {
				t.Errorf("Get() after Unpin = (found=%v, err=%v), want absent", found, err)
			}

			// Unpinning again is not an error.
			if err := store.Unpin(ctx, address); err != nil {
				t.Errorf("second Unpin() error = %v, want nil", err)
			}
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	if _, err := NewFromConfig(ctx, config.BlockStoreConfig{Type: "memory"}); err != nil {
		t.Errorf("NewFromConfig(memory) error = %v", err)
	}
	if _, err := NewFromConfig(ctx, config.BlockStoreConfig{Type: "filesystem", Root: t.TempDir()}); err != nil {
		t.Errorf("NewFromConfig(filesystem) error = %v", err)
	}
	if _, err := NewFromConfig(ctx, config.BlockStoreConfig{Type: "filesystem"}); err == nil {
		t.Error("NewFromConfig(filesystem) without root should return error")
	}
	if _, err := NewFromConfig(ctx, config.BlockStoreConfig{Type: "tape"}); err == nil {
		t.Error("NewFromConfig(tape) should return error")
	}
}
