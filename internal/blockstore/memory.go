// Package blockstore provides content-addressed block store backends
// behind the content.BlockStore interface. Addresses are the hex SHA-256
// of the content, so Put is idempotent across backends. Pin is a no-op
// for local backends (a stored block is retained until unpinned); Unpin
// releases the underlying bytes.
package blockstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"dcol-go/internal/content"
)

// Address computes the content address for a payload.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is an in-memory block store. Useful for tests.
// Safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[string][]byte
}

// NewMemoryStore creates an empty in-memory block store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[string][]byte)}
}

var _ content.BlockStore = (*MemoryStore)(nil)

// Address computes the content address for a payload.
func (m *MemoryStore) Address(data []byte) string { return Address(data) }

// Put stores data and returns its address. Idempotent.
func (m *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	address := Address(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[address]; !ok {
		m.blocks[address] = append([]byte(nil), data...)
	}
	return address, nil
}

// Get retrieves a block. Absence is reported via the found flag.
func (m *MemoryStore) Get(_ context.Context, address string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blocks[address]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Pin is a no-op for the in-memory store.
func (m *MemoryStore) Pin(_ context.Context, _ string) error { return nil }

// Unpin releases a block. Unpinning an absent address is not an error.
func (m *MemoryStore) Unpin(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, address)
	return nil
}
