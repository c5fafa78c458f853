package blockstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"dcol-go/internal/content"
)

// FileSystemStore keeps blocks as files under a root directory:
//
//	<root>/blocks/<aa>/<address>
//
// where <aa> is the first two hex digits of the address, to keep
// directory fan-out bounded.
type FileSystemStore struct {
	root      string
	blocksDir string
}

// NewFileSystemStore creates a filesystem block store rooted at root.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	blocksDir := filepath.Join(root, "blocks")
	if err := os.MkdirAll(blocksDir, 0755); err != nil {
		return nil, fmt.Errorf("creating blocks directory: %w", err)
	}
	return &FileSystemStore{root: root, blocksDir: blocksDir}, nil
}

var _ content.BlockStore = (*FileSystemStore)(nil)

// Address computes the content address for a payload.
func (s *FileSystemStore) Address(data []byte) string { return Address(data) }

// blockPath maps an address to its file location.
func (s *FileSystemStore) blockPath(address string) string {
	shard := "00"
	if len(address) >= 2 {
		shard = address[:2]
	}
	return filepath.Join(s.blocksDir, shard, address)
}

// Put stores data under its content address. If the block already
// exists the write is skipped.
func (s *FileSystemStore) Put(_ context.Context, data []byte) (string, error) {
	address := Address(data)
	path := s.blockPath(address)

	if _, err := os.Stat(path); err == nil {
		return address, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating shard directory: %w", err)
	}

	// Write via a temp file and rename so a crash never leaves a
	// partial block under a valid address.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing block: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("closing block: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("publishing block: %w", err)
	}

	return address, nil
}

// Get reads a block. A missing file is absence, not an error.
func (s *FileSystemStore) Get(_ context.Context, address string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.blockPath(address))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading block: %w", err)
	}
	return data, true, nil
}

// Pin is a no-op: a stored block stays on disk until unpinned.
func (s *FileSystemStore) Pin(_ context.Context, _ string) error { return nil }

// Unpin deletes the block file. Unpinning an absent address is not an
// error.
func (s *FileSystemStore) Unpin(_ context.Context, address string) error {
	if err := os.Remove(s.blockPath(address)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing block: %w", err)
	}
	return nil
}
