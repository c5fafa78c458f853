// Package content implements the content-addressed storage manager:
// pinning policy enforcement, reference tracking, priority computation,
// and garbage collection under storage pressure. Actual byte storage is
// delegated to a BlockStore backend and retention bookkeeping to a
// PinIndex.
package content

import (
	"context"
	"errors"
	"time"

	"dcol-go/internal/model"
)

var (
	ErrStorageFull          = errors.New("storage full even after aggressive cleanup")
	ErrFileTooLarge         = errors.New("content exceeds maximum file size")
	ErrMimeTypeNotAllowed   = errors.New("mime type is not allowed by the pinning policy")
	ErrContentStorageFailed = errors.New("block store operation failed")
)

// BlockStore is the content-addressed block storage collaborator.
// Addresses are derived from content, so Put is idempotent. Get reports
// absence as a false flag, not an error: in a replicated system content
// can be temporarily unavailable and callers are expected to recover.
type BlockStore interface {
	// Address computes the content address for a payload without
	// storing anything.
	Address(data []byte) string

	Put(ctx context.Context, data []byte) (address string, err error)
	Get(ctx context.Context, address string) (data []byte, found bool, err error)
	Pin(ctx context.Context, address string) error
	Unpin(ctx context.Context, address string) error
}

// PinIndex persists PinnedContent entries and their document references.
type PinIndex interface {
	// UpsertPin inserts or replaces a pin entry.
	UpsertPin(pin *model.PinnedContent) error

	// GetPin returns the entry for an address, or nil if not pinned.
	GetPin(address string) (*model.PinnedContent, error)

	// DeletePin removes an entry and its references.
	DeletePin(address string) error

	// ListPins returns all entries with their document references.
	ListPins() ([]*model.PinnedContent, error)

	// AddReference/RemoveReference maintain the set of documents that
	// depend on an address.
	AddReference(address, documentID string) error
	RemoveReference(address, documentID string) error

	// TouchAccess updates the last-access time.
	TouchAccess(address string, at time.Time) error

	// SetStarred flips the starred flag.
	SetStarred(address string, starred bool) error

	// SetPriority stores a recomputed priority.
	SetPriority(address string, priority int) error

	// TotalPinnedSize returns the sum of all pinned sizes.
	TotalPinnedSize() (int64, error)
}

// Logger provides structured logging. The args follow slog conventions:
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Clock abstracts time retrieval so aging logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// StoreOptions control how a stored payload is pinned.
type StoreOptions struct {
	IsOwned    bool
	IsStarred  bool
	DocumentID string
	MimeType   string
	// Priority, when positive, acts as a floor over the computed value.
	Priority int
}
