// Package collection implements the CQRS core of a shared document
// collection: commands build signed operations and append them to a
// replicated, append-only log; the catalog is a materialized view derived
// from the log by deterministic, order-independent conflict resolution.
// Two peers holding the same set of operations always derive the same
// catalog, no matter the order the operations arrived in.
package collection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"dcol-go/internal/content"
	"dcol-go/internal/model"
)

// OperationLog is the replicated log collaborator: an append-only,
// multi-writer sequence of signed operations. Delivery is at-least-once;
// Append must be idempotent on the operation ID so duplicates collapse.
type OperationLog interface {
	// Append stores an operation and returns its local sequence number.
	// Re-appending an operation already in the log returns the existing
	// sequence number.
	Append(ctx context.Context, op *model.Operation) (int64, error)

	// ReadAll returns every record for a collection in local append
	// order.
	ReadAll(ctx context.Context, collectionID string) ([]model.LogRecord, error)

	// ReadSince returns records with sequence numbers greater than
	// afterSeq.
	ReadSince(ctx context.Context, collectionID string, afterSeq int64) ([]model.LogRecord, error)

	// ReadDocument returns all records targeting one document.
	ReadDocument(ctx context.Context, collectionID, documentID string) ([]model.LogRecord, error)

	// Contains reports whether an operation ID is already in the log.
	Contains(ctx context.Context, opID string) (bool, error)

	// Subscribe returns a feed of newly appended records. The feed is
	// best-effort within the process; replay from a checkpoint covers
	// anything missed.
	Subscribe() <-chan model.LogRecord

	// Address identifies this log for external discovery/registration.
	Address() string
}

// CatalogStore is the materialized-view collaborator: a key→document
// store holding the derived catalog, the tombstone set, and the replay
// checkpoint.
type CatalogStore interface {
	// Get returns a document or nil if absent.
	Get(ctx context.Context, documentID string) (*model.CatalogDocument, error)

	// Put inserts or replaces a document.
	Put(ctx context.Context, doc *model.CatalogDocument) error

	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, documentID string) error

	// QueryAll returns documents matching the predicate. A nil predicate
	// matches everything.
	QueryAll(ctx context.Context, collectionID string, predicate func(*model.CatalogDocument) bool) ([]*model.CatalogDocument, error)

	// SetTombstone permanently marks a document ID; IsTombstoned reports
	// it. Tombstones survive catalog rebuilds by construction (they are
	// re-derived from the log) but the explicit set makes the check O(1).
	SetTombstone(ctx context.Context, collectionID, documentID string) error
	IsTombstoned(ctx context.Context, documentID string) (bool, error)

	// Checkpoint returns the highest log sequence number whose effects
	// are already materialized, 0 if none. SetCheckpoint advances it.
	Checkpoint(ctx context.Context, collectionID string) (int64, error)
	SetCheckpoint(ctx context.Context, collectionID string, seq int64) error

	// Address identifies this store for external discovery/registration.
	Address() string
}

// ContentStore is the content-addressed storage manager consumed by the
// engine for document attachments.
type ContentStore interface {
	// Address computes the content address for a payload without
	// storing anything.
	Address(data []byte) string

	Store(ctx context.Context, data []byte, opts content.StoreOptions) (string, error)
	Get(ctx context.Context, address string) ([]byte, bool, error)
	AddReference(address, documentID string) error
	RemoveReference(address, documentID string) error
	Metrics() (model.ContentMetrics, error)
	Pinned() ([]*model.PinnedContent, error)
}

// Identity signs operations and maintains the Lamport clock.
type Identity interface {
	DID() string
	Sign(ctx context.Context, payload any, requirePoW bool, difficulty int) (*model.SignatureBlock, error)
	MergeClock(received uint64) uint64
}

// Validator is the admission gate every operation passes before the log.
type Validator interface {
	Validate(op *model.Operation, attachment []byte) error
}

// Logger provides structured logging for the engine.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger is a Logger that discards all output. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Clock abstracts time retrieval so engine logic is deterministic in
// tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts ID generation so tests are deterministic.
// Documents get UUIDs; operations get ULIDs so log records sort legibly
// by creation time.
type IDGenerator interface {
	NewDocumentID() string
	NewOperationID() string
}

// RandomIDGenerator produces random UUIDs and ULIDs.
type RandomIDGenerator struct{}

func (RandomIDGenerator) NewDocumentID() string  { return uuid.New().String() }
func (RandomIDGenerator) NewOperationID() string { return ulid.Make().String() }
