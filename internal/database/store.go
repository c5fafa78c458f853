// Package database implements the local SQLite store backing the
// operation log, the materialized catalog, and the content pin index.
// One connection serves all three concerns so a peer's state lives in a
// single file.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dcol-go/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// subscriberBuffer bounds the per-subscriber feed channel. A slow
// consumer drops records rather than blocking appends; replay from the
// checkpoint covers anything dropped.
const subscriberBuffer = 256

// Store implements the operation log, catalog store, and pin index over
// one SQLite database.
type Store struct {
	db   *sql.DB
	path string

	subMu sync.Mutex
	subs  []chan model.LogRecord
}

// NewStore opens a SQLite database at path and wraps it.
// path can be a file path or ":memory:" for an in-memory database.
func NewStore(path string) (*Store, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// NewStoreFromDB wraps an existing database connection. The caller is
// responsible for ensuring the connection is properly configured.
func NewStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db, path: ""}
}

// OpenConnection opens and configures a SQLite connection with the
// appropriate PRAGMAs. Exported for tools and tests that need a properly
// configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// DB exposes the underlying connection for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path (or ":memory:").
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection and all subscriber feeds.
func (s *Store) Close() error {
	s.subMu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Operation log

// Append stores an operation and returns its local sequence number.
// Appending an operation whose ID is already in the log is a no-op that
// returns the existing sequence number, which is what makes at-least-once
// delivery from peers safe.
func (s *Store) Append(ctx context.Context, op *model.Operation) (int64, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("encoding operation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO operations
			(op_id, collection_id, document_id, op_type, author_did, lamport, signed_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.CollectionID, op.DocumentID, string(op.Type),
		op.Identity.AuthorDID, int64(op.Identity.LamportClock),
		op.Identity.Timestamp.UTC(), payload)
	if err != nil {
		return 0, fmt.Errorf("inserting operation: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking insert result: %w", err)
	}

	var seq int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT seq FROM operations WHERE op_id = ?", op.ID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reading sequence number: %w", err)
	}

	if inserted > 0 {
		s.publish(model.LogRecord{Seq: seq, Operation: *op})
	}
	return seq, nil
}

// Contains reports whether an operation ID is already in the log.
func (s *Store) Contains(ctx context.Context, opID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM operations WHERE op_id = ?", opID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading operation: %w", err)
	}
	return true, nil
}

// ReadAll returns every record for a collection in local append order.
func (s *Store) ReadAll(ctx context.Context, collectionID string) ([]model.LogRecord, error) {
	return s.readRecords(ctx, `
		SELECT seq, payload FROM operations
		WHERE collection_id = ? ORDER BY seq`, collectionID)
}

// ReadSince returns records with sequence numbers greater than afterSeq.
func (s *Store) ReadSince(ctx context.Context, collectionID string, afterSeq int64) ([]model.LogRecord, error) {
	return s.readRecords(ctx, `
		SELECT seq, payload FROM operations
		WHERE collection_id = ? AND seq > ? ORDER BY seq`, collectionID, afterSeq)
}

// ReadDocument returns all records targeting one document.
func (s *Store) ReadDocument(ctx context.Context, collectionID, documentID string) ([]model.LogRecord, error) {
	return s.readRecords(ctx, `
		SELECT seq, payload FROM operations
		WHERE collection_id = ? AND document_id = ? ORDER BY seq`, collectionID, documentID)
}

func (s *Store) readRecords(ctx context.Context, query string, args ...any) ([]model.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying operations: %w", err)
	}
	defer rows.Close()

	var records []model.LogRecord
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scanning operation row: %w", err)
		}
		var op model.Operation
		if err := json.Unmarshal(payload, &op); err != nil {
			return nil, fmt.Errorf("decoding operation %d: %w", seq, err)
		}
		records = append(records, model.LogRecord{Seq: seq, Operation: op})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating operations: %w", err)
	}
	return records, nil
}

// Subscribe returns a feed of newly appended records. The feed is
// best-effort within the process.
func (s *Store) Subscribe() <-chan model.LogRecord {
	ch := make(chan model.LogRecord, subscriberBuffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) publish(rec model.LogRecord) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default:
			// Full buffer: the subscriber recovers via checkpoint replay.
		}
	}
}

// Address identifies this log for external discovery.
func (s *Store) Address() string {
	path := s.path
	if path == "" {
		path = ":memory:"
	}
	return "sqlite://" + path + "/operations"
}

// Catalog store

// Get returns a catalog document or nil if absent.
func (s *Store) Get(ctx context.Context, documentID string) (*model.CatalogDocument, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM documents WHERE id = ?", documentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}

	var doc model.CatalogDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decoding document %s: %w", documentID, err)
	}
	return &doc, nil
}

// Put inserts or replaces a catalog document.
func (s *Store) Put(ctx context.Context, doc *model.CatalogDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, collection_id, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		doc.ID, doc.CollectionID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	return nil
}

// Delete removes a catalog document. Deleting an absent document is a no-op.
func (s *Store) Delete(ctx context.Context, documentID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE id = ?", documentID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return nil
}

// QueryAll returns documents matching the predicate. A nil predicate
// matches everything.
func (s *Store) QueryAll(ctx context.Context, collectionID string, predicate func(*model.CatalogDocument) bool) ([]*model.CatalogDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM documents WHERE collection_id = ? ORDER BY id", collectionID)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []*model.CatalogDocument
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		var doc model.CatalogDocument
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decoding document: %w", err)
		}
		if predicate == nil || predicate(&doc) {
			docs = append(docs, &doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// SetTombstone permanently marks a document ID.
func (s *Store) SetTombstone(ctx context.Context, collectionID, documentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tombstones (document_id, collection_id, created_at)
		VALUES (?, ?, ?)`, documentID, collectionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing tombstone: %w", err)
	}
	return nil
}

// IsTombstoned reports whether a document ID is tombstoned.
func (s *Store) IsTombstoned(ctx context.Context, documentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM tombstones WHERE document_id = ?", documentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading tombstone: %w", err)
	}
	return true, nil
}

// Checkpoint returns the replay checkpoint for a collection, 0 if none.
func (s *Store) Checkpoint(ctx context.Context, collectionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		"SELECT seq FROM checkpoints WHERE collection_id = ?", collectionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading checkpoint: %w", err)
	}
	return seq, nil
}

// SetCheckpoint advances the replay checkpoint. It never moves backward.
func (s *Store) SetCheckpoint(ctx context.Context, collectionID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (collection_id, seq) VALUES (?, ?)
		ON CONFLICT(collection_id) DO UPDATE SET seq = excluded.seq
		WHERE excluded.seq > checkpoints.seq`, collectionID, seq)
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// Pin index

// UpsertPin inserts or replaces a pin entry with its references.
func (s *Store) UpsertPin(pin *model.PinnedContent) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pins (address, size, mime_type, pin_time, last_access, priority, is_owned, is_starred)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			size = excluded.size,
			mime_type = excluded.mime_type,
			last_access = excluded.last_access,
			priority = excluded.priority,
			is_owned = excluded.is_owned,
			is_starred = excluded.is_starred`,
		pin.Address, pin.Size, pin.MimeType,
		pin.PinTime.UTC(), pin.LastAccess.UTC(), pin.Priority,
		pin.IsOwned, pin.IsStarred)
	if err != nil {
		return fmt.Errorf("writing pin: %w", err)
	}

	for _, documentID := range pin.DocumentIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO pin_refs (address, document_id) VALUES (?, ?)`,
			pin.Address, documentID)
		if err != nil {
			return fmt.Errorf("writing pin reference: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetPin returns the entry for an address, or nil if not pinned.
func (s *Store) GetPin(address string) (*model.PinnedContent, error) {
	ctx := context.Background()

	pin := &model.PinnedContent{Address: address}
	err := s.db.QueryRowContext(ctx, `
		SELECT size, mime_type, pin_time, last_access, priority, is_owned, is_starred
		FROM pins WHERE address = ?`, address).Scan(
		&pin.Size, &pin.MimeType, &pin.PinTime, &pin.LastAccess,
		&pin.Priority, &pin.IsOwned, &pin.IsStarred)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pin: %w", err)
	}

	refs, err := s.pinReferences(ctx, address)
	if err != nil {
		return nil, err
	}
	pin.DocumentIDs = refs
	return pin, nil
}

// DeletePin removes an entry; pin_refs cascade.
func (s *Store) DeletePin(address string) error {
	if _, err := s.db.Exec("DELETE FROM pins WHERE address = ?", address); err != nil {
		return fmt.Errorf("deleting pin: %w", err)
	}
	return nil
}

// ListPins returns all entries with their document references.
func (s *Store) ListPins() ([]*model.PinnedContent, error) {
	ctx := context.Background()

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, size, mime_type, pin_time, last_access, priority, is_owned, is_starred
		FROM pins ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("querying pins: %w", err)
	}
	defer rows.Close()

	var pins []*model.PinnedContent
	for rows.Next() {
		pin := &model.PinnedContent{}
		if err := rows.Scan(&pin.Address, &pin.Size, &pin.MimeType,
			&pin.PinTime, &pin.LastAccess, &pin.Priority,
			&pin.IsOwned, &pin.IsStarred); err != nil {
			return nil, fmt.Errorf("scanning pin row: %w", err)
		}
		pins = append(pins, pin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pins: %w", err)
	}

	for _, pin := range pins {
		refs, err := s.pinReferences(ctx, pin.Address)
		if err != nil {
			return nil, err
		}
		pin.DocumentIDs = refs
	}
	return pins, nil
}

func (s *Store) pinReferences(ctx context.Context, address string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT document_id FROM pin_refs WHERE address = ? ORDER BY document_id", address)
	if err != nil {
		return nil, fmt.Errorf("querying pin references: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var documentID string
		if err := rows.Scan(&documentID); err != nil {
			return nil, fmt.Errorf("scanning pin reference: %w", err)
		}
		refs = append(refs, documentID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pin references: %w", err)
	}
	return refs, nil
}

// AddReference records that a document depends on an address.
func (s *Store) AddReference(address, documentID string) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO pin_refs (address, document_id) VALUES (?, ?)",
		address, documentID)
	if err != nil {
		return fmt.Errorf("adding pin reference: %w", err)
	}
	return nil
}

// RemoveReference drops a document's dependency on an address.
func (s *Store) RemoveReference(address, documentID string) error {
	_, err := s.db.Exec(
		"DELETE FROM pin_refs WHERE address = ? AND document_id = ?",
		address, documentID)
	if err != nil {
		return fmt.Errorf("removing pin reference: %w", err)
	}
	return nil
}

// TouchAccess updates the last-access time.
func (s *Store) TouchAccess(address string, at time.Time) error {
	_, err := s.db.Exec(
		"UPDATE pins SET last_access = ? WHERE address = ?", at.UTC(), address)
	if err != nil {
		return fmt.Errorf("touching pin: %w", err)
	}
	return nil
}

// SetStarred flips the starred flag.
func (s *Store) SetStarred(address string, starred bool) error {
	_, err := s.db.Exec(
		"UPDATE pins SET is_starred = ? WHERE address = ?", starred, address)
	if err != nil {
		return fmt.Errorf("starring pin: %w", err)
	}
	return nil
}

// SetPriority stores a recomputed priority.
func (s *Store) SetPriority(address string, priority int) error {
	_, err := s.db.Exec(
		"UPDATE pins SET priority = ? WHERE address = ?", priority, address)
	if err != nil {
		return fmt.Errorf("setting pin priority: %w", err)
	}
	return nil
}

// TotalPinnedSize returns the sum of all pinned sizes.
func (s *Store) TotalPinnedSize() (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRow("SELECT SUM(size) FROM pins").Scan(&total); err != nil {
		return 0, fmt.Errorf("summing pin sizes: %w", err)
	}
	return total.Int64, nil
}
