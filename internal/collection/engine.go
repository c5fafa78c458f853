package collection

import (
	"context"
	"fmt"
	"sync"

	"dcol-go/internal/content"
	"dcol-go/internal/model"
)

// EngineConfig carries the per-collection settings.
type EngineConfig struct {
	CollectionID  string
	SchemaVersion int
	// RequireProofOfWork makes every locally issued operation mine a
	// proof at PoWDifficulty before signing.
	RequireProofOfWork bool
	PoWDifficulty      int
}

// Engine is the CQRS core for one collection. Commands build signed
// operations, pass them through the validator, append them to the
// replicated log, and apply them to the catalog; queries read only the
// catalog. Each collection runs its own engine and collections never
// share locks.
type Engine struct {
	cfg       EngineConfig
	log       OperationLog
	catalog   CatalogStore
	contents  ContentStore
	id        Identity
	validator Validator
	logger    Logger
	clock     Clock
	idgen     IDGenerator

	// mu serializes local command building so the version a command
	// reads is the version its operation claims.
	mu sync.Mutex
}

// NewEngine creates an engine with the provided dependencies.
func NewEngine(cfg EngineConfig, log OperationLog, catalog CatalogStore, contents ContentStore, id Identity, validator Validator, logger Logger, clock Clock, idgen IDGenerator) *Engine {
	return &Engine{
		cfg:       cfg,
		log:       log,
		catalog:   catalog,
		contents:  contents,
		id:        id,
		validator: validator,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
	}
}

// Initialize replays any log records not yet materialized and returns
// the log and catalog addresses for external discovery/registration.
func (e *Engine) Initialize(ctx context.Context) (logAddress, catalogAddress string, err error) {
	if err := e.CatchUp(ctx); err != nil {
		return "", "", fmt.Errorf("replaying log: %w", err)
	}
	return e.log.Address(), e.catalog.Address(), nil
}

// CreateInput describes a new document.
type CreateInput struct {
	Title       string
	Description string
	Tags        []string
	Authors     []string
	MimeType    string
	Metadata    map[string]any
	// Content, when non-empty, is stored owned in the content store and
	// referenced from the document.
	Content []byte
	ForkOf  string
}

// CreateDocument creates a document and returns its catalog state.
func (e *Engine) CreateDocument(ctx context.Context, in CreateInput) (*model.CatalogDocument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	documentID := e.idgen.NewDocumentID()

	data := &model.DocumentData{
		Title:       in.Title,
		Description: in.Description,
		Tags:        append([]string(nil), in.Tags...),
		Authors:     append([]string(nil), in.Authors...),
		MimeType:    in.MimeType,
		Metadata:    in.Metadata,
		ForkOf:      in.ForkOf,
	}
	if len(data.Authors) == 0 {
		data.Authors = []string{e.id.DID()}
	}

	if len(in.Content) > 0 {
		data.ContentAddress = e.contents.Address(in.Content)
		data.Size = int64(len(in.Content))
	}

	op := e.buildOperation(model.OpCreate, documentID, data, 1)
	if err := e.commit(ctx, op, in.Content); err != nil {
		return nil, err
	}
	return e.catalog.Get(ctx, documentID)
}

// UpdateInput describes a document update. Nil pointer/slice fields keep
// the current value.
type UpdateInput struct {
	Title       *string
	Description *string
	Tags        []string
	Authors     []string
	Metadata    map[string]any
	// Content, when non-empty, replaces the attached payload.
	Content  []byte
	MimeType string
}

// UpdateDocument applies an update and returns the new catalog state.
func (e *Engine) UpdateDocument(ctx context.Context, documentID string, in UpdateInput) (*model.CatalogDocument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.requireLive(ctx, documentID)
	if err != nil {
		return nil, err
	}

	data := snapshotFromDocument(current)
	if in.Title != nil {
		data.Title = *in.Title
	}
	if in.Description != nil {
		data.Description = *in.Description
	}
	if in.Tags != nil {
		data.Tags = append([]string(nil), in.Tags...)
	}
	if in.Authors != nil {
		data.Authors = append([]string(nil), in.Authors...)
	}
	if in.Metadata != nil {
		data.Metadata = in.Metadata
	}
	if len(in.Content) > 0 {
		mimeType := in.MimeType
		if mimeType == "" {
			mimeType = data.MimeType
		}
		data.ContentAddress = e.contents.Address(in.Content)
		data.MimeType = mimeType
		data.Size = int64(len(in.Content))
	}

	op := e.buildOperation(model.OpUpdate, documentID, data, current.Provenance.Version+1)
	if err := e.commit(ctx, op, in.Content); err != nil {
		return nil, err
	}
	return e.catalog.Get(ctx, documentID)
}

// TagDocument adds tags to a document (union with existing tags).
func (e *Engine) TagDocument(ctx context.Context, documentID string, tags []string) (*model.CatalogDocument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.requireLive(ctx, documentID)
	if err != nil {
		return nil, err
	}

	data := snapshotFromDocument(current)
	for _, tag := range tags {
		if !containsString(data.Tags, tag) {
			data.Tags = append(data.Tags, tag)
		}
	}

	op := e.buildOperation(model.OpTag, documentID, data, current.Provenance.Version+1)
	if err := e.commit(ctx, op, nil); err != nil {
		return nil, err
	}
	return e.catalog.Get(ctx, documentID)
}

// RedactDocumentMetadata removes metadata keys from a document. With no
// keys given, all metadata is removed. The redaction holds against
// concurrent lower-precedence operations: REDACT_METADATA outranks
// UPDATE and TAG in conflict resolution.
func (e *Engine) RedactDocumentMetadata(ctx context.Context, documentID string, keys []string) (*model.CatalogDocument, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.requireLive(ctx, documentID)
	if err != nil {
		return nil, err
	}

	data := snapshotFromDocument(current)
	if len(keys) == 0 {
		data.Metadata = nil
	} else {
		for _, key := range keys {
			delete(data.Metadata, key)
		}
	}

	op := e.buildOperation(model.OpRedact, documentID, data, current.Provenance.Version+1)
	if err := e.commit(ctx, op, nil); err != nil {
		return nil, err
	}
	return e.catalog.Get(ctx, documentID)
}

// DeleteDocument removes a document from the catalog. The operation log
// keeps its full history; a later CREATE for the same ID could in
// principle resurrect it, which is what distinguishes DELETE from
// TOMBSTONE.
func (e *Engine) DeleteDocument(ctx context.Context, documentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.requireLive(ctx, documentID)
	if err != nil {
		return err
	}

	op := e.buildOperation(model.OpDelete, documentID, nil, current.Provenance.Version+1)
	return e.commit(ctx, op, nil)
}

// TombstoneDocument permanently removes a document. No later operation
// can ever bring it back into the catalog.
func (e *Engine) TombstoneDocument(ctx context.Context, documentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tombstoned, err := e.catalog.IsTombstoned(ctx, documentID)
	if err != nil {
		return fmt.Errorf("checking tombstone: %w", err)
	}
	if tombstoned {
		return ErrDocumentTombstoned
	}

	current, err := e.catalog.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}
	if current == nil {
		return ErrDocumentNotFound
	}

	op := e.buildOperation(model.OpTombstone, documentID, nil, current.Provenance.Version+1)
	return e.commit(ctx, op, nil)
}

// buildOperation assembles an unsigned operation.
func (e *Engine) buildOperation(opType model.OpType, documentID string, data *model.DocumentData, version uint64) *model.Operation {
	return &model.Operation{
		ID:            e.idgen.NewOperationID(),
		Type:          opType,
		CollectionID:  e.cfg.CollectionID,
		DocumentID:    documentID,
		Data:          data,
		Version:       version,
		SchemaVersion: e.cfg.SchemaVersion,
	}
}

// commit signs, validates, stores the attachment, appends, and applies
// one locally issued operation. The attachment is stored only after
// admission so a rejected operation leaves no owned pin behind.
func (e *Engine) commit(ctx context.Context, op *model.Operation, attachment []byte) error {
	block, err := e.id.Sign(ctx, op.SigningPayload(), e.cfg.RequireProofOfWork, e.cfg.PoWDifficulty)
	if err != nil {
		return fmt.Errorf("signing operation: %w", err)
	}
	op.Identity = *block

	if err := e.validator.Validate(op, attachment); err != nil {
		return err
	}

	if len(attachment) > 0 && op.Data != nil {
		if _, err := e.contents.Store(ctx, attachment, content.StoreOptions{
			IsOwned:    true,
			DocumentID: op.DocumentID,
			MimeType:   op.Data.MimeType,
		}); err != nil {
			return err
		}
	}

	seq, err := e.log.Append(ctx, op)
	if err != nil {
		return fmt.Errorf("appending to log: %w", err)
	}

	if err := e.applyDocument(ctx, op.DocumentID); err != nil {
		return err
	}

	e.logger.Info("operation committed",
		"op", op.ID, "type", string(op.Type), "document", op.DocumentID, "seq", seq,
		"lamport", op.Identity.LamportClock)
	return nil
}

// requireLive returns the current catalog document or the typed failure
// explaining why it cannot be mutated.
func (e *Engine) requireLive(ctx context.Context, documentID string) (*model.CatalogDocument, error) {
	tombstoned, err := e.catalog.IsTombstoned(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("checking tombstone: %w", err)
	}
	if tombstoned {
		return nil, ErrDocumentTombstoned
	}

	current, err := e.catalog.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	if current == nil {
		return nil, ErrDocumentNotFound
	}
	return current, nil
}

// snapshotFromDocument rebuilds the mutable snapshot from catalog state,
// the base every mutation derives its new full snapshot from.
func snapshotFromDocument(doc *model.CatalogDocument) *model.DocumentData {
	data := &model.DocumentData{
		Title:          doc.Title,
		Description:    doc.Description,
		Tags:           append([]string(nil), doc.Tags...),
		Authors:        append([]string(nil), doc.Authors...),
		ContentAddress: doc.ContentAddress,
		MimeType:       doc.MimeType,
		Size:           doc.Size,
		ForkOf:         doc.Provenance.ForkOf,
	}
	if doc.Metadata != nil {
		data.Metadata = make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			data.Metadata[k] = v
		}
	}
	return data
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
