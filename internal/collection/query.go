package collection

import (
	"context"
	"fmt"
	"time"

	"dcol-go/internal/model"
)

// Filter narrows GetAllDocuments results. Zero-value fields match
// everything.
type Filter struct {
	Type   model.DocumentType
	Tag    string
	Author string
}

// GetDocument returns the current catalog state of one document.
func (e *Engine) GetDocument(ctx context.Context, documentID string) (*model.CatalogDocument, error) {
	tombstoned, err := e.catalog.IsTombstoned(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("checking tombstone: %w", err)
	}
	if tombstoned {
		return nil, ErrDocumentTombstoned
	}

	doc, err := e.catalog.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// GetAllDocuments returns the catalog documents matching the filter.
func (e *Engine) GetAllDocuments(ctx context.Context, filter Filter) ([]*model.CatalogDocument, error) {
	return e.catalog.QueryAll(ctx, e.cfg.CollectionID, func(doc *model.CatalogDocument) bool {
		if filter.Type != "" && doc.Type != filter.Type {
			return false
		}
		if filter.Tag != "" && !containsString(doc.Tags, filter.Tag) {
			return false
		}
		if filter.Author != "" && !containsString(doc.Authors, filter.Author) {
			return false
		}
		return true
	})
}

// HistoryEntry is one log operation in a document's audit trail.
type HistoryEntry struct {
	Seq         int64
	OperationID string
	Type        model.OpType
	AuthorDID   string
	Lamport     uint64
	Timestamp   time.Time
	Version     uint64
}

// GetDocumentHistory returns every operation recorded for a document in
// local log order, including operations for deleted or tombstoned
// documents. The log is the audit trail; history stays readable after
// the document leaves the catalog.
func (e *Engine) GetDocumentHistory(ctx context.Context, documentID string) ([]HistoryEntry, error) {
	records, err := e.log.ReadDocument(ctx, e.cfg.CollectionID, documentID)
	if err != nil {
		return nil, fmt.Errorf("reading document log: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrDocumentNotFound
	}

	history := make([]HistoryEntry, len(records))
	for i, rec := range records {
		op := rec.Operation
		history[i] = HistoryEntry{
			Seq:         rec.Seq,
			OperationID: op.ID,
			Type:        op.Type,
			AuthorDID:   op.Identity.AuthorDID,
			Lamport:     op.Identity.LamportClock,
			Timestamp:   op.Identity.Timestamp,
			Version:     op.Version,
		}
	}
	return history, nil
}

// GetContent fetches a document's attached content by address.
func (e *Engine) GetContent(ctx context.Context, address string) ([]byte, bool, error) {
	return e.contents.Get(ctx, address)
}

// GetContentMetrics reports content store usage.
func (e *Engine) GetContentMetrics() (model.ContentMetrics, error) {
	return e.contents.Metrics()
}

// GetPinnedContent lists every pinned content entry.
func (e *Engine) GetPinnedContent() ([]*model.PinnedContent, error) {
	return e.contents.Pinned()
}
