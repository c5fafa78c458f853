package collection

import (
	"context"
	"fmt"

	"dcol-go/internal/identity"
	"dcol-go/internal/model"
)

// ApplyRecord takes an operation received from a peer through its log
// record: verify the signature, merge the Lamport clock, run admission,
// append idempotently, and re-derive the affected document. Applying the
// same record twice is harmless.
func (e *Engine) ApplyRecord(ctx context.Context, rec model.LogRecord) error {
	op := rec.Operation

	if op.CollectionID != e.cfg.CollectionID {
		return fmt.Errorf("operation %s targets collection %s, not %s", op.ID, op.CollectionID, e.cfg.CollectionID)
	}

	// Delivery is at-least-once. A record already in the log was verified
	// and admitted on first arrival; a redelivery must be a no-op that
	// does not charge the author's rate-limit budget again.
	known, err := e.log.Contains(ctx, op.ID)
	if err != nil {
		return fmt.Errorf("checking log for operation %s: %w", op.ID, err)
	}
	if known {
		e.logger.Debug("duplicate record ignored", "op", op.ID, "document", op.DocumentID)
		return nil
	}

	if err := identity.Verify(op.SigningPayload(), &op.Identity, e.clock.Now()); err != nil {
		return fmt.Errorf("verifying operation %s: %w", op.ID, err)
	}

	e.id.MergeClock(op.Identity.LamportClock)

	if err := e.validator.Validate(&op, nil); err != nil {
		return fmt.Errorf("admitting operation %s: %w", op.ID, err)
	}

	tombstoned, err := e.catalog.IsTombstoned(ctx, op.DocumentID)
	if err != nil {
		return fmt.Errorf("checking tombstone: %w", err)
	}
	if tombstoned && op.Type != model.OpTombstone {
		// The log still records the operation for audit, but a tombstoned
		// document never re-enters the catalog.
		e.logger.Warn("operation on tombstoned document ignored",
			"op", op.ID, "type", string(op.Type), "document", op.DocumentID)
	}

	seq, err := e.log.Append(ctx, &op)
	if err != nil {
		return fmt.Errorf("appending to log: %w", err)
	}

	if err := e.applyDocument(ctx, op.DocumentID); err != nil {
		return err
	}

	e.logger.Debug("remote operation applied",
		"op", op.ID, "type", string(op.Type), "document", op.DocumentID, "seq", seq,
		"author", op.Identity.AuthorDID)
	return nil
}

// applyDocument re-derives one document's catalog state from the full
// set of its log operations and writes the outcome. Deriving from the
// complete set rather than folding in single operations is what keeps
// the catalog identical across peers regardless of delivery order.
func (e *Engine) applyDocument(ctx context.Context, documentID string) error {
	records, err := e.log.ReadDocument(ctx, e.cfg.CollectionID, documentID)
	if err != nil {
		return fmt.Errorf("reading document log: %w", err)
	}

	ops := make([]model.Operation, len(records))
	for i, rec := range records {
		ops[i] = rec.Operation
	}

	previous, err := e.catalog.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}

	doc, state := deriveDocument(e.cfg.CollectionID, documentID, ops)
	switch state {
	case stateTombstoned:
		if err := e.catalog.SetTombstone(ctx, e.cfg.CollectionID, documentID); err != nil {
			return fmt.Errorf("setting tombstone: %w", err)
		}
		e.releaseContent(previous, "")
		if err := e.catalog.Delete(ctx, documentID); err != nil {
			return fmt.Errorf("deleting from catalog: %w", err)
		}
	case stateDeleted, stateAbsent:
		e.releaseContent(previous, "")
		if err := e.catalog.Delete(ctx, documentID); err != nil {
			return fmt.Errorf("deleting from catalog: %w", err)
		}
	case stateLive:
		e.releaseContent(previous, doc.ContentAddress)
		if doc.ContentAddress != "" {
			if err := e.contents.AddReference(doc.ContentAddress, documentID); err != nil {
				e.logger.Warn("adding content reference failed",
					"address", doc.ContentAddress, "document", documentID, "error", err)
			}
		}
		if err := e.catalog.Put(ctx, doc); err != nil {
			return fmt.Errorf("writing catalog: %w", err)
		}
	}
	return nil
}

// releaseContent drops the previous document's content reference when
// the winning snapshot points elsewhere (or nowhere).
func (e *Engine) releaseContent(previous *model.CatalogDocument, keepAddress string) {
	if previous == nil || previous.ContentAddress == "" || previous.ContentAddress == keepAddress {
		return
	}
	if err := e.contents.RemoveReference(previous.ContentAddress, previous.ID); err != nil {
		e.logger.Warn("removing content reference failed",
			"address", previous.ContentAddress, "document", previous.ID, "error", err)
	}
}

// CatchUp replays log records appended after the catalog's checkpoint.
// Called at startup, it brings the catalog in line with whatever the log
// accumulated while the process was down.
func (e *Engine) CatchUp(ctx context.Context) error {
	checkpoint, err := e.catalog.Checkpoint(ctx, e.cfg.CollectionID)
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}

	records, err := e.log.ReadSince(ctx, e.cfg.CollectionID, checkpoint)
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	last := checkpoint
	for _, rec := range records {
		if !seen[rec.Operation.DocumentID] {
			seen[rec.Operation.DocumentID] = true
			if err := e.applyDocument(ctx, rec.Operation.DocumentID); err != nil {
				return err
			}
		}
		if rec.Seq > last {
			last = rec.Seq
		}
	}

	if err := e.catalog.SetCheckpoint(ctx, e.cfg.CollectionID, last); err != nil {
		return fmt.Errorf("advancing checkpoint: %w", err)
	}

	e.logger.Info("catalog caught up",
		"collection", e.cfg.CollectionID, "records", len(records), "checkpoint", last)
	return nil
}

// Rebuild discards the materialized catalog and re-derives every
// document from the complete log. Documents in the catalog that the log
// no longer supports are removed.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.log.ReadAll(ctx, e.cfg.CollectionID)
	if err != nil {
		return fmt.Errorf("reading log: %w", err)
	}

	existing, err := e.catalog.QueryAll(ctx, e.cfg.CollectionID, nil)
	if err != nil {
		return fmt.Errorf("listing catalog: %w", err)
	}
	stale := make(map[string]bool, len(existing))
	for _, doc := range existing {
		stale[doc.ID] = true
	}

	seen := make(map[string]bool)
	last := int64(0)
	for _, rec := range records {
		documentID := rec.Operation.DocumentID
		delete(stale, documentID)
		if !seen[documentID] {
			seen[documentID] = true
			if err := e.applyDocument(ctx, documentID); err != nil {
				return err
			}
		}
		if rec.Seq > last {
			last = rec.Seq
		}
	}

	for documentID := range stale {
		if err := e.catalog.Delete(ctx, documentID); err != nil {
			return fmt.Errorf("removing stale document %s: %w", documentID, err)
		}
	}

	if err := e.catalog.SetCheckpoint(ctx, e.cfg.CollectionID, last); err != nil {
		return fmt.Errorf("advancing checkpoint: %w", err)
	}

	e.logger.Info("catalog rebuilt",
		"collection", e.cfg.CollectionID, "records", len(records),
		"documents", len(seen), "removed", len(stale))
	return nil
}

// Run consumes the log's subscription feed until the context is
// cancelled, keeping the catalog current as peers append. Records from
// this process are already applied by commit; re-deriving them is a
// cheap no-op.
func (e *Engine) Run(ctx context.Context) error {
	feed := e.log.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-feed:
			if !ok {
				return nil
			}
			if err := e.applyDocument(ctx, rec.Operation.DocumentID); err != nil {
				e.logger.Error("applying feed record failed",
					"op", rec.Operation.ID, "document", rec.Operation.DocumentID, "error", err)
				continue
			}
			if err := e.catalog.SetCheckpoint(ctx, e.cfg.CollectionID, rec.Seq); err != nil {
				e.logger.Error("advancing checkpoint failed", "seq", rec.Seq, "error", err)
			}
		}
	}
}
