package collection

import (
	"time"

	"dcol-go/internal/model"
)

// typePrecedence fixes the first resolution key: when concurrent
// operations of different types target one document, the highest
// precedence wins regardless of recency. A tombstone beats everything; a
// redaction beats the updates it is meant to scrub.
var typePrecedence = map[model.OpType]int{
	model.OpTombstone: 6,
	model.OpDelete:    5,
	model.OpRedact:    4,
	model.OpUpdate:    3,
	model.OpTag:       2,
	model.OpCreate:    1,
}

// deriveState classifies the outcome of deriving one document.
type deriveState int

const (
	stateAbsent deriveState = iota
	stateLive
	stateDeleted
	stateTombstoned
)

// resolveWinner picks the single winning operation from a set of
// candidates for one document: highest type precedence first, then
// greatest under the signature total order (Lamport clock, timestamp,
// DID). The result depends only on the operations' own metadata, never
// on arrival order, which is what makes catalog derivation
// order-independent.
func resolveWinner(ops []model.Operation) *model.Operation {
	var winner *model.Operation
	for i := range ops {
		op := &ops[i]
		if winner == nil {
			winner = op
			continue
		}
		wp, op2p := typePrecedence[winner.Type], typePrecedence[op.Type]
		switch {
		case op2p > wp:
			winner = op
		case op2p == wp && op.Identity.Compare(winner.Identity) > 0:
			winner = op
		}
	}
	return winner
}

// deriveDocument computes the catalog state for one document from the
// full set of its log operations. Conflict resolution never errors:
// any finite operation set yields exactly one deterministic outcome.
//
// provenance.version counts operations accepted into the log for the
// document, not catalog states observed (see DESIGN.md).
func deriveDocument(collectionID, documentID string, ops []model.Operation) (*model.CatalogDocument, deriveState) {
	if len(ops) == 0 {
		return nil, stateAbsent
	}

	winner := resolveWinner(ops)
	switch winner.Type {
	case model.OpTombstone:
		return nil, stateTombstoned
	case model.OpDelete:
		return nil, stateDeleted
	}

	if winner.Data == nil {
		// A mutating operation without a snapshot cannot produce state;
		// adversarial input, treated as absent.
		return nil, stateAbsent
	}

	created, forkOf := creationProvenance(ops, winner)

	data := winner.Data
	doc := &model.CatalogDocument{
		ID:             documentID,
		CollectionID:   collectionID,
		Type:           model.InferDocumentType(data.MimeType),
		Title:          data.Title,
		Description:    data.Description,
		Tags:           append([]string(nil), data.Tags...),
		Authors:        append([]string(nil), data.Authors...),
		ContentAddress: data.ContentAddress,
		MimeType:       data.MimeType,
		Size:           data.Size,
		Metadata:       data.Metadata,
		Provenance: model.Provenance{
			Created: created,
			Updated: winner.Identity.Timestamp,
			Version: uint64(len(ops)),
			ForkOf:  forkOf,
		},
	}
	return doc, stateLive
}

// creationProvenance finds the creation timestamp and fork origin: the
// earliest CREATE under the total order supplies both. Without a CREATE
// (partial replication) the earliest operation stands in.
func creationProvenance(ops []model.Operation, winner *model.Operation) (time.Time, string) {
	var first *model.Operation
	for i := range ops {
		op := &ops[i]
		if op.Type != model.OpCreate {
			continue
		}
		if first == nil || op.Identity.Compare(first.Identity) < 0 {
			first = op
		}
	}
	if first == nil {
		for i := range ops {
			op := &ops[i]
			if first == nil || op.Identity.Compare(first.Identity) < 0 {
				first = op
			}
		}
	}

	forkOf := ""
	if first.Data != nil {
		forkOf = first.Data.ForkOf
	}
	if forkOf == "" && winner.Data != nil {
		forkOf = winner.Data.ForkOf
	}
	return first.Identity.Timestamp, forkOf
}
