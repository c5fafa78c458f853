package model

import "time"

// OpType identifies the kind of mutation an Operation carries.
type OpType string

const (
	OpCreate    OpType = "CREATE"
	OpUpdate    OpType = "UPDATE"
	OpDelete    OpType = "DELETE"
	OpTag       OpType = "TAG"
	OpTombstone OpType = "TOMBSTONE"
	OpRedact    OpType = "REDACT_METADATA"
)

// Operation is a signed, immutable command record targeting one document.
// Once appended to the log it is never mutated or removed, even when a
// later operation supersedes it in the catalog.
type Operation struct {
	ID            string         `json:"id"`
	Type          OpType         `json:"type"`
	CollectionID  string         `json:"collectionId"`
	DocumentID    string         `json:"documentId"`
	Data          *DocumentData  `json:"data,omitempty"`
	Version       uint64         `json:"version"` // issuer's local document version at signing time
	SchemaVersion int            `json:"schemaVersion"`
	Identity      SignatureBlock `json:"identity"`
}

// SigningPayload returns a copy of the operation with the signature block
// zeroed. This is the value that gets canonically serialized and signed;
// verification recomputes it the same way on every peer.
func (o *Operation) SigningPayload() Operation {
	p := *o
	p.Identity = SignatureBlock{}
	return p
}

// DocumentData is the full document snapshot embedded in a mutating
// operation. Operations carry complete snapshots rather than deltas so
// that conflict resolution can discard losing candidates outright
// (document-level last-writer-wins; there is no field-level merge).
type DocumentData struct {
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Authors        []string       `json:"authors,omitempty"`
	ContentAddress string         `json:"contentAddress,omitempty"`
	MimeType       string         `json:"mimeType,omitempty"`
	Size           int64          `json:"size,omitempty"`
	ForkOf         string         `json:"forkOf,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy so command builders can derive a new snapshot
// without aliasing the current catalog state.
func (d *DocumentData) Clone() *DocumentData {
	if d == nil {
		return nil
	}
	c := *d
	c.Tags = append([]string(nil), d.Tags...)
	c.Authors = append([]string(nil), d.Authors...)
	if d.Metadata != nil {
		c.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SignatureBlock is attached to every operation. It binds the payload to
// an author identity and carries the ordering metadata (Lamport clock,
// wall-clock timestamp, DID) used to resolve conflicts.
type SignatureBlock struct {
	AuthorDID    string       `json:"authorDid"`
	PublicKey    string       `json:"publicKey"` // base64 PKIX-encoded public key
	Signature    string       `json:"signature"` // base64 ASN.1 ECDSA signature
	LamportClock uint64       `json:"lamportClock"`
	Timestamp    time.Time    `json:"timestamp"`
	ProofOfWork  *ProofOfWork `json:"proofOfWork,omitempty"`
}

// ProofOfWork is an optional anti-spam proof: a nonce such that
// sha256(challenge || nonce) has Difficulty leading zero hex digits.
// It is verifiable by any peer without knowing the signer.
type ProofOfWork struct {
	Nonce      uint64 `json:"nonce"`
	Difficulty int    `json:"difficulty"`
	Target     string `json:"target"` // the required hash prefix, e.g. "0000"
	Hash       string `json:"hash"`   // hex sha256(challenge || nonce)
}

// DocumentType is a display-only classification inferred from the MIME
// type. It carries no conflict-resolution semantics.
type DocumentType string

const (
	DocTypeMedia    DocumentType = "media"
	DocTypeText     DocumentType = "text"
	DocTypeCode     DocumentType = "code"
	DocTypeDocument DocumentType = "document"
	DocTypeOther    DocumentType = "other"
)

// Provenance records the derivation history of a catalog document.
type Provenance struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	// Version counts the operations accepted into the log for this
	// document, not the catalog states observed. See DESIGN.md.
	Version uint64 `json:"version"`
	ForkOf  string `json:"forkOf,omitempty"`
}

// CatalogDocument is the derived, queryable view of a document. It is
// rebuildable from the log at any time and is the only entity queries
// touch.
type CatalogDocument struct {
	ID             string         `json:"_id"`
	CollectionID   string         `json:"collectionId"`
	Type           DocumentType   `json:"type"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Authors        []string       `json:"authors,omitempty"`
	ContentAddress string         `json:"contentAddress,omitempty"`
	MimeType       string         `json:"mimeType,omitempty"`
	Size           int64          `json:"size,omitempty"`
	Provenance     Provenance     `json:"provenance"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PinnedContent tracks local retention of one content-addressed blob.
type PinnedContent struct {
	Address     string    `json:"address"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mimeType,omitempty"`
	PinTime     time.Time `json:"pinTime"`
	LastAccess  time.Time `json:"lastAccess"`
	Priority    int       `json:"priority"`
	DocumentIDs []string  `json:"documentIds,omitempty"`
	IsOwned     bool      `json:"isOwned"`
	IsStarred   bool      `json:"isStarred"`
}

// ContentMetrics summarizes the state of the local content store.
type ContentMetrics struct {
	Capacity      int64 `json:"capacity"`
	UsedBytes     int64 `json:"usedBytes"`
	PinnedCount   int   `json:"pinnedCount"`
	OwnedCount    int   `json:"ownedCount"`
	StarredCount  int   `json:"starredCount"`
	EvictableSize int64 `json:"evictableSize"`
}

// LogRecord is one entry of the replicated operation log as read back
// from a log store. Seq is the local append order; it is peer-local and
// carries no cross-peer ordering meaning.
type LogRecord struct {
	Seq       int64
	Operation Operation
}

// InferDocumentType maps a MIME type to the display classification.
func InferDocumentType(mimeType string) DocumentType {
	switch {
	case mimeType == "":
		return DocTypeOther
	case hasPrefix(mimeType, "image/"), hasPrefix(mimeType, "video/"), hasPrefix(mimeType, "audio/"):
		return DocTypeMedia
	case mimeType == "text/plain", mimeType == "text/markdown":
		return DocTypeText
	case hasPrefix(mimeType, "text/x-"), mimeType == "application/json", mimeType == "application/x-yaml":
		return DocTypeCode
	case mimeType == "application/pdf", hasPrefix(mimeType, "application/vnd."), hasPrefix(mimeType, "text/"):
		return DocTypeDocument
	default:
		return DocTypeOther
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
