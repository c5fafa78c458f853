package collection

import "errors"

var (
	// ErrDocumentNotFound is returned when a mutation or query targets a
	// document that is not in the catalog.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentTombstoned is returned when a mutation targets a
	// permanently removed document. Tombstones are terminal: the
	// document can never reappear in the catalog.
	ErrDocumentTombstoned = errors.New("document is tombstoned")
)
