// Package schema is the boundary to the pluggable schema-validation
// engine. The engine core only ever talks to the Checker interface; the
// built-in checker enforces a supported version range and basic
// structural sanity, and anything richer plugs in behind the same
// interface.
package schema

import (
	"errors"
	"fmt"
	"strings"

	"dcol-go/internal/model"
)

// ErrValidationFailed is the sentinel all schema rejections unwrap to.
var ErrValidationFailed = errors.New("schema validation failed")

// Checker validates a document snapshot against a declared schema
// version. A nil snapshot (DELETE/TOMBSTONE operations) only has its
// version checked.
type Checker interface {
	Check(schemaVersion int, data *model.DocumentData) error
}

// ValidationError carries the validator's full error list so callers can
// surface every problem at once.
type ValidationError struct {
	Version  int
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed (version %d): %s", e.Version, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// RangeChecker accepts schema versions within [Min, Max] and applies
// structural checks to the snapshot.
type RangeChecker struct {
	Min int
	Max int
}

// NewRangeChecker creates a checker for the supported version range.
func NewRangeChecker(min, max int) *RangeChecker {
	return &RangeChecker{Min: min, Max: max}
}

var _ Checker = (*RangeChecker)(nil)

// Check validates the declared version and, for mutations carrying a
// snapshot, the snapshot's structure.
func (c *RangeChecker) Check(schemaVersion int, data *model.DocumentData) error {
	var problems []string

	if schemaVersion < c.Min || schemaVersion > c.Max {
		problems = append(problems, fmt.Sprintf("unsupported schema version %d (supported %d..%d)", schemaVersion, c.Min, c.Max))
	}

	if data != nil {
		if strings.TrimSpace(data.Title) == "" {
			problems = append(problems, "title is required")
		}
		for _, tag := range data.Tags {
			if strings.TrimSpace(tag) == "" {
				problems = append(problems, "tags must be non-empty strings")
				break
			}
		}
		if data.Size < 0 {
			problems = append(problems, "size must not be negative")
		}
		if data.ContentAddress != "" && data.MimeType == "" {
			problems = append(problems, "content attachments require a mime type")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Version: schemaVersion, Problems: problems}
	}
	return nil
}
