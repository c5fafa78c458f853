package content

import (
	"fmt"
	"time"

	"dcol-go/internal/model"
)

// Priority ladder for pinned content. Owned and starred content is never
// evicted regardless of priority; the remaining levels order eviction
// candidates, lowest first.
const (
	PriorityOwned        = 100
	PriorityStarred      = 80
	PriorityPopular      = 60 // more than popularRefThreshold referencing documents
	PriorityRecent       = 40 // accessed within recentAccessWindow
	PriorityDefault      = 20 // referenced by at least one document
	PriorityUnreferenced = 0
)

const (
	popularRefThreshold = 3
	recentAccessWindow  = 7 * 24 * time.Hour
)

// Policy is the pinning policy: what may be stored, how much, and when
// cleanup triggers.
type Policy struct {
	// Capacity is the total storage budget in bytes. Zero disables
	// capacity enforcement (and with it garbage collection pressure).
	Capacity int64

	// MaxFileSize caps one payload. Zero disables the check.
	MaxFileSize int64

	// AllowedMimeTypes, when non-empty, is an allow list of exact MIME
	// types or "prefix/*" patterns. BlockedMimeTypes is checked first.
	AllowedMimeTypes []string
	BlockedMimeTypes []string

	// MaxAge makes unowned, unstarred content older than this an
	// eviction candidate during normal cleanup. Zero disables aging.
	MaxAge time.Duration

	// CleanupThreshold and EmergencyThreshold are usage fractions of
	// Capacity that trigger normal resp. aggressive cleanup.
	CleanupThreshold   float64
	EmergencyThreshold float64
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		Capacity:           1 << 30, // 1 GiB
		MaxFileSize:        64 << 20,
		MaxAge:             30 * 24 * time.Hour,
		CleanupThreshold:   0.8,
		EmergencyThreshold: 0.95,
	}
}

// Admit checks a payload against the policy before any bytes are stored.
func (p Policy) Admit(size int64, mimeType string) error {
	if p.MaxFileSize > 0 && size > p.MaxFileSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, p.MaxFileSize)
	}

	for _, blocked := range p.BlockedMimeTypes {
		if mimeMatches(mimeType, blocked) {
			return fmt.Errorf("%w: %s is blocked", ErrMimeTypeNotAllowed, mimeType)
		}
	}

	if len(p.AllowedMimeTypes) > 0 {
		for _, allowed := range p.AllowedMimeTypes {
			if mimeMatches(mimeType, allowed) {
				return nil
			}
		}
		return fmt.Errorf("%w: %s is not in the allow list", ErrMimeTypeNotAllowed, mimeType)
	}

	return nil
}

// mimeMatches compares a MIME type to an exact value or "prefix/*"
// pattern.
func mimeMatches(mimeType, pattern string) bool {
	if pattern == "*" || pattern == mimeType {
		return true
	}
	if n := len(pattern); n > 2 && pattern[n-2:] == "/*" {
		prefix := pattern[:n-1] // keep the slash
		return len(mimeType) >= len(prefix) && mimeType[:len(prefix)] == prefix
	}
	return false
}

// computePriority derives a pin's priority from its flags, reference
// count, and recency. Recomputed on every reference, star, or access
// change.
func computePriority(pin *model.PinnedContent, now time.Time) int {
	switch {
	case pin.IsOwned:
		return PriorityOwned
	case pin.IsStarred:
		return PriorityStarred
	case len(pin.DocumentIDs) > popularRefThreshold:
		return PriorityPopular
	case now.Sub(pin.LastAccess) < recentAccessWindow:
		return PriorityRecent
	case len(pin.DocumentIDs) > 0:
		return PriorityDefault
	default:
		return PriorityUnreferenced
	}
}
