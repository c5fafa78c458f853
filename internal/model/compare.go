package model

import "strings"

// Compare defines the strict total order over signature blocks that
// conflict resolution depends on: Lamport clock first, then timestamp,
// then author DID. Returns a negative value if s orders before other,
// positive if after, zero only for identical (clock, timestamp, DID)
// tuples. Every peer computes the identical order for identical inputs.
func (s SignatureBlock) Compare(other SignatureBlock) int {
	switch {
	case s.LamportClock < other.LamportClock:
		return -1
	case s.LamportClock > other.LamportClock:
		return 1
	}

	a, b := s.Timestamp.UTC(), other.Timestamp.UTC()
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}

	return strings.Compare(s.AuthorDID, other.AuthorDID)
}
