package testutil

import (
	"testing"

	"dcol-go/internal/identity"
)

// NewTestIdentity creates an identity with a freshly generated key and
// no miner. clock may be a StubClock for deterministic timestamps.
func NewTestIdentity(t *testing.T, clock identity.Clock) *identity.Identity {
	t.Helper()

	id, err := identity.New(nil, clock, nil)
	if err != nil {
		t.Fatalf("failed to create identity: %v", err)
	}
	return id
}
