package testutil

import (
	"fmt"
	"sync"
	"time"
)

// StubClock returns a fixed time. Safe for concurrent use.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStubClock creates a StubClock set to the given time.
func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock returns a StubClock set to 2026-01-15 10:30:00 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator returns sequential document and operation IDs:
// "doc-1", "op-1", etc.
type StubIDGenerator struct {
	mu   sync.Mutex
	docs int
	ops  int
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) NewDocumentID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.docs++
	return fmt.Sprintf("doc-%d", g.docs)
}

func (g *StubIDGenerator) NewOperationID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ops++
	return fmt.Sprintf("op-%d", g.ops)
}
