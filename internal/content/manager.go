package content

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dcol-go/internal/model"
)

// GC target fractions of capacity to free once cleanup triggers.
const (
	normalFreeFraction     = 0.20
	aggressiveFreeFraction = 0.50
)

// Manager is the content-addressed storage manager. All capacity and
// eviction decisions are serialized through its mutex; the priority index
// itself lives in the PinIndex.
type Manager struct {
	blocks BlockStore
	index  PinIndex
	policy Policy
	clock  Clock
	logger Logger

	// gcMu serializes ensureCapacity and garbage collection so two
	// concurrent writers cannot both conclude there is room.
	gcMu sync.Mutex
}

// NewManager wires a manager over a block store and pin index.
func NewManager(blocks BlockStore, index PinIndex, policy Policy, clock Clock, logger Logger) *Manager {
	return &Manager{
		blocks: blocks,
		index:  index,
		policy: policy,
		clock:  clock,
		logger: logger,
	}
}

// Address returns the content address data would be stored under,
// without storing anything. Callers use it to reference content in an
// operation before the bytes are committed to the store.
func (m *Manager) Address(data []byte) string {
	return m.blocks.Address(data)
}

// Store validates data against the pinning policy, makes room, writes it
// to the block store, pins it, and records the PinnedContent entry.
// Returns the content address.
func (m *Manager) Store(ctx context.Context, data []byte, opts StoreOptions) (string, error) {
	size := int64(len(data))
	if err := m.policy.Admit(size, opts.MimeType); err != nil {
		return "", err
	}

	if err := m.EnsureCapacity(ctx, size); err != nil {
		return "", err
	}

	address, err := m.blocks.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("%w: put: %v", ErrContentStorageFailed, err)
	}
	if err := m.blocks.Pin(ctx, address); err != nil {
		return "", fmt.Errorf("%w: pin: %v", ErrContentStorageFailed, err)
	}

	now := m.clock.Now().UTC()

	// Merge with an existing entry: the same bytes may be stored again
	// for another document or with stronger retention flags.
	pin, err := m.index.GetPin(address)
	if err != nil {
		return "", fmt.Errorf("reading pin entry: %w", err)
	}
	if pin == nil {
		pin = &model.PinnedContent{
			Address: address,
			Size:    size,
			PinTime: now,
		}
	}
	pin.LastAccess = now
	pin.IsOwned = pin.IsOwned || opts.IsOwned
	pin.IsStarred = pin.IsStarred || opts.IsStarred
	if opts.MimeType != "" {
		pin.MimeType = opts.MimeType
	}
	if opts.DocumentID != "" && !containsString(pin.DocumentIDs, opts.DocumentID) {
		pin.DocumentIDs = append(pin.DocumentIDs, opts.DocumentID)
	}
	pin.Priority = computePriority(pin, now)
	if opts.Priority > pin.Priority {
		pin.Priority = opts.Priority
	}

	if err := m.index.UpsertPin(pin); err != nil {
		return "", fmt.Errorf("recording pin entry: %w", err)
	}

	m.logger.Debug("content stored", "address", address, "size", size, "priority", pin.Priority)
	return address, nil
}

// Get fetches content and updates its last-access time. Absence is an
// expected, recoverable condition: found is false and err is nil when the
// content cannot currently be retrieved.
func (m *Manager) Get(ctx context.Context, address string) ([]byte, bool, error) {
	data, found, err := m.blocks.Get(ctx, address)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get: %v", ErrContentStorageFailed, err)
	}
	if !found {
		return nil, false, nil
	}

	now := m.clock.Now().UTC()
	if err := m.index.TouchAccess(address, now); err != nil {
		return nil, false, fmt.Errorf("updating last access: %w", err)
	}
	if err := m.refreshPriority(address); err != nil {
		return nil, false, err
	}

	return data, true, nil
}

// AddReference records that a document depends on an address and
// recomputes its priority.
func (m *Manager) AddReference(address, documentID string) error {
	if err := m.index.AddReference(address, documentID); err != nil {
		return fmt.Errorf("adding reference: %w", err)
	}
	return m.refreshPriority(address)
}

// RemoveReference drops a document's dependency on an address. Content
// left with zero references and no owned/starred flag becomes
// eviction-eligible.
func (m *Manager) RemoveReference(address, documentID string) error {
	if err := m.index.RemoveReference(address, documentID); err != nil {
		return fmt.Errorf("removing reference: %w", err)
	}
	return m.refreshPriority(address)
}

// Star flips the starred flag and recomputes priority.
func (m *Manager) Star(address string, starred bool) error {
	if err := m.index.SetStarred(address, starred); err != nil {
		return fmt.Errorf("setting star: %w", err)
	}
	return m.refreshPriority(address)
}

// Metrics summarizes the local store.
func (m *Manager) Metrics() (model.ContentMetrics, error) {
	pins, err := m.index.ListPins()
	if err != nil {
		return model.ContentMetrics{}, fmt.Errorf("listing pins: %w", err)
	}

	metrics := model.ContentMetrics{Capacity: m.policy.Capacity}
	for _, pin := range pins {
		metrics.PinnedCount++
		metrics.UsedBytes += pin.Size
		if pin.IsOwned {
			metrics.OwnedCount++
		}
		if pin.IsStarred {
			metrics.StarredCount++
		}
		if !pin.IsOwned && !pin.IsStarred && len(pin.DocumentIDs) == 0 {
			metrics.EvictableSize += pin.Size
		}
	}
	return metrics, nil
}

// Pinned returns all pin entries.
func (m *Manager) Pinned() ([]*model.PinnedContent, error) {
	return m.index.ListPins()
}

// EnsureCapacity makes room for incoming bytes: normal cleanup past the
// cleanup threshold, aggressive cleanup past the emergency threshold, and
// ErrStorageFull if the payload still does not fit.
func (m *Manager) EnsureCapacity(ctx context.Context, incoming int64) error {
	if m.policy.Capacity <= 0 {
		return nil
	}

	m.gcMu.Lock()
	defer m.gcMu.Unlock()

	usage, err := m.index.TotalPinnedSize()
	if err != nil {
		return fmt.Errorf("reading storage usage: %w", err)
	}

	capacity := float64(m.policy.Capacity)
	if float64(usage+incoming) > capacity*m.policy.CleanupThreshold {
		if _, _, err := m.collect(ctx, false); err != nil {
			return err
		}
		usage, err = m.index.TotalPinnedSize()
		if err != nil {
			return fmt.Errorf("reading storage usage: %w", err)
		}
	}

	if float64(usage+incoming) > capacity*m.policy.EmergencyThreshold {
		if _, _, err := m.collect(ctx, true); err != nil {
			return err
		}
		usage, err = m.index.TotalPinnedSize()
		if err != nil {
			return fmt.Errorf("reading storage usage: %w", err)
		}
	}

	if usage+incoming > m.policy.Capacity {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrStorageFull, incoming, m.policy.Capacity-usage)
	}
	return nil
}

// GC runs one garbage collection pass. Returns the number of entries
// evicted and bytes freed.
func (m *Manager) GC(ctx context.Context, aggressive bool) (int, int64, error) {
	m.gcMu.Lock()
	defer m.gcMu.Unlock()
	return m.collect(ctx, aggressive)
}

// collect does the actual eviction. Caller holds gcMu.
//
// Candidates are entries that are neither owned nor starred, and either
// (aggressive) have zero references, or (normal) exceed the max age or
// have fallen to the unreferenced priority. Candidates go
// lowest-priority-first until the target fraction of capacity is freed.
// Owned and starred content is never evicted.
func (m *Manager) collect(ctx context.Context, aggressive bool) (int, int64, error) {
	pins, err := m.index.ListPins()
	if err != nil {
		return 0, 0, fmt.Errorf("listing pins: %w", err)
	}

	now := m.clock.Now().UTC()
	var candidates []*model.PinnedContent
	for _, pin := range pins {
		if pin.IsOwned || pin.IsStarred {
			continue
		}
		pin.Priority = computePriority(pin, now)
		if aggressive {
			if len(pin.DocumentIDs) == 0 {
				candidates = append(candidates, pin)
			}
			continue
		}
		tooOld := m.policy.MaxAge > 0 && now.Sub(pin.PinTime) > m.policy.MaxAge
		if tooOld || pin.Priority <= PriorityUnreferenced {
			candidates = append(candidates, pin)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	fraction := normalFreeFraction
	if aggressive {
		fraction = aggressiveFreeFraction
	}
	target := int64(float64(m.policy.Capacity) * fraction)

	var freed int64
	var evicted int
	for _, pin := range candidates {
		if freed >= target {
			break
		}
		if err := m.blocks.Unpin(ctx, pin.Address); err != nil {
			return evicted, freed, fmt.Errorf("%w: unpin %s: %v", ErrContentStorageFailed, pin.Address, err)
		}
		if err := m.index.DeletePin(pin.Address); err != nil {
			return evicted, freed, fmt.Errorf("deleting pin entry: %w", err)
		}
		freed += pin.Size
		evicted++
	}

	if evicted > 0 {
		m.logger.Info("garbage collection finished", "aggressive", aggressive, "evicted", evicted, "freed", freed)
	}
	return evicted, freed, nil
}

// Run executes periodic normal cleanup until ctx is canceled. The app
// layer starts this alongside the validator's window sweep.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := m.GC(ctx, false); err != nil {
				m.logger.Error("background cleanup failed", "error", err)
			}
		}
	}
}

// refreshPriority recomputes and persists the priority for one address.
// A missing entry is not an error: the address may have been evicted
// between the triggering change and the recompute.
func (m *Manager) refreshPriority(address string) error {
	pin, err := m.index.GetPin(address)
	if err != nil {
		return fmt.Errorf("reading pin entry: %w", err)
	}
	if pin == nil {
		return nil
	}
	priority := computePriority(pin, m.clock.Now().UTC())
	if priority == pin.Priority {
		return nil
	}
	if err := m.index.SetPriority(address, priority); err != nil {
		return fmt.Errorf("storing priority: %w", err)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
