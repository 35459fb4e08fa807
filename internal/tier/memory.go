package tier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratamem/stratamem/internal/memory"
)

// MemoryStore is an in-process backend. It is the default for tests and
// for deployments that treat all tiers as volatile.
type MemoryStore struct {
	mu    sync.RWMutex
	tiers map[memory.Tier]map[string]*memory.Item
	where map[string]memory.Tier
}

// NewMemoryStore creates an empty in-memory backend covering all tiers.
func NewMemoryStore() *MemoryStore {
	tiers := make(map[memory.Tier]map[string]*memory.Item, len(memory.Tiers))
	for _, t := range memory.Tiers {
		tiers[t] = make(map[string]*memory.Item)
	}
	return &MemoryStore{
		tiers: tiers,
		where: make(map[string]memory.Tier),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.where[id]
	if !ok {
		return nil, nil
	}
	return s.tiers[t][id].Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, item *memory.Item) error {
	if !item.Tier.Valid() {
		return fmt.Errorf("put %s: invalid tier %q", item.ID, item.Tier)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An item belongs to exactly one tier: re-putting under a new tier
	// replaces the old residency.
	if prev, ok := s.where[item.ID]; ok && prev != item.Tier {
		delete(s.tiers[prev], item.ID)
	}
	s.tiers[item.Tier][item.ID] = item.Clone()
	s.where[item.ID] = item.Tier
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.where[id]; ok {
		delete(s.tiers[t], id)
		delete(s.where, id)
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, tier memory.Tier, f Filter) ([]memory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []memory.Item
	for _, it := range s.tiers[tier] {
		if it.Importance < f.MinImportance {
			continue
		}
		items = append(items, *it.Clone())
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Importance != items[j].Importance {
			return items[i].Importance > items[j].Importance
		}
		return items[i].ID < items[j].ID
	})
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items, nil
}

func (s *MemoryStore) Count(ctx context.Context, tier memory.Tier) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiers[tier]), nil
}

func (s *MemoryStore) Move(ctx context.Context, id string, from, to memory.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.tiers[from][id]
	if !ok {
		return fmt.Errorf("move %s: not resident in tier %s", id, from)
	}

	moved := it.Clone()
	moved.Tier = to
	moved.UpdatedAt = time.Now().UnixMilli()

	// Destination write before source release, under one lock.
	s.tiers[to][id] = moved
	delete(s.tiers[from], id)
	s.where[id] = to
	return nil
}

func (s *MemoryStore) Capabilities() Capability { return CapCRUD }

func (s *MemoryStore) Close() error { return nil }
