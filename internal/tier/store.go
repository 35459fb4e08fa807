package tier

import (
	"context"

	"github.com/stratamem/stratamem/internal/memory"
)

// Capability flags describe what a backend supports. Unsupported
// backend/feature combinations are rejected at configuration time
// instead of failing mid-cycle.
type Capability uint32

const (
	// CapCRUD is the baseline get/put/delete/list/count contract.
	CapCRUD Capability = 1 << iota
	// CapVector means the backend can store embedding vectors natively.
	CapVector
	// CapTTL means the backend expires items on its own; decay pruning
	// still applies but the backend may race it benignly.
	CapTTL
)

// Has reports whether all bits in want are present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Filter narrows List results.
type Filter struct {
	MinImportance float64
	Limit         int // 0 means no limit
}

// Store is the per-tier CRUD contract. All writes are atomic with respect
// to a single item, and Count reflects committed state only. Get returns
// (nil, nil) for a missing item. I/O failures wrap memory.ErrBackendUnavailable.
type Store interface {
	Get(ctx context.Context, id string) (*memory.Item, error)
	Put(ctx context.Context, item *memory.Item) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, tier memory.Tier, f Filter) ([]memory.Item, error)
	Count(ctx context.Context, tier memory.Tier) (int, error)

	// Move reassigns an item between tiers atomically: the destination write
	// commits before the source residency is released, never the reverse.
	Move(ctx context.Context, id string, from, to memory.Tier) error

	Capabilities() Capability
	Close() error
}
