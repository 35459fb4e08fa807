// Package index keeps the derived search index consistent with the
// durable tier's canonical records. Drift is reported, never silently
// auto-corrected: repairs happen only through an explicit Reindex call.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratamem/stratamem/internal/extract"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/store"
	"github.com/stratamem/stratamem/internal/tier"
)

// ErrIncompatibleSpec rejects a backing swap at plan time.
var ErrIncompatibleSpec = errors.New("incompatible backing spec")

// Report is the outcome of an integrity check. Pure data: producing one
// has no side effects.
type Report struct {
	Checked    int      `json:"checked"`
	Missing    []string `json:"missing,omitempty"`    // durable items without an entry
	Orphaned   []string `json:"orphaned,omitempty"`   // entries without a backing item
	Mismatched []string `json:"mismatched,omitempty"` // wrong dimension or model
	CheckedAt  int64    `json:"checked_at"`
}

// Clean reports whether the index has no drift.
func (r Report) Clean() bool {
	return len(r.Missing) == 0 && len(r.Orphaned) == 0 && len(r.Mismatched) == 0
}

// Drift returns the total number of inconsistent entries.
func (r Report) Drift() int {
	return len(r.Missing) + len(r.Orphaned) + len(r.Mismatched)
}

// SwapPlan describes a validated backing-model swap.
type SwapPlan struct {
	Spec             extract.Spec `json:"spec"`
	ShadowGeneration int64        `json:"shadow_generation"`
	CreatedAt        int64        `json:"created_at"`
}

// Maintenance verifies and repairs the derived index. The index itself
// lives in the local sqlite database even when the tier backend is remote.
type Maintenance struct {
	db  *store.DB
	st  tier.Store
	log *slog.Logger

	mu sync.RWMutex
	ex extract.Extractor
}

// New creates an index maintenance component.
func New(db *store.DB, st tier.Store, ex extract.Extractor, log *slog.Logger) *Maintenance {
	return &Maintenance{db: db, st: st, ex: ex, log: log}
}

// Extractor returns the active feature-extraction backing.
func (m *Maintenance) Extractor() extract.Extractor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ex
}

// CheckIntegrity compares the durable tier against the active index
// generation. Read-only: repairs require an explicit Reindex.
func (m *Maintenance) CheckIntegrity(ctx context.Context) (Report, error) {
	ex := m.Extractor()

	gen, err := m.db.ActiveGeneration()
	if err != nil {
		return Report{}, fmt.Errorf("check integrity: %w", err)
	}

	items, err := m.st.List(ctx, memory.TierDurable, tier.Filter{})
	if err != nil {
		return Report{}, fmt.Errorf("check integrity: list durable: %w", err)
	}

	entries, err := m.db.AllIndexEntries(gen)
	if err != nil {
		return Report{}, fmt.Errorf("check integrity: %w", err)
	}
	byItem := make(map[string]store.IndexEntry, len(entries))
	for _, e := range entries {
		byItem[e.ItemID] = e
	}

	report := Report{Checked: len(items), CheckedAt: time.Now().UnixMilli()}
	seen := make(map[string]bool, len(items))

	for i := range items {
		it := &items[i]
		seen[it.ID] = true

		entry, ok := byItem[it.ID]
		if !ok {
			report.Missing = append(report.Missing, it.ID)
			continue
		}
		if entry.Dimensions != ex.Dimensions() || len(entry.Embedding) != entry.Dimensions || entry.Model != ex.Model() {
			report.Mismatched = append(report.Mismatched, it.ID)
		}
	}

	for _, e := range entries {
		if !seen[e.ItemID] {
			report.Orphaned = append(report.Orphaned, e.ItemID)
		}
	}

	if !report.Clean() {
		m.log.Warn("index drift detected",
			"missing", len(report.Missing),
			"orphaned", len(report.Orphaned),
			"mismatched", len(report.Mismatched))
	}
	return report, nil
}

// Reindex rebuilds missing and mismatched entries in bounded batches and
// removes orphans. Idempotent: entries are upserted by item id, so re-running
// never duplicates.
func (m *Maintenance) Reindex(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("reindex: batch size must be positive, got %d", batchSize)
	}
	ex := m.Extractor()

	report, err := m.CheckIntegrity(ctx)
	if err != nil {
		return 0, err
	}
	if report.Clean() {
		return 0, nil
	}

	gen, err := m.db.ActiveGeneration()
	if err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}

	repaired := 0
	rebuild := append(append([]string{}, report.Missing...), report.Mismatched...)
	for start := 0; start < len(rebuild); start += batchSize {
		end := start + batchSize
		if end > len(rebuild) {
			end = len(rebuild)
		}
		for _, id := range rebuild[start:end] {
			if err := ctx.Err(); err != nil {
				return repaired, err
			}
			it, err := m.st.Get(ctx, id)
			if err != nil {
				return repaired, fmt.Errorf("reindex %s: %w", id, err)
			}
			if it == nil {
				continue // pruned since the check
			}
			vec, err := ex.Extract(ctx, it.Payload)
			if err != nil {
				return repaired, fmt.Errorf("reindex %s: extract: %w", id, err)
			}
			if err := m.db.SaveIndexEntry(gen, id, vec, ex.Model()); err != nil {
				return repaired, fmt.Errorf("reindex %s: %w", id, err)
			}
			repaired++
		}
	}

	for _, id := range report.Orphaned {
		if err := m.db.DeleteIndexEntry(gen, id); err != nil {
			return repaired, fmt.Errorf("reindex: drop orphan %s: %w", id, err)
		}
		repaired++
	}

	m.log.Info("reindex complete", "repaired", repaired)
	return repaired, nil
}

// PlanSwap validates a new feature-extraction backing and allocates a
// shadow generation for it. An unbuildable spec fails here, not mid-swap.
func (m *Maintenance) PlanSwap(spec extract.Spec) (*SwapPlan, error) {
	if _, err := extract.New(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompatibleSpec, err)
	}

	gen, err := m.db.ActiveGeneration()
	if err != nil {
		return nil, fmt.Errorf("plan swap: %w", err)
	}

	return &SwapPlan{
		Spec:             spec,
		ShadowGeneration: gen + 1,
		CreatedAt:        time.Now().UnixMilli(),
	}, nil
}

// ExecuteSwap builds the shadow index against the plan's spec and retargets
// reads only once the shadow fully covers the canonical set. The previous
// generation stays intact and queryable until the retarget commits.
func (m *Maintenance) ExecuteSwap(ctx context.Context, plan *SwapPlan, batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("execute swap: batch size must be positive, got %d", batchSize)
	}
	newEx, err := extract.New(plan.Spec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatibleSpec, err)
	}

	items, err := m.st.List(ctx, memory.TierDurable, tier.Filter{})
	if err != nil {
		return fmt.Errorf("execute swap: list durable: %w", err)
	}

	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			it := &items[i]
			vec, err := newEx.Extract(ctx, it.Payload)
			if err != nil {
				return fmt.Errorf("execute swap: extract %s: %w", it.ID, err)
			}
			if err := m.db.SaveIndexEntry(plan.ShadowGeneration, it.ID, vec, newEx.Model()); err != nil {
				return fmt.Errorf("execute swap: %w", err)
			}
		}
	}

	// Coverage gate: never retarget to a shadow that misses canonical items.
	for i := range items {
		entry, err := m.db.GetIndexEntry(plan.ShadowGeneration, items[i].ID)
		if err != nil {
			return fmt.Errorf("execute swap: verify %s: %w", items[i].ID, err)
		}
		if entry == nil {
			return fmt.Errorf("execute swap: shadow index missing %s, refusing retarget", items[i].ID)
		}
	}

	if err := m.db.PromoteGeneration(plan.ShadowGeneration); err != nil {
		return fmt.Errorf("execute swap: %w", err)
	}

	m.mu.Lock()
	m.ex = newEx
	m.mu.Unlock()

	m.log.Info("index backing swapped", "model", plan.Spec.Model, "generation", plan.ShadowGeneration, "entries", len(items))
	return nil
}

// Sync upserts the index entry for a single durable item, used after a
// promotion lands an item in the durable tier.
func (m *Maintenance) Sync(ctx context.Context, it *memory.Item) error {
	ex := m.Extractor()

	gen, err := m.db.ActiveGeneration()
	if err != nil {
		return fmt.Errorf("index sync %s: %w", it.ID, err)
	}
	vec, err := ex.Extract(ctx, it.Payload)
	if err != nil {
		return fmt.Errorf("index sync %s: extract: %w", it.ID, err)
	}
	if err := m.db.SaveIndexEntry(gen, it.ID, vec, ex.Model()); err != nil {
		return fmt.Errorf("index sync %s: %w", it.ID, err)
	}
	return nil
}
