// Package decay computes time-based relevance decay for memory items.
//
// Energy halves every effective half-life without access. The effective
// half-life stretches with importance, so important items are forgotten
// slower. Scoring is a pure pass; applying the results is a separate step
// so the orchestrator can batch deletions and retry partial failures
// without recomputing scores.
package decay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/stratamem/stratamem/internal/config"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/tier"
)

// Engine scores and applies decay. Safe for concurrent use: it holds no
// mutable state.
type Engine struct {
	cfg config.DecayConfig
	log *slog.Logger
}

// New creates a decay engine.
func New(cfg config.DecayConfig, log *slog.Logger) *Engine {
	return &Engine{cfg: cfg, log: log}
}

// halfLife returns the effective half-life for an item: the per-tier base
// stretched by importance.
func (e *Engine) halfLife(t memory.Tier, importance float64) float64 {
	base := float64(e.cfg.PassiveHalfLife)
	if override, ok := e.cfg.TierHalfLife[string(t)]; ok {
		base = float64(override)
	}
	return base * (1 + e.cfg.ImportanceWeight*importance) * float64(time.Second)
}

// Score computes the decayed energy of an item at the given instant.
// Pure: the item is not modified.
func (e *Engine) Score(it *memory.Item, now time.Time) (float64, error) {
	if math.IsNaN(it.Energy) || it.Energy < 0 {
		return 0, &memory.DecayError{ItemID: it.ID, Reason: fmt.Sprintf("invalid energy %v", it.Energy)}
	}
	if it.Importance < 0 || it.Importance > 1 || math.IsNaN(it.Importance) {
		return 0, &memory.DecayError{ItemID: it.ID, Reason: fmt.Sprintf("importance %v out of range", it.Importance)}
	}
	if it.CreatedAt <= 0 {
		return 0, &memory.DecayError{ItemID: it.ID, Reason: "missing creation timestamp"}
	}

	elapsed := float64(now.UnixMilli()-it.RefTime()) * float64(time.Millisecond)
	if elapsed <= 0 {
		return it.Energy, nil
	}

	return it.Energy * math.Exp2(-elapsed/e.halfLife(it.Tier, it.Importance)), nil
}

// Reinforce returns the boosted energy for an item that was just accessed.
// The boost closes part of the gap to full energy, discounted by how
// recently the item was last touched: rapid repeated access compounds
// relevance instead of instantly saturating it.
func (e *Engine) Reinforce(it *memory.Item, now time.Time) float64 {
	sinceLast := float64(now.UnixMilli()-it.RefTime()) * float64(time.Millisecond)
	if sinceLast < 0 {
		sinceLast = 0
	}

	reinfHL := float64(e.cfg.ReinforcementHalfLife) * float64(time.Second)
	gain := 1 - math.Exp2(-sinceLast/reinfHL)

	energy := it.Energy + (1-it.Energy)*gain
	if energy > 1 {
		energy = 1
	}
	if energy < it.Energy {
		energy = it.Energy
	}
	return energy
}

// Outcome is one item's planned decay result.
type Outcome struct {
	ItemID string
	Energy float64
	Prune  bool
}

// Plan scores a set of items and decides, per item, whether to store the
// reduced energy or prune. Items that fail to score are skipped and
// reported; they never abort the pass. Items protected by relationship
// edges are floored at the forgetting threshold instead of pruned.
func (e *Engine) Plan(items []memory.Item, now time.Time) ([]Outcome, []error) {
	var outcomes []Outcome
	var skipped []error

	for i := range items {
		it := &items[i]
		energy, err := e.Score(it, now)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		if energy >= it.Energy {
			continue // decay only ever reduces energy
		}

		out := Outcome{ItemID: it.ID, Energy: energy}
		if energy < e.cfg.ForgettingThreshold {
			if it.Protected() {
				out.Energy = e.cfg.ForgettingThreshold
			} else {
				out.Prune = true
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, skipped
}

// Apply writes planned outcomes to the store: deletions for pruned items,
// energy updates for the rest. Failures are collected, not fatal, so a
// partially applied plan can be retried on the next cycle.
func (e *Engine) Apply(ctx context.Context, st tier.Store, outcomes []Outcome) (decayed, pruned int, errs []error) {
	for _, out := range outcomes {
		if out.Prune {
			if err := st.Delete(ctx, out.ItemID); err != nil {
				errs = append(errs, fmt.Errorf("prune %s: %w", out.ItemID, err))
				continue
			}
			pruned++
			continue
		}

		it, err := st.Get(ctx, out.ItemID)
		if err != nil {
			errs = append(errs, fmt.Errorf("apply decay %s: %w", out.ItemID, err))
			continue
		}
		if it == nil {
			continue // deleted since the scoring pass
		}
		it.Energy = out.Energy
		if err := st.Put(ctx, it); err != nil {
			errs = append(errs, fmt.Errorf("apply decay %s: %w", out.ItemID, err))
			continue
		}
		decayed++
	}

	if len(errs) > 0 {
		e.log.Warn("decay apply incomplete", "errors", len(errs), "decayed", decayed, "pruned", pruned)
	}
	return decayed, pruned, errs
}
