// Package consolidate selects promotion candidates and moves them to
// longer-lived tiers. Moves are serialized per item by the in-flight
// guard, admitted by the watchdog, and ordered write-before-delete so a
// partial failure can never lose an item.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/stratamem/stratamem/internal/audit"
	"github.com/stratamem/stratamem/internal/config"
	"github.com/stratamem/stratamem/internal/guard"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/metrics"
	"github.com/stratamem/stratamem/internal/tier"
	"github.com/stratamem/stratamem/internal/watchdog"
)

// Recorder persists immutable promotion records.
type Recorder interface {
	SavePromotionRecord(rec memory.PromotionRecord) error
}

// DurableSync is notified when a promotion lands an item in the durable
// tier, so the derived index can absorb it.
type DurableSync interface {
	Sync(ctx context.Context, it *memory.Item) error
}

// Result classifies one promotion attempt.
type Result int

const (
	// Promoted: the move committed and a promotion record was written.
	Promoted Result = iota
	// Deferred: guard contention, capacity pressure, or retry backoff.
	// Not a failure; the candidate comes back on a later cycle.
	Deferred
	// Failed: a transient fault; the item stays at its source tier and the
	// candidate retries later with exponential backoff.
	Failed
	// Exhausted: retry attempts ran out. Reported, never silently dropped.
	Exhausted
)

// Stats aggregates a batch of promotion attempts.
type Stats struct {
	Promoted  int
	Deferred  int
	Failed    int
	Exhausted int
}

type pendingState struct {
	firstSeen   time.Time
	attempts    int
	nextAttempt time.Time
}

// Engine is the consolidation engine.
type Engine struct {
	st  tier.Store
	g   *guard.Guard
	wd  *watchdog.Watchdog
	rec Recorder
	bus *audit.Bus
	met *metrics.Set
	log *slog.Logger
	cfg config.ConsolidationConfig

	sync DurableSync // optional

	mu        sync.Mutex
	pending   map[string]*pendingState
	window    []int
	batchSize int
	rng       *rand.Rand
}

// New creates a consolidation engine.
func New(st tier.Store, g *guard.Guard, wd *watchdog.Watchdog, rec Recorder,
	bus *audit.Bus, cfg config.ConsolidationConfig, log *slog.Logger, met *metrics.Set) *Engine {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Engine{
		st:        st,
		g:         g,
		wd:        wd,
		rec:       rec,
		bus:       bus,
		met:       met,
		log:       log,
		cfg:       cfg,
		pending:   make(map[string]*pendingState),
		batchSize: cfg.BatchSize,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetDurableSync wires the derived-index hook for durable-tier arrivals.
func (e *Engine) SetDurableSync(s DurableSync) { e.sync = s }

// Score is the composite promotion score: importance weighted against
// recency of access. Both weights are configuration, not constants.
func (e *Engine) Score(it *memory.Item, now time.Time) float64 {
	age := float64(now.UnixMilli()-it.RefTime()) * float64(time.Millisecond)
	if age < 0 {
		age = 0
	}
	recencyHL := float64(e.cfg.RecencyHalfLife) * float64(time.Second)
	recency := math.Exp2(-age / recencyHL)
	return e.cfg.ImportanceWeight*it.Importance + e.cfg.RecencyWeight*recency
}

// SelectCandidates ranks a tier's residents by composite score and returns
// the top batchSize that clear the promotion threshold. Candidates live
// only for the cycle that produced them. The terminal tier yields none.
func (e *Engine) SelectCandidates(ctx context.Context, from memory.Tier, batchSize int) ([]memory.Candidate, error) {
	to, ok := from.Next()
	if !ok {
		return nil, nil
	}

	items, err := e.st.List(ctx, from, tier.Filter{})
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}

	now := time.Now()
	var cands []memory.Candidate
	for i := range items {
		score := e.Score(&items[i], now)
		if score < e.cfg.PromotionThreshold {
			continue
		}
		cands = append(cands, memory.Candidate{
			ItemID:    items[i].ID,
			From:      from,
			To:        to,
			Score:     score,
			ScannedAt: now.UnixMilli(),
		})
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ItemID < cands[j].ItemID
	})
	if batchSize > 0 && len(cands) > batchSize {
		cands = cands[:batchSize]
	}
	return cands, nil
}

// Promote executes one tier-to-tier move. The sequence is: backoff gate,
// per-item guard, capacity admission, move (destination write commits
// before source residency is released), audit record. The guard is
// released on every path.
func (e *Engine) Promote(ctx context.Context, cand memory.Candidate) (Result, error) {
	now := time.Now()

	e.mu.Lock()
	ps := e.pending[cand.ItemID]
	if ps == nil {
		ps = &pendingState{firstSeen: now}
		e.pending[cand.ItemID] = ps
	}
	if now.Before(ps.nextAttempt) {
		e.mu.Unlock()
		return Deferred, nil
	}
	e.mu.Unlock()

	tok, err := e.g.Acquire(cand.ItemID)
	if errors.Is(err, memory.ErrAlreadyInFlight) {
		return Deferred, nil
	}
	if err != nil {
		return Failed, err
	}
	defer e.g.Release(tok)

	decision, err := e.wd.Admit(ctx, cand.To, 1)
	if err != nil {
		return Failed, fmt.Errorf("promote %s: %w", cand.ItemID, err)
	}
	if decision == watchdog.Reject {
		// Destination is full. Not this item's fault: try again later.
		return Deferred, nil
	}
	defer e.wd.Release(cand.To, 1)

	start := time.Now()
	moveErr := e.st.Move(ctx, cand.ItemID, cand.From, cand.To)
	e.met.ConsolidationLatency.Record(ctx, time.Since(start).Seconds())

	if moveErr != nil {
		return e.recordFailure(ctx, cand, moveErr)
	}

	e.mu.Lock()
	delete(e.pending, cand.ItemID)
	e.mu.Unlock()

	rec := memory.PromotionRecord{
		ItemID:    cand.ItemID,
		From:      cand.From,
		To:        cand.To,
		Timestamp: time.Now().UnixMilli(),
		Outcome:   "success",
	}
	if err := e.rec.SavePromotionRecord(rec); err != nil {
		// The move itself committed; losing the audit row is logged loudly
		// rather than undone.
		e.log.Error("promotion record write failed", "item", cand.ItemID, "error", err)
	}
	e.bus.Publish(audit.NewEvent(audit.TypePromotion, map[string]any{
		"item": cand.ItemID, "from": string(cand.From), "to": string(cand.To),
	}))
	e.met.Promotions.Add(ctx, 1)

	if e.sync != nil && cand.To == memory.TierDurable {
		if it, err := e.st.Get(ctx, cand.ItemID); err == nil && it != nil {
			if err := e.sync.Sync(ctx, it); err != nil {
				e.log.Warn("index sync after promotion failed", "item", cand.ItemID, "error", err)
			}
		}
	}
	return Promoted, nil
}

func (e *Engine) recordFailure(ctx context.Context, cand memory.Candidate, moveErr error) (Result, error) {
	e.met.ConsolidationFailures.Add(ctx, 1)

	e.mu.Lock()
	ps := e.pending[cand.ItemID]
	ps.attempts++
	attempts := ps.attempts

	if attempts >= e.cfg.MaxAttempts {
		delete(e.pending, cand.ItemID)
		e.mu.Unlock()

		e.log.Error("promotion retries exhausted", "item", cand.ItemID, "attempts", attempts, "error", moveErr)
		e.bus.Publish(audit.NewEvent(audit.TypePromotionExhausted, map[string]any{
			"item": cand.ItemID, "attempts": attempts, "error": moveErr.Error(),
		}))
		return Exhausted, &memory.ConsolidationError{ItemID: cand.ItemID, Attempt: attempts, Err: moveErr}
	}

	ps.nextAttempt = time.Now().Add(e.backoff(attempts))
	e.mu.Unlock()

	e.log.Warn("promotion failed, will retry", "item", cand.ItemID, "attempt", attempts, "error", moveErr)
	return Failed, &memory.ConsolidationError{ItemID: cand.ItemID, Attempt: attempts, Err: moveErr}
}

// backoff doubles the delay per attempt between the configured bounds,
// with jitter in [d/2, d) so many items failing together do not retry
// together. Must be called with e.mu held; it reads e.rng.
func (e *Engine) backoff(attempts int) time.Duration {
	min := time.Duration(e.cfg.RetryMinDelay) * time.Millisecond
	max := time.Duration(e.cfg.RetryMaxDelay) * time.Millisecond

	d := min << (attempts - 1)
	if d > max || d <= 0 {
		d = max
	}
	return d/2 + time.Duration(e.rng.Int63n(int64(d/2)+1))
}

// PromoteBatch runs promotions for independent items concurrently, bounded
// by the configured concurrency. Per-item serialization stays with the
// guard; no ordering across items is promised.
func (e *Engine) PromoteBatch(ctx context.Context, cands []memory.Candidate) Stats {
	var (
		wg    sync.WaitGroup
		sem   = make(chan struct{}, e.cfg.Concurrency)
		mu    sync.Mutex
		stats Stats
	)

	for _, cand := range cands {
		wg.Add(1)
		sem <- struct{}{}
		go func(c memory.Candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			res, _ := e.Promote(ctx, c)

			mu.Lock()
			switch res {
			case Promoted:
				stats.Promoted++
			case Deferred:
				stats.Deferred++
			case Failed:
				stats.Failed++
			case Exhausted:
				stats.Exhausted++
			}
			mu.Unlock()
		}(cand)
	}

	wg.Wait()
	return stats
}

// ObserveBacklog feeds the pressure window with this cycle's backlog size
// and returns the adapted batch size: growth beyond the threshold doubles
// the batch up to the ceiling, anything else eases back toward the
// configured base.
func (e *Engine) ObserveBacklog(backlog int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.window = append(e.window, backlog)
	if len(e.window) > e.cfg.PressureWindow {
		e.window = e.window[1:]
	}

	if len(e.window) >= 2 {
		first := e.window[0]
		last := e.window[len(e.window)-1]
		base := first
		if base < 1 {
			base = 1
		}
		growth := float64(last-first) / float64(base)

		if growth > e.cfg.PressureThreshold {
			e.batchSize *= 2
			if e.batchSize > e.cfg.BatchCeiling {
				e.batchSize = e.cfg.BatchCeiling
			}
		} else {
			e.batchSize /= 2
			if e.batchSize < e.cfg.BatchSize {
				e.batchSize = e.cfg.BatchSize
			}
		}
	}
	return e.batchSize
}

// BatchSize returns the current adaptive batch size.
func (e *Engine) BatchSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batchSize
}

// TrackPending records first-seen times for candidates a scan produced,
// whether or not this cycle attempts them. Candidates trimmed by the
// batch limit still age the backlog.
func (e *Engine) TrackPending(cands []memory.Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, c := range cands {
		if e.pending[c.ItemID] == nil {
			e.pending[c.ItemID] = &pendingState{firstSeen: time.UnixMilli(c.ScannedAt)}
		}
	}
}

// OldestPending returns when the oldest unpromoted candidate was first
// seen. The orchestrator derives backlog age from it.
func (e *Engine) OldestPending() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var oldest time.Time
	for _, ps := range e.pending {
		if oldest.IsZero() || ps.firstSeen.Before(oldest) {
			oldest = ps.firstSeen
		}
	}
	return oldest, !oldest.IsZero()
}

// Reconcile drops pending state for items that are no longer candidates
// (pruned, deleted, or promoted out of band).
func (e *Engine) Reconcile(active map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id := range e.pending {
		if !active[id] {
			delete(e.pending, id)
		}
	}
}
