// Package watchdog implements admission control for tier capacity.
// Every capacity-affecting write reserves its slot here first, so two
// concurrent admissions can never both take the last slot.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/metrics"
	"github.com/stratamem/stratamem/internal/tier"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// Accept means the slot was reserved immediately.
	Accept Decision = iota
	// Queue means the request waited in the bounded ingest queue and then
	// got a slot before its ingest timeout.
	Queue
	// Reject means the tier is full and the queue had no room (or the
	// queued wait timed out).
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Queue:
		return "queue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Limits bounds one tier.
type Limits struct {
	MaxItems      int
	IngestTimeout time.Duration
}

// Config configures the watchdog.
type Config struct {
	Limits   map[memory.Tier]Limits
	QueueMax int
}

// Watchdog grants, queues, or rejects admissions against per-tier limits.
type Watchdog struct {
	store  tier.Store
	cfg    Config
	log    *slog.Logger
	met    *metrics.Set

	mu       sync.Mutex
	reserved map[memory.Tier]int
	queued   map[memory.Tier]int

	rejected atomic.Int64
}

// New creates a watchdog over the given store.
func New(store tier.Store, cfg Config, log *slog.Logger, met *metrics.Set) *Watchdog {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Watchdog{
		store:    store,
		cfg:      cfg,
		log:      log,
		met:      met,
		reserved: make(map[memory.Tier]int),
		queued:   make(map[memory.Tier]int),
	}
}

// Admit decides whether n new items may enter a tier. The check-and-reserve
// is a single atomic step under the watchdog mutex: committed count plus
// outstanding reservations plus the request must fit under the ceiling.
// When the tier is full and the ingest queue has room, Admit suspends until
// a slot frees or the tier's ingest timeout elapses.
func (w *Watchdog) Admit(ctx context.Context, t memory.Tier, n int) (Decision, error) {
	if n <= 0 {
		return Reject, fmt.Errorf("admit: requested count must be positive, got %d", n)
	}
	lim, ok := w.cfg.Limits[t]
	if !ok {
		return Reject, fmt.Errorf("admit: no limits configured for tier %s", t)
	}

	granted, err := w.tryReserve(ctx, t, lim, n)
	if err != nil {
		return Reject, err
	}
	if granted {
		return Accept, nil
	}

	// Full. Take a queue slot if one exists, otherwise reject outright.
	w.mu.Lock()
	if w.cfg.QueueMax == 0 || w.queued[t]+n > w.cfg.QueueMax {
		w.mu.Unlock()
		w.reject(ctx, t, n)
		return Reject, nil
	}
	w.queued[t] += n
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.queued[t] -= n
		w.mu.Unlock()
	}()

	deadline := time.Now().Add(lim.IngestTimeout)
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// A canceled wait is still a failed admission and counts as one.
			w.reject(ctx, t, n)
			return Reject, ctx.Err()
		case <-ticker.C:
			granted, err := w.tryReserve(ctx, t, lim, n)
			if err != nil {
				return Reject, err
			}
			if granted {
				return Queue, nil
			}
			if time.Now().After(deadline) {
				w.reject(ctx, t, n)
				return Reject, nil
			}
		}
	}
}

// tryReserve performs the atomic read-and-reserve step for one tier.
func (w *Watchdog) tryReserve(ctx context.Context, t memory.Tier, lim Limits, n int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	count, err := w.store.Count(ctx, t)
	if err != nil {
		return false, fmt.Errorf("admit: count tier %s: %w", t, err)
	}
	if count+w.reserved[t]+n > lim.MaxItems {
		return false, nil
	}
	w.reserved[t] += n
	return true, nil
}

func (w *Watchdog) reject(ctx context.Context, t memory.Tier, n int) {
	w.rejected.Add(int64(n))
	w.met.RejectedIngest.Add(ctx, int64(n))
	w.log.Warn("admission rejected", "tier", t, "count", n)
}

// Release returns n reserved slots once the admitted write has committed or
// failed. Forgetting to release leaks capacity, so callers defer it.
func (w *Watchdog) Release(t memory.Tier, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reserved[t] -= n
	if w.reserved[t] < 0 {
		// Over-release is a programming error worth surfacing, not hiding.
		w.log.Error("watchdog reservation underflow", "tier", t)
		w.reserved[t] = 0
	}
}

// Rejected returns the lifetime rejection count.
func (w *Watchdog) Rejected() int64 {
	return w.rejected.Load()
}

// TierUtilization is one row of the debug snapshot.
type TierUtilization struct {
	Tier     memory.Tier `json:"tier"`
	Resident int         `json:"resident"`
	Reserved int         `json:"reserved"`
	Queued   int         `json:"queued"`
	MaxItems int         `json:"max_items"`
}

// Snapshot is a read-only view of current utilization vs. limits.
type Snapshot struct {
	Tiers    []TierUtilization `json:"tiers"`
	QueueMax int               `json:"queue_max"`
	Rejected int64             `json:"rejected"`
}

// DebugSnapshot reports utilization for operational inspection.
// It never mutates admission state.
func (w *Watchdog) DebugSnapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		QueueMax: w.cfg.QueueMax,
		Rejected: w.rejected.Load(),
	}

	for _, t := range memory.Tiers {
		lim, ok := w.cfg.Limits[t]
		if !ok {
			continue
		}
		count, err := w.store.Count(ctx, t)
		if err != nil {
			return Snapshot{}, fmt.Errorf("snapshot: count tier %s: %w", t, err)
		}
		w.mu.Lock()
		reserved, queued := w.reserved[t], w.queued[t]
		w.mu.Unlock()

		snap.Tiers = append(snap.Tiers, TierUtilization{
			Tier:     t,
			Resident: count,
			Reserved: reserved,
			Queued:   queued,
			MaxItems: lim.MaxItems,
		})
	}
	return snap, nil
}
