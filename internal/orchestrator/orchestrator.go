// Package orchestrator ties the maintenance components into cycles and
// owns shutdown. Exactly one cycle runs at a time; concurrency exists
// only within a cycle, across independent item ids, bounded by the guard.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stratamem/stratamem/internal/audit"
	"github.com/stratamem/stratamem/internal/config"
	"github.com/stratamem/stratamem/internal/consolidate"
	"github.com/stratamem/stratamem/internal/decay"
	"github.com/stratamem/stratamem/internal/guard"
	"github.com/stratamem/stratamem/internal/index"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/metrics"
	"github.com/stratamem/stratamem/internal/store"
	"github.com/stratamem/stratamem/internal/tier"
	"github.com/stratamem/stratamem/internal/watchdog"
)

// State is the orchestrator's position in the cycle state machine.
type State string

const (
	StateIdle          State = "idle"
	StateScanning      State = "scanning"
	StateConsolidating State = "consolidating"
	StateDecaying      State = "decaying"
	StateIndexChecking State = "index_checking"
	StateShuttingDown  State = "shutting_down"
)

// CycleRecorder persists per-cycle outcomes.
type CycleRecorder interface {
	SaveCycleEvent(ev store.CycleEvent) error
}

// Sanitizer vets an ingest payload. The core only consumes the pass/fail
// signal; policy lives with the caller.
type Sanitizer func(payload string) error

// CycleReport summarizes one completed maintenance cycle.
type CycleReport struct {
	CycleID    string        `json:"cycle_id"`
	Outcome    string        `json:"outcome"` // "ok" or "error"
	Promoted   int           `json:"promoted"`
	Decayed    int           `json:"decayed"`
	Pruned     int           `json:"pruned"`
	Failed     int           `json:"failed"`
	Deferred   int           `json:"deferred"`
	Drift      int           `json:"drift"`
	BatchSize  int           `json:"batch_size"`
	BacklogAge time.Duration `json:"backlog_age"`
	Duration   time.Duration `json:"duration"`
}

// Orchestrator holds explicit references to every collaborator; there are
// no process-wide singletons.
type Orchestrator struct {
	st   tier.Store
	wd   *watchdog.Watchdog
	g    *guard.Guard
	dec  *decay.Engine
	cons *consolidate.Engine
	idx  *index.Maintenance // nil disables index checking
	bus  *audit.Bus
	rec  CycleRecorder
	met  *metrics.Set
	log  *slog.Logger
	cfg  config.MaintenanceConfig

	sanitize Sanitizer

	mu         sync.Mutex
	state      State
	lastReport *CycleReport

	cycleMu      sync.Mutex // single-flight for cycles
	shuttingDown atomic.Bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New wires an orchestrator from its collaborators.
func New(st tier.Store, wd *watchdog.Watchdog, g *guard.Guard, dec *decay.Engine,
	cons *consolidate.Engine, idx *index.Maintenance, bus *audit.Bus, rec CycleRecorder,
	cfg config.MaintenanceConfig, log *slog.Logger, met *metrics.Set) *Orchestrator {
	if met == nil {
		met = metrics.NewNoop()
	}
	return &Orchestrator{
		st:       st,
		wd:       wd,
		g:        g,
		dec:      dec,
		cons:     cons,
		idx:      idx,
		bus:      bus,
		rec:      rec,
		met:      met,
		log:      log,
		cfg:      cfg,
		sanitize: DefaultSanitizer,
		state:    StateIdle,
		stopCh:   make(chan struct{}),
	}
}

// SetSanitizer replaces the ingest sanitization hook.
func (o *Orchestrator) SetSanitizer(s Sanitizer) { o.sanitize = s }

// State returns the current cycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// LastReport returns the most recent cycle report, if any cycle has run.
func (o *Orchestrator) LastReport() (CycleReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastReport == nil {
		return CycleReport{}, false
	}
	return *o.lastReport, true
}

// Start runs one cycle immediately and then on the configured interval,
// in a goroutine joined on shutdown.
func (o *Orchestrator) Start(ctx context.Context) {
	if report, err := o.RunManualCycle(ctx); err != nil {
		o.log.Error("startup maintenance cycle failed", "error", err)
	} else {
		o.log.Info("startup maintenance cycle complete", "cycle", report.CycleID, "outcome", report.Outcome)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		interval := time.Duration(o.cfg.Interval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := o.RunManualCycle(ctx); err != nil {
					o.log.Error("scheduled maintenance cycle failed", "error", err)
				}
			case <-o.stopCh:
				return
			}
		}
	}()
}

// RunManualCycle triggers an out-of-schedule maintenance pass. Cycles are
// single-flight: a concurrent call observes ErrCycleInProgress.
func (o *Orchestrator) RunManualCycle(ctx context.Context) (CycleReport, error) {
	if o.shuttingDown.Load() {
		return CycleReport{}, memory.ErrShuttingDown
	}
	if !o.cycleMu.TryLock() {
		return CycleReport{}, memory.ErrCycleInProgress
	}
	defer o.cycleMu.Unlock()

	report := o.runCycle(ctx)

	o.mu.Lock()
	o.lastReport = &report
	o.mu.Unlock()
	return report, nil
}

func (o *Orchestrator) runCycle(ctx context.Context) CycleReport {
	started := time.Now()
	report := CycleReport{CycleID: uuid.NewString(), Outcome: "ok"}
	var cycleErrs int

	// Scanning: gather eligible candidates across non-terminal tiers. The
	// full eligible count feeds the pressure window; only the top of each
	// tier's ranking is promoted this cycle.
	o.setState(StateScanning)
	batchSize := o.cons.BatchSize()
	report.BatchSize = batchSize

	var batch []memory.Candidate
	active := make(map[string]bool)
	backlog := 0
	for _, t := range []memory.Tier{memory.TierFast, memory.TierMedium} {
		eligible, err := o.cons.SelectCandidates(ctx, t, 0)
		if err != nil {
			o.log.Error("candidate scan failed", "tier", t, "error", err)
			cycleErrs++
			continue
		}
		backlog += len(eligible)
		for _, c := range eligible {
			active[c.ItemID] = true
		}
		// Trimmed candidates still age the backlog.
		o.cons.TrackPending(eligible)
		if len(eligible) > batchSize {
			eligible = eligible[:batchSize]
		}
		batch = append(batch, eligible...)
	}

	// Consolidating: independent items move concurrently, each serialized
	// by the guard.
	o.setState(StateConsolidating)
	stats := o.cons.PromoteBatch(ctx, batch)
	report.Promoted = stats.Promoted
	report.Deferred = stats.Deferred
	report.Failed = stats.Failed + stats.Exhausted

	// Decaying: pure scoring pass first, then batched application.
	o.setState(StateDecaying)
	now := time.Now()
	for _, t := range memory.Tiers {
		items, err := o.st.List(ctx, t, tier.Filter{})
		if err != nil {
			o.log.Error("decay scan failed", "tier", t, "error", err)
			cycleErrs++
			continue
		}
		outcomes, skipped := o.dec.Plan(items, now)
		for _, serr := range skipped {
			o.log.Warn("item skipped by decay pass", "error", serr)
		}
		decayed, pruned, errs := o.dec.Apply(ctx, o.st, outcomes)
		report.Decayed += decayed
		report.Pruned += pruned
		cycleErrs += len(errs)

		o.met.DecayEvents.Add(ctx, int64(decayed))
		o.met.PrunedItems.Add(ctx, int64(pruned))
	}

	// IndexChecking: drift is reported, never repaired in-cycle.
	o.setState(StateIndexChecking)
	if o.idx != nil {
		if rep, err := o.idx.CheckIntegrity(ctx); err != nil {
			o.log.Error("index integrity check failed", "error", err)
			cycleErrs++
		} else if !rep.Clean() {
			report.Drift = rep.Drift()
			o.bus.Publish(audit.NewEvent(audit.TypeIndexDrift, map[string]any{
				"missing":    len(rep.Missing),
				"orphaned":   len(rep.Orphaned),
				"mismatched": len(rep.Mismatched),
			}))
		}
	}

	// Close out: adapt the batch size, drop stale pending state, update
	// backlog age, and emit the audit outcome.
	o.cons.ObserveBacklog(backlog - stats.Promoted)
	o.cons.Reconcile(active)

	if oldest, ok := o.cons.OldestPending(); ok {
		report.BacklogAge = time.Since(oldest)
	}
	o.met.RecordBacklogAge(ctx, report.BacklogAge.Seconds())

	if cycleErrs > 0 || report.Failed > 0 {
		report.Outcome = "error"
	}
	report.Duration = time.Since(started)

	if o.rec != nil {
		ev := store.CycleEvent{
			CycleID:  report.CycleID,
			Outcome:  report.Outcome,
			Promoted: report.Promoted,
			Decayed:  report.Decayed,
			Pruned:   report.Pruned,
			Failed:   report.Failed,
		}
		if err := o.rec.SaveCycleEvent(ev); err != nil {
			o.log.Error("cycle event write failed", "cycle", report.CycleID, "error", err)
		}
	}
	o.bus.Publish(audit.NewEvent(audit.TypeCycleCompleted, map[string]any{
		"cycle":    report.CycleID,
		"outcome":  report.Outcome,
		"promoted": report.Promoted,
		"decayed":  report.Decayed,
		"pruned":   report.Pruned,
		"failed":   report.Failed,
	}))

	o.setState(StateIdle)
	o.log.Info("maintenance cycle complete",
		"cycle", report.CycleID,
		"outcome", report.Outcome,
		"promoted", report.Promoted,
		"decayed", report.Decayed,
		"pruned", report.Pruned,
		"failed", report.Failed,
		"backlog_age", report.BacklogAge,
		"duration", report.Duration)
	return report
}

// InitiateShutdown stops new cycles immediately, lets running work finish,
// and drains in-flight promotions within the bound. A drain that does not
// complete is a forced abort: logged as fatal and returned as
// memory.ErrShutdownTimeout, never reported as a clean shutdown.
func (o *Orchestrator) InitiateShutdown(wait time.Duration) error {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	o.setState(StateShuttingDown)
	close(o.stopCh)

	deadline := time.Now().Add(wait)

	// Join the scheduler and any cycle it is running.
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		o.cycleMu.Lock()
		o.cycleMu.Unlock()
		close(done)
	}()

	clean := true
	select {
	case <-done:
	case <-time.After(wait):
		clean = false
	}

	if clean {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		clean = o.g.WaitForAll(remaining)
	}

	if !clean {
		o.log.Error("shutdown drain timed out, forcing abort",
			"in_flight", o.g.InFlight(), "waited", wait)
		o.bus.Publish(audit.NewEvent(audit.TypeShutdownForced, map[string]any{
			"in_flight": o.g.InFlight(),
			"waited":    wait.String(),
		}))
		return fmt.Errorf("initiate shutdown: %w", memory.ErrShutdownTimeout)
	}

	o.log.Info("shutdown drain complete")
	return nil
}
