package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem/internal/audit"
	"github.com/stratamem/stratamem/internal/config"
	"github.com/stratamem/stratamem/internal/consolidate"
	"github.com/stratamem/stratamem/internal/decay"
	"github.com/stratamem/stratamem/internal/extract"
	"github.com/stratamem/stratamem/internal/guard"
	"github.com/stratamem/stratamem/internal/index"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/store"
	"github.com/stratamem/stratamem/internal/tier"
	"github.com/stratamem/stratamem/internal/watchdog"
)

type harness struct {
	orch *Orchestrator
	st   tier.Store
	db   *store.DB
	g    *guard.Guard
	bus  *audit.Bus
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Consolidation.RetryMinDelay = 1
	cfg.Consolidation.RetryMaxDelay = 10
	cfg.ResourceLimits.Tier = map[string]config.TierLimit{
		"fast":    {MaxItems: 100, IngestTimeout: 1},
		"medium":  {MaxItems: 100, IngestTimeout: 1},
		"durable": {MaxItems: 100, IngestTimeout: 1},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := tier.NewMemoryStore()
	g := guard.New()
	bus := audit.NewBus()

	wdCfg := watchdog.Config{
		Limits:   make(map[memory.Tier]watchdog.Limits),
		QueueMax: cfg.IngestQueueMax,
	}
	for name, lim := range cfg.ResourceLimits.Tier {
		tr, err := memory.ParseTier(name)
		require.NoError(t, err)
		wdCfg.Limits[tr] = watchdog.Limits{
			MaxItems:      lim.MaxItems,
			IngestTimeout: time.Duration(lim.IngestTimeout) * time.Second,
		}
	}
	wd := watchdog.New(st, wdCfg, log, nil)

	dec := decay.New(cfg.Decay, log)
	idx := index.New(db, st, extract.NewHashingExtractor("hash-v1", 8), log)
	cons := consolidate.New(st, g, wd, db, bus, cfg.Consolidation, log, nil)
	cons.SetDurableSync(idx)

	orch := New(st, wd, g, dec, cons, idx, bus, db, cfg.Maintenance, log, nil)
	return &harness{orch: orch, st: st, db: db, g: g, bus: bus}
}

func TestIngestAccepted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	it, decision, err := h.orch.Ingest(ctx, "remember this", 0.7, nil)
	require.NoError(t, err)
	assert.Equal(t, watchdog.Accept, decision)
	require.NotNil(t, it)

	got, err := h.st.Get(ctx, it.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, memory.TierFast, got.Tier)
	assert.Equal(t, 1.0, got.Energy)
}

func TestIngestSanitizerRejects(t *testing.T) {
	h := newHarness(t, nil)

	events, cancel := h.bus.Subscribe(4)
	defer cancel()

	_, _, err := h.orch.Ingest(context.Background(), "   ", 0.5, nil)
	assert.ErrorIs(t, err, ErrSanitizationRejected)

	select {
	case ev := <-events:
		assert.Equal(t, audit.TypeSanitizationRejected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no sanitization event")
	}
}

func TestIngestCapacityReject(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.ResourceLimits.Tier["fast"] = config.TierLimit{MaxItems: 1, IngestTimeout: 1}
		c.IngestQueueMax = 0
	})
	ctx := context.Background()

	events, cancel := h.bus.Subscribe(4)
	defer cancel()

	_, decision, err := h.orch.Ingest(ctx, "first", 0.5, nil)
	require.NoError(t, err)
	require.Equal(t, watchdog.Accept, decision)

	it, decision, err := h.orch.Ingest(ctx, "second", 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, watchdog.Reject, decision)
	assert.Nil(t, it)

	select {
	case ev := <-events:
		assert.Equal(t, audit.TypeIngestRejected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}
}

func TestTouchReinforces(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	it := memory.NewItem("p", 0.5)
	it.Energy = 0.4
	it.CreatedAt = time.Now().Add(-72 * time.Hour).UnixMilli()
	require.NoError(t, h.st.Put(ctx, it))

	got, err := h.orch.Touch(ctx, it.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Greater(t, got.Energy, 0.4)
	assert.Equal(t, 1, got.AccessCount)
	assert.NotNil(t, got.LastAccess)

	missing, err := h.orch.Touch(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestManualCyclePromotesAndRecords(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	it := memory.NewItem("hot item", 0.9)
	require.NoError(t, h.st.Put(ctx, it))

	report, err := h.orch.RunManualCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", report.Outcome)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, StateIdle, h.orch.State())

	got, _ := h.st.Get(ctx, it.ID)
	assert.Equal(t, memory.TierMedium, got.Tier)

	events, err := h.db.RecentCycleEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, report.CycleID, events[0].CycleID)
	assert.Equal(t, 1, events[0].Promoted)

	last, ok := h.orch.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.CycleID, last.CycleID)
}

// With more eligible candidates than the batch admits, the trimmed
// remainder is still a backlog and the cycle reports a non-zero age.
func TestBacklogAgeCountsTrimmedCandidates(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Consolidation.BatchSize = 1
		c.Consolidation.BatchCeiling = 1
	})
	ctx := context.Background()

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, h.st.Put(ctx, memory.NewItem(p, 0.9)))
	}

	report, err := h.orch.RunManualCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)
	assert.Greater(t, report.BacklogAge, time.Duration(0))

	// Later cycles drain the remainder and the backlog age clears with it.
	_, err = h.orch.RunManualCycle(ctx)
	require.NoError(t, err)
	report, err = h.orch.RunManualCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), report.BacklogAge)
}

func TestIngestImportanceOutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	events, cancel := h.bus.Subscribe(8)
	defer cancel()

	for _, importance := range []float64{-0.1, 1.5, math.NaN()} {
		it, _, err := h.orch.Ingest(ctx, "payload", importance, nil)
		assert.ErrorIs(t, err, ErrSanitizationRejected)
		assert.Nil(t, it)

		select {
		case ev := <-events:
			assert.Equal(t, audit.TypeSanitizationRejected, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("no sanitization event")
		}
	}

	items, err := h.st.List(ctx, memory.TierFast, tier.Filter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

// A high-importance item climbs one tier per cycle, never skipping, and
// arrives in durable with an index entry and a full audit trail.
func TestSequentialPromotionToDurable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	it := memory.NewItem("keeper", 0.95)
	require.NoError(t, h.st.Put(ctx, it))

	_, err := h.orch.RunManualCycle(ctx)
	require.NoError(t, err)
	got, _ := h.st.Get(ctx, it.ID)
	require.Equal(t, memory.TierMedium, got.Tier)

	_, err = h.orch.RunManualCycle(ctx)
	require.NoError(t, err)
	got, _ = h.st.Get(ctx, it.ID)
	require.Equal(t, memory.TierDurable, got.Tier)

	recs, err := h.db.PromotionRecords(it.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, memory.TierFast, recs[0].From)
	assert.Equal(t, memory.TierMedium, recs[0].To)
	assert.Equal(t, memory.TierMedium, recs[1].From)
	assert.Equal(t, memory.TierDurable, recs[1].To)

	entry, err := h.db.GetIndexEntry(1, it.ID)
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestCyclePrunesDecayedItems(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Decay.PassiveHalfLife = 1
	})
	ctx := context.Background()

	stale := memory.NewItem("stale", 0)
	stale.CreatedAt = time.Now().Add(-time.Minute).UnixMilli()
	stale.UpdatedAt = stale.CreatedAt
	require.NoError(t, h.st.Put(ctx, stale))

	report, err := h.orch.RunManualCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)

	got, _ := h.st.Get(ctx, stale.ID)
	assert.Nil(t, got)
}

func TestCycleSingleFlight(t *testing.T) {
	h := newHarness(t, nil)

	h.orch.cycleMu.Lock()
	_, err := h.orch.RunManualCycle(context.Background())
	h.orch.cycleMu.Unlock()

	assert.ErrorIs(t, err, memory.ErrCycleInProgress)
}

func TestShutdownDrainsInFlight(t *testing.T) {
	h := newHarness(t, nil)

	var toks []*guard.Token
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		tok, err := h.g.Acquire(id)
		require.NoError(t, err)
		toks = append(toks, tok)
	}

	for _, tok := range toks {
		tok := tok
		go func() {
			time.Sleep(30 * time.Millisecond)
			h.g.Release(tok)
		}()
	}

	err := h.orch.InitiateShutdown(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateShuttingDown, h.orch.State())

	// Shutdown is terminal: cycles and ingest refuse.
	_, err = h.orch.RunManualCycle(context.Background())
	assert.ErrorIs(t, err, memory.ErrShuttingDown)
	_, _, err = h.orch.Ingest(context.Background(), "late", 0.5, nil)
	assert.ErrorIs(t, err, memory.ErrShuttingDown)

	// Repeated shutdown is a no-op.
	assert.NoError(t, h.orch.InitiateShutdown(time.Second))
}

func TestShutdownTimesOutOnStuckWork(t *testing.T) {
	h := newHarness(t, nil)

	events, cancel := h.bus.Subscribe(4)
	defer cancel()

	tok, err := h.g.Acquire("stuck")
	require.NoError(t, err)
	defer h.g.Release(tok)

	err = h.orch.InitiateShutdown(50 * time.Millisecond)
	assert.ErrorIs(t, err, memory.ErrShutdownTimeout)

	select {
	case ev := <-events:
		assert.Equal(t, audit.TypeShutdownForced, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no forced-shutdown event")
	}
}
