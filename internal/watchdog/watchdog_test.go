package watchdog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/tier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testWatchdog(t *testing.T, maxFast, queueMax int, timeout time.Duration) (*Watchdog, *tier.MemoryStore) {
	t.Helper()
	st := tier.NewMemoryStore()
	wd := New(st, Config{
		Limits: map[memory.Tier]Limits{
			memory.TierFast: {MaxItems: maxFast, IngestTimeout: timeout},
		},
		QueueMax: queueMax,
	}, testLogger(), nil)
	return wd, st
}

func TestAdmitAccept(t *testing.T) {
	wd, _ := testWatchdog(t, 2, 0, time.Second)

	decision, err := wd.Admit(context.Background(), memory.TierFast, 1)
	require.NoError(t, err)
	assert.Equal(t, Accept, decision)

	wd.Release(memory.TierFast, 1)
}

func TestAdmitRejectsWhenFull(t *testing.T) {
	wd, st := testWatchdog(t, 1, 0, time.Second)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, memory.NewItem("resident", 0.5)))

	decision, err := wd.Admit(ctx, memory.TierFast, 1)
	require.NoError(t, err)
	assert.Equal(t, Reject, decision)
	assert.Equal(t, int64(1), wd.Rejected())
}

func TestAdmitUnknownTier(t *testing.T) {
	wd, _ := testWatchdog(t, 1, 0, time.Second)

	_, err := wd.Admit(context.Background(), memory.TierDurable, 1)
	assert.Error(t, err)
}

func TestAdmitNonPositiveCount(t *testing.T) {
	wd, _ := testWatchdog(t, 1, 0, time.Second)

	_, err := wd.Admit(context.Background(), memory.TierFast, 0)
	assert.Error(t, err)
}

// Concurrent admissions must never jointly exceed the ceiling: the
// check-and-reserve is atomic, so at most maxItems writers get through.
func TestBurstNeverExceedsCeiling(t *testing.T) {
	const maxItems = 5
	const burst = 25

	wd, st := testWatchdog(t, maxItems, 0, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := wd.Admit(ctx, memory.TierFast, 1)
			if err != nil || decision == Reject {
				return
			}
			defer wd.Release(memory.TierFast, 1)
			_ = st.Put(ctx, memory.NewItem("burst", 0.5))
		}()
	}
	wg.Wait()

	count, err := st.Count(ctx, memory.TierFast)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, maxItems)
	assert.GreaterOrEqual(t, count, 1)
	assert.Equal(t, int64(burst-count), wd.Rejected())
}

func TestQueuedAdmissionTimesOut(t *testing.T) {
	wd, st := testWatchdog(t, 1, 4, 80*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, memory.NewItem("resident", 0.5)))

	start := time.Now()
	decision, err := wd.Admit(ctx, memory.TierFast, 1)
	require.NoError(t, err)
	assert.Equal(t, Reject, decision)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestQueuedAdmissionGetsFreedSlot(t *testing.T) {
	wd, st := testWatchdog(t, 1, 4, 2*time.Second)
	ctx := context.Background()

	resident := memory.NewItem("resident", 0.5)
	require.NoError(t, st.Put(ctx, resident))

	go func() {
		time.Sleep(60 * time.Millisecond)
		st.Delete(ctx, resident.ID)
	}()

	decision, err := wd.Admit(ctx, memory.TierFast, 1)
	require.NoError(t, err)
	assert.Equal(t, Queue, decision)
	wd.Release(memory.TierFast, 1)
}

func TestQueuedAdmissionHonorsContext(t *testing.T) {
	wd, st := testWatchdog(t, 1, 4, time.Minute)
	require.NoError(t, st.Put(context.Background(), memory.NewItem("resident", 0.5)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	decision, err := wd.Admit(ctx, memory.TierFast, 1)
	assert.Error(t, err)
	assert.Equal(t, Reject, decision)

	// A canceled wait is a failed admission and is counted like one.
	assert.Equal(t, int64(1), wd.Rejected())
}

func TestReleaseUnderflowClamped(t *testing.T) {
	wd, _ := testWatchdog(t, 1, 0, time.Second)

	wd.Release(memory.TierFast, 1)

	// A later admit still works: the reserved counter did not go negative.
	decision, err := wd.Admit(context.Background(), memory.TierFast, 1)
	require.NoError(t, err)
	assert.Equal(t, Accept, decision)
}

func TestDebugSnapshot(t *testing.T) {
	wd, st := testWatchdog(t, 10, 4, time.Second)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, memory.NewItem("a", 0.5)))
	decision, err := wd.Admit(ctx, memory.TierFast, 2)
	require.NoError(t, err)
	require.Equal(t, Accept, decision)

	snap, err := wd.DebugSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.QueueMax)
	require.Len(t, snap.Tiers, 1)
	assert.Equal(t, memory.TierFast, snap.Tiers[0].Tier)
	assert.Equal(t, 1, snap.Tiers[0].Resident)
	assert.Equal(t, 2, snap.Tiers[0].Reserved)
	assert.Equal(t, 10, snap.Tiers[0].MaxItems)

	wd.Release(memory.TierFast, 2)
}
