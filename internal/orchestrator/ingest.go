package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stratamem/stratamem/internal/audit"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/watchdog"
)

// ErrSanitizationRejected wraps a sanitizer failure on ingest.
var ErrSanitizationRejected = errors.New("payload rejected by sanitizer")

const maxPayloadBytes = 64 * 1024

// DefaultSanitizer enforces the baseline payload contract: non-empty,
// valid UTF-8, bounded size.
func DefaultSanitizer(payload string) error {
	if strings.TrimSpace(payload) == "" {
		return errors.New("empty payload")
	}
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", maxPayloadBytes)
	}
	if !utf8.ValidString(payload) {
		return errors.New("payload is not valid utf-8")
	}
	return nil
}

// Ingest admits a new item into the fast tier. The sanitizer runs first,
// then the watchdog's capacity check; rejections at either step are
// published to the audit bus. The watchdog reservation is held until the
// write commits or fails.
func (o *Orchestrator) Ingest(ctx context.Context, payload string, importance float64, edges []memory.Edge) (*memory.Item, watchdog.Decision, error) {
	if o.shuttingDown.Load() {
		return nil, watchdog.Reject, memory.ErrShuttingDown
	}

	// Importance outside [0,1] would distort promotion scoring and make the
	// item unscorable for decay, so it never enters the store.
	if math.IsNaN(importance) || importance < 0 || importance > 1 {
		err := fmt.Errorf("importance %v outside [0,1]", importance)
		o.bus.Publish(audit.NewEvent(audit.TypeSanitizationRejected, map[string]any{
			"reason": err.Error(),
		}))
		o.log.Warn("ingest rejected by sanitizer", "error", err)
		return nil, watchdog.Reject, fmt.Errorf("%w: %v", ErrSanitizationRejected, err)
	}

	if o.sanitize != nil {
		if err := o.sanitize(payload); err != nil {
			o.bus.Publish(audit.NewEvent(audit.TypeSanitizationRejected, map[string]any{
				"reason": err.Error(),
			}))
			o.log.Warn("ingest rejected by sanitizer", "error", err)
			return nil, watchdog.Reject, fmt.Errorf("%w: %v", ErrSanitizationRejected, err)
		}
	}

	decision, err := o.wd.Admit(ctx, memory.TierFast, 1)
	if err != nil {
		return nil, watchdog.Reject, fmt.Errorf("ingest: %w", err)
	}
	if decision == watchdog.Reject {
		o.bus.Publish(audit.NewEvent(audit.TypeIngestRejected, map[string]any{
			"tier": string(memory.TierFast),
		}))
		return nil, watchdog.Reject, nil
	}
	defer o.wd.Release(memory.TierFast, 1)

	it := memory.NewItem(payload, importance)
	it.Edges = edges
	if err := o.st.Put(ctx, it); err != nil {
		return nil, decision, fmt.Errorf("ingest: %w", err)
	}

	o.log.Debug("item ingested", "id", it.ID, "decision", decision.String(), "importance", importance)
	return it, decision, nil
}

// Touch records an access: the item's energy is reinforced and its access
// bookkeeping updated. Returns nil for an unknown id.
func (o *Orchestrator) Touch(ctx context.Context, id string) (*memory.Item, error) {
	it, err := o.st.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("touch %s: %w", id, err)
	}
	if it == nil {
		return nil, nil
	}

	now := time.Now()
	it.Energy = o.dec.Reinforce(it, now)
	it.AccessCount++
	ts := now.UnixMilli()
	it.LastAccess = &ts
	it.UpdatedAt = ts

	if err := o.st.Put(ctx, it); err != nil {
		return nil, fmt.Errorf("touch %s: %w", id, err)
	}
	return it, nil
}
