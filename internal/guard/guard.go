// Package guard provides per-item mutual exclusion for cross-tier moves.
// It is the sole concurrency-safety mechanism for promotions: the tier
// store stays simple and the consolidation engine requests serialization
// here, one item id at a time.
package guard

import (
	"sync"
	"time"

	"github.com/stratamem/stratamem/internal/memory"
)

// Token proves a successful acquire. Releasing a token twice is a no-op.
type Token struct {
	id       string
	released bool
}

// ItemID returns the item the token covers.
func (t *Token) ItemID() string { return t.id }

// Guard tracks item ids currently undergoing promotion.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
	// emptyCh is closed when the registry drains; recreated lazily by waiters.
	emptyCh chan struct{}
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{inflight: make(map[string]struct{})}
}

// Acquire claims exclusive promotion rights for an item. A second concurrent
// acquire for the same id fails fast with memory.ErrAlreadyInFlight; the
// caller defers that candidate to a later cycle rather than blocking.
func (g *Guard) Acquire(id string) (*Token, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inflight[id]; busy {
		return nil, memory.ErrAlreadyInFlight
	}
	g.inflight[id] = struct{}{}
	return &Token{id: id}, nil
}

// Release returns the item to the idle set. Safe to call on any outcome path.
func (g *Guard) Release(tok *Token) {
	if tok == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if tok.released {
		return
	}
	tok.released = true
	delete(g.inflight, tok.id)

	if len(g.inflight) == 0 && g.emptyCh != nil {
		close(g.emptyCh)
		g.emptyCh = nil
	}
}

// InFlight returns the number of items currently being promoted.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// WaitForAll blocks until the registry is empty or the timeout elapses.
// It returns true only when the drain completed cleanly.
func (g *Guard) WaitForAll(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for {
		g.mu.Lock()
		if len(g.inflight) == 0 {
			g.mu.Unlock()
			return true
		}
		if g.emptyCh == nil {
			g.emptyCh = make(chan struct{})
		}
		ch := g.emptyCh
		g.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			// Re-check: a new acquire may have slipped in after the close.
		case <-timer.C:
			return false
		}
	}
}
