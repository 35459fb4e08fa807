package memory

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Tier is a memory residency class. Items always belong to exactly one tier.
type Tier string

const (
	TierFast    Tier = "fast"
	TierMedium  Tier = "medium"
	TierDurable Tier = "durable"
)

// Tiers lists all tiers from shortest-lived to longest-lived.
var Tiers = []Tier{TierFast, TierMedium, TierDurable}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierFast || t == TierMedium || t == TierDurable
}

// Next returns the next longer-lived tier, or false if t is terminal.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierFast:
		return TierMedium, true
	case TierMedium:
		return TierDurable, true
	default:
		return "", false
	}
}

// ParseTier converts a config/API string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Edge is a typed relationship to another item.
type Edge struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// Item is a single memory record. Timestamps are unix milliseconds.
type Item struct {
	ID          string    `json:"id"`
	Payload     string    `json:"payload"`
	Tier        Tier      `json:"tier"`
	Importance  float64   `json:"importance"` // 0..1, externally supplied
	Energy      float64   `json:"energy"`     // reinforcement energy, decays over time
	AccessCount int       `json:"access_count"`
	LastAccess  *int64    `json:"last_access,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
	Embedding   []float64 `json:"embedding,omitempty"`
	Edges       []Edge    `json:"edges,omitempty"`
}

// NewItem creates a fast-tier item with full energy.
func NewItem(payload string, importance float64) *Item {
	now := time.Now().UnixMilli()
	return &Item{
		ID:         ulid.Make().String(),
		Payload:    payload,
		Tier:       TierFast,
		Importance: importance,
		Energy:     1.0,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// RefTime returns the timestamp decay is measured from: the last access
// if there was one, otherwise creation.
func (it *Item) RefTime() int64 {
	if it.LastAccess != nil {
		return *it.LastAccess
	}
	return it.CreatedAt
}

// Protected reports whether the item has relationship edges that exempt
// it from pruning when its energy crosses the forgetting threshold.
func (it *Item) Protected() bool {
	return len(it.Edges) > 0
}

// Clone returns a deep copy. Promotion mutates the copy, never the original,
// so a failed move leaves the source item untouched.
func (it *Item) Clone() *Item {
	c := *it
	if it.LastAccess != nil {
		la := *it.LastAccess
		c.LastAccess = &la
	}
	if it.Embedding != nil {
		c.Embedding = append([]float64(nil), it.Embedding...)
	}
	if it.Edges != nil {
		c.Edges = append([]Edge(nil), it.Edges...)
	}
	return &c
}

// Candidate is a promotion candidate produced during a maintenance cycle.
// Candidates live only for the cycle that produced them.
type Candidate struct {
	ItemID    string
	From      Tier
	To        Tier
	Score     float64
	ScannedAt int64
}

// PromotionRecord is the immutable audit record of a completed move.
type PromotionRecord struct {
	ItemID    string `json:"item_id"`
	From      Tier   `json:"from"`
	To        Tier   `json:"to"`
	Timestamp int64  `json:"timestamp"`
	Outcome   string `json:"outcome"` // "success" or failure reason
}
