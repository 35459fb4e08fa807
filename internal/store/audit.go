package store

import (
	"fmt"
	"time"

	"github.com/stratamem/stratamem/internal/memory"
)

// SavePromotionRecord appends an immutable record of a completed move.
func (db *DB) SavePromotionRecord(rec memory.PromotionRecord) error {
	_, err := db.Exec(`
		INSERT INTO promotion_records (item_id, from_tier, to_tier, outcome, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ItemID, string(rec.From), string(rec.To), rec.Outcome, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("save promotion record: %w", err)
	}
	return nil
}

// PromotionRecords returns the audit trail for one item, oldest first.
func (db *DB) PromotionRecords(itemID string) ([]memory.PromotionRecord, error) {
	rows, err := db.Query(`
		SELECT item_id, from_tier, to_tier, outcome, created_at
		FROM promotion_records WHERE item_id = ? ORDER BY created_at, id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("promotion records: %w", err)
	}
	defer rows.Close()

	var records []memory.PromotionRecord
	for rows.Next() {
		var rec memory.PromotionRecord
		var from, to string
		if err := rows.Scan(&rec.ItemID, &from, &to, &rec.Outcome, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan promotion record: %w", err)
		}
		rec.From = memory.Tier(from)
		rec.To = memory.Tier(to)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CycleEvent is the persisted outcome of one maintenance cycle.
type CycleEvent struct {
	CycleID   string
	Outcome   string
	Promoted  int
	Decayed   int
	Pruned    int
	Failed    int
	Detail    string
	CreatedAt int64
}

// SaveCycleEvent records a completed maintenance cycle.
func (db *DB) SaveCycleEvent(ev CycleEvent) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO cycle_events (cycle_id, outcome, promoted, decayed, pruned, failed, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.CycleID, ev.Outcome, ev.Promoted, ev.Decayed, ev.Pruned, ev.Failed, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("save cycle event: %w", err)
	}
	return nil
}

// RecentCycleEvents returns the most recent cycle outcomes, newest first.
func (db *DB) RecentCycleEvents(limit int) ([]CycleEvent, error) {
	rows, err := db.Query(`
		SELECT cycle_id, outcome, promoted, decayed, pruned, failed, detail, created_at
		FROM cycle_events ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent cycle events: %w", err)
	}
	defer rows.Close()

	var events []CycleEvent
	for rows.Next() {
		var ev CycleEvent
		if err := rows.Scan(&ev.CycleID, &ev.Outcome, &ev.Promoted, &ev.Decayed,
			&ev.Pruned, &ev.Failed, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cycle event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
