package store

import (
	"testing"

	"github.com/stratamem/stratamem/internal/memory"
)

func TestPromotionRecords(t *testing.T) {
	db := testDB(t)

	recs := []memory.PromotionRecord{
		{ItemID: "a", From: memory.TierFast, To: memory.TierMedium, Timestamp: 100, Outcome: "success"},
		{ItemID: "a", From: memory.TierMedium, To: memory.TierDurable, Timestamp: 200, Outcome: "success"},
		{ItemID: "b", From: memory.TierFast, To: memory.TierMedium, Timestamp: 150, Outcome: "success"},
	}
	for _, rec := range recs {
		if err := db.SavePromotionRecord(rec); err != nil {
			t.Fatalf("SavePromotionRecord: %v", err)
		}
	}

	got, err := db.PromotionRecords("a")
	if err != nil {
		t.Fatalf("PromotionRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Timestamp != 100 || got[1].Timestamp != 200 {
		t.Errorf("not oldest first: %d, %d", got[0].Timestamp, got[1].Timestamp)
	}
	if got[1].To != memory.TierDurable {
		t.Errorf("to = %s, want durable", got[1].To)
	}
}

func TestCycleEvents(t *testing.T) {
	db := testDB(t)

	events := []CycleEvent{
		{CycleID: "c1", Outcome: "ok", Promoted: 3, CreatedAt: 100},
		{CycleID: "c2", Outcome: "error", Failed: 1, CreatedAt: 200},
		{CycleID: "c3", Outcome: "ok", Decayed: 7, CreatedAt: 300},
	}
	for _, ev := range events {
		if err := db.SaveCycleEvent(ev); err != nil {
			t.Fatalf("SaveCycleEvent: %v", err)
		}
	}

	got, err := db.RecentCycleEvents(2)
	if err != nil {
		t.Fatalf("RecentCycleEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].CycleID != "c3" || got[1].CycleID != "c2" {
		t.Errorf("not newest first: %s, %s", got[0].CycleID, got[1].CycleID)
	}
}

func TestCycleEventDuplicateID(t *testing.T) {
	db := testDB(t)

	ev := CycleEvent{CycleID: "dup", Outcome: "ok"}
	if err := db.SaveCycleEvent(ev); err != nil {
		t.Fatalf("SaveCycleEvent: %v", err)
	}
	if err := db.SaveCycleEvent(ev); err == nil {
		t.Error("expected unique constraint failure on duplicate cycle_id")
	}
}
