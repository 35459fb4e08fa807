package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stratamem/stratamem/internal/audit"
	"github.com/stratamem/stratamem/internal/config"
	"github.com/stratamem/stratamem/internal/consolidate"
	"github.com/stratamem/stratamem/internal/decay"
	"github.com/stratamem/stratamem/internal/extract"
	"github.com/stratamem/stratamem/internal/guard"
	"github.com/stratamem/stratamem/internal/index"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/orchestrator"
	"github.com/stratamem/stratamem/internal/store"
	"github.com/stratamem/stratamem/internal/tier"
	"github.com/stratamem/stratamem/internal/watchdog"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := tier.NewSQLiteStore(db)
	g := guard.New()
	bus := audit.NewBus()

	wd := watchdog.New(st, watchdog.Config{
		Limits: map[memory.Tier]watchdog.Limits{
			memory.TierFast:    {MaxItems: 100, IngestTimeout: time.Second},
			memory.TierMedium:  {MaxItems: 100, IngestTimeout: time.Second},
			memory.TierDurable: {MaxItems: 100, IngestTimeout: time.Second},
		},
		QueueMax: 4,
	}, log, nil)

	dec := decay.New(cfg.Decay, log)
	idx := index.New(db, st, extract.NewHashingExtractor("hash-v1", 8), log)
	cons := consolidate.New(st, g, wd, db, bus, cfg.Consolidation, log, nil)
	cons.SetDurableSync(idx)
	orch := orchestrator.New(st, wd, g, dec, cons, idx, bus, db, cfg.Maintenance, log, nil)

	return New(db, orch, wd, idx, "test")
}

func TestHealth(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["state"] != "idle" {
		t.Errorf("state = %v, want idle", resp["state"])
	}
}

func TestIngestAndFetch(t *testing.T) {
	srv := testServer(t)

	body := `{"payload":"remember the deploy runbook","importance":0.8}`
	req := httptest.NewRequest("POST", "/api/items", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body.String())
	}

	var created map[string]any
	json.Unmarshal(w.Body.Bytes(), &created)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("no id in response")
	}
	if created["tier"] != "fast" {
		t.Errorf("tier = %v, want fast", created["tier"])
	}
	if created["decision"] != "accept" {
		t.Errorf("decision = %v, want accept", created["decision"])
	}

	req = httptest.NewRequest("GET", "/api/items/"+id, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}
	var item memory.Item
	json.Unmarshal(w.Body.Bytes(), &item)
	if item.Payload != "remember the deploy runbook" {
		t.Errorf("payload = %q", item.Payload)
	}
	// A fetch counts as an access.
	if item.AccessCount != 1 {
		t.Errorf("access_count = %d, want 1", item.AccessCount)
	}
}

func TestIngestInvalidJSON(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("POST", "/api/items", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIngestImportanceOutOfRangeRejected(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("POST", "/api/items", strings.NewReader(`{"payload":"p","importance":5}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestIngestEmptyPayloadRejected(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("POST", "/api/items", strings.NewReader(`{"payload":"  "}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
}

func TestGetItemNotFound(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/items/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWatchdogSnapshot(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/watchdog", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var snap watchdog.Snapshot
	json.Unmarshal(w.Body.Bytes(), &snap)
	if len(snap.Tiers) != 3 {
		t.Errorf("tiers = %d, want 3", len(snap.Tiers))
	}
	if snap.QueueMax != 4 {
		t.Errorf("queue_max = %d, want 4", snap.QueueMax)
	}
}

func TestManualCycleEndpoint(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("POST", "/api/maintenance/cycle", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var report orchestrator.CycleReport
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.CycleID == "" {
		t.Error("no cycle_id in report")
	}
	if report.Outcome != "ok" {
		t.Errorf("outcome = %q, want ok", report.Outcome)
	}

	// The cycle was persisted.
	req = httptest.NewRequest("GET", "/api/maintenance/cycles", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("cycles status = %d, want 200", w.Code)
	}
	var resp struct {
		Cycles []store.CycleEvent `json:"cycles"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Cycles) != 1 {
		t.Errorf("cycles = %d, want 1", len(resp.Cycles))
	}
}

func TestRecentCyclesBadLimit(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/maintenance/cycles?limit=-1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestIntegrityAndReindex(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/index/integrity", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var report index.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if !report.Clean() {
		t.Errorf("expected clean report, got %+v", report)
	}

	req = httptest.NewRequest("POST", "/api/index/reindex", strings.NewReader(`{"batch_size":8}`))
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("reindex status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	var result map[string]any
	json.Unmarshal(w.Body.Bytes(), &result)
	if result["repaired"] != float64(0) {
		t.Errorf("repaired = %v, want 0", result["repaired"])
	}
}
