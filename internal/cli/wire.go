package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/stratamem/stratamem/internal/audit"
	"github.com/stratamem/stratamem/internal/config"
	"github.com/stratamem/stratamem/internal/consolidate"
	"github.com/stratamem/stratamem/internal/decay"
	"github.com/stratamem/stratamem/internal/extract"
	"github.com/stratamem/stratamem/internal/guard"
	"github.com/stratamem/stratamem/internal/index"
	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/metrics"
	"github.com/stratamem/stratamem/internal/orchestrator"
	"github.com/stratamem/stratamem/internal/store"
	"github.com/stratamem/stratamem/internal/tier"
	"github.com/stratamem/stratamem/internal/watchdog"
)

// stack is the fully wired maintenance core, shared by the serve and
// one-shot commands.
type stack struct {
	cfg  config.Config
	log  *slog.Logger
	db   *store.DB
	ts   tier.Store
	wd   *watchdog.Watchdog
	idx  *index.Maintenance
	bus  *audit.Bus
	orch *orchestrator.Orchestrator
}

func (s *stack) close() {
	s.ts.Close()
	s.db.Close()
}

// buildStack loads configuration and wires every component. The sqlite
// database is always opened: it carries the audit trail and the derived
// index even when the tier backend is memory or postgres.
func buildStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	dbPath := flagDB
	if dbPath == "" {
		dbPath = cfg.Database.Path
	}
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var ts tier.Store
	switch cfg.Database.Backend {
	case "memory":
		ts = tier.NewMemoryStore()
	case "postgres":
		ts, err = tier.NewPostgresStore(ctx, cfg.Database.URL, cfg.Index.Dimensions)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open postgres backend: %w", err)
		}
	default:
		ts = tier.NewSQLiteStore(db)
	}

	met := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		met, err = metrics.New(otel.GetMeterProvider())
		if err != nil {
			ts.Close()
			db.Close()
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	wdCfg := watchdog.Config{
		Limits:   make(map[memory.Tier]watchdog.Limits, len(cfg.ResourceLimits.Tier)),
		QueueMax: cfg.IngestQueueMax,
	}
	for name, lim := range cfg.ResourceLimits.Tier {
		t, err := memory.ParseTier(name)
		if err != nil {
			ts.Close()
			db.Close()
			return nil, fmt.Errorf("resource limits: %w", err)
		}
		wdCfg.Limits[t] = watchdog.Limits{
			MaxItems:      lim.MaxItems,
			IngestTimeout: time.Duration(lim.IngestTimeout) * time.Second,
		}
	}

	ex, err := extract.New(extract.Spec{
		Model:      cfg.Index.Model,
		Dimensions: cfg.Index.Dimensions,
		URL:        cfg.Index.ExtractorURL,
	})
	if err != nil {
		ts.Close()
		db.Close()
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	g := guard.New()
	bus := audit.NewBus()
	wd := watchdog.New(ts, wdCfg, log, met)
	dec := decay.New(cfg.Decay, log)
	idx := index.New(db, ts, ex, log)
	cons := consolidate.New(ts, g, wd, db, bus, cfg.Consolidation, log, met)
	cons.SetDurableSync(idx)
	orch := orchestrator.New(ts, wd, g, dec, cons, idx, bus, db, cfg.Maintenance, log, met)

	return &stack{
		cfg:  cfg,
		log:  log,
		db:   db,
		ts:   ts,
		wd:   wd,
		idx:  idx,
		bus:  bus,
		orch: orch,
	}, nil
}
