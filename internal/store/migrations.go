package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memory_items: tiered memory records",
		SQL: `
CREATE TABLE memory_items (
    id             TEXT PRIMARY KEY,
    payload        TEXT NOT NULL,
    tier           TEXT NOT NULL CHECK (tier IN ('fast', 'medium', 'durable')),

    -- Scoring state
    importance     REAL NOT NULL DEFAULT 0.5,
    energy         REAL NOT NULL DEFAULT 1.0,
    last_access    INTEGER,
    access_count   INTEGER NOT NULL DEFAULT 0,

    -- Derived features and relationships
    embedding      BLOB,
    edges          TEXT,

    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL
);

CREATE INDEX idx_items_tier   ON memory_items(tier);
CREATE INDEX idx_items_energy ON memory_items(energy);
`,
	},
	{
		Version:     2,
		Description: "promotion_records: audit trail of completed moves",
		SQL: `
CREATE TABLE promotion_records (
    id         INTEGER PRIMARY KEY,
    item_id    TEXT NOT NULL,
    from_tier  TEXT NOT NULL,
    to_tier    TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_promo_item    ON promotion_records(item_id);
CREATE INDEX idx_promo_created ON promotion_records(created_at DESC);
`,
	},
	{
		Version:     3,
		Description: "cycle_events: per-cycle maintenance outcomes",
		SQL: `
CREATE TABLE cycle_events (
    id         INTEGER PRIMARY KEY,
    cycle_id   TEXT NOT NULL UNIQUE,
    outcome    TEXT NOT NULL CHECK (outcome IN ('ok', 'error')),
    promoted   INTEGER NOT NULL DEFAULT 0,
    decayed    INTEGER NOT NULL DEFAULT 0,
    pruned     INTEGER NOT NULL DEFAULT 0,
    failed     INTEGER NOT NULL DEFAULT 0,
    detail     TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_cycle_created ON cycle_events(created_at DESC);
`,
	},
	{
		Version:     4,
		Description: "index_entries: derived search index with generations for shadow swaps",
		SQL: `
CREATE TABLE index_entries (
    item_id    TEXT NOT NULL,
    generation INTEGER NOT NULL,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (item_id, generation)
);

CREATE TABLE index_meta (
    id                INTEGER PRIMARY KEY CHECK (id = 1),
    active_generation INTEGER NOT NULL
);

INSERT INTO index_meta (id, active_generation) VALUES (1, 1);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
