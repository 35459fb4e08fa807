package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// IndexEntry holds a derived-index projection of a durable memory item.
// Entries are namespaced by generation so a shadow index can be built
// alongside the active one during a backing-model swap.
type IndexEntry struct {
	ItemID     string
	Generation int64
	Embedding  []float64
	Model      string
	Dimensions int
	CreatedAt  int64
}

// encodeVector converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeVector(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeVector converts a binary BLOB back to []float64.
func decodeVector(buf []byte) []float64 {
	n := len(buf) / 8
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// ActiveGeneration returns the generation the derived index currently reads from.
func (db *DB) ActiveGeneration() (int64, error) {
	var gen int64
	err := db.QueryRow("SELECT active_generation FROM index_meta WHERE id = 1").Scan(&gen)
	if err != nil {
		return 0, fmt.Errorf("active generation: %w", err)
	}
	return gen, nil
}

// SaveIndexEntry stores or replaces the index entry for an item in a generation.
func (db *DB) SaveIndexEntry(gen int64, itemID string, embedding []float64, model string) error {
	now := time.Now().UnixMilli()
	blob := encodeVector(embedding)

	_, err := db.Exec(`
		INSERT INTO index_entries (item_id, generation, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id, generation) DO UPDATE SET
			embedding = excluded.embedding, model = excluded.model,
			dimensions = excluded.dimensions, created_at = excluded.created_at
	`, itemID, gen, blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save index entry: %w", err)
	}
	return nil
}

// GetIndexEntry returns the entry for an item in a generation, or nil if absent.
func (db *DB) GetIndexEntry(gen int64, itemID string) (*IndexEntry, error) {
	var e IndexEntry
	var blob []byte

	err := db.QueryRow(`
		SELECT item_id, generation, embedding, model, dimensions, created_at
		FROM index_entries WHERE item_id = ? AND generation = ?
	`, itemID, gen).Scan(&e.ItemID, &e.Generation, &blob, &e.Model, &e.Dimensions, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get index entry: %w", err)
	}
	e.Embedding = decodeVector(blob)
	return &e, nil
}

// AllIndexEntries returns every entry in a generation.
func (db *DB) AllIndexEntries(gen int64) ([]IndexEntry, error) {
	rows, err := db.Query(`
		SELECT item_id, generation, embedding, model, dimensions, created_at
		FROM index_entries WHERE generation = ?
	`, gen)
	if err != nil {
		return nil, fmt.Errorf("all index entries: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		var e IndexEntry
		var blob []byte
		if err := rows.Scan(&e.ItemID, &e.Generation, &blob, &e.Model, &e.Dimensions, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		e.Embedding = decodeVector(blob)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountIndexEntries returns the number of entries in a generation.
func (db *DB) CountIndexEntries(gen int64) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM index_entries WHERE generation = ?", gen).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count index entries: %w", err)
	}
	return count, nil
}

// DeleteIndexEntry removes the entry for an item in a generation.
func (db *DB) DeleteIndexEntry(gen int64, itemID string) error {
	_, err := db.Exec("DELETE FROM index_entries WHERE item_id = ? AND generation = ?", itemID, gen)
	if err != nil {
		return fmt.Errorf("delete index entry: %w", err)
	}
	return nil
}

// PromoteGeneration atomically retargets reads to a new generation and drops
// the previous one. The old generation stays queryable until the single
// UPDATE commits, so there is no read-availability gap.
func (db *DB) PromoteGeneration(newGen int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("promote generation: %w", err)
	}

	var oldGen int64
	if err := tx.QueryRow("SELECT active_generation FROM index_meta WHERE id = 1").Scan(&oldGen); err != nil {
		tx.Rollback()
		return fmt.Errorf("promote generation: read active: %w", err)
	}

	if _, err := tx.Exec("UPDATE index_meta SET active_generation = ? WHERE id = 1", newGen); err != nil {
		tx.Rollback()
		return fmt.Errorf("promote generation: retarget: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM index_entries WHERE generation = ?", oldGen); err != nil {
		tx.Rollback()
		return fmt.Errorf("promote generation: drop old: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("promote generation: commit: %w", err)
	}
	return nil
}
