package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stratamem/stratamem/internal/memory"
)

const itemColumns = `id, payload, tier, importance, energy, last_access, access_count, embedding, edges, created_at, updated_at`

// PutItem inserts or replaces a memory item. The write is atomic with
// respect to the single item.
func (db *DB) PutItem(item *memory.Item) error {
	edges, err := encodeEdges(item.Edges)
	if err != nil {
		return fmt.Errorf("put item %s: %w", item.ID, err)
	}

	var embedding []byte
	if len(item.Embedding) > 0 {
		embedding = encodeVector(item.Embedding)
	}

	var lastAccess any
	if item.LastAccess != nil {
		lastAccess = *item.LastAccess
	}

	_, err = db.Exec(`
		INSERT INTO memory_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload, tier = excluded.tier,
			importance = excluded.importance, energy = excluded.energy,
			last_access = excluded.last_access, access_count = excluded.access_count,
			embedding = excluded.embedding, edges = excluded.edges,
			updated_at = excluded.updated_at
	`, item.ID, item.Payload, string(item.Tier), item.Importance, item.Energy,
		lastAccess, item.AccessCount, embedding, edges, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem returns an item by id, or nil if not found.
func (db *DB) GetItem(id string) (*memory.Item, error) {
	row := db.QueryRow(`SELECT `+itemColumns+` FROM memory_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

// DeleteItem removes an item by id. Deleting a missing item is not an error.
func (db *DB) DeleteItem(id string) error {
	if _, err := db.Exec("DELETE FROM memory_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	return nil
}

// ListItems returns all items in a tier, highest importance first.
// A limit of 0 means no limit.
func (db *DB) ListItems(tier memory.Tier, minImportance float64, limit int) ([]memory.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM memory_items WHERE tier = ? AND importance >= ? ORDER BY importance DESC, id`
	args := []any{string(tier), minImportance}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// CountItems returns the committed resident count for a tier.
func (db *DB) CountItems(tier memory.Tier) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM memory_items WHERE tier = ?", string(tier)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return count, nil
}

// MoveItem reassigns an item to a new tier in a single statement. The update
// only applies while the item is still resident in the expected source tier,
// so a concurrent move cannot double-apply.
func (db *DB) MoveItem(id string, from, to memory.Tier) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE memory_items SET tier = ?, updated_at = ? WHERE id = ? AND tier = ?
	`, string(to), now, id, string(from))
	if err != nil {
		return fmt.Errorf("move item %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("move item %s: not resident in tier %s", id, from)
	}
	return nil
}

// TouchItem records an access: bumps access_count, sets last_access, and
// stores the reinforced energy computed by the caller.
func (db *DB) TouchItem(id string, energy float64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE memory_items SET last_access = ?, access_count = access_count + 1, energy = ?
		WHERE id = ?
	`, now, energy, id)
	if err != nil {
		return fmt.Errorf("touch item %s: %w", id, err)
	}
	return nil
}

// UpdateEnergy stores a decayed energy value for an item.
func (db *DB) UpdateEnergy(id string, energy float64) error {
	if _, err := db.Exec("UPDATE memory_items SET energy = ? WHERE id = ?", energy, id); err != nil {
		return fmt.Errorf("update energy %s: %w", id, err)
	}
	return nil
}

func encodeEdges(edges []memory.Edge) (string, error) {
	if len(edges) == 0 {
		return "", nil
	}
	b, err := json.Marshal(edges)
	if err != nil {
		return "", fmt.Errorf("encode edges: %w", err)
	}
	return string(b), nil
}

func decodeEdges(s string) ([]memory.Edge, error) {
	if s == "" {
		return nil, nil
	}
	var edges []memory.Edge
	if err := json.Unmarshal([]byte(s), &edges); err != nil {
		return nil, fmt.Errorf("decode edges: %w", err)
	}
	return edges, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*memory.Item, error) {
	var it memory.Item
	var tier string
	var lastAccess sql.NullInt64
	var embedding []byte
	var edges sql.NullString

	err := row.Scan(&it.ID, &it.Payload, &tier, &it.Importance, &it.Energy,
		&lastAccess, &it.AccessCount, &embedding, &edges, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}

	it.Tier = memory.Tier(tier)
	if lastAccess.Valid {
		it.LastAccess = &lastAccess.Int64
	}
	if len(embedding) > 0 {
		it.Embedding = decodeVector(embedding)
	}
	if edges.Valid {
		decoded, err := decodeEdges(edges.String)
		if err != nil {
			return nil, err
		}
		it.Edges = decoded
	}
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]memory.Item, error) {
	var items []memory.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}
