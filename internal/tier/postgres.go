package tier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/stratamem/stratamem/internal/memory"
)

// PostgresStore is a vector-capable backend over PostgreSQL with pgvector.
// It suits deployments where the durable tier must be shared or searched
// semantically outside the process.
type PostgresStore struct {
	pool *pgxpool.Pool
	dims int
}

// NewPostgresStore connects to the database and ensures the schema exists.
// dims sets the pgvector column width for item embeddings.
func NewPostgresStore(ctx context.Context, databaseURL string, dims int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, dims: dims}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_items (
			id           TEXT PRIMARY KEY,
			payload      TEXT NOT NULL,
			tier         TEXT NOT NULL CHECK (tier IN ('fast', 'medium', 'durable')),
			importance   DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			energy       DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			last_access  BIGINT,
			access_count INTEGER NOT NULL DEFAULT 0,
			embedding    vector(%d),
			edges        JSONB,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_items_tier ON memory_items(tier)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const pgItemColumns = `id, payload, tier, importance, energy, last_access, access_count, embedding, edges, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*memory.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgItemColumns+` FROM memory_items WHERE id = $1`, id)
	item, err := scanPGItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get item %s: %v", memory.ErrBackendUnavailable, id, err)
	}
	return item, nil
}

func (s *PostgresStore) Put(ctx context.Context, item *memory.Item) error {
	if !item.Tier.Valid() {
		return fmt.Errorf("put %s: invalid tier %q", item.ID, item.Tier)
	}

	var embedding any
	if len(item.Embedding) > 0 {
		embedding = pgvector.NewVector(toFloat32(item.Embedding))
	}

	var edges any
	if len(item.Edges) > 0 {
		b, err := json.Marshal(item.Edges)
		if err != nil {
			return fmt.Errorf("put %s: encode edges: %w", item.ID, err)
		}
		edges = b
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_items (`+pgItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			payload = EXCLUDED.payload, tier = EXCLUDED.tier,
			importance = EXCLUDED.importance, energy = EXCLUDED.energy,
			last_access = EXCLUDED.last_access, access_count = EXCLUDED.access_count,
			embedding = EXCLUDED.embedding, edges = EXCLUDED.edges,
			updated_at = EXCLUDED.updated_at
	`, item.ID, item.Payload, string(item.Tier), item.Importance, item.Energy,
		item.LastAccess, item.AccessCount, embedding, edges, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: put item %s: %v", memory.ErrBackendUnavailable, item.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM memory_items WHERE id = $1", id); err != nil {
		return fmt.Errorf("%w: delete item %s: %v", memory.ErrBackendUnavailable, id, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, tier memory.Tier, f Filter) ([]memory.Item, error) {
	query := `SELECT ` + pgItemColumns + ` FROM memory_items WHERE tier = $1 AND importance >= $2 ORDER BY importance DESC, id`
	args := []any{string(tier), f.MinImportance}
	if f.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list items: %v", memory.ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var items []memory.Item
	for rows.Next() {
		item, err := scanPGItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan item: %v", memory.ErrBackendUnavailable, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list items: %v", memory.ErrBackendUnavailable, err)
	}
	return items, nil
}

func (s *PostgresStore) Count(ctx context.Context, tier memory.Tier) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memory_items WHERE tier = $1", string(tier)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: count items: %v", memory.ErrBackendUnavailable, err)
	}
	return count, nil
}

func (s *PostgresStore) Move(ctx context.Context, id string, from, to memory.Tier) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE memory_items SET tier = $1, updated_at = $2 WHERE id = $3 AND tier = $4
	`, string(to), time.Now().UnixMilli(), id, string(from))
	if err != nil {
		return fmt.Errorf("%w: move item %s: %v", memory.ErrBackendUnavailable, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("move item %s: not resident in tier %s", id, from)
	}
	return nil
}

func (s *PostgresStore) Capabilities() Capability { return CapCRUD | CapVector }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanPGItem(row pgRow) (*memory.Item, error) {
	var it memory.Item
	var tier string
	var lastAccess *int64
	var embedding *pgvector.Vector
	var edges []byte

	err := row.Scan(&it.ID, &it.Payload, &tier, &it.Importance, &it.Energy,
		&lastAccess, &it.AccessCount, &embedding, &edges, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}

	it.Tier = memory.Tier(tier)
	it.LastAccess = lastAccess
	if embedding != nil {
		it.Embedding = toFloat64(embedding.Slice())
	}
	if len(edges) > 0 {
		if err := json.Unmarshal(edges, &it.Edges); err != nil {
			return nil, fmt.Errorf("decode edges: %w", err)
		}
	}
	return &it, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
