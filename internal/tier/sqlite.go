package tier

import (
	"context"
	"fmt"

	"github.com/stratamem/stratamem/internal/memory"
	"github.com/stratamem/stratamem/internal/store"
)

// SQLiteStore adapts the sqlite store to the tier Store contract.
// The underlying DB is shared with the audit trail and the derived index,
// so its lifetime is owned by the caller, not by this adapter.
type SQLiteStore struct {
	db *store.DB
}

// NewSQLiteStore wraps an open sqlite DB.
func NewSQLiteStore(db *store.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*memory.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	item, err := s.db.GetItem(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrBackendUnavailable, err)
	}
	return item, nil
}

func (s *SQLiteStore) Put(ctx context.Context, item *memory.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !item.Tier.Valid() {
		return fmt.Errorf("put %s: invalid tier %q", item.ID, item.Tier)
	}
	if err := s.db.PutItem(item); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DeleteItem(id); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, tier memory.Tier, f Filter) ([]memory.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := s.db.ListItems(tier, f.MinImportance, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", memory.ErrBackendUnavailable, err)
	}
	return items, nil
}

func (s *SQLiteStore) Count(ctx context.Context, tier memory.Tier) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.db.CountItems(tier)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", memory.ErrBackendUnavailable, err)
	}
	return n, nil
}

func (s *SQLiteStore) Move(ctx context.Context, id string, from, to memory.Tier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// A single conditional UPDATE: the tier column flips only while the item
	// is still resident in the source tier.
	if err := s.db.MoveItem(id, from, to); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Capabilities() Capability { return CapCRUD | CapVector }

func (s *SQLiteStore) Close() error { return nil }
