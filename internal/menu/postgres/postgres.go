// Package postgres implements a PostgreSQL-backed menu store. Each session
// loads a restaurant-scoped snapshot at configuration time; the snapshot is
// never refreshed mid-session.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/platevoice/platevoice/internal/menu"
)

// ErrRestaurantNotFound is returned when a restaurant has no menu rows.
var ErrRestaurantNotFound = errors.New("postgres: restaurant not found")

// ErrItemNotFound is returned when an availability update names an unknown
// item.
var ErrItemNotFound = errors.New("postgres: menu item not found")

// Schema is the SQL DDL for the menu_items table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS menu_items (
    id            TEXT PRIMARY KEY,
    restaurant_id TEXT NOT NULL,
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    category      TEXT NOT NULL DEFAULT '',
    price_cents   BIGINT NOT NULL,
    modifiers     JSONB NOT NULL DEFAULT '[]',
    available     BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_menu_items_restaurant ON menu_items(restaurant_id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store loads menu snapshots from PostgreSQL.
type Store struct {
	db  DB
	now func() time.Time
}

// NewStore creates a [Store] using the given connection or pool. The caller
// is responsible for calling [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate executes the [Schema] DDL, creating the menu_items table and index
// if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Snapshot loads the current available menu for one restaurant. The returned
// snapshot is validated; an empty or malformed menu is an error, not an empty
// result, because a session configured without items is unusable.
func (s *Store) Snapshot(ctx context.Context, restaurantID string) (menu.Snapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, category, price_cents, modifiers
		FROM menu_items
		WHERE restaurant_id = $1 AND available
		ORDER BY category, name`,
		restaurantID,
	)
	if err != nil {
		return menu.Snapshot{}, fmt.Errorf("postgres: query menu for %s: %w", restaurantID, err)
	}
	defer rows.Close()

	snap := menu.Snapshot{
		RestaurantID: restaurantID,
		CapturedAt:   s.now().UTC(),
	}
	for rows.Next() {
		var (
			item          menu.Item
			modifiersJSON []byte
		)
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.Category, &item.PriceCents, &modifiersJSON); err != nil {
			return menu.Snapshot{}, fmt.Errorf("postgres: scan menu item: %w", err)
		}
		if len(modifiersJSON) > 0 {
			if err := json.Unmarshal(modifiersJSON, &item.Modifiers); err != nil {
				return menu.Snapshot{}, fmt.Errorf("postgres: decode modifiers for %s: %w", item.ID, err)
			}
		}
		snap.Items = append(snap.Items, item)
	}
	if err := rows.Err(); err != nil {
		return menu.Snapshot{}, fmt.Errorf("postgres: iterate menu rows: %w", err)
	}
	if len(snap.Items) == 0 {
		return menu.Snapshot{}, fmt.Errorf("%w: %s", ErrRestaurantNotFound, restaurantID)
	}
	if err := snap.Validate(); err != nil {
		return menu.Snapshot{}, fmt.Errorf("postgres: invalid menu for %s: %w", restaurantID, err)
	}
	return snap, nil
}

// Upsert inserts or replaces one menu item row.
func (s *Store) Upsert(ctx context.Context, restaurantID string, item menu.Item) error {
	modifiers := item.Modifiers
	if modifiers == nil {
		modifiers = []menu.Modifier{}
	}
	modifiersJSON, err := json.Marshal(modifiers)
	if err != nil {
		return fmt.Errorf("postgres: marshal modifiers: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO menu_items (id, restaurant_id, name, description, category, price_cents, modifiers, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			restaurant_id = EXCLUDED.restaurant_id,
			name          = EXCLUDED.name,
			description   = EXCLUDED.description,
			category      = EXCLUDED.category,
			price_cents   = EXCLUDED.price_cents,
			modifiers     = EXCLUDED.modifiers,
			updated_at    = now()`,
		item.ID, restaurantID, item.Name, item.Description, item.Category, item.PriceCents, modifiersJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert item %s: %w", item.ID, err)
	}
	return nil
}

// SetAvailability flips the available flag for one item.
func (s *Store) SetAvailability(ctx context.Context, itemID string, available bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE menu_items SET available = $2, updated_at = now() WHERE id = $1`,
		itemID, available,
	)
	if err != nil {
		return fmt.Errorf("postgres: set availability for %s: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return nil
}
