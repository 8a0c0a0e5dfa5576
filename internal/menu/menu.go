// Package menu defines the restaurant menu snapshot consumed by voice
// sessions and the fuzzy item resolver that maps spoken item names onto it.
//
// A [Snapshot] is immutable for the lifetime of one session: it is resolved
// per restaurant at session-configuration time and never refreshed
// mid-conversation. All item lookups go through the snapshot — never through
// any static list — so pricing and availability are always restaurant-scoped.
package menu

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation errors reported by [Snapshot.Validate].
var (
	ErrEmptyMenu       = errors.New("menu: snapshot has no items")
	ErrMissingItemName = errors.New("menu: item has empty name")
	ErrNegativePrice   = errors.New("menu: item has negative price")
	ErrDuplicateItem   = errors.New("menu: duplicate item name")
	ErrNoRestaurant    = errors.New("menu: snapshot missing restaurant ID")
)

// Modifier is an optional item customization (e.g., "extra cheese").
type Modifier struct {
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
}

// Item is one orderable menu entry. Prices are integer cents.
type Item struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	PriceCents  int64      `json:"price_cents"`
	Modifiers   []Modifier `json:"modifiers,omitempty"`
}

// Price renders the item price as a decimal string, e.g. "8.99".
func (i Item) Price() string {
	return FormatCents(i.PriceCents)
}

// FormatCents renders integer cents as a decimal money string.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Snapshot is the restaurant-scoped menu captured at session start.
type Snapshot struct {
	RestaurantID string    `json:"restaurant_id"`
	Items        []Item    `json:"items"`
	CapturedAt   time.Time `json:"captured_at,omitzero"`
}

// Validate checks structural invariants: a non-empty restaurant-scoped item
// list with unique, named, non-negatively priced items.
func (s Snapshot) Validate() error {
	if s.RestaurantID == "" {
		return ErrNoRestaurant
	}
	if len(s.Items) == 0 {
		return ErrEmptyMenu
	}
	seen := make(map[string]struct{}, len(s.Items))
	for _, item := range s.Items {
		name := strings.ToLower(strings.TrimSpace(item.Name))
		if name == "" {
			return ErrMissingItemName
		}
		if item.PriceCents < 0 {
			return fmt.Errorf("%w: %q", ErrNegativePrice, item.Name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateItem, item.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ItemNames returns every item name in snapshot order.
func (s Snapshot) ItemNames() []string {
	names := make([]string, len(s.Items))
	for i, item := range s.Items {
		names[i] = item.Name
	}
	return names
}

// FindExact returns the item whose name equals name case-insensitively.
func (s Snapshot) FindExact(name string) (Item, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, item := range s.Items {
		if strings.ToLower(strings.TrimSpace(item.Name)) == want {
			return item, true
		}
	}
	return Item{}, false
}
