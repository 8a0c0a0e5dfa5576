// Package order holds the in-memory order draft assembled during a voice
// session. The draft is shared with the rest of the UI: voice tool calls are
// one writer among several, so every mutation re-reads current state and
// applies a relative delta under the draft's lock rather than writing back a
// snapshot taken earlier.
package order

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/platevoice/platevoice/internal/menu"
)

// Mutation errors.
var (
	ErrLineNotFound    = errors.New("order: line not found")
	ErrInvalidQuantity = errors.New("order: quantity must be positive")
	ErrEmptyDraft      = errors.New("order: draft has no items")
	ErrConfirmed       = errors.New("order: draft already confirmed")
)

// Line is one draft entry: an item, its chosen modifiers, and a quantity.
type Line struct {
	ItemID         string
	Name           string
	UnitPriceCents int64
	Quantity       int
	Modifiers      []menu.Modifier
}

// TotalCents is the line total including modifier surcharges.
func (l Line) TotalCents() int64 {
	unit := l.UnitPriceCents
	for _, m := range l.Modifiers {
		unit += m.PriceCents
	}
	return unit * int64(l.Quantity)
}

// Summary is the result of confirming a draft.
type Summary struct {
	TotalCents int64
	ItemCount  int
}

// Draft is a concurrency-safe order under construction. Lines for the same
// item with the same modifier set are merged; quantity adjustments are
// relative and a quantity reaching zero removes the line.
type Draft struct {
	mu        sync.Mutex
	lines     []Line
	confirmed bool
}

// NewDraft returns an empty draft.
func NewDraft() *Draft {
	return &Draft{}
}

// Add puts quantity units of item on the draft, merging into an existing line
// when the item and modifier set match. It returns the resulting line and the
// updated draft subtotal.
func (d *Draft) Add(item menu.Item, quantity int, modifiers []menu.Modifier) (Line, int64, error) {
	if quantity <= 0 {
		return Line{}, 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmed {
		return Line{}, 0, ErrConfirmed
	}

	key := modifierKey(modifiers)
	for i := range d.lines {
		if d.lines[i].ItemID == item.ID && modifierKey(d.lines[i].Modifiers) == key {
			d.lines[i].Quantity += quantity
			return d.lines[i], d.subtotalLocked(), nil
		}
	}

	line := Line{
		ItemID:         item.ID,
		Name:           item.Name,
		UnitPriceCents: item.PriceCents,
		Quantity:       quantity,
		Modifiers:      append([]menu.Modifier(nil), modifiers...),
	}
	d.lines = append(d.lines, line)
	return line, d.subtotalLocked(), nil
}

// AdjustQuantity applies a relative delta to the line for itemID. The current
// quantity is read under the lock, so interleaved UI edits are never
// overwritten. A resulting quantity of zero or less removes the line.
func (d *Draft) AdjustQuantity(itemID string, delta int) (Line, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmed {
		return Line{}, 0, ErrConfirmed
	}

	idx := d.indexOfLocked(itemID)
	if idx < 0 {
		return Line{}, 0, fmt.Errorf("%w: %s", ErrLineNotFound, itemID)
	}

	d.lines[idx].Quantity += delta
	if d.lines[idx].Quantity <= 0 {
		removed := d.lines[idx]
		removed.Quantity = 0
		d.lines = append(d.lines[:idx], d.lines[idx+1:]...)
		return removed, d.subtotalLocked(), nil
	}
	return d.lines[idx], d.subtotalLocked(), nil
}

// Remove deletes the line for itemID and returns the updated subtotal.
func (d *Draft) Remove(itemID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmed {
		return 0, ErrConfirmed
	}

	idx := d.indexOfLocked(itemID)
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s", ErrLineNotFound, itemID)
	}
	d.lines = append(d.lines[:idx], d.lines[idx+1:]...)
	return d.subtotalLocked(), nil
}

// Confirm freezes the draft and returns its final total and unit count. A
// confirmed draft rejects further mutations; checkout handoff happens
// elsewhere.
func (d *Draft) Confirm() (Summary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.confirmed {
		return Summary{}, ErrConfirmed
	}
	if len(d.lines) == 0 {
		return Summary{}, ErrEmptyDraft
	}

	d.confirmed = true
	sum := Summary{TotalCents: d.subtotalLocked()}
	for _, l := range d.lines {
		sum.ItemCount += l.Quantity
	}
	return sum, nil
}

// Confirmed reports whether the draft has been confirmed.
func (d *Draft) Confirmed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.confirmed
}

// SubtotalCents returns the current draft subtotal.
func (d *Draft) SubtotalCents() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subtotalLocked()
}

// Lines returns a copy of the current draft lines in insertion order.
func (d *Draft) Lines() []Line {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Line, len(d.lines))
	copy(out, d.lines)
	return out
}

// Find returns the line for itemID, matching by item ID first and then by
// item name case-insensitively.
func (d *Draft) Find(itemRef string) (Line, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.indexOfLocked(itemRef)
	if idx < 0 {
		return Line{}, false
	}
	return d.lines[idx], true
}

func (d *Draft) indexOfLocked(itemRef string) int {
	for i := range d.lines {
		if d.lines[i].ItemID == itemRef {
			return i
		}
	}
	ref := strings.ToLower(strings.TrimSpace(itemRef))
	for i := range d.lines {
		if strings.ToLower(d.lines[i].Name) == ref {
			return i
		}
	}
	return -1
}

func (d *Draft) subtotalLocked() int64 {
	var total int64
	for _, l := range d.lines {
		total += l.TotalCents()
	}
	return total
}

// modifierKey builds an order-insensitive identity for a modifier set so that
// "no onions, extra cheese" and "extra cheese, no onions" merge.
func modifierKey(mods []menu.Modifier) string {
	if len(mods) == 0 {
		return ""
	}
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = strings.ToLower(strings.TrimSpace(m.Name))
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}
