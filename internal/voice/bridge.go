package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/internal/order"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// EventSender is the outbound half of the data channel the bridge needs.
// Satisfied by realtime.Conn.
type EventSender interface {
	SendEvent(ctx context.Context, event any) error
}

// ToolResult is the structured payload returned to the remote agent for
// every tool call. Status is "accepted", "rejected" or "error"; rejected
// results carry a Reason the agent can turn into a clarifying question.
type ToolResult struct {
	Status          string `json:"status"`
	ResolvedItem    string `json:"resolved_item,omitempty"`
	Quantity        int    `json:"quantity,omitempty"`
	UpdatedSubtotal string `json:"updated_subtotal,omitempty"`
	FinalTotal      string `json:"final_total,omitempty"`
	ItemCount       int    `json:"item_count,omitempty"`
	Table           string `json:"table,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Bridge executes tool calls against the order draft and sends the result
// back over the data channel. Every dispatched call resolves exactly once:
// success, structured rejection, or a failure result when the transport dies
// with calls still pending. An unresolved call stalls the remote agent's
// reasoning, which is a dialogue-breaking failure distinct from a transport
// failure.
//
// The draft is shared with the UI; all mutations go through its delta
// operations, never through cached state.
type Bridge struct {
	draft    *order.Draft
	snap     menu.Snapshot
	resolver *menu.Resolver
	sender   EventSender
	logger   *slog.Logger

	// onResolved, when set, observes every resolution (for metrics).
	onResolved func(name, status string)

	mu      sync.Mutex
	pending map[string]string // call ID → tool name
	table   string
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the bridge logger. Defaults to slog.Default().
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithResolver overrides the default menu resolver.
func WithResolver(r *menu.Resolver) BridgeOption {
	return func(b *Bridge) {
		b.resolver = r
	}
}

// WithResolutionObserver registers a callback invoked once per resolved call
// with the tool name and result status.
func WithResolutionObserver(fn func(name, status string)) BridgeOption {
	return func(b *Bridge) {
		b.onResolved = fn
	}
}

// NewBridge creates a bridge bound to one session's draft, menu snapshot and
// transport. The snapshot is the session's own restaurant-scoped menu; item
// resolution never consults any other source.
func NewBridge(draft *order.Draft, snap menu.Snapshot, sender EventSender, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		draft:    draft,
		snap:     snap,
		resolver: menu.NewResolver(),
		sender:   sender,
		logger:   slog.Default(),
		pending:  make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// PendingCount returns the number of dispatched but unresolved calls.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Table returns the seating recorded by confirm_seating, if any.
func (b *Bridge) Table() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.table
}

// Handle executes one tool call and sends its result. Internal failures
// produce an error-status result rather than an unsent one; only a dead
// transport prevents delivery, and then the call is resolved locally as
// failed.
func (b *Bridge) Handle(ctx context.Context, call ToolCallRequested) {
	b.mu.Lock()
	if _, dup := b.pending[call.CallID]; dup {
		b.mu.Unlock()
		b.logger.Warn("duplicate tool call ignored", "call_id", call.CallID, "tool", call.Name)
		return
	}
	b.pending[call.CallID] = call.Name
	b.mu.Unlock()

	result := b.execute(call)
	b.resolve(ctx, call, result)
}

func (b *Bridge) execute(call ToolCallRequested) ToolResult {
	switch call.Name {
	case "add_item":
		return b.addItem(call.Args)
	case "remove_item":
		return b.removeItem(call.Args)
	case "update_quantity":
		return b.updateQuantity(call.Args)
	case "confirm_order":
		return b.confirmOrder()
	case "confirm_seating":
		return b.confirmSeating(call.Args)
	default:
		return ToolResult{Status: "error", Reason: fmt.Sprintf("unknown tool %q", call.Name)}
	}
}

func (b *Bridge) addItem(args json.RawMessage) ToolResult {
	var req struct {
		Name      string   `json:"name"`
		Quantity  int      `json:"quantity"`
		Modifiers []string `json:"modifiers"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ToolResult{Status: "error", Reason: "unreadable add_item arguments"}
	}
	if req.Quantity <= 0 {
		return ToolResult{Status: "rejected", Reason: "quantity must be at least 1"}
	}

	item, _, ok := b.resolver.Resolve(req.Name, b.snap)
	if !ok {
		return ToolResult{Status: "rejected", Reason: fmt.Sprintf("no menu item matches %q", req.Name)}
	}

	mods, unknown := matchModifiers(item, req.Modifiers)
	if unknown != "" {
		return ToolResult{Status: "rejected", Reason: fmt.Sprintf("%q has no modifier %q", item.Name, unknown)}
	}

	line, subtotal, err := b.draft.Add(item, req.Quantity, mods)
	if err != nil {
		return rejectDraftErr(err)
	}
	return ToolResult{
		Status:          "accepted",
		ResolvedItem:    line.Name,
		Quantity:        line.Quantity,
		UpdatedSubtotal: menu.FormatCents(subtotal),
	}
}

func (b *Bridge) removeItem(args json.RawMessage) ToolResult {
	var req struct {
		ItemRef string `json:"item_ref"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ToolResult{Status: "error", Reason: "unreadable remove_item arguments"}
	}

	ref := b.resolveLineRef(req.ItemRef)
	subtotal, err := b.draft.Remove(ref)
	if err != nil {
		return rejectDraftErr(err)
	}
	return ToolResult{Status: "accepted", UpdatedSubtotal: menu.FormatCents(subtotal)}
}

func (b *Bridge) updateQuantity(args json.RawMessage) ToolResult {
	var req struct {
		ItemRef string `json:"item_ref"`
		Delta   int    `json:"delta"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ToolResult{Status: "error", Reason: "unreadable update_quantity arguments"}
	}
	if req.Delta == 0 {
		return ToolResult{Status: "rejected", Reason: "delta of zero changes nothing"}
	}

	ref := b.resolveLineRef(req.ItemRef)
	line, subtotal, err := b.draft.AdjustQuantity(ref, req.Delta)
	if err != nil {
		return rejectDraftErr(err)
	}
	return ToolResult{
		Status:          "accepted",
		ResolvedItem:    line.Name,
		Quantity:        line.Quantity,
		UpdatedSubtotal: menu.FormatCents(subtotal),
	}
}

func (b *Bridge) confirmOrder() ToolResult {
	sum, err := b.draft.Confirm()
	if err != nil {
		return rejectDraftErr(err)
	}
	return ToolResult{
		Status:     "accepted",
		FinalTotal: menu.FormatCents(sum.TotalCents),
		ItemCount:  sum.ItemCount,
	}
}

func (b *Bridge) confirmSeating(args json.RawMessage) ToolResult {
	var req struct {
		Table string `json:"table"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ToolResult{Status: "error", Reason: "unreadable confirm_seating arguments"}
	}
	if strings.TrimSpace(req.Table) == "" {
		return ToolResult{Status: "rejected", Reason: "table is required"}
	}

	b.mu.Lock()
	b.table = strings.TrimSpace(req.Table)
	b.mu.Unlock()
	return ToolResult{Status: "accepted", Table: req.Table}
}

// resolveLineRef maps a spoken item reference onto the draft. If no draft
// line matches directly, the menu resolver maps the (possibly
// mis-transcribed) name onto the snapshot and the matched item's identity is
// used instead.
func (b *Bridge) resolveLineRef(itemRef string) string {
	if _, ok := b.draft.Find(itemRef); ok {
		return itemRef
	}
	if item, _, ok := b.resolver.Resolve(itemRef, b.snap); ok {
		return item.ID
	}
	return itemRef
}

// resolve sends the result for one pending call and removes it from the
// pending set. Resolution happens exactly once per call.
func (b *Bridge) resolve(ctx context.Context, call ToolCallRequested, result ToolResult) {
	b.mu.Lock()
	if _, ok := b.pending[call.CallID]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, call.CallID)
	b.mu.Unlock()

	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"status":"error","reason":"result serialization failed"}`)
	}

	if err := b.sender.SendEvent(ctx, realtime.NewToolOutput(call.CallID, string(payload))); err != nil {
		b.logger.Error("tool result send failed",
			"call_id", call.CallID,
			"tool", call.Name,
			"error", err,
		)
		b.observe(call.Name, "send_failed")
		return
	}
	// Nudge the agent to continue the dialogue with the result in hand.
	if err := b.sender.SendEvent(ctx, realtime.NewResponseCreate()); err != nil {
		b.logger.Warn("response continuation failed", "call_id", call.CallID, "error", err)
	}

	b.logger.Info("tool call resolved",
		"call_id", call.CallID,
		"tool", call.Name,
		"status", result.Status,
	)
	b.observe(call.Name, result.Status)
}

// FailPending resolves every in-flight call as failed. Called when the
// transport drops mid-session so the UI can report that the order may be
// incomplete instead of leaving calls dangling.
func (b *Bridge) FailPending(reason string) int {
	b.mu.Lock()
	failed := make(map[string]string, len(b.pending))
	for id, name := range b.pending {
		failed[id] = name
	}
	b.pending = make(map[string]string)
	b.mu.Unlock()

	for id, name := range failed {
		b.logger.Warn("pending tool call failed",
			"call_id", id,
			"tool", name,
			"reason", reason,
		)
		b.observe(name, "failed")
	}
	return len(failed)
}

func (b *Bridge) observe(name, status string) {
	if b.onResolved != nil {
		b.onResolved(name, status)
	}
}

func rejectDraftErr(err error) ToolResult {
	switch {
	case errors.Is(err, order.ErrLineNotFound):
		return ToolResult{Status: "rejected", Reason: "item not found"}
	case errors.Is(err, order.ErrInvalidQuantity):
		return ToolResult{Status: "rejected", Reason: "quantity must be positive"}
	case errors.Is(err, order.ErrEmptyDraft):
		return ToolResult{Status: "rejected", Reason: "the order is empty"}
	case errors.Is(err, order.ErrConfirmed):
		return ToolResult{Status: "rejected", Reason: "the order is already confirmed"}
	default:
		return ToolResult{Status: "error", Reason: "internal order error"}
	}
}

// matchModifiers maps spoken modifier names onto the item's modifier list,
// case-insensitively. Returns the first unmatched name, if any.
func matchModifiers(item menu.Item, names []string) ([]menu.Modifier, string) {
	if len(names) == 0 {
		return nil, ""
	}
	mods := make([]menu.Modifier, 0, len(names))
	for _, name := range names {
		want := strings.ToLower(strings.TrimSpace(name))
		found := false
		for _, m := range item.Modifiers {
			if strings.ToLower(m.Name) == want {
				mods = append(mods, m)
				found = true
				break
			}
		}
		if !found {
			return nil, name
		}
	}
	return mods, ""
}
