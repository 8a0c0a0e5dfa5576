package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/internal/order"
)

// captureSender records outbound events and can be switched to fail.
type captureSender struct {
	mu     sync.Mutex
	events []any
	err    error
}

func (c *captureSender) SendEvent(_ context.Context, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureSender) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *captureSender) sent() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.events...)
}

func bridgeSnapshot() menu.Snapshot {
	return menu.Snapshot{
		RestaurantID: "rest-42",
		Items: []menu.Item{
			{ID: "i1", Name: "Burger", PriceCents: 899, Modifiers: []menu.Modifier{{Name: "extra cheese", PriceCents: 150}}},
			{ID: "i2", Name: "Greek Salad", PriceCents: 1050},
		},
	}
}

// firstToolResult decodes the ToolResult from the first tool-output event.
func firstToolResult(t *testing.T, sender *captureSender) ToolResult {
	t.Helper()
	for _, ev := range sender.sent() {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("marshal sent event: %v", err)
		}
		var probe struct {
			Type string `json:"type"`
			Item struct {
				Output string `json:"output"`
			} `json:"item"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			t.Fatalf("unmarshal sent event: %v", err)
		}
		if probe.Type != "conversation.item.create" {
			continue
		}
		var result ToolResult
		if err := json.Unmarshal([]byte(probe.Item.Output), &result); err != nil {
			t.Fatalf("unmarshal tool result: %v", err)
		}
		return result
	}
	t.Fatal("no tool output event sent")
	return ToolResult{}
}

func callWith(name, args string) ToolCallRequested {
	return ToolCallRequested{CallID: "call_1", Name: name, Args: json.RawMessage(args)}
}

func TestBridge_AddItem(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)

	b.Handle(context.Background(), callWith("add_item", `{"name":"Burger","quantity":2}`))

	result := firstToolResult(t, sender)
	if result.Status != "accepted" {
		t.Fatalf("status = %q, reason = %q", result.Status, result.Reason)
	}
	if result.ResolvedItem != "Burger" {
		t.Errorf("ResolvedItem = %q", result.ResolvedItem)
	}
	if result.UpdatedSubtotal != "17.98" {
		t.Errorf("UpdatedSubtotal = %q, want 17.98", result.UpdatedSubtotal)
	}
	if b.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", b.PendingCount())
	}
}

func TestBridge_AddItemFuzzyName(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)

	// Mis-transcribed item name resolves against the session snapshot.
	b.Handle(context.Background(), callWith("add_item", `{"name":"greak salad","quantity":1}`))

	result := firstToolResult(t, sender)
	if result.Status != "accepted" || result.ResolvedItem != "Greek Salad" {
		t.Fatalf("result = %+v", result)
	}
	if result.UpdatedSubtotal != "10.50" {
		t.Errorf("UpdatedSubtotal = %q, want 10.50", result.UpdatedSubtotal)
	}
}

func TestBridge_AddItemUnknownName(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)

	b.Handle(context.Background(), callWith("add_item", `{"name":"sushi platter","quantity":1}`))

	result := firstToolResult(t, sender)
	if result.Status != "rejected" || result.Reason == "" {
		t.Fatalf("result = %+v, want rejection with reason", result)
	}
}

func TestBridge_AddItemWithModifiers(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	draft := order.NewDraft()
	b := NewBridge(draft, bridgeSnapshot(), sender)

	b.Handle(context.Background(), callWith("add_item", `{"name":"Burger","quantity":1,"modifiers":["Extra Cheese"]}`))

	result := firstToolResult(t, sender)
	if result.Status != "accepted" {
		t.Fatalf("result = %+v", result)
	}
	if result.UpdatedSubtotal != "10.49" {
		t.Errorf("UpdatedSubtotal = %q, want 10.49", result.UpdatedSubtotal)
	}

	// Unknown modifier is a structured rejection.
	sender2 := &captureSender{}
	b2 := NewBridge(order.NewDraft(), bridgeSnapshot(), sender2)
	b2.Handle(context.Background(), callWith("add_item", `{"name":"Burger","quantity":1,"modifiers":["gold leaf"]}`))
	if result := firstToolResult(t, sender2); result.Status != "rejected" {
		t.Errorf("result = %+v, want rejected", result)
	}
}

func TestBridge_RemoveMissingItem(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)

	b.Handle(context.Background(), callWith("remove_item", `{"item_ref":"nonexistent-id"}`))

	result := firstToolResult(t, sender)
	if result.Status != "rejected" {
		t.Fatalf("status = %q, want rejected", result.Status)
	}
	if result.Reason != "item not found" {
		t.Errorf("Reason = %q, want %q", result.Reason, "item not found")
	}
}

func TestBridge_UpdateQuantityRoundTrip(t *testing.T) {
	t.Parallel()

	draft := order.NewDraft()
	sender := &captureSender{}
	b := NewBridge(draft, bridgeSnapshot(), sender)

	if _, _, err := draft.Add(menu.Item{ID: "i1", Name: "Burger", PriceCents: 899}, 2, nil); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	b.Handle(context.Background(), ToolCallRequested{CallID: "c1", Name: "update_quantity", Args: json.RawMessage(`{"item_ref":"Burger","delta":2}`)})
	b.Handle(context.Background(), ToolCallRequested{CallID: "c2", Name: "update_quantity", Args: json.RawMessage(`{"item_ref":"Burger","delta":-2}`)})

	line, ok := draft.Find("i1")
	if !ok {
		t.Fatal("line missing")
	}
	// +2 then -2 restores the original quantity.
	if line.Quantity != 2 {
		t.Errorf("Quantity = %d, want 2", line.Quantity)
	}
}

func TestBridge_UpdateQuantityFuzzyRef(t *testing.T) {
	t.Parallel()

	draft := order.NewDraft()
	sender := &captureSender{}
	b := NewBridge(draft, bridgeSnapshot(), sender)
	if _, _, err := draft.Add(menu.Item{ID: "i2", Name: "Greek Salad", PriceCents: 1050}, 1, nil); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	b.Handle(context.Background(), callWith("update_quantity", `{"item_ref":"greak salad","delta":1}`))

	result := firstToolResult(t, sender)
	if result.Status != "accepted" || result.Quantity != 2 {
		t.Fatalf("result = %+v", result)
	}
}

func TestBridge_ConfirmOrder(t *testing.T) {
	t.Parallel()

	draft := order.NewDraft()
	sender := &captureSender{}
	b := NewBridge(draft, bridgeSnapshot(), sender)
	if _, _, err := draft.Add(menu.Item{ID: "i1", Name: "Burger", PriceCents: 899}, 2, nil); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	b.Handle(context.Background(), callWith("confirm_order", `{}`))

	result := firstToolResult(t, sender)
	if result.Status != "accepted" {
		t.Fatalf("result = %+v", result)
	}
	if result.FinalTotal != "17.98" || result.ItemCount != 2 {
		t.Errorf("FinalTotal = %q ItemCount = %d", result.FinalTotal, result.ItemCount)
	}
	if !draft.Confirmed() {
		t.Error("draft not confirmed")
	}
}

func TestBridge_ConfirmSeating(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)

	b.Handle(context.Background(), callWith("confirm_seating", `{"table":"12"}`))
	if got := b.Table(); got != "12" {
		t.Errorf("Table = %q, want 12", got)
	}
}

func TestBridge_UnknownToolStillResolves(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)

	b.Handle(context.Background(), callWith("launch_rocket", `{}`))

	result := firstToolResult(t, sender)
	if result.Status != "error" {
		t.Fatalf("status = %q, want error", result.Status)
	}
	if b.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", b.PendingCount())
	}
}

func TestBridge_MalformedArgsStillResolve(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct{ tool, args string }{
		{"add_item", `{"name":`},
		{"remove_item", `nope`},
		{"update_quantity", `[1]`},
	} {
		sender := &captureSender{}
		b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)
		b.Handle(context.Background(), callWith(tc.tool, tc.args))
		result := firstToolResult(t, sender)
		if result.Status != "error" {
			t.Errorf("%s: status = %q, want error", tc.tool, result.Status)
		}
	}
}

func TestBridge_ExactlyOnceResolution(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	var resolutions []string
	var mu sync.Mutex
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender,
		WithResolutionObserver(func(name, status string) {
			mu.Lock()
			resolutions = append(resolutions, name+":"+status)
			mu.Unlock()
		}),
	)

	// The same call ID twice resolves once.
	call := callWith("add_item", `{"name":"Burger","quantity":1}`)
	b.Handle(context.Background(), call)
	b.Handle(context.Background(), call)

	mu.Lock()
	defer mu.Unlock()
	if len(resolutions) != 1 {
		t.Fatalf("resolutions = %v, want exactly one", resolutions)
	}
}

func TestBridge_FailPendingOnDisconnect(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	var statuses []string
	var mu sync.Mutex
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender,
		WithResolutionObserver(func(name, status string) {
			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		}),
	)

	// Simulate dispatched calls that had not resolved when the transport
	// died: register them as pending, then fail the transport.
	b.mu.Lock()
	b.pending["c1"] = "add_item"
	b.pending["c2"] = "confirm_order"
	b.mu.Unlock()
	sender.fail(errors.New("transport closed"))

	if n := b.FailPending("connection lost"); n != 2 {
		t.Fatalf("FailPending = %d, want 2", n)
	}
	if b.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0", b.PendingCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != "failed" || statuses[1] != "failed" {
		t.Errorf("statuses = %v, want two failed", statuses)
	}
}

func TestBridge_SendsResponseContinuation(t *testing.T) {
	t.Parallel()

	sender := &captureSender{}
	b := NewBridge(order.NewDraft(), bridgeSnapshot(), sender)

	b.Handle(context.Background(), callWith("add_item", `{"name":"Burger","quantity":1}`))

	events := sender.sent()
	if len(events) != 2 {
		t.Fatalf("sent %d events, want tool output + response.create", len(events))
	}
	data, _ := json.Marshal(events[1])
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)
	if probe.Type != "response.create" {
		t.Errorf("second event type = %q, want response.create", probe.Type)
	}
}
