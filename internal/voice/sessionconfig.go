package voice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// TranscriptionModel identifies the upstream speech-to-text model. The
// vendor has deprecated transcription models without notice before; keeping
// the name in one constant gives the swap a single update path, and the
// transcript-silence watchdog in Session surfaces a mismatch instead of
// letting a dead model hang sessions silently.
const TranscriptionModel = "gpt-4o-transcribe"

// OutputVoice selects the agent's speech voice.
const OutputVoice = "alloy"

// maxInstructionBytes bounds the session instructions payload. The menu
// enumeration dominates the size; descriptions and modifiers are trimmed
// before required fields (name, price) are ever touched.
const maxInstructionBytes = 24_000

// ServingContext selects the behavior profile for a session.
type ServingContext string

// Supported serving contexts.
const (
	ContextKiosk        ServingContext = "kiosk"
	ContextTableService ServingContext = "table-service"
	ContextDriveThrough ServingContext = "drive-through"
)

// IsValid reports whether the context is one of the supported values.
func (c ServingContext) IsValid() bool {
	switch c {
	case ContextKiosk, ContextTableService, ContextDriveThrough:
		return true
	}
	return false
}

// Configuration build errors. These fail fast, before any connection attempt.
var (
	ErrInvalidContext      = errors.New("voice: unknown serving context")
	ErrInstructionsTooLong = errors.New("voice: instructions exceed payload bound even after trimming")
)

// contextProfiles is the per-context conversational framing. The menu
// enumeration and tool schema are appended to the profile preamble.
var contextProfiles = map[ServingContext]string{
	ContextKiosk: "You are a friendly self-service kiosk assistant taking a food order. " +
		"Speak casually and keep answers short. Confirm each item as it is added. " +
		"When the guest is done, read the order back and call confirm_order.",
	ContextTableService: "You are a polite table-service assistant taking a dine-in order. " +
		"Use a courteous, unhurried tone. Confirm the party's seating with confirm_seating " +
		"before taking food items. Suggest one matching side or drink at most once. " +
		"When the table is done, summarize the order and call confirm_order.",
	ContextDriveThrough: "You are a fast, efficient drive-through attendant. " +
		"Keep every reply brief so the line keeps moving. Confirm items tersely. " +
		"When the driver is done, state the total and call confirm_order.",
}

// BuildSessionConfig produces the protocol session descriptor for one voice
// session. The descriptor is sent once at session start and never mutated.
//
// The menu is fully enumerated in the instructions: the remote agent has no
// other source of menu truth, so summarizing would make unlisted items
// unorderable. Output is deterministic for a given (context, snapshot) pair.
func BuildSessionConfig(ctx ServingContext, snap menu.Snapshot) (realtime.SessionDescriptor, error) {
	if !ctx.IsValid() {
		return realtime.SessionDescriptor{}, fmt.Errorf("%w: %q", ErrInvalidContext, ctx)
	}
	if err := snap.Validate(); err != nil {
		return realtime.SessionDescriptor{}, err
	}

	instructions, err := buildInstructions(ctx, snap)
	if err != nil {
		return realtime.SessionDescriptor{}, err
	}

	return realtime.SessionDescriptor{
		Instructions:       instructions,
		Tools:              toolSet(ctx),
		Voice:              OutputVoice,
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		TranscriptionModel: TranscriptionModel,
	}, nil
}

// buildInstructions renders the behavior profile plus the full menu. When the
// result exceeds maxInstructionBytes it is rebuilt with progressively less
// optional detail: first without item descriptions, then also without
// modifiers. Name and price are never dropped.
func buildInstructions(ctx ServingContext, snap menu.Snapshot) (string, error) {
	type detail struct {
		descriptions bool
		modifiers    bool
	}
	for _, lvl := range []detail{
		{descriptions: true, modifiers: true},
		{descriptions: false, modifiers: true},
		{descriptions: false, modifiers: false},
	} {
		text := renderInstructions(ctx, snap, lvl.descriptions, lvl.modifiers)
		if len(text) <= maxInstructionBytes {
			return text, nil
		}
	}
	return "", fmt.Errorf("%w: %d items", ErrInstructionsTooLong, len(snap.Items))
}

func renderInstructions(ctx ServingContext, snap menu.Snapshot, withDescriptions, withModifiers bool) string {
	var b strings.Builder
	b.WriteString(contextProfiles[ctx])
	b.WriteString("\n\nOnly offer items from the menu below. Prices are in the local currency. ")
	b.WriteString("Use the provided tools for every order change; never claim an item was added without calling a tool.\n\nMENU:\n")

	lastCategory := ""
	for _, item := range snap.Items {
		if item.Category != "" && item.Category != lastCategory {
			fmt.Fprintf(&b, "[%s]\n", item.Category)
			lastCategory = item.Category
		}
		fmt.Fprintf(&b, "- %s: %s", item.Name, item.Price())
		if withDescriptions && item.Description != "" {
			fmt.Fprintf(&b, " (%s)", item.Description)
		}
		if withModifiers && len(item.Modifiers) > 0 {
			mods := make([]string, len(item.Modifiers))
			for i, m := range item.Modifiers {
				if m.PriceCents != 0 {
					mods[i] = fmt.Sprintf("%s +%s", m.Name, menu.FormatCents(m.PriceCents))
				} else {
					mods[i] = m.Name
				}
			}
			fmt.Fprintf(&b, " [options: %s]", strings.Join(mods, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// toolSet returns the tool schema for a serving context. The quantity-update
// tool takes a relative delta, stated explicitly in the schema so the agent
// never sends absolute targets that would clobber concurrent manual edits.
func toolSet(ctx ServingContext) []realtime.ToolDefinition {
	tools := []realtime.ToolDefinition{
		{
			Name:        "add_item",
			Description: "Add an item from the menu to the order.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Menu item name as the guest said it.",
					},
					"quantity": map[string]any{
						"type":        "integer",
						"minimum":     1,
						"description": "Number of units to add.",
					},
					"modifiers": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Optional modifier names listed for the item.",
					},
				},
				"required": []string{"name", "quantity"},
			},
		},
		{
			Name:        "remove_item",
			Description: "Remove an item from the order entirely.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"item_ref": map[string]any{
						"type":        "string",
						"description": "Name of the order line to remove.",
					},
				},
				"required": []string{"item_ref"},
			},
		},
		{
			Name: "update_quantity",
			Description: "Change an ordered item's quantity by a relative delta. " +
				"Send the change, not the new total: +1 adds one unit, -2 removes two.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"item_ref": map[string]any{
						"type":        "string",
						"description": "Name of the order line to adjust.",
					},
					"delta": map[string]any{
						"type":        "integer",
						"description": "Relative quantity change, positive or negative.",
					},
				},
				"required": []string{"item_ref", "delta"},
			},
		},
		{
			Name:        "confirm_order",
			Description: "Finalize the order and hand off to checkout. Call once the guest confirms they are done.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}

	if ctx == ContextTableService {
		tools = append(tools, realtime.ToolDefinition{
			Name:        "confirm_seating",
			Description: "Record the table number before taking the order.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table": map[string]any{
						"type":        "string",
						"description": "Table number or name stated by the guest.",
					},
				},
				"required": []string{"table"},
			},
		})
	}
	return tools
}
