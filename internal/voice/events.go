package voice

import (
	"encoding/json"
	"fmt"
)

// Event is the normalized inbound event vocabulary consumed by the state
// machine and the order bridge. It is a closed tagged union: every inbound
// payload maps to exactly one variant, and unknown payloads become
// [Unrecognized] rather than being dropped.
type Event interface {
	isEvent()
}

// TranscriptDelta is an incremental piece of recognized user speech. Only
// Final deltas complete a turn.
type TranscriptDelta struct {
	Text  string
	Final bool
}

// AgentAudioStart marks the beginning of agent speech playback.
type AgentAudioStart struct{}

// AgentAudioStop marks the end of agent speech playback.
type AgentAudioStop struct{}

// ToolCallRequested is a structured request from the remote agent to run a
// named local operation. Args holds the raw JSON argument payload.
type ToolCallRequested struct {
	CallID string
	Name   string
	Args   json.RawMessage
}

// SessionReady signals that the remote session has been created and the
// session configuration can be sent.
type SessionReady struct{}

// RemoteError is a protocol-level failure reported by (or on behalf of) the
// remote endpoint. Malformed inbound payloads surface here too.
type RemoteError struct {
	Code    string
	Message string
}

// Unrecognized tags an event type the translator does not understand. These
// are logged and ignored by the machine, never silently discarded here.
type Unrecognized struct {
	RawType string
	Raw     []byte
}

func (TranscriptDelta) isEvent()   {}
func (AgentAudioStart) isEvent()   {}
func (AgentAudioStop) isEvent()    {}
func (ToolCallRequested) isEvent() {}
func (SessionReady) isEvent()      {}
func (RemoteError) isEvent()       {}
func (Unrecognized) isEvent()      {}

// wireEvent is the superset of inbound protocol fields the translator cares
// about. Field names are an external contract pinned to the configured model.
type wireEvent struct {
	Type       string          `json:"type"`
	Transcript string          `json:"transcript"`
	Delta      string          `json:"delta"`
	CallID     string          `json:"call_id"`
	Name       string          `json:"name"`
	Arguments  string          `json:"arguments"`
	Error      *wireError      `json:"error"`
	Response   json.RawMessage `json:"response"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Translate normalizes one raw data-channel payload into an [Event]. It never
// panics: unparseable input becomes a [RemoteError] carrying a diagnostic,
// and unknown event types become [Unrecognized]. This is the boundary that
// isolates the rest of the session from upstream protocol drift.
func Translate(raw []byte) Event {
	var ev wireEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return RemoteError{
			Code:    "malformed_event",
			Message: fmt.Sprintf("undecodable payload (%d bytes): %v", len(raw), err),
		}
	}
	if ev.Type == "" {
		return RemoteError{
			Code:    "malformed_event",
			Message: "payload missing type field",
		}
	}

	switch ev.Type {
	case "session.created":
		return SessionReady{}

	case "conversation.item.input_audio_transcription.delta":
		return TranscriptDelta{Text: ev.Delta}

	case "conversation.item.input_audio_transcription.completed":
		return TranscriptDelta{Text: ev.Transcript, Final: true}

	case "conversation.item.input_audio_transcription.failed":
		return RemoteError{Code: "transcription_failed", Message: "input transcription failed"}

	case "response.audio.delta", "output_audio_buffer.started":
		return AgentAudioStart{}

	case "response.audio.done", "output_audio_buffer.stopped":
		return AgentAudioStop{}

	case "response.function_call_arguments.done":
		if ev.CallID == "" || ev.Name == "" {
			return RemoteError{
				Code:    "malformed_event",
				Message: "function call missing call_id or name",
			}
		}
		return ToolCallRequested{
			CallID: ev.CallID,
			Name:   ev.Name,
			Args:   json.RawMessage(ev.Arguments),
		}

	case "error":
		code, msg := "unknown", "remote endpoint reported an error"
		if ev.Error != nil {
			if ev.Error.Code != "" {
				code = ev.Error.Code
			} else if ev.Error.Type != "" {
				code = ev.Error.Type
			}
			if ev.Error.Message != "" {
				msg = ev.Error.Message
			}
		}
		return RemoteError{Code: code, Message: msg}

	default:
		return Unrecognized{RawType: ev.Type, Raw: raw}
	}
}
