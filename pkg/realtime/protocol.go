package realtime

import "encoding/base64"

// Client→server control events for the remote realtime protocol. Field names
// are an external contract version-pinned to the configured model; the
// structs below cover the subset of the protocol PlateVoice speaks.

// ToolDefinition describes one callable function offered to the remote agent.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// SessionDescriptor is the protocol-level session configuration sent once
// after SessionReady and never mutated mid-session.
type SessionDescriptor struct {
	// Instructions is the behavioural prompt, including the full menu
	// enumeration. The remote agent has no other source of menu truth.
	Instructions string

	// Tools is the fixed tool set for the serving context.
	Tools []ToolDefinition

	// Voice selects the agent's synthesised voice.
	Voice string

	// InputAudioFormat and OutputAudioFormat name the negotiated codecs
	// (e.g. "pcm16").
	InputAudioFormat  string
	OutputAudioFormat string

	// TranscriptionModel selects the input-transcription model. Subject to
	// upstream deprecation without notice; see internal/voice for the single
	// named constant and the transcript-silence watchdog.
	TranscriptionModel string
}

// SessionUpdateEvent configures the session (type "session.update").
type SessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Tools                   []wireTool           `json:"tools,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

// turnDetection is always left nil so that session.update carries an explicit
// "turn_detection": null, disabling server VAD: turn boundaries are driven by
// the kiosk's hold-to-talk control, not the model.
type turnDetection struct {
	Type string `json:"type,omitempty"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// NewSessionUpdate builds the session.update event for desc.
func NewSessionUpdate(desc SessionDescriptor) SessionUpdateEvent {
	params := sessionParams{
		Instructions:      desc.Instructions,
		Voice:             desc.Voice,
		InputAudioFormat:  desc.InputAudioFormat,
		OutputAudioFormat: desc.OutputAudioFormat,
	}
	if desc.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: desc.TranscriptionModel}
	}
	if len(desc.Tools) > 0 {
		params.Tools = make([]wireTool, len(desc.Tools))
		for i, t := range desc.Tools {
			params.Tools[i] = wireTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
	}
	return SessionUpdateEvent{Type: "session.update", Session: params}
}

// AppendAudioEvent carries one base64-encoded PCM16 chunk
// (type "input_audio_buffer.append"). Only the WebSocket transport uses it;
// the WebRTC transport sends audio on the media track.
type AppendAudioEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewAppendAudio wraps a raw PCM16 chunk for the data channel.
func NewAppendAudio(pcm []byte) AppendAudioEvent {
	return AppendAudioEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
}

// CommitAudioEvent marks the end of a user utterance
// (type "input_audio_buffer.commit"). Sent on hold-to-talk release.
type CommitAudioEvent struct {
	Type string `json:"type"`
}

// NewCommitAudio returns the commit event.
func NewCommitAudio() CommitAudioEvent {
	return CommitAudioEvent{Type: "input_audio_buffer.commit"}
}

// ResponseCreateEvent asks the agent to produce its next response
// (type "response.create").
type ResponseCreateEvent struct {
	Type string `json:"type"`
}

// NewResponseCreate returns the response.create event.
func NewResponseCreate() ResponseCreateEvent {
	return ResponseCreateEvent{Type: "response.create"}
}

// ResponseCancelEvent aborts the in-flight agent response
// (type "response.cancel"). Sent on barge-in; locally stopping playback is
// not sufficient, the remote agent must also stop generating.
type ResponseCancelEvent struct {
	Type string `json:"type"`
}

// NewResponseCancel returns the response.cancel event.
func NewResponseCancel() ResponseCancelEvent {
	return ResponseCancelEvent{Type: "response.cancel"}
}

// ToolOutputEvent returns a tool-call result to the remote agent
// (type "conversation.item.create" with a function_call_output item).
type ToolOutputEvent struct {
	Type string         `json:"type"`
	Item toolOutputItem `json:"item"`
}

type toolOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// NewToolOutput builds the result event for one resolved tool call. output
// is the JSON-encoded result payload, success or structured error alike.
func NewToolOutput(callID, output string) ToolOutputEvent {
	return ToolOutputEvent{
		Type: "conversation.item.create",
		Item: toolOutputItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}
