package voice

import (
	"testing"
)

func TestTranslate_KnownEvents(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want Event
	}{
		{
			"session created",
			`{"type":"session.created"}`,
			SessionReady{},
		},
		{
			"transcript delta",
			`{"type":"conversation.item.input_audio_transcription.delta","delta":"two bur"}`,
			TranscriptDelta{Text: "two bur"},
		},
		{
			"transcript completed",
			`{"type":"conversation.item.input_audio_transcription.completed","transcript":"I'll have two burgers."}`,
			TranscriptDelta{Text: "I'll have two burgers.", Final: true},
		},
		{
			"audio delta",
			`{"type":"response.audio.delta","delta":"AAAA"}`,
			AgentAudioStart{},
		},
		{
			"audio done",
			`{"type":"response.audio.done"}`,
			AgentAudioStop{},
		},
		{
			"output buffer stopped",
			`{"type":"output_audio_buffer.stopped"}`,
			AgentAudioStop{},
		},
		{
			"remote error",
			`{"type":"error","error":{"code":"session_expired","message":"session expired"}}`,
			RemoteError{Code: "session_expired", Message: "session expired"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Translate([]byte(tc.raw))
			if got != tc.want {
				t.Errorf("Translate = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestTranslate_ToolCall(t *testing.T) {
	t.Parallel()

	raw := `{"type":"response.function_call_arguments.done","call_id":"call_7","name":"add_item","arguments":"{\"name\":\"Burger\",\"quantity\":2}"}`
	got := Translate([]byte(raw))
	call, ok := got.(ToolCallRequested)
	if !ok {
		t.Fatalf("Translate = %#v, want ToolCallRequested", got)
	}
	if call.CallID != "call_7" || call.Name != "add_item" {
		t.Errorf("call = %+v", call)
	}
	if string(call.Args) != `{"name":"Burger","quantity":2}` {
		t.Errorf("Args = %s", call.Args)
	}
}

func TestTranslate_NeverPanics(t *testing.T) {
	t.Parallel()

	// Malformed input becomes RemoteError, unknown types become Unrecognized.
	for _, raw := range []string{
		``,
		`not json`,
		`{"delta":"x"}`,
		`{"type":""}`,
		`{"type":"response.function_call_arguments.done"}`,
		`[1,2,3]`,
	} {
		ev := Translate([]byte(raw))
		if _, ok := ev.(RemoteError); !ok {
			t.Errorf("Translate(%q) = %#v, want RemoteError", raw, ev)
		}
	}

	ev := Translate([]byte(`{"type":"rate_limits.updated"}`))
	unrec, ok := ev.(Unrecognized)
	if !ok {
		t.Fatalf("Translate = %#v, want Unrecognized", ev)
	}
	if unrec.RawType != "rate_limits.updated" {
		t.Errorf("RawType = %q", unrec.RawType)
	}
}

func TestTranslate_ErrorDefaults(t *testing.T) {
	t.Parallel()

	ev := Translate([]byte(`{"type":"error"}`))
	re, ok := ev.(RemoteError)
	if !ok {
		t.Fatalf("Translate = %#v, want RemoteError", ev)
	}
	if re.Code != "unknown" || re.Message == "" {
		t.Errorf("RemoteError = %+v", re)
	}

	// Type falls back to the error object's type field when no code is set.
	ev = Translate([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	re = ev.(RemoteError)
	if re.Code != "invalid_request_error" || re.Message != "bad" {
		t.Errorf("RemoteError = %+v", re)
	}
}
