package voice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/pkg/audio"
	"github.com/platevoice/platevoice/pkg/realtime"
	"github.com/platevoice/platevoice/pkg/realtime/mock"
)

// stubCreds is a CredentialSource returning a fixed snapshot.
type stubCreds struct {
	issued int
	err    error
}

func (s *stubCreds) Issue(_ context.Context, restaurantID, _ string) (realtime.Credential, menu.Snapshot, error) {
	s.issued++
	if s.err != nil {
		return realtime.Credential{}, menu.Snapshot{}, s.err
	}
	return realtime.Credential{
		Token:     "ek_test",
		Model:     "gpt-realtime-test",
		ExpiresAt: time.Now().Add(time.Minute),
	}, bridgeSnapshot(), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func startTestSession(t *testing.T, conn *mock.Conn, opts ...SessionOption) *Session {
	t.Helper()
	s, err := StartSession(context.Background(), SessionParams{
		RestaurantID: "rest-42",
		Context:      ContextKiosk,
		Credentials:  &stubCreds{},
		Dialer:       &mock.Dialer{Conn: conn},
	}, opts...)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSession_ConfigSentOnReady(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	s := startTestSession(t, conn)

	if got := s.State(); got != StateConnecting {
		t.Fatalf("initial state = %v, want connecting", got)
	}

	conn.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	types := conn.SentEventTypes()
	if len(types) == 0 || types[0] != "session.update" {
		t.Fatalf("sent events = %v, want session.update first", types)
	}
}

// TestSession_KioskOrderFlow walks one full turn: hold-to-talk, utterance,
// transcript, tool call, agent reply audio.
func TestSession_KioskOrderFlow(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	s := startTestSession(t, conn)
	conn.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	s.PressTalk()
	if got := s.State(); got != StateListening {
		t.Fatalf("state = %v, want listening", got)
	}

	frame := audio.Frame{Data: make([]byte, 480), SampleRate: audio.ProtocolRate, Channels: 1}
	if err := s.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	s.ReleaseTalk()
	if got := s.State(); got != StateAwaitingTranscript {
		t.Fatalf("state = %v, want awaiting_transcript", got)
	}
	// Captured frames are dropped once capture stops.
	if err := s.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio after release: %v", err)
	}
	if got := len(conn.SentFrames); got != 1 {
		t.Errorf("SentFrames = %d, want 1", got)
	}

	conn.PushEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"I'll have two burgers."}`))
	waitFor(t, "processing state", func() bool { return s.State() == StateProcessing })

	conn.PushEvent([]byte(`{"type":"response.function_call_arguments.done","call_id":"c1","name":"add_item","arguments":"{\"name\":\"Burger\",\"quantity\":2}"}`))
	waitFor(t, "draft update", func() bool { return s.Draft().SubtotalCents() == 1798 })

	conn.PushEvent([]byte(`{"type":"response.audio.delta","delta":"AAAA"}`))
	waitFor(t, "speaking state", func() bool { return s.State() == StateSpeaking })
	conn.PushEvent([]byte(`{"type":"response.audio.done"}`))
	waitFor(t, "ready again", func() bool { return s.State() == StateReady })

	// Outbound traffic: session.update, commit, response.create, tool
	// output, response continuation.
	waitFor(t, "tool output sent", func() bool {
		for _, typ := range conn.SentEventTypes() {
			if typ == "conversation.item.create" {
				return true
			}
		}
		return false
	})
}

func TestSession_BargeInSendsCancel(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	s := startTestSession(t, conn)
	conn.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	s.PressTalk()
	s.ReleaseTalk()
	conn.PushEvent([]byte(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"a salad"}`))
	conn.PushEvent([]byte(`{"type":"response.audio.delta","delta":"AAAA"}`))
	waitFor(t, "speaking state", func() bool { return s.State() == StateSpeaking })

	s.PressTalk()
	if got := s.State(); got != StateListening {
		t.Fatalf("state after barge-in = %v, want listening", got)
	}

	cancels := 0
	for _, typ := range conn.SentEventTypes() {
		if typ == "response.cancel" {
			cancels++
		}
	}
	if cancels != 1 {
		t.Errorf("response.cancel count = %d, want exactly 1", cancels)
	}
}

func TestSession_DisconnectFailsPendingAndRedials(t *testing.T) {
	t.Parallel()

	conn1 := mock.NewConn()
	conn2 := mock.NewConn()
	dialer := &mock.Dialer{Conn: conn1}
	creds := &stubCreds{}

	s, err := StartSession(context.Background(), SessionParams{
		RestaurantID: "rest-42",
		Context:      ContextKiosk,
		Credentials:  creds,
		Dialer:       dialer,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	t.Cleanup(s.Close)

	conn1.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	// Leave one call pending when the transport dies.
	s.bridge.mu.Lock()
	s.bridge.pending["stuck"] = "add_item"
	s.bridge.mu.Unlock()

	dialer.SetConn(conn2)
	conn1.Disconnect(errors.New("network down"))

	waitFor(t, "pending calls failed", func() bool { return s.bridge.PendingCount() == 0 })
	waitFor(t, "redial", func() bool { return dialer.DialCount() == 2 })

	// A fresh credential was minted for the redial (the original is expired).
	if creds.issued < 2 {
		t.Errorf("credentials issued = %d, want >= 2", creds.issued)
	}

	// The fresh session re-arms through connecting and resends the config.
	conn2.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready after reconnect", func() bool { return s.State() == StateReady })
	types := conn2.SentEventTypes()
	if len(types) == 0 || types[0] != "session.update" {
		t.Errorf("events on new conn = %v, want session.update first", types)
	}

	// The draft survives the reconnect.
	if s.Draft() == nil {
		t.Error("draft lost across reconnect")
	}
}

func TestSession_FailFastConfigErrors(t *testing.T) {
	t.Parallel()

	d := &mock.Dialer{}

	// Invalid serving context fails before any dial.
	_, err := StartSession(context.Background(), SessionParams{
		RestaurantID: "rest-42",
		Context:      "food-truck",
		Credentials:  &stubCreds{},
		Dialer:       d,
	})
	if !errors.Is(err, ErrInvalidContext) {
		t.Fatalf("err = %v, want ErrInvalidContext", err)
	}

	// Credential failures surface, also before any dial.
	wantErr := errors.New("issuer down")
	_, err = StartSession(context.Background(), SessionParams{
		RestaurantID: "rest-42",
		Context:      ContextKiosk,
		Credentials:  &stubCreds{err: wantErr},
		Dialer:       d,
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}

	if d.DialCount() != 0 {
		t.Errorf("DialCount = %d, want 0 (fail fast before connect)", d.DialCount())
	}
}

func TestManager_SingleActiveSession(t *testing.T) {
	t.Parallel()

	m := NewManager()
	params := SessionParams{
		RestaurantID: "rest-42",
		Context:      ContextKiosk,
		Credentials:  &stubCreds{},
		Dialer:       &mock.Dialer{Conn: mock.NewConn()},
	}

	s, err := m.Start(context.Background(), params)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(m.Close)

	params.Dialer = &mock.Dialer{Conn: mock.NewConn()}
	if _, err := m.Start(context.Background(), params); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start = %v, want ErrSessionActive", err)
	}

	// After closing, a new session is allowed.
	s.Close()
	params.Dialer = &mock.Dialer{Conn: mock.NewConn()}
	if _, err := m.Start(context.Background(), params); err != nil {
		t.Fatalf("Start after close: %v", err)
	}
}

func TestSession_NoticesSurfaceTranscript(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	s := startTestSession(t, conn)
	conn.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	s.PressTalk()
	conn.PushEvent([]byte(`{"type":"conversation.item.input_audio_transcription.delta","delta":"two bur"}`))
	conn.PushEvent([]byte(`{"type":"conversation.item.input_audio_transcription.delta","delta":"gers"}`))

	waitFor(t, "transcript projection", func() bool { return s.Transcript() == "two burgers" })

	got := 0
	for {
		select {
		case n := <-s.Notices():
			if n.Kind == NoticeTranscript {
				got++
			}
			if got == 2 {
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("saw %d transcript notices, want 2", got)
		}
	}
}

func TestSession_SilenceWatchdogFailsSession(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	s := startTestSession(t, conn, WithSilenceTimeout(30*time.Millisecond))
	conn.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	// First committed utterance with zero transcript traffic: the watchdog
	// arms on release and fails the session once the window elapses.
	s.PressTalk()
	s.ReleaseTalk()
	waitFor(t, "error state", func() bool { return s.State() == StateError })

	select {
	case n := <-s.Notices():
		if n.Kind != NoticeError {
			t.Errorf("notice kind = %v, want NoticeError", n.Kind)
		}
		if n.Message != userMessage("transcription_silent") {
			t.Errorf("notice message = %q, want the hearing-trouble text", n.Message)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error notice after watchdog fired")
	}
}

func TestSession_SilenceWatchdogDisarmedByTranscript(t *testing.T) {
	t.Parallel()

	conn := mock.NewConn()
	s := startTestSession(t, conn, WithSilenceTimeout(150*time.Millisecond))
	conn.PushEvent([]byte(`{"type":"session.created"}`))
	waitFor(t, "ready state", func() bool { return s.State() == StateReady })

	s.PressTalk()
	s.ReleaseTalk()
	conn.PushEvent([]byte(`{"type":"conversation.item.input_audio_transcription.delta","delta":"a bur"}`))
	waitFor(t, "transcript projection", func() bool { return s.Transcript() == "a bur" })

	// Well past the window: transcript traffic disarmed the watchdog.
	time.Sleep(400 * time.Millisecond)
	if got := s.State(); got == StateError {
		t.Fatalf("state = %v, watchdog fired despite transcript traffic", got)
	}
}

func TestUserMessage_NeverRaw(t *testing.T) {
	t.Parallel()

	for _, code := range []string{"connection_lost", "transcription_silent", "weird_code_17"} {
		msg := userMessage(code)
		if msg == "" || msg == code {
			t.Errorf("userMessage(%q) = %q, want friendly text", code, msg)
		}
	}
	// Sanity: messages decode as plain text, no struct leakage.
	if data, _ := json.Marshal(userMessage("x")); len(data) == 0 {
		t.Error("empty message")
	}
}
