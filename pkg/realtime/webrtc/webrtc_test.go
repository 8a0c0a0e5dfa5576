package webrtc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/platevoice/platevoice/pkg/audio"
	"github.com/platevoice/platevoice/pkg/realtime"
)

func testCredential() realtime.Credential {
	return realtime.Credential{
		Token:     "ek_test",
		Model:     "gpt-4o-realtime-preview",
		ExpiresAt: time.Now().Add(45 * time.Second),
	}
}

func TestNewDialer_Defaults(t *testing.T) {
	d := NewDialer()
	if d.baseURL != defaultBaseURL {
		t.Errorf("baseURL = %q, want %q", d.baseURL, defaultBaseURL)
	}
	if len(d.stunServers) != 1 || d.stunServers[0] != defaultSTUNServer {
		t.Errorf("stunServers = %v, want the default STUN server", d.stunServers)
	}
}

func TestNewDialer_Options(t *testing.T) {
	hc := &http.Client{}
	d := NewDialer(
		WithBaseURL("https://gateway.local/realtime"),
		WithSTUNServers([]string{"stun:stun.local:3478"}),
		WithHTTPClient(hc),
	)
	if d.baseURL != "https://gateway.local/realtime" {
		t.Errorf("baseURL = %q", d.baseURL)
	}
	if len(d.stunServers) != 1 || d.stunServers[0] != "stun:stun.local:3478" {
		t.Errorf("stunServers = %v", d.stunServers)
	}
	if d.httpClient != hc {
		t.Error("httpClient was not replaced")
	}
}

func TestDial_RejectsExpiredCredential(t *testing.T) {
	d := NewDialer()
	cred := testCredential()
	cred.ExpiresAt = time.Now().Add(-time.Second)

	_, err := d.Dial(context.Background(), cred)
	if !errors.Is(err, realtime.ErrCredentialExpired) {
		t.Fatalf("err = %v, want ErrCredentialExpired", err)
	}
}

func TestExchangeSDP(t *testing.T) {
	const offer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"
	const answer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ek_test" {
			t.Errorf("Authorization = %q, want Bearer ek_test", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/sdp" {
			t.Errorf("Content-Type = %q, want application/sdp", got)
		}
		if got := r.URL.Query().Get("model"); got != "gpt-4o-realtime-preview" {
			t.Errorf("model = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != offer {
			t.Errorf("body = %q, want the offer SDP", body)
		}
		io.WriteString(w, answer)
	}))
	defer srv.Close()

	d := NewDialer(WithBaseURL(srv.URL))
	got, err := d.exchangeSDP(context.Background(), testCredential(), offer)
	if err != nil {
		t.Fatalf("exchangeSDP: %v", err)
	}
	if got != answer {
		t.Errorf("answer = %q, want %q", got, answer)
	}
}

func TestExchangeSDP_CredentialBaseURLWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "v=0\r\n")
	}))
	defer srv.Close()

	// Dialer points somewhere unreachable; the credential's base URL must be
	// used instead.
	d := NewDialer(WithBaseURL("http://127.0.0.1:1"))
	cred := testCredential()
	cred.BaseURL = srv.URL

	if _, err := d.exchangeSDP(context.Background(), cred, "v=0\r\n"); err != nil {
		t.Fatalf("exchangeSDP: %v", err)
	}
}

func TestExchangeSDP_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid session", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := NewDialer(WithBaseURL(srv.URL))
	_, err := d.exchangeSDP(context.Background(), testCredential(), "v=0\r\n")
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q should carry the status code", err)
	}
}

func TestConn_SendWhenNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{
		events:  make(chan []byte, 1),
		audioCh: make(chan audio.Frame, 1),
		state:   realtime.StateNegotiating,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := c.SendEvent(context.Background(), map[string]string{"type": "noop"}); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("SendEvent err = %v, want ErrNotConnected", err)
	}
	frame := audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	if err := c.SendAudio(frame); !errors.Is(err, realtime.ErrNotConnected) {
		t.Errorf("SendAudio err = %v, want ErrNotConnected", err)
	}
}

func TestConn_CloseIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		events:  make(chan []byte),
		audioCh: make(chan audio.Frame),
		state:   realtime.StateConnected,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.State() != realtime.StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}

	// Both outbound channels must be closed exactly once.
	if _, ok := <-c.events; ok {
		t.Error("events channel still open after Close")
	}
	if _, ok := <-c.audioCh; ok {
		t.Error("audio channel still open after Close")
	}
}
