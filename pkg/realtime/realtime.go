// Package realtime defines the transport abstraction for a full-duplex voice
// session between a PlateVoice appliance and the remote realtime agent
// endpoint.
//
// A [Conn] carries two streams: binary PCM16 audio (both directions) and a
// single ordered stream of JSON control events. Implementations exist for
// WebRTC (media track + data channel, the production path) and WebSocket
// (base64 audio inside JSON events, used where UDP is blocked and in tests).
//
// Connection lifecycle is an explicit state machine, distinct from the voice
// turn state owned by internal/voice:
//
//	new → negotiating → connected → {disconnected, failed}
//
// failed is terminal. disconnected may be retried by a [Reconnector] with
// bounded exponential backoff; the retry never happens silently inside the
// Conn itself.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/platevoice/platevoice/pkg/audio"
)

// NegotiationTimeout bounds the offer/answer handshake. A handshake that has
// not produced a connected transport within this window fails the connection.
const NegotiationTimeout = 10 * time.Second

// Sentinel errors shared by all transports.
var (
	// ErrNotConnected is returned by SendEvent and SendAudio when the data
	// channel is not open. Late events are never buffered silently; the
	// caller decides whether to drop or surface the failure.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrCredentialExpired is returned by Dial when the session credential's
	// expiry has already passed.
	ErrCredentialExpired = errors.New("realtime: session credential expired")

	// ErrNegotiationTimeout is returned by Dial when the handshake does not
	// complete within NegotiationTimeout.
	ErrNegotiationTimeout = errors.New("realtime: negotiation timed out")
)

// ConnState is the low-level connection state of a [Conn].
type ConnState int

const (
	StateNew ConnState = iota
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

// String returns the human-readable name of the state.
func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Credential is the short-lived, server-issued secret used to authenticate a
// single session against the remote endpoint. Credentials are minted by the
// platform's session-issuing endpoint and are valid for at most 60 seconds.
type Credential struct {
	// Token is the opaque bearer secret.
	Token string

	// Model pins the remote model this credential was minted for.
	Model string

	// BaseURL overrides the remote endpoint. Empty means the transport's
	// built-in default.
	BaseURL string

	// ExpiresAt is the server-issued expiry instant.
	ExpiresAt time.Time
}

// Expired reports whether the credential can no longer open a session.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Conn is an open transport connection to the remote realtime endpoint.
//
// Events() delivers inbound data-channel payloads in arrival order (FIFO, no
// reordering). The channel is closed when the connection ends; after it
// closes, Err reports whether the teardown was clean. Consumers must drain
// both Events and Audio promptly.
//
// Callers must call Close when done; Close is idempotent and releases the
// microphone stream, the data channel, the peer connection, and every
// internal handler and timer on all exit paths.
type Conn interface {
	// SendEvent marshals event to JSON and sends it over the data channel.
	// Returns ErrNotConnected when the channel is not open.
	SendEvent(ctx context.Context, event any) error

	// SendAudio delivers one captured PCM16 frame to the remote endpoint.
	// Returns ErrNotConnected when the connection is not open.
	SendAudio(frame audio.Frame) error

	// Events returns the ordered stream of raw inbound control-event payloads.
	Events() <-chan []byte

	// Audio returns the stream of synthesised agent audio.
	Audio() <-chan audio.Frame

	// State returns the current connection state.
	State() ConnState

	// Err returns the error that terminated the connection, or nil while the
	// connection is live or after a clean close.
	Err() error

	// Close tears the connection down. Idempotent; always returns nil after
	// the first call.
	Close() error
}

// Dialer opens transport connections. Implementations must validate the
// credential's expiry before any network activity and must surface
// negotiation failures synchronously rather than retrying internally.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Conn, error)
}
