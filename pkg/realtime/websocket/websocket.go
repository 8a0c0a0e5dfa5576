// Package websocket implements [realtime.Conn] over a WebSocket connection
// to the remote realtime endpoint.
//
// Control events are JSON text frames; audio travels base64-encoded inside
// input_audio_buffer.append / response.audio.delta events. This transport is
// the fallback for networks that block UDP and the workhorse for tests — the
// WebRTC transport in the sibling package is the production path.
package websocket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	coderws "github.com/coder/websocket"

	"github.com/platevoice/platevoice/pkg/audio"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// Compile-time assertions against the realtime interfaces.
var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*conn)(nil)
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	eventBuffer = 64
	audioBuffer = 64
)

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the default endpoint URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// Dialer opens WebSocket transport connections.
type Dialer struct {
	baseURL string
}

// NewDialer creates a Dialer with the given options.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens a WebSocket connection authenticated with cred. The handshake
// is bounded by [realtime.NegotiationTimeout]; an expired credential fails
// before any network activity.
func (d *Dialer) Dial(ctx context.Context, cred realtime.Credential) (realtime.Conn, error) {
	if cred.Expired(time.Now()) {
		return nil, realtime.ErrCredentialExpired
	}

	base := cred.BaseURL
	if base == "" {
		base = d.baseURL
	}
	wsURL := fmt.Sprintf("%s?model=%s", base, cred.Model)

	dialCtx, cancel := context.WithTimeoutCause(ctx, realtime.NegotiationTimeout, realtime.ErrNegotiationTimeout)
	defer cancel()

	ws, _, err := coderws.Dial(dialCtx, wsURL, &coderws.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cred.Token},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if cause := context.Cause(dialCtx); cause == realtime.ErrNegotiationTimeout {
			return nil, fmt.Errorf("websocket: dial: %w", realtime.ErrNegotiationTimeout)
		}
		return nil, fmt.Errorf("websocket: dial: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		ws:      ws,
		events:  make(chan []byte, eventBuffer),
		audioCh: make(chan audio.Frame, audioBuffer),
		uplink:  audio.Converter{Target: audio.Format{SampleRate: audio.ProtocolRate, Channels: 1}},
		state:   realtime.StateConnected,
		ctx:     connCtx,
		cancel:  connCancel,
	}
	go c.receiveLoop()
	return c, nil
}

// conn is the WebSocket [realtime.Conn] implementation.
type conn struct {
	ws      *coderws.Conn
	events  chan []byte
	audioCh chan audio.Frame
	uplink  audio.Converter

	mu     sync.Mutex
	state  realtime.ConnState
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// audioDeltaProbe extracts just enough of an inbound event to recognise and
// decode audio deltas. All other event parsing belongs to the caller.
type audioDeltaProbe struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// receiveLoop reads frames from the socket until it is torn down. It owns
// the events and audio channels and closes both on exit.
func (c *conn) receiveLoop() {
	defer c.closeChannels()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.markDisconnected(err)
			return
		}

		// Audio deltas feed the Audio stream so that the consumer sees one
		// uniform audio channel regardless of transport. The raw payload is
		// still forwarded below so lifecycle translation stays in one place.
		var probe audioDeltaProbe
		if json.Unmarshal(data, &probe) == nil && probe.Type == "response.audio.delta" && probe.Delta != "" {
			if pcm, decErr := base64.StdEncoding.DecodeString(probe.Delta); decErr == nil && len(pcm) > 0 {
				frame := audio.Frame{Data: pcm, SampleRate: audio.ProtocolRate, Channels: 1}
				select {
				case c.audioCh <- frame:
				case <-c.ctx.Done():
					return
				}
			}
		}

		select {
		case c.events <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

// SendEvent marshals event and writes it as a text frame.
func (c *conn) SendEvent(ctx context.Context, event any) error {
	if c.State() != realtime.StateConnected {
		return realtime.ErrNotConnected
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("websocket: marshal event: %w", err)
	}
	if err := c.ws.Write(ctx, coderws.MessageText, data); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// SendAudio converts the frame to 24 kHz mono and wraps the PCM16 data in an
// input_audio_buffer.append event. Capture-rate frames are accepted the same
// way the WebRTC uplink accepts them.
func (c *conn) SendAudio(frame audio.Frame) error {
	if c.State() != realtime.StateConnected {
		return realtime.ErrNotConnected
	}
	converted := c.uplink.Convert(frame)
	if len(converted.Data) == 0 {
		return nil
	}
	return c.SendEvent(c.ctx, realtime.NewAppendAudio(converted.Data))
}

// Events returns the inbound control-event stream.
func (c *conn) Events() <-chan []byte { return c.events }

// Audio returns the agent audio stream.
func (c *conn) Audio() <-chan audio.Frame { return c.audioCh }

// State returns the current connection state.
func (c *conn) State() realtime.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that terminated the connection, if any.
func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close tears down the socket and stops the receive loop. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.state == realtime.StateConnected {
		c.state = realtime.StateDisconnected
	}
	c.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(coderws.StatusNormalClosure, "session closed")
	return nil
}

func (c *conn) markDisconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
	c.state = realtime.StateDisconnected
}

func (c *conn) closeChannels() {
	c.closeOnce.Do(func() {
		close(c.events)
		close(c.audioCh)
	})
}
