// Package mock provides test doubles for the realtime package interfaces.
//
// Use Dialer to verify Dial calls and feed controlled connections. Use Conn
// to drive the inbound event/audio streams and inspect what the voice
// session sent.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	conn.PushEvent([]byte(`{"type":"session.created"}`))
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/platevoice/platevoice/pkg/audio"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Ctx is the context passed to Dial.
	Ctx context.Context
	// Cred is the credential passed to Dial.
	Cred realtime.Credential
}

// Dialer is a mock implementation of realtime.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a new default Conn.
	Conn realtime.Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context, cred realtime.Credential) (realtime.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DialCalls = append(d.DialCalls, DialCall{Ctx: ctx, Cred: cred})
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Conn != nil {
		return d.Conn, nil
	}
	return NewConn(), nil
}

// SetConn swaps the connection returned by future Dial calls. Thread-safe.
func (d *Dialer) SetConn(conn realtime.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Conn = conn
}

// DialCount returns the number of recorded Dial calls. Thread-safe.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DialCalls)
}

// Conn is a mock implementation of realtime.Conn. Tests push inbound data
// with PushEvent/PushAudio and inspect outbound traffic via SentEvents and
// SentFrames.
type Conn struct {
	mu sync.Mutex

	// EventsCh and AudioCh back Events() and Audio(). Created by NewConn.
	EventsCh chan []byte
	AudioCh  chan audio.Frame

	// ConnState is returned by State. Defaults to StateConnected.
	ConnState realtime.ConnState

	// SendEventErr, if non-nil, is returned from SendEvent.
	SendEventErr error

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// ErrVal is returned by Err.
	ErrVal error

	// SentEvents records every event passed to SendEvent, JSON-encoded.
	SentEvents [][]byte

	// SentFrames records every frame passed to SendAudio.
	SentFrames []audio.Frame

	// CloseCount is the number of times Close was called.
	CloseCount int

	closeOnce sync.Once
}

// Compile-time interface checks.
var (
	_ realtime.Conn   = (*Conn)(nil)
	_ realtime.Dialer = (*Dialer)(nil)
)

// NewConn returns a connected mock Conn with buffered channels.
func NewConn() *Conn {
	return &Conn{
		EventsCh:  make(chan []byte, 64),
		AudioCh:   make(chan audio.Frame, 64),
		ConnState: realtime.StateConnected,
	}
}

// PushEvent delivers one inbound control-event payload.
func (c *Conn) PushEvent(data []byte) {
	c.EventsCh <- data
}

// PushAudio delivers one inbound agent audio frame.
func (c *Conn) PushAudio(frame audio.Frame) {
	c.AudioCh <- frame
}

// Disconnect simulates a mid-session transport loss: the state flips to
// disconnected, err is stored, and both inbound channels close.
func (c *Conn) Disconnect(err error) {
	c.mu.Lock()
	c.ConnState = realtime.StateDisconnected
	if c.ErrVal == nil {
		c.ErrVal = err
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.EventsCh)
		close(c.AudioCh)
	})
}

// SendEvent records the JSON-encoded event.
func (c *Conn) SendEvent(_ context.Context, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendEventErr != nil {
		return c.SendEventErr
	}
	if c.ConnState != realtime.StateConnected {
		return realtime.ErrNotConnected
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.SentEvents = append(c.SentEvents, data)
	return nil
}

// SendAudio records the frame.
func (c *Conn) SendAudio(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendAudioErr != nil {
		return c.SendAudioErr
	}
	if c.ConnState != realtime.StateConnected {
		return realtime.ErrNotConnected
	}
	c.SentFrames = append(c.SentFrames, frame)
	return nil
}

// Events returns the inbound event channel.
func (c *Conn) Events() <-chan []byte { return c.EventsCh }

// Audio returns the inbound audio channel.
func (c *Conn) Audio() <-chan audio.Frame { return c.AudioCh }

// State returns ConnState.
func (c *Conn) State() realtime.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ConnState
}

// Err returns ErrVal.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ErrVal
}

// Close records the call and closes the inbound channels.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CloseCount++
	c.ConnState = realtime.StateDisconnected
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		close(c.EventsCh)
		close(c.AudioCh)
	})
	return nil
}

// SentEventTypes decodes the "type" field of every recorded outbound event.
// Thread-safe; useful for asserting protocol traffic order.
func (c *Conn) SentEventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.SentEvents))
	for _, raw := range c.SentEvents {
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &probe)
		types = append(types, probe.Type)
	}
	return types
}
