// Package webrtc implements [realtime.Conn] over a peer-to-peer WebRTC
// connection to the remote realtime endpoint.
//
// Audio travels as 48 kHz mono Opus on the media track; control events are
// JSON on the "oai-events" data channel. Session negotiation is a single
// SDP offer/answer exchange: the local offer is POSTed to the endpoint with
// the ephemeral session credential and the body of the response is the
// answer. No trickle ICE — the offer is sent after gathering completes.
package webrtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/platevoice/platevoice/pkg/audio"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// Compile-time assertions against the realtime interfaces.
var (
	_ realtime.Dialer = (*Dialer)(nil)
	_ realtime.Conn   = (*conn)(nil)
)

const (
	defaultBaseURL     = "https://api.openai.com/v1/realtime"
	defaultSTUNServer  = "stun:stun.l.google.com:19302"
	dataChannelLabel   = "oai-events"
	eventBuffer        = 64
	audioBuffer        = 64
	rtcpReadBufferSize = 1500
)

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the SDP exchange endpoint.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithSTUNServers replaces the default STUN server list.
func WithSTUNServers(urls []string) Option {
	return func(d *Dialer) { d.stunServers = urls }
}

// WithHTTPClient replaces the HTTP client used for the SDP exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// Dialer opens WebRTC transport connections.
type Dialer struct {
	baseURL     string
	stunServers []string
	httpClient  *http.Client
}

// NewDialer creates a Dialer with the given options.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{
		baseURL:     defaultBaseURL,
		stunServers: []string{defaultSTUNServer},
		httpClient:  &http.Client{Timeout: realtime.NegotiationTimeout},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial establishes the peer connection: create the data channel and the
// microphone track, run the offer/answer exchange, then wait for both the
// transport and the data channel to open. The whole handshake is bounded by
// [realtime.NegotiationTimeout]; on any failure every partially-acquired
// resource is released before returning.
func (d *Dialer) Dial(ctx context.Context, cred realtime.Credential) (realtime.Conn, error) {
	if cred.Expired(time.Now()) {
		return nil, realtime.ErrCredentialExpired
	}

	iceServers := make([]pion.ICEServer, 0, len(d.stunServers))
	for _, u := range d.stunServers {
		iceServers = append(iceServers, pion.ICEServer{URLs: []string{u}})
	}

	pc, err := pion.NewPeerConnection(pion.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("webrtc: create peer connection: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &conn{
		pc:      pc,
		events:  make(chan []byte, eventBuffer),
		audioCh: make(chan audio.Frame, audioBuffer),
		state:   realtime.StateNegotiating,
		ctx:     connCtx,
		cancel:  connCancel,
		uplink: audio.Converter{
			Target: audio.Format{SampleRate: audio.OpusSampleRate, Channels: audio.OpusChannels},
		},
	}

	fail := func(err error) (realtime.Conn, error) {
		c.teardown()
		return nil, err
	}

	enc, err := audio.NewOpusEncoder()
	if err != nil {
		return fail(fmt.Errorf("webrtc: %w", err))
	}
	c.encoder = enc

	// Data channel first so it is announced in the offer.
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fail(fmt.Errorf("webrtc: create data channel: %w", err))
	}
	c.dc = dc

	dcOpen := make(chan struct{})
	dc.OnOpen(func() { close(dcOpen) })
	dc.OnMessage(c.handleDataChannelMessage)

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: audio.OpusSampleRate, Channels: audio.OpusChannels},
		"audio", "platevoice-mic",
	)
	if err != nil {
		return fail(fmt.Errorf("webrtc: create local track: %w", err))
	}
	c.track = track

	sender, err := pc.AddTrack(track)
	if err != nil {
		return fail(fmt.Errorf("webrtc: add track: %w", err))
	}
	go drainRTCP(connCtx, sender)

	pc.OnTrack(c.handleRemoteTrack)

	transportReady := make(chan struct{})
	transportFailed := make(chan struct{})
	var readyOnce, failedOnce sync.Once
	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		switch s {
		case pion.PeerConnectionStateConnected:
			readyOnce.Do(func() { close(transportReady) })
		case pion.PeerConnectionStateDisconnected:
			c.markDisconnected(errors.New("webrtc: transport disconnected"))
			// Tear down off the signalling goroutine so consumers observe
			// the events channel closing.
			go c.teardown()
		case pion.PeerConnectionStateFailed:
			failedOnce.Do(func() { close(transportFailed) })
			c.markFailed(errors.New("webrtc: transport failed"))
			go c.teardown()
		}
	})

	// Offer/answer exchange. Gathering completes before the POST so the
	// offer carries all candidates.
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("webrtc: create offer: %w", err))
	}
	gathered := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("webrtc: set local description: %w", err))
	}

	negotiateCtx, negotiateCancel := context.WithTimeoutCause(ctx, realtime.NegotiationTimeout, realtime.ErrNegotiationTimeout)
	defer negotiateCancel()

	select {
	case <-gathered:
	case <-negotiateCtx.Done():
		return fail(fmt.Errorf("webrtc: ice gathering: %w", context.Cause(negotiateCtx)))
	}

	answerSDP, err := d.exchangeSDP(negotiateCtx, cred, pc.LocalDescription().SDP)
	if err != nil {
		return fail(err)
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		return fail(fmt.Errorf("webrtc: set remote description: %w", err))
	}

	// The connection is usable once both the DTLS transport and the data
	// channel are open.
	for _, ch := range []<-chan struct{}{transportReady, dcOpen} {
		select {
		case <-ch:
		case <-transportFailed:
			return fail(errors.New("webrtc: transport failed during negotiation"))
		case <-negotiateCtx.Done():
			return fail(fmt.Errorf("webrtc: handshake: %w", context.Cause(negotiateCtx)))
		}
	}

	c.setState(realtime.StateConnected)
	return c, nil
}

// exchangeSDP POSTs the local offer and returns the remote answer.
func (d *Dialer) exchangeSDP(ctx context.Context, cred realtime.Credential, offerSDP string) (string, error) {
	base := cred.BaseURL
	if base == "" {
		base = d.baseURL
	}
	url := fmt.Sprintf("%s?model=%s", base, cred.Model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(offerSDP)))
	if err != nil {
		return "", fmt.Errorf("webrtc: build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if cause := context.Cause(ctx); errors.Is(cause, realtime.ErrNegotiationTimeout) {
			return "", fmt.Errorf("webrtc: sdp exchange: %w", realtime.ErrNegotiationTimeout)
		}
		return "", fmt.Errorf("webrtc: sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("webrtc: read sdp answer: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webrtc: sdp exchange: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return string(body), nil
}

// drainRTCP keeps the RTP sender's RTCP stream flowing so interceptors run.
func drainRTCP(ctx context.Context, sender *pion.RTPSender) {
	buf := make([]byte, rtcpReadBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// conn is the WebRTC [realtime.Conn] implementation.
type conn struct {
	pc      *pion.PeerConnection
	dc      *pion.DataChannel
	track   *pion.TrackLocalStaticSample
	encoder *audio.OpusEncoder
	uplink  audio.Converter

	events  chan []byte
	audioCh chan audio.Frame

	mu      sync.Mutex
	state   realtime.ConnState
	errVal  error
	closed  bool
	pending []byte // PCM accumulator awaiting a full 20 ms opus frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *conn) handleDataChannelMessage(msg pion.DataChannelMessage) {
	select {
	case c.events <- msg.Data:
	case <-c.ctx.Done():
	}
}

// handleRemoteTrack decodes the agent's Opus downlink into PCM16 frames.
// Each remote track gets its own decoder to keep codec state coherent.
func (c *conn) handleRemoteTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	dec, err := audio.NewOpusDecoder()
	if err != nil {
		slog.Error("webrtc: remote track decoder", "err", err)
		return
	}
	for {
		if c.ctx.Err() != nil {
			return
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			continue
		}
		frame := audio.Frame{Data: pcm, SampleRate: audio.OpusSampleRate, Channels: audio.OpusChannels}
		select {
		case c.audioCh <- frame:
		case <-c.ctx.Done():
			return
		default:
			// Playback is falling behind; drop rather than stall RTP reads.
		}
	}
}

// SendEvent marshals event and sends it on the data channel.
func (c *conn) SendEvent(_ context.Context, event any) error {
	c.mu.Lock()
	dc := c.dc
	open := c.state == realtime.StateConnected && dc != nil && dc.ReadyState() == pion.DataChannelStateOpen
	c.mu.Unlock()
	if !open {
		return realtime.ErrNotConnected
	}

	data, err := marshalEvent(event)
	if err != nil {
		return err
	}
	if err := dc.SendText(string(data)); err != nil {
		return fmt.Errorf("webrtc: data channel send: %w", err)
	}
	return nil
}

// SendAudio converts the captured frame to the uplink format, accumulates
// PCM until a full 20 ms opus frame is available, and writes samples to the
// media track. Partial tails stay buffered for the next call.
func (c *conn) SendAudio(frame audio.Frame) error {
	if c.State() != realtime.StateConnected {
		return realtime.ErrNotConnected
	}

	converted := c.uplink.Convert(frame)
	if len(converted.Data) == 0 {
		return nil
	}

	const frameBytes = audio.OpusFrameSize * audio.OpusChannels * 2

	c.mu.Lock()
	c.pending = append(c.pending, converted.Data...)
	var chunks [][]byte
	for len(c.pending) >= frameBytes {
		chunk := make([]byte, frameBytes)
		copy(chunk, c.pending[:frameBytes])
		c.pending = c.pending[frameBytes:]
		chunks = append(chunks, chunk)
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		packet, err := c.encoder.Encode(chunk)
		if err != nil {
			return err
		}
		pcm := audio.Frame{Data: chunk, SampleRate: audio.OpusSampleRate, Channels: audio.OpusChannels}
		sample := media.Sample{Data: packet, Duration: pcm.Duration()}
		if err := c.track.WriteSample(sample); err != nil {
			return fmt.Errorf("webrtc: write sample: %w", err)
		}
	}
	return nil
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

// Close tears down the peer connection. Idempotent.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.state == realtime.StateConnected || c.state == realtime.StateNegotiating {
		c.state = realtime.StateDisconnected
	}
	c.mu.Unlock()

	c.teardown()
	return nil
}

// teardown releases every resource on every exit path: detach data-channel
// and peer-connection handlers (handler closures capture the conn and would
// otherwise outlive it), cancel the context so track readers stop, close the
// data channel, close the peer connection, close the outbound channels.
func (c *conn) teardown() {
	c.cancel()

	if c.dc != nil {
		c.dc.OnOpen(func() {})
		c.dc.OnMessage(func(pion.DataChannelMessage) {})
		_ = c.dc.Close()
	}
	if c.pc != nil {
		c.pc.OnTrack(func(*pion.TrackRemote, *pion.RTPReceiver) {})
		c.pc.OnConnectionStateChange(func(pion.PeerConnectionState) {})
		_ = c.pc.Close()
	}

	c.closeOnce.Do(func() {
		close(c.events)
		close(c.audioCh)
	})
}

func (c *conn) setState(s realtime.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *conn) markDisconnected(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
	if c.state != realtime.StateFailed {
		c.state = realtime.StateDisconnected
	}
}

func (c *conn) markFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
	c.state = realtime.StateFailed
}

func marshalEvent(event any) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("webrtc: marshal event: %w", err)
	}
	return data, nil
}
