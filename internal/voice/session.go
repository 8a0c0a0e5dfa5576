// Package voice implements the client-side voice ordering session: the turn
// state machine, the protocol event translator, the session configuration
// builder and the order mutation bridge, wired into one session-scoped
// object graph per active session.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platevoice/platevoice/internal/menu"
	"github.com/platevoice/platevoice/internal/observe"
	"github.com/platevoice/platevoice/internal/order"
	"github.com/platevoice/platevoice/pkg/audio"
	"github.com/platevoice/platevoice/pkg/realtime"
)

// TranscriptSilenceTimeout bounds how long a session tolerates total
// transcript silence after the first committed utterance. The transcription
// model name is an external contract the vendor has broken without notice;
// when the configured model is dead the session would otherwise just hang.
const TranscriptSilenceTimeout = 15 * time.Second

// ErrSessionActive is returned when a second session is started while one is
// already running. The microphone and data channel are exclusively owned, so
// a second connect must fail fast rather than open a second peer connection.
var ErrSessionActive = errors.New("voice: a session is already active")

// CredentialSource mints short-lived session credentials together with the
// restaurant's current menu snapshot. Credentials expire within 60 seconds;
// the snapshot from the first issue stays authoritative for the whole
// session even across reconnects.
type CredentialSource interface {
	Issue(ctx context.Context, restaurantID, servingContext string) (realtime.Credential, menu.Snapshot, error)
}

// NoticeKind classifies user-facing session notices.
type NoticeKind int

// Notice kinds surfaced to the UI.
const (
	NoticeTranscript NoticeKind = iota
	NoticeTimeout
	NoticeError
	NoticeReconnected
	NoticeOrderAtRisk
)

// Notice is a read-only UI surface item: live transcript text, soft
// timeouts, and error banners. Messages are already user-facing; raw
// protocol codes never appear here.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// SessionParams configures one voice session.
type SessionParams struct {
	// RestaurantID scopes the menu snapshot and credential.
	RestaurantID string

	// Context selects the behavior profile (kiosk, table-service,
	// drive-through). Immutable for the session lifetime.
	Context ServingContext

	// Credentials mints session credentials and the menu snapshot.
	Credentials CredentialSource

	// Dialer opens the realtime transport.
	Dialer realtime.Dialer

	// Draft is the order draft to mutate. A nil Draft starts an empty one.
	// Passing the previous draft after a failed session resumes the
	// half-built order in a fresh session.
	Draft *order.Draft

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// SessionOption tweaks session construction.
type SessionOption func(*Session)

// WithSilenceTimeout overrides the transcript-silence window. Zero or
// negative values keep [TranscriptSilenceTimeout].
func WithSilenceTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.silenceTimeout = d
		}
	}
}

// Session is one live voice ordering session: a transport connection, a turn
// state machine, and an order bridge sharing a single session-scoped object
// graph. No session state is global.
type Session struct {
	restaurantID string
	servingCtx   ServingContext
	desc         realtime.SessionDescriptor
	snap         menu.Snapshot
	draft        *order.Draft
	machine      *Machine
	bridge       *Bridge
	recon        *realtime.Reconnector
	creds        CredentialSource
	logger       *slog.Logger
	metrics      *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	capturing atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	startedAt time.Time

	playback chan audio.Frame
	notices  chan Notice

	transcriptSeen atomic.Bool
	silenceTimeout time.Duration
	watchdogMu     sync.Mutex
	watchdog       *time.Timer

	turnMu    sync.Mutex
	turnStart time.Time
}

// StartSession builds the session object graph, mints a credential and menu
// snapshot, validates the configuration, and connects. Configuration errors
// (invalid context, empty menu, oversized instructions) fail here, before
// any connection is attempted.
func StartSession(ctx context.Context, params SessionParams, opts ...SessionOption) (*Session, error) {
	if params.Credentials == nil || params.Dialer == nil {
		return nil, errors.New("voice: credentials and dialer are required")
	}
	if !params.Context.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContext, params.Context)
	}
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cred, snap, err := params.Credentials.Issue(ctx, params.RestaurantID, string(params.Context))
	if err != nil {
		return nil, fmt.Errorf("voice: issue session credential: %w", err)
	}
	desc, err := BuildSessionConfig(params.Context, snap)
	if err != nil {
		return nil, err
	}

	draft := params.Draft
	if draft == nil {
		draft = order.NewDraft()
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		restaurantID: params.RestaurantID,
		servingCtx:   params.Context,
		desc:         desc,
		snap:         snap,
		draft:        draft,
		creds:        params.Credentials,
		logger:       logger.With("restaurant", params.RestaurantID, "context", string(params.Context)),
		metrics:      params.Metrics,
		ctx:          sessionCtx,
		cancel:       cancel,
		startedAt:    time.Now(),
		playback:     make(chan audio.Frame, 128),
		notices:      make(chan Notice, 32),

		silenceTimeout: TranscriptSilenceTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.machine = NewMachine(s.hooks(), WithMachineLogger(s.logger))
	s.bridge = NewBridge(draft, snap, senderFunc(s.sendEvent),
		WithBridgeLogger(s.logger),
		WithResolutionObserver(func(name, status string) {
			s.metrics.RecordToolCall(sessionCtx, name, status)
		}),
	)

	// The first credential is consumed by the initial dial; every retry
	// mints a fresh one since the original is expired by then.
	first := &cred
	var firstMu sync.Mutex
	credFn := func() (realtime.Credential, error) {
		firstMu.Lock()
		if first != nil {
			c := *first
			first = nil
			firstMu.Unlock()
			return c, nil
		}
		firstMu.Unlock()
		c, _, err := s.creds.Issue(sessionCtx, s.restaurantID, string(s.servingCtx))
		return c, err
	}

	s.recon = realtime.NewReconnector(realtime.ReconnectorConfig{
		Dialer:     params.Dialer,
		Credential: credFn,
		OnReconnect: func(conn realtime.Conn) {
			s.metrics.RecordReconnect(sessionCtx)
			s.machine.Reconnected()
			s.attach(conn)
			s.notify(Notice{Kind: NoticeReconnected, Message: "Reconnected — your order so far is kept."})
		},
		OnGiveUp: func(err error) {
			s.logger.Error("voice transport unrecoverable", "error", err)
			s.notify(Notice{Kind: NoticeError, Message: "Connection lost — please start over or order at the counter."})
			s.Close()
		},
	})

	s.machine.ConnectRequested()
	conn, err := s.recon.Connect(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	s.recon.Monitor(sessionCtx)
	s.attach(conn)

	s.metrics.SessionStarted(sessionCtx)
	s.logger.Info("voice session started", "items", len(snap.Items))
	return s, nil
}

// hooks wires the machine's side effects into the session. Hooks run under
// the machine's transition lock; they only flip flags and send events, never
// call back into the machine.
func (s *Session) hooks() Hooks {
	return Hooks{
		SendSessionConfig: func() {
			if err := s.sendEvent(s.ctx, realtime.NewSessionUpdate(s.desc)); err != nil {
				s.logger.Error("session config send failed", "error", err)
			}
		},
		BeginCapture: func() {
			s.capturing.Store(true)
		},
		StopCapture: func() {
			s.capturing.Store(false)
			if err := s.sendEvent(s.ctx, realtime.NewCommitAudio()); err != nil {
				s.logger.Error("audio commit failed", "error", err)
				return
			}
			if err := s.sendEvent(s.ctx, realtime.NewResponseCreate()); err != nil {
				s.logger.Error("response request failed", "error", err)
			}
			s.turnMu.Lock()
			s.turnStart = time.Now()
			s.turnMu.Unlock()
			if !s.transcriptSeen.Load() {
				s.armWatchdog()
			}
		},
		StopPlayback: func() {
			s.drainPlayback()
		},
		CancelResponse: func() {
			s.metrics.RecordBargeIn(s.ctx)
			if err := s.sendEvent(s.ctx, realtime.NewResponseCancel()); err != nil {
				s.logger.Warn("response cancel failed", "error", err)
			}
		},
		DispatchTool: func(call ToolCallRequested) {
			go s.bridge.Handle(s.ctx, call)
		},
		TranscriptTimeout: func() {
			s.metrics.RecordTranscriptTimeout(s.ctx)
			s.notify(Notice{Kind: NoticeTimeout, Message: "Sorry, I didn't catch that — please try again."})
		},
		Transcript: func(text string, final bool) {
			s.notify(Notice{Kind: NoticeTranscript, Message: text})
		},
		SurfaceError: func(err RemoteError) {
			s.logger.Error("remote session error", "code", err.Code, "message", err.Message)
			s.metrics.RecordRemoteError(s.ctx, err.Code)
			s.notify(Notice{Kind: NoticeError, Message: userMessage(err.Code)})
		},
		Teardown: func() {
			if conn := s.recon.Conn(); conn != nil {
				_ = conn.Close()
			}
		},
	}
}

// attach starts the event and audio pumps for one connection. Called for the
// initial connection and again after each successful redial.
func (s *Session) attach(conn realtime.Conn) {
	go s.eventLoop(conn)
	go s.audioPump(conn)
}

// eventLoop drives the machine from one connection's ordered event stream.
// Events apply strictly in delivery order; the machine serializes
// transitions internally.
func (s *Session) eventLoop(conn realtime.Conn) {
	for raw := range conn.Events() {
		ev := Translate(raw)

		switch e := ev.(type) {
		case TranscriptDelta:
			s.noteTranscriptTraffic()
			if e.Final {
				s.recordTurnLatency()
			}
		case Unrecognized:
			s.logger.Debug("unrecognized protocol event", "type", e.RawType)
		}

		s.machine.Apply(ev)
	}

	if s.closed.Load() {
		return
	}

	// Mid-session disconnect: resolve pending tool calls as failed so the
	// UI can say the order may be incomplete, then try to redial.
	if n := s.bridge.FailPending("transport disconnected"); n > 0 {
		s.notify(Notice{Kind: NoticeOrderAtRisk, Message: "Connection hiccup — your order may be incomplete, please review it."})
	}
	if st := s.machine.State(); st != StateError && st != StateClosed {
		s.machine.Apply(RemoteError{Code: "connection_lost", Message: "voice transport disconnected"})
	}
	s.recon.NotifyDisconnect()
}

// audioPump forwards agent audio to the playback channel while the machine
// is in a state that plays it. Frames arriving after barge-in or outside
// speaking are dropped.
func (s *Session) audioPump(conn realtime.Conn) {
	for frame := range conn.Audio() {
		switch s.machine.State() {
		case StateProcessing, StateSpeaking:
			select {
			case s.playback <- frame:
			default:
				// Playback consumer is behind; drop rather than stall the pump.
			}
		default:
		}
	}
}

// PressTalk begins a user turn (hold-to-talk pressed). In the speaking state
// this is a barge-in: playback stops and the in-flight response is cancelled
// atomically with the capture restart.
func (s *Session) PressTalk() {
	s.machine.TalkStart()
}

// ReleaseTalk ends the user turn and commits the captured audio.
func (s *Session) ReleaseTalk() {
	s.machine.TalkStop()
}

// SendAudio forwards one captured microphone frame. Frames outside an active
// capture window are dropped.
func (s *Session) SendAudio(frame audio.Frame) error {
	if !s.capturing.Load() {
		return nil
	}
	conn := s.recon.Conn()
	if conn == nil {
		return realtime.ErrNotConnected
	}
	return conn.SendAudio(frame)
}

// Audio returns the agent playback stream.
func (s *Session) Audio() <-chan audio.Frame {
	return s.playback
}

// Notices returns the UI notice stream: transcript updates, soft timeouts,
// and error banners.
func (s *Session) Notices() <-chan Notice {
	return s.notices
}

// State returns the current turn state. Read-only UI projection.
func (s *Session) State() State {
	return s.machine.State()
}

// Transcript returns the latest transcript text.
func (s *Session) Transcript() string {
	return s.machine.Transcript()
}

// Draft returns the order draft shared with the UI.
func (s *Session) Draft() *order.Draft {
	return s.draft
}

// Menu returns the session's immutable menu snapshot.
func (s *Session) Menu() menu.Snapshot {
	return s.snap
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close tears the session down: turn state goes terminal, the transport and
// reconnector stop, and every timer is cancelled. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.machine.CloseRequested()
		_ = s.recon.Stop()
		s.stopWatchdog()
		s.cancel()
		s.metrics.SessionEnded(context.Background(), time.Since(s.startedAt).Seconds())
		s.logger.Info("voice session closed", "duration", time.Since(s.startedAt))
	})
}

func (s *Session) sendEvent(ctx context.Context, event any) error {
	conn := s.recon.Conn()
	if conn == nil {
		return realtime.ErrNotConnected
	}
	return conn.SendEvent(ctx, event)
}

func (s *Session) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		// UI is not draining; old notices are superseded anyway.
	}
}

func (s *Session) drainPlayback() {
	for {
		select {
		case <-s.playback:
		default:
			return
		}
	}
}

func (s *Session) noteTranscriptTraffic() {
	s.transcriptSeen.Store(true)
	s.stopWatchdog()
}

// armWatchdog starts the transcript-silence watchdog once. If no transcript
// event of any kind arrives within the window, the configured transcription
// model is assumed broken and the session surfaces a configuration error
// instead of hanging.
func (s *Session) armWatchdog() {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	if s.watchdog != nil {
		return
	}
	s.watchdog = time.AfterFunc(s.silenceTimeout, func() {
		if s.transcriptSeen.Load() || s.closed.Load() {
			return
		}
		s.logger.Error("no transcript traffic since session start",
			"transcription_model", TranscriptionModel,
			"window", s.silenceTimeout,
		)
		s.machine.Apply(RemoteError{
			Code:    "transcription_silent",
			Message: "no transcript events received; transcription model may be misconfigured",
		})
	})
}

func (s *Session) stopWatchdog() {
	s.watchdogMu.Lock()
	defer s.watchdogMu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

func (s *Session) recordTurnLatency() {
	s.turnMu.Lock()
	start := s.turnStart
	s.turnMu.Unlock()
	if !start.IsZero() {
		s.metrics.RecordTurnLatency(s.ctx, time.Since(start).Seconds())
	}
}

// userMessage maps protocol error codes to non-technical UI text. Raw codes
// are logged, never shown.
func userMessage(code string) string {
	switch code {
	case "connection_lost":
		return "Connection lost — trying to reconnect."
	case "transcription_silent":
		return "We're having trouble hearing you. Please order at the counter."
	case "transcription_failed":
		return "Sorry, we couldn't make that out — please try again."
	default:
		return "The voice assistant hit a problem — please try again."
	}
}

// senderFunc adapts a function to the EventSender interface.
type senderFunc func(ctx context.Context, event any) error

func (f senderFunc) SendEvent(ctx context.Context, event any) error {
	return f(ctx, event)
}

// Manager enforces the one-active-session rule for a client. Sessions are
// started through the manager; a second start while one is live fails fast
// with [ErrSessionActive].
type Manager struct {
	mu     sync.Mutex
	active *Session
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Start begins a new session if none is active.
func (m *Manager) Start(ctx context.Context, params SessionParams, opts ...SessionOption) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && !m.active.Closed() {
		return nil, ErrSessionActive
	}
	s, err := StartSession(ctx, params, opts...)
	if err != nil {
		return nil, err
	}
	m.active = s
	return s, nil
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.Closed() {
		return nil
	}
	return m.active
}

// Close shuts down the active session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
