package voice

import (
	"log/slog"
	"sync"
	"time"
)

// State is the turn-taking state of one voice session.
type State int

// Turn states. Connection-level state lives on the transport; this machine
// governs the conversational turn cycle.
const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateListening
	StateAwaitingTranscript
	StateProcessing
	StateSpeaking
	StateError
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateAwaitingTranscript:
		return "awaiting_transcript"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DefaultTranscriptTimeout bounds the wait for a final transcript after the
// user stops talking. The remote transcription service gives no delivery
// guarantee; without this bound a dropped utterance would hang the UI
// forever.
const DefaultTranscriptTimeout = 10 * time.Second

// Hooks are the side effects the machine fires during transitions. All hooks
// are invoked synchronously while the machine holds its transition lock, so
// barge-in (stop playback, cancel the in-flight response, restart capture)
// is a single atomic step. Hooks must not call back into the machine; work
// whose result matters re-enters via Apply as a new event. Nil hooks are
// skipped.
type Hooks struct {
	// SendSessionConfig pushes the session descriptor once the remote
	// session exists.
	SendSessionConfig func()

	// BeginCapture / StopCapture gate microphone audio forwarding.
	BeginCapture func()
	StopCapture  func()

	// StopPlayback halts local agent audio output.
	StopPlayback func()

	// CancelResponse tells the remote agent to abandon its in-flight
	// response. Stopping playback locally is not enough: the agent would
	// keep generating for a turn the user already abandoned.
	CancelResponse func()

	// DispatchTool hands a tool call to the order bridge. Multiple calls
	// may be in flight; the machine stays in processing.
	DispatchTool func(call ToolCallRequested)

	// TranscriptTimeout surfaces "didn't catch that" after a bounded wait.
	TranscriptTimeout func()

	// Transcript exposes the latest transcript text for display.
	Transcript func(text string, final bool)

	// SurfaceError reports a protocol failure to the UI.
	SurfaceError func(err RemoteError)

	// Teardown releases the transport. Fired on error and close.
	Teardown func()
}

// MachineOption configures a [Machine].
type MachineOption func(*Machine)

// WithTranscriptTimeout overrides [DefaultTranscriptTimeout].
func WithTranscriptTimeout(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.timeout = d
	}
}

// WithMachineLogger sets the logger used for ignored-event and transition
// logging. Defaults to slog.Default().
func WithMachineLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = logger
	}
}

// Machine is the voice turn state machine. It is driven by two inputs: the
// translated inbound event stream (Apply) and the user controls
// (ConnectRequested, TalkStart, TalkStop, CloseRequested). A single mutex
// serializes every transition, so evaluation never overlaps even when the
// inputs race.
//
// Totality: any (state, event) pair without an explicit transition is a
// logged no-op. The machine never panics on an event.
type Machine struct {
	mu      sync.Mutex
	state   State
	hooks   Hooks
	timeout time.Duration
	logger  *slog.Logger

	// turn invalidates async work from earlier turns: the transcript timer
	// captures the turn token at arm time and fires only if it still
	// matches. A completed turn can then never be timed out retroactively.
	turn  uint64
	timer *time.Timer

	transcript string
}

// NewMachine creates a machine in the idle state.
func NewMachine(hooks Hooks, opts ...MachineOption) *Machine {
	m := &Machine{
		state:   StateIdle,
		hooks:   hooks,
		timeout: DefaultTranscriptTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current turn state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transcript returns the latest transcript text of the current or most
// recent turn. Read-only UI projection.
func (m *Machine) Transcript() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcript
}

// ConnectRequested starts connecting. Only valid in idle.
func (m *Machine) ConnectRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		m.ignoreLocked("connect requested")
		return false
	}
	m.setStateLocked(StateConnecting)
	return true
}

// TalkStart begins a user turn. In ready it starts capture; in speaking it
// is a barge-in: playback stops, the in-flight response is cancelled remotely
// and capture restarts, all in one transition.
func (m *Machine) TalkStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateReady:
		m.transcript = ""
		m.setStateLocked(StateListening)
		call(m.hooks.BeginCapture)

	case StateSpeaking:
		m.transcript = ""
		m.setStateLocked(StateListening)
		call(m.hooks.StopPlayback)
		call(m.hooks.CancelResponse)
		call(m.hooks.BeginCapture)

	default:
		m.ignoreLocked("talk start")
	}
}

// TalkStop ends the user turn: capture stops and the transcript timer is
// armed for the current turn.
func (m *Machine) TalkStop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateListening {
		m.ignoreLocked("talk stop")
		return
	}
	m.setStateLocked(StateAwaitingTranscript)
	call(m.hooks.StopCapture)
	m.armTimerLocked()
}

// Reconnected re-arms the machine after a successful transport redial. Only
// valid in the error state; the fresh session's ready event then drives the
// machine back through connecting → ready.
func (m *Machine) Reconnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		m.ignoreLocked("reconnected")
		return false
	}
	m.setStateLocked(StateConnecting)
	return true
}

// CloseRequested moves to the terminal closed state and tears down the
// transport. Idempotent.
func (m *Machine) CloseRequested() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return
	}
	m.cancelTimerLocked()
	m.setStateLocked(StateClosed)
	call(m.hooks.Teardown)
}

// Apply feeds one translated inbound event into the machine.
func (m *Machine) Apply(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return
	}

	switch e := ev.(type) {
	case SessionReady:
		if m.state != StateConnecting {
			m.ignoreLocked("session ready")
			return
		}
		m.setStateLocked(StateReady)
		call(m.hooks.SendSessionConfig)

	case TranscriptDelta:
		m.applyTranscriptLocked(e)

	case ToolCallRequested:
		if m.state != StateProcessing {
			m.ignoreLocked("tool call " + e.Name)
			return
		}
		if m.hooks.DispatchTool != nil {
			m.hooks.DispatchTool(e)
		}

	case AgentAudioStart:
		switch m.state {
		case StateProcessing:
			m.setStateLocked(StateSpeaking)
		case StateSpeaking:
			// Repeated audio deltas within one response.
		default:
			m.ignoreLocked("agent audio start")
		}

	case AgentAudioStop:
		if m.state != StateSpeaking {
			m.ignoreLocked("agent audio stop")
			return
		}
		m.setStateLocked(StateReady)
		call(m.hooks.StopPlayback)

	case RemoteError:
		if m.state == StateError {
			m.ignoreLocked("remote error")
			return
		}
		m.cancelTimerLocked()
		m.setStateLocked(StateError)
		if m.hooks.SurfaceError != nil {
			m.hooks.SurfaceError(e)
		}
		call(m.hooks.Teardown)

	case Unrecognized:
		m.logger.Debug("ignoring unrecognized event", "type", e.RawType, "state", m.state.String())

	default:
		m.logger.Warn("ignoring unknown event variant", "state", m.state.String())
	}
}

func (m *Machine) applyTranscriptLocked(e TranscriptDelta) {
	if e.Final {
		if m.state != StateAwaitingTranscript {
			m.ignoreLocked("final transcript")
			return
		}
		m.cancelTimerLocked()
		m.transcript = e.Text
		m.setStateLocked(StateProcessing)
		if m.hooks.Transcript != nil {
			m.hooks.Transcript(e.Text, true)
		}
		return
	}

	switch m.state {
	case StateListening, StateAwaitingTranscript:
		m.transcript += e.Text
		if m.hooks.Transcript != nil {
			m.hooks.Transcript(m.transcript, false)
		}
	default:
		m.ignoreLocked("transcript delta")
	}
}

// armTimerLocked starts the transcript timer bound to the current turn.
func (m *Machine) armTimerLocked() {
	m.cancelTimerLocked()
	token := m.turn
	m.timer = time.AfterFunc(m.timeout, func() {
		m.timeoutFired(token)
	})
}

// cancelTimerLocked stops any pending timer and invalidates its token, so a
// timer that already fired but has not yet acquired the lock becomes a no-op.
func (m *Machine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.turn++
}

func (m *Machine) timeoutFired(token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.turn || m.state != StateAwaitingTranscript {
		// Stale timer from an already-completed turn.
		return
	}
	m.timer = nil
	m.turn++
	m.setStateLocked(StateReady)
	m.logger.Warn("transcript wait timed out", "timeout", m.timeout)
	call(m.hooks.TranscriptTimeout)
}

func (m *Machine) setStateLocked(next State) {
	m.logger.Debug("turn state transition", "from", m.state.String(), "to", next.String())
	m.state = next
}

func (m *Machine) ignoreLocked(event string) {
	m.logger.Debug("ignoring event in current state", "event", event, "state", m.state.String())
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
