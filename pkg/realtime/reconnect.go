package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 15 * time.Second
)

// Reconnector watches a transport connection and redials on disconnection
// with bounded exponential backoff. Retries are never silent: every attempt
// is logged and the OnReconnect / OnGiveUp callbacks make the outcome
// observable to the session layer, which decides what happens to the order
// draft.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	dialer      Dialer
	cred        func() (Credential, error)
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func(Conn)
	onGiveUp    func(error)

	mu           sync.Mutex
	conn         Conn
	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dialer opens transport connections.
	Dialer Dialer

	// Credential supplies a fresh session credential per attempt. Session
	// credentials expire within 60 seconds, so the original credential is
	// useless by the first retry.
	Credential func() (Credential, error)

	// MaxRetries bounds reconnection attempts per disconnect. Defaults to 5.
	MaxRetries int

	// Backoff is the initial delay between retries, doubling each attempt
	// up to MaxBackoff. Defaults to 1s.
	Backoff time.Duration

	// MaxBackoff caps the backoff growth. Defaults to 15s.
	MaxBackoff time.Duration

	// OnReconnect is called with the new connection after a successful
	// redial. May be nil.
	OnReconnect func(Conn)

	// OnGiveUp is called once when the retry budget is exhausted. May be nil.
	OnGiveUp func(error)
}

// NewReconnector creates a [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		dialer:       cfg.Dialer,
		cred:         cfg.Credential,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Connect performs the initial dial.
func (r *Reconnector) Connect(ctx context.Context) (Conn, error) {
	cred, err := r.cred()
	if err != nil {
		return nil, fmt.Errorf("reconnector: mint credential: %w", err)
	}
	conn, err := r.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("reconnector: initial dial: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return conn, nil
}

// Monitor starts watching for disconnect notifications in a background
// goroutine. The goroutine exits when ctx is cancelled or Stop is called.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals that the connection has been lost and a redial
// should be attempted. Safe to call multiple times; only the first call per
// reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring and closes the current connection. Safe to call
// multiple times.
func (r *Reconnector) Stop() error {
	r.stopOnce.Do(func() {
		close(r.done)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Conn returns the current connection. May return nil mid-redial.
func (r *Reconnector) Conn() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	backoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("voice transport reconnecting",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", backoff,
		)

		cred, err := r.cred()
		if err == nil {
			var conn Conn
			conn, err = r.dialer.Dial(ctx, cred)
			if err == nil {
				r.mu.Lock()
				old := r.conn
				r.conn = conn
				r.mu.Unlock()

				if old != nil {
					_ = old.Close()
				}
				slog.Info("voice transport reconnected", "attempt", attempt)
				if r.onReconnect != nil {
					r.onReconnect(conn)
				}
				return
			}
		}
		lastErr = err

		slog.Warn("voice transport reconnect attempt failed",
			"attempt", attempt,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}

	slog.Error("voice transport reconnect failed, giving up", "max_retries", r.maxRetries)
	if r.onGiveUp != nil {
		r.onGiveUp(lastErr)
	}
}
