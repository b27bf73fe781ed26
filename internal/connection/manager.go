// Package connection owns the lifecycle of the event stream: connect, silent
// background reconnect, and explicit reconnect that surfaces errors to the user.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/fentz26/deepsearch/internal/log"
)

// ErrClosed is returned once the manager has been torn down.
var ErrClosed = errors.New("connection manager closed")

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// StatusSink receives connection status. The session store implements it.
type StatusSink interface {
	SetConnected(connected bool)
	SetConnectionError(message string)
}

// Handler consumes one raw inbound message. Messages are delivered one at a
// time, in arrival order, from a single goroutine per connection.
type Handler func(raw []byte)

// Options tunes retry and keepalive behaviour.
type Options struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// PingInterval is how often a keepalive ping is sent; zero disables it.
	PingInterval time.Duration
	// AutoReconnect retries silently after drops and failed attempts.
	AutoReconnect bool
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
		PingInterval:     25 * time.Second,
		AutoReconnect:    true,
	}
}

// Manager is the connection state machine. It is the sole consumer of the
// transport: every message read is handed to the handler.
type Manager struct {
	transport Transport
	sink      StatusSink
	handler   Handler
	opts      Options

	mu         sync.Mutex
	state      State
	conn       Conn
	gen        uint64
	inflight   chan struct{} // closed when the running connect attempt finishes
	lastErr    error
	retryTimer *time.Timer
	backoff    *backoff.ExponentialBackOff
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a disconnected manager.
func NewManager(transport Transport, sink StatusSink, handler Handler, opts Options) *Manager {
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultOptions().ReconnectInitial
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = opts.ReconnectInitial
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.ReconnectInitial
	b.MaxInterval = opts.ReconnectMax
	b.Multiplier = 2
	b.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		transport: transport,
		sink:      sink,
		handler:   handler,
		opts:      opts,
		backoff:   b,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start makes a silent background connect attempt, as on mount. Failures are
// retried without surfacing an error.
func (m *Manager) Start() {
	go func() {
		if err := m.connect(m.ctx, false); err != nil && !errors.Is(err, ErrClosed) {
			log.Debug(log.CatConn, "initial connect failed", "error", err)
		}
	}()
}

// Connect makes an explicit connect attempt and waits for it. A failure is
// surfaced to the user through the sink.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, true)
}

// EnsureConnection connects explicitly if not already connected. Afterwards
// callers may assume a best-effort connected state; it does not guarantee that
// a later send succeeds.
func (m *Manager) EnsureConnection(ctx context.Context) error {
	if m.State() == Connected {
		return nil
	}
	return m.connect(ctx, true)
}

func (m *Manager) connect(ctx context.Context, explicit bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connected {
		m.mu.Unlock()
		return nil
	}
	if wait := m.inflight; wait != nil {
		m.mu.Unlock()
		return m.join(ctx, wait, explicit)
	}

	done := make(chan struct{})
	m.inflight = done
	m.state = Connecting
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.mu.Unlock()

	log.Debug(log.CatConn, "connecting", "explicit", explicit)
	conn, err := m.transport.Dial(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(done)
	m.inflight = nil
	m.lastErr = err

	if m.closed {
		m.state = Disconnected
		if conn != nil {
			_ = conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		m.state = Disconnected
		m.sink.SetConnected(false)
		if explicit {
			m.sink.SetConnectionError(userMessage(err))
		}
		log.Warn(log.CatConn, "connect failed", "explicit", explicit, "error", err)
		m.scheduleReconnectLocked()
		return fmt.Errorf("connect: %w", err)
	}

	m.attachLocked(conn)
	return nil
}

// join waits for an attempt started by someone else and reports its outcome.
func (m *Manager) join(ctx context.Context, wait <-chan struct{}, explicit bool) error {
	select {
	case <-wait:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Connected {
		return nil
	}
	if m.closed {
		return ErrClosed
	}
	err := m.lastErr
	if err == nil {
		err = errors.New("connection dropped")
	}
	if explicit {
		m.sink.SetConnectionError(userMessage(err))
	}
	return fmt.Errorf("connect: %w", err)
}

func (m *Manager) attachLocked(conn Conn) {
	m.gen++
	gen := m.gen
	m.conn = conn
	m.state = Connected
	m.backoff.Reset()
	m.sink.SetConnected(true)
	m.sink.SetConnectionError("")
	log.Info(log.CatConn, "connected", "generation", gen)

	stop := make(chan struct{})
	m.wg.Add(1)
	go m.readLoop(conn, gen, stop)
	if m.opts.PingInterval > 0 {
		m.wg.Add(1)
		go m.pingLoop(conn, stop)
	}
}

func (m *Manager) readLoop(conn Conn, gen uint64, stop chan struct{}) {
	defer m.wg.Done()
	defer close(stop)
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, err)
			return
		}
		m.handler(raw)
	}
}

func (m *Manager) pingLoop(conn Conn, stop <-chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ping := map[string]any{
				"type":      "ping",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"data":      map[string]any{"id": uuid.New().String()},
			}
			if err := conn.WriteJSON(ping); err != nil {
				log.Warn(log.CatConn, "keepalive failed", "error", err)
				// Closing unblocks the read loop, which reports the drop.
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) handleDrop(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.closed {
		return
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = Disconnected
	m.sink.SetConnected(false)
	log.Warn(log.CatConn, "connection dropped", "error", err)
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if !m.opts.AutoReconnect || m.closed || m.retryTimer != nil {
		return
	}
	delay := m.backoff.NextBackOff()
	if delay < 0 {
		delay = m.opts.ReconnectMax
	}
	log.Debug(log.CatConn, "reconnect scheduled", "delay", delay)
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.retryTimer = nil
		m.mu.Unlock()
		if err := m.connect(m.ctx, false); err != nil && !errors.Is(err, ErrClosed) {
			log.Debug(log.CatConn, "silent reconnect failed", "error", err)
		}
	})
}

// Send writes v on the current connection.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	conn := m.conn
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.WriteJSON(v)
}

// Close tears the connection down and marks it disconnected. Session task
// state is left untouched so a later reconnect keeps visible progress.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.state = Disconnected
	m.sink.SetConnected(false)
	m.mu.Unlock()

	m.wg.Wait()
	log.Info(log.CatConn, "connection manager closed")
}

func userMessage(err error) string {
	return fmt.Sprintf("Unable to connect to the research server: %v", err)
}
