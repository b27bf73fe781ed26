package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/session"
)

type fakeConn struct {
	msgs    chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written []any
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

type fakeTransport struct {
	mu    sync.Mutex
	fail  error
	dials int
	conns []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.fail != nil {
		return nil, t.fail
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) setFail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = err
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// recorder collects handled messages in order.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(raw))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func manualOptions() Options {
	return Options{ReconnectInitial: time.Hour, ReconnectMax: time.Hour}
}

func TestStart_SilentFailureSurfacesNoError(t *testing.T) {
	tr := &fakeTransport{fail: errors.New("connection refused")}
	store := session.New()
	m := NewManager(tr, store, func([]byte) {}, manualOptions())
	defer m.Close()

	m.Start()
	require.Eventually(t, func() bool { return tr.dialCount() == 1 && m.State() == Disconnected }, time.Second, 5*time.Millisecond)

	st := store.Snapshot()
	assert.False(t, st.Connection.Connected)
	assert.Empty(t, st.Connection.LastError)
	assert.Empty(t, st.Error)
}

func TestConnect_ExplicitFailureSurfacesError(t *testing.T) {
	tr := &fakeTransport{fail: errors.New("connection refused")}
	store := session.New()
	store.StartTask("q")
	m := NewManager(tr, store, func([]byte) {}, manualOptions())
	defer m.Close()

	err := m.Connect(context.Background())
	require.Error(t, err)

	st := store.Snapshot()
	assert.Contains(t, st.Connection.LastError, "Unable to connect")
	assert.Contains(t, st.Connection.LastError, "connection refused")
	assert.Equal(t, models.TaskStatusRunning, st.Active.Status, "connection errors never error the task")
}

func TestConnect_DeliversMessagesInOrder(t *testing.T) {
	tr := &fakeTransport{}
	store := session.New()
	rec := &recorder{}
	m := NewManager(tr, store, rec.handle, manualOptions())
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.State())
	assert.True(t, store.Snapshot().Connection.Connected)

	conn := tr.last()
	for _, msg := range []string{"one", "two", "three"} {
		conn.msgs <- []byte(msg)
	}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, rec.snapshot())
}

func TestConnect_SuccessClearsPreviousError(t *testing.T) {
	tr := &fakeTransport{fail: errors.New("refused")}
	store := session.New()
	m := NewManager(tr, store, func([]byte) {}, manualOptions())
	defer m.Close()

	require.Error(t, m.Connect(context.Background()))
	require.NotEmpty(t, store.Snapshot().Connection.LastError)

	tr.setFail(nil)
	require.NoError(t, m.Connect(context.Background()))
	assert.Empty(t, store.Snapshot().Connection.LastError)
}

func TestEnsureConnection_NoRedialWhenConnected(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, session.New(), func([]byte) {}, manualOptions())
	defer m.Close()

	require.NoError(t, m.EnsureConnection(context.Background()))
	require.NoError(t, m.EnsureConnection(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, tr.dialCount())
}

func TestDrop_ReconnectsSilently(t *testing.T) {
	tr := &fakeTransport{}
	store := session.New()
	m := NewManager(tr, store, func([]byte) {}, Options{
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		AutoReconnect:    true,
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	first := tr.last()
	_ = first.Close()

	require.Eventually(t, func() bool {
		return tr.dialCount() == 2 && m.State() == Connected
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotSame(t, first, tr.last())
	assert.True(t, store.Snapshot().Connection.Connected)
	assert.Empty(t, store.Snapshot().Connection.LastError)
}

func TestDrop_RetriesUntilServerReturns(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, session.New(), func([]byte) {}, Options{
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     20 * time.Millisecond,
		AutoReconnect:    true,
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	tr.setFail(errors.New("down"))
	_ = tr.last().Close()

	require.Eventually(t, func() bool { return tr.dialCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	tr.setFail(nil)
	require.Eventually(t, func() bool { return m.State() == Connected }, 2*time.Second, 5*time.Millisecond)
}

func TestClose_PreservesTaskState(t *testing.T) {
	tr := &fakeTransport{}
	store := session.New()
	store.StartTask("q")
	m := NewManager(tr, store, func([]byte) {}, manualOptions())

	require.NoError(t, m.Connect(context.Background()))
	m.Close()

	st := store.Snapshot()
	assert.False(t, st.Connection.Connected)
	assert.Equal(t, models.TaskStatusRunning, st.Active.Status)
	assert.Equal(t, Disconnected, m.State())

	assert.ErrorIs(t, m.Connect(context.Background()), ErrClosed)
	assert.ErrorIs(t, m.Send(map[string]string{"type": "ping"}), ErrClosed)
	m.Close()
}

func TestPingLoop_SendsKeepalive(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, session.New(), func([]byte) {}, Options{
		ReconnectInitial: time.Hour,
		ReconnectMax:     time.Hour,
		PingInterval:     10 * time.Millisecond,
	})
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	conn := tr.last()
	require.Eventually(t, func() bool { return conn.writes() >= 2 }, time.Second, 5*time.Millisecond)

	conn.mu.Lock()
	ping, ok := conn.written[0].(map[string]any)
	conn.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "ping", ping["type"])
}

func TestSend_NotConnected(t *testing.T) {
	m := NewManager(&fakeTransport{}, session.New(), func([]byte) {}, manualOptions())
	defer m.Close()
	assert.Error(t, m.Send("x"))
}
