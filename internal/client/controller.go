// Package client wires the session store, reconciler, connection manager and
// REST client into the user-level flows: submit, cancel, new chat, reconnect.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/fentz26/deepsearch/internal/api"
	"github.com/fentz26/deepsearch/internal/config"
	"github.com/fentz26/deepsearch/internal/connection"
	"github.com/fentz26/deepsearch/internal/log"
	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/reconcile"
	"github.com/fentz26/deepsearch/internal/session"
)

// Requester is the outbound request surface of the orchestrator.
type Requester interface {
	StartSearch(ctx context.Context, query string) (string, error)
	CancelSearch(ctx context.Context, searchID, reason string) error
	NewChat(ctx context.Context) error
}

// Connector is the part of the connection manager the controller drives.
type Connector interface {
	Start()
	Connect(ctx context.Context) error
	EnsureConnection(ctx context.Context) error
	State() connection.State
	Close()
}

// Controller owns the store and the connection for one client session.
type Controller struct {
	store      *session.Store
	reconciler *reconcile.Reconciler
	requester  Requester
	conn       Connector

	// mu orders search id binding against cancels so a cancel issued while
	// the start request is in flight is forwarded exactly once.
	mu            sync.Mutex
	pendingCancel map[string]bool
}

// New assembles a controller from its parts.
func New(store *session.Store, reconciler *reconcile.Reconciler, requester Requester, conn Connector) *Controller {
	return &Controller{
		store:      store,
		reconciler: reconciler,
		requester:     requester,
		conn:          conn,
		pendingCancel: make(map[string]bool),
	}
}

// NewFromConfig builds the websocket-backed controller described by cfg.
func NewFromConfig(cfg config.Config) (*Controller, error) {
	wsURL, err := cfg.WebSocketURL()
	if err != nil {
		return nil, err
	}

	store := session.New()
	rec := reconcile.New(store)
	transport := connection.NewWebSocketTransport(wsURL, cfg.Connection.DialTimeout)
	mgr := connection.NewManager(transport, store, func(raw []byte) { rec.HandleMessage(raw) }, connection.Options{
		ReconnectInitial: cfg.Connection.ReconnectInitial,
		ReconnectMax:     cfg.Connection.ReconnectMax,
		PingInterval:     cfg.Connection.PingInterval,
		AutoReconnect:    true,
	})
	requester := api.NewClient(cfg.Server.BaseURL, cfg.RequestTimeout)

	log.Info(log.CatConfig, "controller configured", "api", cfg.Server.BaseURL, "ws", wsURL)
	return New(store, rec, requester, mgr), nil
}

// Store exposes the session store for reading and subscribing.
func (c *Controller) Store() *session.Store {
	return c.store
}

// Stats returns the reconciler's outcome counters.
func (c *Controller) Stats() reconcile.Stats {
	return c.reconciler.Stats()
}

// ConnectionState returns the connection lifecycle state.
func (c *Controller) ConnectionState() connection.State {
	return c.conn.State()
}

// Start begins the silent background connection.
func (c *Controller) Start() {
	c.conn.Start()
}

// Reconnect makes an explicit, user-triggered connect attempt.
func (c *Controller) Reconnect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Submit ensures a connection, starts a local task for query and asks the
// orchestrator to run it. Progress then arrives on the event stream.
func (c *Controller) Submit(ctx context.Context, query string) (string, error) {
	if err := c.conn.EnsureConnection(ctx); err != nil {
		return "", fmt.Errorf("ensure connection: %w", err)
	}

	taskID, err := c.store.StartTask(query)
	if err != nil {
		return "", err
	}
	c.store.SetChatMode(true)

	searchID, err := c.requester.StartSearch(ctx, query)

	c.mu.Lock()
	cancelled := c.pendingCancel[taskID]
	delete(c.pendingCancel, taskID)
	if err == nil {
		c.store.BindSearchID(taskID, searchID)
	}
	c.mu.Unlock()

	if err != nil {
		// A task the user already cancelled stays cancelled.
		if !cancelled {
			msg := fmt.Sprintf("Failed to start search: %v", err)
			c.store.SetTaskError(&msg)
		}
		return taskID, fmt.Errorf("start search: %w", err)
	}
	log.Info(log.CatAPI, "search started", "task", taskID, "search", searchID)

	if cancelled {
		log.Info(log.CatAPI, "forwarding cancel issued during start", "task", taskID, "search", searchID)
		return taskID, c.cancelRemote(ctx, searchID)
	}
	return taskID, nil
}

// Cancel optimistically marks the running task idle, then asks the
// orchestrator to stop it. A failed request only surfaces a connection error;
// the local task stays cancelled either way.
//
// When the start request has not returned yet the cancel is held and sent by
// Submit as soon as the search id is known.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	task := c.store.CancelActive()
	if task != nil && task.SearchID == "" {
		c.pendingCancel[task.ID] = true
	}
	c.mu.Unlock()

	if task == nil {
		return ErrNoActiveTask
	}
	if task.SearchID == "" {
		log.Debug(log.CatAPI, "cancel held until search starts", "task", task.ID)
		return nil
	}
	return c.cancelRemote(ctx, task.SearchID)
}

func (c *Controller) cancelRemote(ctx context.Context, searchID string) error {
	if err := c.requester.CancelSearch(ctx, searchID, "cancelled by user"); err != nil {
		c.store.SetConnectionError(fmt.Sprintf("Cancel request failed: %v", err))
		return fmt.Errorf("cancel search: %w", err)
	}
	return nil
}

// NewChat resets the server session and clears local history.
func (c *Controller) NewChat(ctx context.Context) error {
	c.store.ClearHistory()
	if err := c.requester.NewChat(ctx); err != nil {
		c.store.SetConnectionError(fmt.Sprintf("New chat request failed: %v", err))
		return fmt.Errorf("new chat: %w", err)
	}
	return nil
}

// Close tears down the connection and releases store subscribers. Task state
// is not cleared.
func (c *Controller) Close() {
	c.conn.Close()
	c.store.Close()
}

// IsSettled reports whether a task has reached an outcome: completed, errored
// or cancelled.
func IsSettled(t *models.Task) bool {
	return t.Status.IsTerminal() || (t.Status == models.TaskStatusIdle && t.EndTime != nil)
}

// Wait blocks until the task settles, calling onUpdate with every observed
// snapshot of it. It returns the settled task.
func (c *Controller) Wait(ctx context.Context, taskID string, onUpdate func(*models.Task)) (*models.Task, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := c.store.Subscribe(ctx)

	check := func(st session.State) (*models.Task, bool, error) {
		task := st.Task(taskID)
		if task == nil {
			return nil, true, ErrTaskDiscarded
		}
		if onUpdate != nil {
			onUpdate(task)
		}
		return task, IsSettled(task), nil
	}

	if task, done, err := check(c.store.Snapshot()); done {
		return task, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-updates:
			if !ok {
				return nil, fmt.Errorf("store closed while waiting for task %s", taskID)
			}
			if task, done, err := check(ev.Payload); done {
				return task, err
			}
		}
	}
}
