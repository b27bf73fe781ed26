package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/deepsearch/internal/client"
	"github.com/fentz26/deepsearch/internal/config"
	"github.com/fentz26/deepsearch/internal/connection"
	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/pubsub"
	"github.com/fentz26/deepsearch/internal/reconcile"
	"github.com/fentz26/deepsearch/internal/session"
)

type stubRequester struct{ started []string }

func (s *stubRequester) StartSearch(ctx context.Context, query string) (string, error) {
	s.started = append(s.started, query)
	return "remote-1", nil
}
func (s *stubRequester) CancelSearch(ctx context.Context, searchID, reason string) error { return nil }
func (s *stubRequester) NewChat(ctx context.Context) error                               { return nil }

type stubConnector struct{}

func (stubConnector) Start()                                     {}
func (stubConnector) Connect(ctx context.Context) error          { return nil }
func (stubConnector) EnsureConnection(ctx context.Context) error { return nil }
func (stubConnector) State() connection.State                    { return connection.Connected }
func (stubConnector) Close()                                     {}

func newTestApp(t *testing.T) (*App, *session.Store, *reconcile.Reconciler, *stubRequester) {
	t.Helper()
	store := session.New()
	rec := reconcile.New(store)
	req := &stubRequester{}
	ctrl := client.New(store, rec, req, stubConnector{})
	app := New(ctrl, config.UIConfig{MarkdownStyle: "notty", ShowStepContent: true})
	t.Cleanup(func() {
		app.cancel()
		ctrl.Close()
	})
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return app, store, rec, req
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func publish(app *App, store *session.Store) {
	app.Update(pubsub.Event[session.State]{Type: pubsub.UpdatedEvent, Payload: store.Snapshot()})
}

func TestSuggestions_FilterByPrefix(t *testing.T) {
	s := NewSuggestions()

	s.Update("/c")
	require.True(t, s.IsVisible())
	assert.Equal(t, "/cancel", s.Selected().Text)
	s.Next()
	assert.Equal(t, "/clear", s.Selected().Text)
	s.Next()
	assert.Equal(t, "/cancel", s.Selected().Text)
	s.Prev()
	assert.Equal(t, "/clear", s.Selected().Text)

	s.Update("/cancel now")
	assert.False(t, s.IsVisible())
	s.Update("what is rust")
	assert.False(t, s.IsVisible())
	s.Update("/zzz")
	assert.False(t, s.IsVisible())
	assert.Nil(t, s.Selected())
}

func TestApp_SubmitStartsTask(t *testing.T) {
	app, store, _, req := newTestApp(t)

	app.input.SetValue("What is Rust?")
	_, cmd := app.Update(key("enter"))
	require.NotNil(t, cmd)
	msg := cmd()
	res, ok := msg.(submitResultMsg)
	require.True(t, ok)
	require.NoError(t, res.err)

	assert.Equal(t, []string{"What is Rust?"}, req.started)
	st := store.Snapshot()
	require.NotNil(t, st.Active)
	assert.Equal(t, models.TaskStatusRunning, st.Active.Status)
	assert.Empty(t, app.input.Value())
}

func TestApp_RendersProgressAndAnswer(t *testing.T) {
	app, store, rec, _ := newTestApp(t)
	_, err := store.StartTask("What is Rust?")
	require.NoError(t, err)

	rec.HandleMessage([]byte(`{"type":"step_update","data":{"step_id":"p","step_type":"plan","status":"completed","title":"Plan research","metadata":{"planSteps":["a","b"]}}}`))
	rec.HandleMessage([]byte(`{"type":"step_update","data":{"step_id":"s","step_type":"search","status":"running","title":"Searching the web","metadata":{"searchQuery":"rust language"}}}`))
	publish(app, store)

	view := app.View()
	assert.Contains(t, view, "What is Rust?")
	assert.Contains(t, view, "Searching the web")
	assert.Contains(t, view, "rust language")
	assert.Contains(t, view, "0/2 steps")

	rec.HandleMessage([]byte(`{"type":"search_complete","data":{"result":"Rust is a systems language."}}`))
	publish(app, store)

	view = app.View()
	assert.Contains(t, view, "Complete")
	assert.Contains(t, view, "Rust is a systems language.")
	assert.Contains(t, view, "2/2 steps")
}

func TestApp_ShowsErrors(t *testing.T) {
	app, store, rec, _ := newTestApp(t)
	store.StartTask("q")
	rec.HandleMessage([]byte(`{"type":"error","data":{"error":"Planner crashed"}}`))
	publish(app, store)

	assert.Contains(t, app.View(), "Planner crashed")

	store.SetConnectionError("Unable to connect to the research server: refused")
	publish(app, store)
	assert.Contains(t, app.View(), "Unable to connect")
}

func TestApp_ClearCommand(t *testing.T) {
	app, store, _, _ := newTestApp(t)
	store.StartTask("q")

	app.input.SetValue("/clear")
	app.Update(key("enter"))
	assert.Empty(t, store.Snapshot().History)
}

func TestApp_TabCompletesCommand(t *testing.T) {
	app, _, _, _ := newTestApp(t)

	app.input.SetValue("/rec")
	app.suggestions.Update("/rec")
	app.Update(key("tab"))
	assert.Equal(t, "/reconnect", app.input.Value())
}

func TestApp_UnknownCommand(t *testing.T) {
	app, _, _, _ := newTestApp(t)

	app.input.SetValue("/bogus")
	app.suggestions.Update("/bogus")
	_, cmd := app.Update(key("enter"))
	require.NotNil(t, cmd)
	app.Update(cmd())
	assert.Contains(t, app.message, "unknown command /bogus")
}

func TestApp_EscCancelsRunningTask(t *testing.T) {
	app, store, _, _ := newTestApp(t)
	app.input.SetValue("q")
	_, cmd := app.Update(key("enter"))
	cmd()

	_, cmd = app.Update(key("esc"))
	require.NotNil(t, cmd)
	app.Update(cmd())
	assert.Equal(t, models.TaskStatusIdle, store.Snapshot().Active.Status)
	assert.Contains(t, app.message, "cancelled")

	_, cmd = app.Update(key("esc"))
	app.Update(cmd())
	assert.Equal(t, "Nothing to cancel", app.message)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "2.5s", formatDuration(2500*time.Millisecond))
	assert.Equal(t, "1m5s", formatDuration(65*time.Second))
	assert.Equal(t, "0s", formatDuration(-time.Second))
}
