// Package tui provides the interactive terminal UI for deepsearch.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/deepsearch/internal/api"
	"github.com/fentz26/deepsearch/internal/client"
	"github.com/fentz26/deepsearch/internal/config"
	"github.com/fentz26/deepsearch/internal/log"
	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/pubsub"
	"github.com/fentz26/deepsearch/internal/session"
)

// App is the main TUI application model.
type App struct {
	ctrl     *client.Controller
	ctx      context.Context
	cancel   context.CancelFunc
	listener *pubsub.ContinuousListener[session.State]

	state       session.State
	input       textinput.Model
	viewport    viewport.Model
	spinner     spinner.Model
	bar         progressbar.Model
	render      *renderer
	suggestions *Suggestions

	width   int
	height  int
	message string
	busy    bool // a submit request is in flight
}

// New creates a new TUI application driving ctrl.
func New(ctrl *client.Controller, ui config.UIConfig) *App {
	ti := textinput.New()
	ti.Placeholder = "Ask a research question, or type / for commands"
	ti.Focus()
	ti.CharLimit = api.MaxQueryLength
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = phaseStyle

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		ctrl:        ctrl,
		ctx:         ctx,
		cancel:      cancel,
		listener:    pubsub.NewContinuousListener[session.State](ctx, ctrl.Store()),
		state:       ctrl.Store().Snapshot(),
		input:       ti,
		viewport:    viewport.New(80, 20),
		spinner:     sp,
		bar:         progressbar.New(progressbar.WithDefaultGradient(), progressbar.WithWidth(40), progressbar.WithoutPercentage()),
		render:      newRenderer(ui.MarkdownStyle, ui.ShowStepContent),
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	defer a.cancel()
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	a.ctrl.Start()
	return tea.Batch(
		textinput.Blink,
		a.spinner.Tick,
		a.listener.Listen(),
	)
}

type submitResultMsg struct {
	err error
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.cancel()
			return a, tea.Quit

		case "esc":
			if a.suggestions.IsVisible() {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, nil
			}
			return a, a.cancelTask()

		case "ctrl+n":
			return a, a.newChat()

		case "ctrl+r":
			return a, a.reconnect()

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
				return a, nil
			}

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
				return a, nil
			}

		case "tab":
			if selected := a.suggestions.Selected(); selected != nil {
				a.input.SetValue(selected.Text)
				a.input.CursorEnd()
				a.suggestions.Update(a.input.Value())
			}
			return a, nil

		case "pgup", "pgdown":
			var cmd tea.Cmd
			a.viewport, cmd = a.viewport.Update(msg)
			return a, cmd

		case "enter":
			if selected := a.suggestions.Selected(); selected != nil && selected.Text != a.input.Value() {
				a.input.SetValue(selected.Text)
			}
			line := strings.TrimSpace(a.input.Value())
			if line == "" {
				return a, nil
			}
			a.input.SetValue("")
			a.suggestions.Update("")
			if strings.HasPrefix(line, "/") {
				return a, a.executeCommand(line)
			}
			return a, a.submit(line)
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-9, 3)
		a.bar.Width = min(40, max(msg.Width-30, 10))
		a.render.resize(msg.Width)
		a.refresh()

	case pubsub.Event[session.State]:
		a.state = msg.Payload
		if msg.Type == pubsub.ResetEvent {
			a.message = "Conversation cleared"
		}
		a.refresh()
		cmds = append(cmds, a.listener.Listen())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		if a.state.Active != nil && a.state.Active.Status == models.TaskStatusRunning {
			a.refresh()
		}
		return a, cmd

	case submitResultMsg:
		a.busy = false
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		} else {
			a.message = ""
		}

	case commandResultMsg:
		a.message = msg.message

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

// refresh re-renders the transcript and keeps the view pinned to the bottom
// when it already was.
func (a *App) refresh() {
	atBottom := a.viewport.AtBottom()
	a.viewport.SetContent(a.render.transcript(a.state, a.spinner.View(), a.bar.ViewAs, time.Now()))
	if atBottom {
		a.viewport.GotoBottom()
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	conn := onlineStyle.Render("● CONNECTED")
	if !a.state.Connection.Connected {
		conn = offlineStyle.Render("○ OFFLINE")
	}
	header := titleStyle.Render("deepsearch") + "  " + conn
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	b.WriteString(a.viewport.View() + "\n")

	switch {
	case a.state.Connection.LastError != "":
		b.WriteString(errorStyle.Render(a.state.Connection.LastError))
	case a.state.Error != "":
		b.WriteString(errorStyle.Render("Error: " + a.state.Error))
	case strings.HasPrefix(a.message, "Error"):
		b.WriteString(errorStyle.Render(a.message))
	case a.message != "":
		b.WriteString(successStyle.Render(a.message))
	}
	b.WriteString("\n")

	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n" + a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	status := " Enter:ask | Esc:cancel | Ctrl+N:new chat | Ctrl+R:reconnect | PgUp/PgDn:scroll | Ctrl+C:quit"
	if a.busy {
		status = " Starting research..." + status
	}
	b.WriteString(statusBarStyle.Width(max(a.width, lipgloss.Width(status))).Render(status))

	return b.String()
}

func (a *App) submit(query string) tea.Cmd {
	a.busy = true
	a.message = ""
	return func() tea.Msg {
		_, err := a.ctrl.Submit(a.ctx, query)
		if err != nil {
			log.ErrorErr(log.CatUI, "submit failed", err)
		}
		return submitResultMsg{err: err}
	}
}

func (a *App) cancelTask() tea.Cmd {
	return func() tea.Msg {
		err := a.ctrl.Cancel(a.ctx)
		switch {
		case errors.Is(err, client.ErrNoActiveTask):
			return commandResultMsg{"Nothing to cancel"}
		case err != nil:
			return errMsg{err}
		}
		return commandResultMsg{"✓ Research cancelled"}
	}
}

func (a *App) newChat() tea.Cmd {
	return func() tea.Msg {
		if err := a.ctrl.NewChat(a.ctx); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{"✓ New chat started"}
	}
}

func (a *App) reconnect() tea.Cmd {
	return func() tea.Msg {
		if err := a.ctrl.Reconnect(a.ctx); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{"✓ Connected"}
	}
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(input)
	switch parts[0] {
	case "/new":
		return a.newChat()
	case "/cancel":
		return a.cancelTask()
	case "/reconnect":
		return a.reconnect()
	case "/clear":
		a.ctrl.Store().ClearHistory()
		return nil
	case "/q", "/quit", "/exit":
		a.cancel()
		return tea.Quit
	default:
		return func() tea.Msg {
			return commandResultMsg{fmt.Sprintf("Error: unknown command %s (try /new, /cancel, /reconnect, /clear, /quit)", parts[0])}
		}
	}
}
