package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/fentz26/deepsearch/internal/client"
	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/progress"
)

var askCmd = &cobra.Command{
	Use:   "ask <query...>",
	Short: "Run one research question and stream its progress",
	Long: `Submit a research question and print each step as it progresses, then the
final answer. Ctrl+C cancels the research.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var askJSON bool

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the finished task as JSON instead of rendered text")
}

var (
	stepDoneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	stepRunningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6366F1"))
	stepFailedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	dimStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

func runAsk(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	ctrl, err := client.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	taskID, err := ctrl.Submit(ctx, query)
	if err != nil {
		if msg := ctrl.Store().Snapshot().Connection.LastError; msg != "" {
			return errors.New(msg)
		}
		return err
	}

	out := cmd.OutOrStdout()
	printer := newStepPrinter(out, askJSON)
	task, err := ctrl.Wait(ctx, taskID, printer.update)
	if err != nil {
		if ctx.Err() == nil {
			return err
		}
		// Interrupted: cancel remotely with a fresh deadline.
		cancelCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		if cerr := ctrl.Cancel(cancelCtx); cerr != nil && !errors.Is(cerr, client.ErrNoActiveTask) {
			fmt.Fprintf(os.Stderr, "cancel request failed: %v\n", cerr)
		}
		return errors.New("research cancelled")
	}

	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(task); err != nil {
			return err
		}
	} else {
		printResult(out, task)
	}

	switch {
	case task.Status == models.TaskStatusErrored:
		return fmt.Errorf("research failed: %s", task.Error)
	case task.Status == models.TaskStatusIdle:
		return errors.New("research cancelled")
	}
	return nil
}

// stepPrinter prints a line each time a step changes status.
type stepPrinter struct {
	out     io.Writer
	quiet   bool
	seen    map[string]models.StepStatus
	phase   progress.Phase
	planned bool
}

func newStepPrinter(out io.Writer, quiet bool) *stepPrinter {
	return &stepPrinter{out: out, quiet: quiet, seen: make(map[string]models.StepStatus)}
}

func (p *stepPrinter) update(task *models.Task) {
	if p.quiet {
		return
	}
	for _, step := range task.Steps {
		if p.seen[step.ID] == step.Status {
			continue
		}
		p.seen[step.ID] = step.Status
		fmt.Fprintln(p.out, formatStep(step))
	}

	prog := progress.Project(task)
	if prog.Total > 0 && !p.planned {
		p.planned = true
		fmt.Fprintln(p.out, dimStyle.Render(fmt.Sprintf("  plan: %d steps", prog.Total)))
	}
	if prog.Phase != p.phase && task.Status == models.TaskStatusRunning {
		p.phase = prog.Phase
		done, total := prog.Fraction()
		fmt.Fprintln(p.out, dimStyle.Render(fmt.Sprintf("  %s (%d/%d, %d%%)", prog.Phase, done, total, prog.Percentage)))
	}
}

func formatStep(s models.Step) string {
	var icon string
	switch s.Status {
	case models.StepStatusCompleted:
		icon = stepDoneStyle.Render("●")
	case models.StepStatusRunning:
		icon = stepRunningStyle.Render("◑")
	case models.StepStatusFailed:
		icon = stepFailedStyle.Render("✗")
	default:
		icon = dimStyle.Render("○")
	}
	line := fmt.Sprintf("%s %s %s", icon, dimStyle.Render("["+string(s.Type)+"]"), s.Title)
	if s.Metadata.SearchQuery != "" {
		line += dimStyle.Render(fmt.Sprintf(" (%q)", s.Metadata.SearchQuery))
	}
	if s.Metadata.Error != "" {
		line += " " + stepFailedStyle.Render(s.Metadata.Error)
	}
	return line
}

func printResult(out io.Writer, task *models.Task) {
	switch task.Status {
	case models.TaskStatusErrored:
		fmt.Fprintln(out, stepFailedStyle.Render("✗ "+task.Error))
		return
	case models.TaskStatusIdle:
		fmt.Fprintln(out, dimStyle.Render("research cancelled"))
		return
	}

	answer := task.FinalAnswer
	if rendered, err := glamour.Render(answer, cfg.UI.MarkdownStyle); err == nil {
		answer = rendered
	}
	fmt.Fprintln(out, answer)

	if len(task.Sources) > 0 {
		fmt.Fprintln(out, lipgloss.NewStyle().Bold(true).Render("Sources"))
		for i, src := range task.Sources {
			fmt.Fprintf(out, "  %d. %s %s\n", i+1, src.Title, dimStyle.Render(src.Link))
		}
	}
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("finished in %s", task.Duration(time.Now()).Round(100*time.Millisecond))))
}
