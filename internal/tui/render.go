package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/fentz26/deepsearch/internal/log"
	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/progress"
	"github.com/fentz26/deepsearch/internal/session"
)

const maxStepContent = 160

// renderer turns a session snapshot into the conversation transcript.
type renderer struct {
	width       int
	style       string
	showContent bool
	markdown    *glamour.TermRenderer
}

func newRenderer(style string, showContent bool) *renderer {
	r := &renderer{style: style, showContent: showContent}
	r.resize(80)
	return r
}

// resize rebuilds the markdown renderer for a new wrap width.
func (r *renderer) resize(width int) {
	if width == r.width && r.markdown != nil {
		return
	}
	r.width = width
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(r.style),
		glamour.WithWordWrap(max(width-4, 20)),
	)
	if err != nil {
		log.Warn(log.CatUI, "markdown renderer unavailable", "style", r.style, "error", err)
		r.markdown = nil
		return
	}
	r.markdown = md
}

// transcript renders every history entry in order. spin is the current
// spinner frame and bar renders a progress fraction.
func (r *renderer) transcript(st session.State, spin string, bar func(float64) string, now time.Time) string {
	if len(st.History) == 0 {
		return helpStyle.Render("\n  Ask a research question to get started. Type / for commands.\n")
	}

	var b strings.Builder
	for _, entry := range st.History {
		switch entry.Role {
		case models.RoleUser:
			b.WriteString("\n" + userStyle.Render("You") + "  " + queryStyle.Render(entry.Content) + "\n")
		case models.RoleAssistant:
			if task := st.Task(entry.TaskID); task != nil {
				b.WriteString(r.task(task, spin, bar, now))
			} else if entry.Content != "" {
				b.WriteString(r.answer(entry.Content))
			}
		}
	}
	return b.String()
}

func (r *renderer) task(t *models.Task, spin string, bar func(float64) string, now time.Time) string {
	var b strings.Builder
	p := progress.Project(t)
	done, total := p.Fraction()

	head := phaseStyle.Render(string(p.Phase))
	if t.Status == models.TaskStatusRunning {
		head = spin + " " + head
		if p.Current != "" {
			head += "  " + mutedStyle.Render(p.Current)
		}
	}
	b.WriteString("\n" + head + "\n")

	if total > 0 || p.VisuallyComplete {
		pct := float64(p.Percentage) / 100
		b.WriteString(bar(pct) + mutedStyle.Render(fmt.Sprintf("  %d/%d steps", done, total)) + "\n")
	}

	for _, step := range t.Steps {
		b.WriteString(r.step(step))
	}

	switch t.Status {
	case models.TaskStatusCompleted:
		b.WriteString(r.answer(t.FinalAnswer))
		if len(t.Sources) > 0 {
			b.WriteString(sectionStyle.Render("Sources") + "\n")
			for i, src := range t.Sources {
				b.WriteString(fmt.Sprintf("  %d. %s %s\n", i+1, src.Title, mutedStyle.Render(src.Link)))
			}
		}
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  finished in %s", formatDuration(t.Duration(now)))) + "\n")
	case models.TaskStatusErrored:
		b.WriteString(errorStyle.Render("✗ "+t.Error) + "\n")
	case models.TaskStatusIdle:
		if t.EndTime != nil {
			b.WriteString(warningStyle.Render("Research cancelled") + "\n")
		}
	}
	return b.String()
}

func (r *renderer) step(s models.Step) string {
	line := fmt.Sprintf("  %s %s %s", stepIcon(s.Status), mutedStyle.Render(fmt.Sprintf("[%s]", s.Type)), s.Title)
	if s.Metadata.SearchQuery != "" {
		line += mutedStyle.Render(fmt.Sprintf(" (%q)", s.Metadata.SearchQuery))
	}
	out := line + "\n"
	if s.Metadata.Error != "" {
		out += "      " + errorStyle.Render(s.Metadata.Error) + "\n"
	}
	if r.showContent && s.Content != "" && s.Type != models.StepTypeSolve {
		out += "      " + helpStyle.Render(truncate(oneLine(s.Content), maxStepContent)) + "\n"
	}
	return out
}

func (r *renderer) answer(md string) string {
	if md == "" {
		return ""
	}
	if r.markdown == nil {
		return "\n" + md + "\n"
	}
	out, err := r.markdown.Render(md)
	if err != nil {
		return "\n" + md + "\n"
	}
	return out
}

func stepIcon(s models.StepStatus) string {
	switch s {
	case models.StepStatusCompleted:
		return successStyle.Render("●")
	case models.StepStatusRunning:
		return phaseStyle.Render("◑")
	case models.StepStatusFailed:
		return errorStyle.Render("✗")
	default:
		return warningStyle.Render("○")
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
