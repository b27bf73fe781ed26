// Package progress derives the display progress of a research task from its
// step collection. Everything here is a pure function of its input and is
// recomputed on every read; nothing is cached.
package progress

import (
	"math"
	"regexp"

	"github.com/fentz26/deepsearch/internal/models"
)

// Phase is the human-facing label for what the task is doing now.
type Phase string

const (
	PhaseWaiting   Phase = "Waiting"
	PhasePlanning  Phase = "Planning"
	PhaseReplan    Phase = "Replanning"
	PhaseSearching Phase = "Searching"
	PhaseCoding    Phase = "Running code"
	PhaseReasoning Phase = "Reasoning"
	PhaseSolving   Phase = "Writing answer"
	PhaseComplete  Phase = "Complete"
	PhaseFailed    Phase = "Failed"
	PhaseCancelled Phase = "Cancelled"
)

// Progress is the projected view of one task.
type Progress struct {
	Total      int // planned execution steps
	Completed  int
	Running    int
	Failed     int
	Percentage int
	// VisuallyComplete is set once the task completed, holds a final answer or
	// has a completed solve step.
	VisuallyComplete bool
	Phase            Phase
	// Current is the title of the most recent running step, if any.
	Current string
}

// Fraction returns the completed/total pair to display.
func (p Progress) Fraction() (int, int) {
	return p.Completed, p.Total
}

// evidenceMarker matches one planned unit in plan text, e.g. "#E2 = Search[...]".
var evidenceMarker = regexp.MustCompile(`(?m)^\s*#E\d+\s*=`)

// Project computes progress for task. A nil task projects to the zero value
// with the waiting phase.
func Project(task *models.Task) Progress {
	if task == nil {
		return Progress{Phase: PhaseWaiting}
	}

	var p Progress
	executed := 0
	for _, step := range task.Steps {
		if !step.Type.IsExecution() {
			continue
		}
		executed++
		switch step.Status {
		case models.StepStatusCompleted:
			p.Completed++
		case models.StepStatusRunning:
			p.Running++
		case models.StepStatusFailed:
			p.Failed++
		}
	}

	p.Total = plannedTotal(task.Steps)
	if p.Total == 0 {
		p.Total = executed
	}
	p.Percentage = percentage(p.Completed, p.Total)

	p.VisuallyComplete = task.Status == models.TaskStatusCompleted ||
		task.FinalAnswer != "" ||
		solveCompleted(task.Steps)
	if p.VisuallyComplete {
		n := max(p.Total, p.Completed)
		p.Total, p.Completed = n, n
		p.Percentage = 100
	}

	p.Phase, p.Current = phase(task, p.VisuallyComplete)
	return p
}

// plannedTotal returns the planned unit count from the first plan step that
// declares one: its planSteps list, else evidence markers in its content.
func plannedTotal(steps []models.Step) int {
	for _, step := range steps {
		if step.Type != models.StepTypePlan {
			continue
		}
		if n := len(step.Metadata.PlanSteps); n > 0 {
			return n
		}
		if n := len(evidenceMarker.FindAllStringIndex(step.Content, -1)); n > 0 {
			return n
		}
	}
	return 0
}

func percentage(completed, total int) int {
	if total < 1 {
		total = 1
	}
	pct := int(math.Round(100 * float64(completed) / float64(total)))
	return min(100, pct)
}

func solveCompleted(steps []models.Step) bool {
	for _, step := range steps {
		if step.Type == models.StepTypeSolve && step.Status == models.StepStatusCompleted {
			return true
		}
	}
	return false
}

func phase(task *models.Task, visuallyComplete bool) (Phase, string) {
	switch {
	case task.Status == models.TaskStatusErrored:
		return PhaseFailed, ""
	case task.Status == models.TaskStatusIdle && task.EndTime != nil:
		return PhaseCancelled, ""
	case visuallyComplete:
		return PhaseComplete, ""
	}

	for i := len(task.Steps) - 1; i >= 0; i-- {
		step := task.Steps[i]
		if step.Status != models.StepStatusRunning {
			continue
		}
		return stepPhase(step.Type), step.Title
	}
	if len(task.Steps) == 0 {
		return PhaseWaiting, ""
	}
	// Between steps: report the category of the latest step seen.
	return stepPhase(task.Steps[len(task.Steps)-1].Type), ""
}

func stepPhase(t models.StepType) Phase {
	switch t {
	case models.StepTypePlan:
		return PhasePlanning
	case models.StepTypeReplan:
		return PhaseReplan
	case models.StepTypeSearch:
		return PhaseSearching
	case models.StepTypeCode:
		return PhaseCoding
	case models.StepTypeReasoning:
		return PhaseReasoning
	case models.StepTypeSolve:
		return PhaseSolving
	default:
		return PhaseWaiting
	}
}
