package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/reconcile"
	"github.com/fentz26/deepsearch/internal/session"
)

func step(id string, typ models.StepType, status models.StepStatus) models.Step {
	return models.Step{ID: id, Type: typ, Status: status, Title: id}
}

func taskWith(status models.TaskStatus, steps ...models.Step) *models.Task {
	task := models.NewTask("t1", "q", time.Unix(0, 0))
	task.Status = status
	for _, s := range steps {
		task.AppendStep(s)
	}
	return task
}

func TestProject_NilTask(t *testing.T) {
	p := Project(nil)
	assert.Equal(t, PhaseWaiting, p.Phase)
	assert.Zero(t, p.Total)
	assert.Zero(t, p.Percentage)
}

func TestProject_PlanStepsDriveTotal(t *testing.T) {
	plan := step("p", models.StepTypePlan, models.StepStatusRunning)
	plan.Metadata.PlanSteps = []string{"a", "b"}
	task := taskWith(models.TaskStatusRunning,
		plan,
		step("s", models.StepTypeSearch, models.StepStatusCompleted),
		step("c", models.StepTypeCode, models.StepStatusRunning),
	)

	p := Project(task)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Running)
	assert.Equal(t, 50, p.Percentage)
	assert.False(t, p.VisuallyComplete)
	assert.Equal(t, PhaseCoding, p.Phase)
	assert.Equal(t, "c", p.Current)
}

func TestProject_EvidenceMarkersInPlanContent(t *testing.T) {
	plan := step("p", models.StepTypePlan, models.StepStatusCompleted)
	plan.Content = "Plan: look it up\n#E1 = Search[rust]\nPlan: summarise\n  #E2 = LLM[#E1]\n#E3= Code[x]"
	task := taskWith(models.TaskStatusRunning,
		plan,
		step("s", models.StepTypeSearch, models.StepStatusCompleted),
	)

	p := Project(task)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 33, p.Percentage)
}

func TestProject_FallsBackToExecutedCount(t *testing.T) {
	task := taskWith(models.TaskStatusRunning,
		step("s1", models.StepTypeSearch, models.StepStatusCompleted),
		step("s2", models.StepTypeReasoning, models.StepStatusFailed),
		step("s3", models.StepTypeSearch, models.StepStatusPending),
		step("r", models.StepTypeReplan, models.StepStatusCompleted),
	)

	p := Project(task)
	assert.Equal(t, 3, p.Total, "plan, replan and solve are not execution steps")
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Failed)
	assert.Equal(t, 33, p.Percentage)
}

func TestProject_PercentageCapped(t *testing.T) {
	plan := step("p", models.StepTypePlan, models.StepStatusCompleted)
	plan.Metadata.PlanSteps = []string{"only"}
	task := taskWith(models.TaskStatusRunning,
		plan,
		step("a", models.StepTypeSearch, models.StepStatusCompleted),
		step("b", models.StepTypeSearch, models.StepStatusCompleted),
	)
	assert.Equal(t, 100, Project(task).Percentage)
}

func TestProject_SolveCompletedOverrides(t *testing.T) {
	plan := step("p", models.StepTypePlan, models.StepStatusCompleted)
	plan.Metadata.PlanSteps = []string{"a", "b", "c", "d", "e"}
	task := taskWith(models.TaskStatusRunning,
		plan,
		step("a", models.StepTypeSearch, models.StepStatusCompleted),
		step("b", models.StepTypeSearch, models.StepStatusCompleted),
		step("c", models.StepTypeSearch, models.StepStatusCompleted),
		step("d", models.StepTypeSearch, models.StepStatusCompleted),
		step("z", models.StepTypeSolve, models.StepStatusCompleted),
	)

	p := Project(task)
	assert.True(t, p.VisuallyComplete)
	assert.Equal(t, 100, p.Percentage)
	done, total := p.Fraction()
	assert.Equal(t, 5, done)
	assert.Equal(t, 5, total)
	assert.Equal(t, PhaseComplete, p.Phase)
}

func TestProject_ErrorAfterCompletionKeepsHundred(t *testing.T) {
	plan := step("p", models.StepTypePlan, models.StepStatusCompleted)
	plan.Metadata.PlanSteps = []string{"a", "b", "c"}
	task := taskWith(models.TaskStatusCompleted, plan)
	task.FinalAnswer = "answer"
	assert.Equal(t, 100, Project(task).Percentage)

	task.Status = models.TaskStatusErrored
	task.Error = "post-processing failed"
	p := Project(task)
	assert.True(t, p.VisuallyComplete)
	assert.Equal(t, 100, p.Percentage)
	assert.Equal(t, PhaseFailed, p.Phase)
}

func TestProject_Phases(t *testing.T) {
	tests := []struct {
		name string
		task *models.Task
		want Phase
	}{
		{"waiting", taskWith(models.TaskStatusRunning), PhaseWaiting},
		{"planning", taskWith(models.TaskStatusRunning, step("p", models.StepTypePlan, models.StepStatusRunning)), PhasePlanning},
		{"replanning", taskWith(models.TaskStatusRunning, step("r", models.StepTypeReplan, models.StepStatusRunning)), PhaseReplan},
		{"searching", taskWith(models.TaskStatusRunning, step("s", models.StepTypeSearch, models.StepStatusRunning)), PhaseSearching},
		{"reasoning", taskWith(models.TaskStatusRunning, step("l", models.StepTypeReasoning, models.StepStatusRunning)), PhaseReasoning},
		{"solving", taskWith(models.TaskStatusRunning, step("z", models.StepTypeSolve, models.StepStatusRunning)), PhaseSolving},
		{"between steps", taskWith(models.TaskStatusRunning, step("s", models.StepTypeSearch, models.StepStatusCompleted)), PhaseSearching},
		{"failed", taskWith(models.TaskStatusErrored, step("s", models.StepTypeSearch, models.StepStatusRunning)), PhaseFailed},
		{"complete", taskWith(models.TaskStatusCompleted), PhaseComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Project(tt.task).Phase)
		})
	}
}

func TestProject_Cancelled(t *testing.T) {
	task := taskWith(models.TaskStatusIdle, step("s", models.StepTypeSearch, models.StepStatusRunning))
	end := time.Unix(10, 0)
	task.EndTime = &end
	assert.Equal(t, PhaseCancelled, Project(task).Phase)
}

func TestProject_EndToEndExample(t *testing.T) {
	s := session.New()
	defer s.Close()
	_, err := s.StartTask("X")
	assert.NoError(t, err)
	apply := func(upd models.StepUpdate) { s.ApplyStepEvent(upd, reconcile.MergeStep) }

	apply(models.StepUpdate{ID: "s1", Type: models.StepTypePlan, Status: models.StepStatusRunning,
		Metadata: &models.StepMetadata{PlanSteps: []string{"a", "b"}}})
	apply(models.StepUpdate{ID: "s2", Type: models.StepTypeSearch, Status: models.StepStatusCompleted})
	apply(models.StepUpdate{ID: "s3", Type: models.StepTypeCode, Status: models.StepStatusRunning})

	p := Project(s.Snapshot().Active)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 50, p.Percentage)

	s.CompleteTask("done")
	task := s.Snapshot().Active
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, models.StepStatusCompleted, task.Steps[2].Status)
	assert.Equal(t, 100, Project(task).Percentage)
}

func TestProject_DoesNotMutate(t *testing.T) {
	task := taskWith(models.TaskStatusRunning, step("s", models.StepTypeSearch, models.StepStatusRunning))
	before := task.Clone()
	Project(task)
	Project(task)
	assert.Equal(t, before, task)
}

// Property: once a task is visually complete, no later step update or
// completion brings the percentage back below 100.
func TestProperty_PercentageStaysAtHundred(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := session.New()
		defer s.Close()
		if _, err := s.StartTask("q"); err != nil {
			rt.Fatal(err)
		}

		n := rapid.IntRange(1, 40).Draw(rt, "events")
		reached := false
		for i := 0; i < n; i++ {
			if rapid.IntRange(0, 9).Draw(rt, "kind") == 0 {
				s.CompleteTask("answer")
			} else {
				upd := models.StepUpdate{
					ID:     rapid.SampledFrom([]string{"p", "a", "b", "c", "z"}).Draw(rt, "id"),
					Type:   rapid.SampledFrom([]models.StepType{models.StepTypePlan, models.StepTypeSearch, models.StepTypeCode, models.StepTypeReasoning, models.StepTypeSolve}).Draw(rt, "type"),
					Status: rapid.SampledFrom([]models.StepStatus{models.StepStatusPending, models.StepStatusRunning, models.StepStatusCompleted, models.StepStatusFailed}).Draw(rt, "status"),
				}
				if rapid.Bool().Draw(rt, "plan") {
					upd.Metadata = &models.StepMetadata{PlanSteps: rapid.SliceOfN(rapid.Just("x"), 1, 6).Draw(rt, "planSteps")}
				}
				s.ApplyStepEvent(upd, reconcile.MergeStep)
			}

			p := Project(s.Snapshot().Active)
			if reached && p.Percentage != 100 {
				rt.Fatalf("percentage fell to %d after visual completion", p.Percentage)
			}
			if p.Percentage < 0 || p.Percentage > 100 {
				rt.Fatalf("percentage out of range: %d", p.Percentage)
			}
			if p.VisuallyComplete {
				reached = true
			}
		}
	})
}
