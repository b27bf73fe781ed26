package reconcile

import (
	"time"

	"github.com/fentz26/deepsearch/internal/models"
)

// MergeStep applies upd to task using last-write-wins per field per step id.
//
// A new id is appended, so display order is first-seen order. A known id is
// replaced in place: status always takes the new value, title and content take
// it when non-empty, and metadata is overlaid field by field. Once the task is
// completed, only known ids are accepted.
//
// Last-write-wins does not hold for the status and category of a completed
// solve step: later updates to them are ignored so visual completion cannot be
// undone. Title, content and metadata of that step still merge.
//
// MergeStep satisfies session.MergeFunc.
func MergeStep(task *models.Task, upd models.StepUpdate, now time.Time) bool {
	if upd.ID == "" {
		return false
	}

	i, exists := task.StepIndex(upd.ID)
	if !exists {
		if task.Status == models.TaskStatusCompleted {
			return false
		}
		step := models.Step{
			ID:        upd.ID,
			Type:      upd.Type,
			Status:    upd.Status,
			Title:     upd.Title,
			Content:   upd.Content,
			Timestamp: now,
		}
		if upd.Metadata != nil {
			step.Metadata = upd.Metadata.Clone()
		}
		task.AppendStep(step)
		return true
	}

	step := task.Steps[i].Clone()
	// A completed solve step already made the task visually complete; it
	// does not regress.
	if !(step.Type == models.StepTypeSolve && step.Status == models.StepStatusCompleted) {
		step.Status = upd.Status
		if upd.Type != "" {
			step.Type = upd.Type
		}
	}
	if upd.Title != "" {
		step.Title = upd.Title
	}
	if upd.Content != "" {
		step.Content = upd.Content
	}
	if upd.Metadata != nil {
		step.Metadata = step.Metadata.Overlay(*upd.Metadata)
	}
	step.Timestamp = now
	task.ReplaceStep(i, step)
	return true
}
