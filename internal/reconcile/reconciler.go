// Package reconcile interprets inbound orchestrator events against the session
// store and computes the next state.
//
// Delivery is at-most-once and possibly reordered. Nothing here returns an
// error to callers: every message ends as applied, dropped, ignored or
// malformed, and only the store's declarative fields are visible downstream.
package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fentz26/deepsearch/internal/log"
	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/session"
)

// Outcome classifies what happened to one inbound message.
type Outcome int

const (
	// Applied means the store changed (or was asked to change) state.
	Applied Outcome = iota
	// Dropped means the event was stale: no active task, or a new step after completion.
	Dropped
	// Ignored means a recognised housekeeping message with no state effect.
	Ignored
	// Malformed means the message could not be decoded or had an unknown type.
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	case Ignored:
		return "ignored"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Target is the store surface the reconciler writes through.
type Target interface {
	ApplyStepEvent(upd models.StepUpdate, merge session.MergeFunc) bool
	CompleteTask(finalAnswer string) bool
	CancelTask() bool
	SetTaskError(message *string)
	ClearHistory()
}

// Stats counts outcomes since the reconciler was created.
type Stats struct {
	Applied   uint64
	Dropped   uint64
	Ignored   uint64
	Malformed uint64
}

// Reconciler applies decoded events to a Target.
type Reconciler struct {
	target Target
	counts [4]atomic.Uint64
}

// New creates a reconciler writing to target.
func New(target Target) *Reconciler {
	return &Reconciler{target: target}
}

// HandleMessage decodes one raw transport message and applies it.
func (r *Reconciler) HandleMessage(raw []byte) Outcome {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Warn(log.CatReconcile, "undecodable message", "error", err, "bytes", len(raw))
		return r.record(Malformed)
	}
	return r.Apply(env)
}

// Apply dispatches an envelope by type.
func (r *Reconciler) Apply(env Envelope) Outcome {
	var (
		outcome Outcome
		err     error
	)
	switch env.Type {
	case EventStepUpdate:
		outcome, err = r.applyStepUpdate(env.Data)
	case EventSearchComplete:
		outcome, err = r.applySearchComplete(env.Data)
	case EventSearchCancelled:
		outcome = r.applySearchCancelled()
	case EventError:
		outcome, err = r.applyError(env.Data)
	case EventSessionReset:
		r.target.ClearHistory()
		outcome = Applied
	case EventConnection, EventHeartbeat, EventPong:
		outcome = Ignored
	default:
		err = fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		log.Warn(log.CatReconcile, "malformed event", "type", env.Type, "error", err)
		return r.record(Malformed)
	}

	log.Debug(log.CatReconcile, "event", "type", env.Type, "search", env.SearchID, "outcome", outcome)
	return r.record(outcome)
}

func (r *Reconciler) applyStepUpdate(raw json.RawMessage) (Outcome, error) {
	var data StepUpdateData
	if err := decodeData(raw, &data); err != nil {
		return Malformed, err
	}
	upd, err := data.toUpdate()
	if err != nil {
		return Malformed, err
	}
	if !r.target.ApplyStepEvent(upd, MergeStep) {
		return Dropped, nil
	}
	return Applied, nil
}

func (d StepUpdateData) toUpdate() (models.StepUpdate, error) {
	if strings.TrimSpace(d.StepID) == "" {
		return models.StepUpdate{}, fmt.Errorf("step_update without step_id")
	}
	stepType, ok := models.ParseStepType(d.StepType)
	if !ok {
		return models.StepUpdate{}, fmt.Errorf("step %s has unknown step_type %q", d.StepID, d.StepType)
	}
	return models.StepUpdate{
		ID:       d.StepID,
		Type:     stepType,
		Status:   models.ParseStepStatus(d.Status),
		Title:    d.Title,
		Content:  d.Content,
		Metadata: d.Metadata,
	}, nil
}

func (r *Reconciler) applySearchComplete(raw json.RawMessage) (Outcome, error) {
	var data SearchCompleteData
	if err := decodeData(raw, &data); err != nil {
		return Malformed, err
	}
	if !r.target.CompleteTask(data.Result) {
		return Dropped, nil
	}
	return Applied, nil
}

func (r *Reconciler) applySearchCancelled() Outcome {
	if !r.target.CancelTask() {
		return Dropped
	}
	return Applied
}

func (r *Reconciler) applyError(raw json.RawMessage) (Outcome, error) {
	var data ErrorData
	if err := decodeData(raw, &data); err != nil {
		return Malformed, err
	}
	msg := strings.TrimSpace(data.Error)
	if msg == "" {
		msg = "Unknown error"
	}
	r.target.SetTaskError(&msg)
	return Applied, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(raw, v)
}

func (r *Reconciler) record(o Outcome) Outcome {
	r.counts[o].Add(1)
	return o
}

// Stats returns a copy of the outcome counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Applied:   r.counts[Applied].Load(),
		Dropped:   r.counts[Dropped].Load(),
		Ignored:   r.counts[Ignored].Load(),
		Malformed: r.counts[Malformed].Load(),
	}
}
