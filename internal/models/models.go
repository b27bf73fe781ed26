// Package models defines the core domain types for deepsearch.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a research task.
type TaskStatus string

const (
	TaskStatusIdle      TaskStatus = "idle"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusErrored   TaskStatus = "errored"
)

// IsTerminal reports whether the status can only be left by starting a new task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusErrored
}

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ParseStepStatus maps a wire status onto a StepStatus.
// "started" folds into running; anything unrecognised is pending.
func ParseStepStatus(raw string) StepStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "started", "running":
		return StepStatusRunning
	case "completed":
		return StepStatusCompleted
	case "failed":
		return StepStatusFailed
	default:
		return StepStatusPending
	}
}

// StepType is the category tag of a step. The set is closed.
type StepType string

const (
	StepTypePlan      StepType = "plan"
	StepTypeSearch    StepType = "search"
	StepTypeCode      StepType = "code"
	StepTypeReasoning StepType = "reasoning"
	StepTypeSolve     StepType = "solve"
	StepTypeReplan    StepType = "replan"
)

// ParseStepType maps a wire category onto a StepType. The orchestrator
// reports reasoning steps as "llm".
func ParseStepType(raw string) (StepType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "plan":
		return StepTypePlan, true
	case "search":
		return StepTypeSearch, true
	case "code":
		return StepTypeCode, true
	case "reasoning", "llm":
		return StepTypeReasoning, true
	case "solve":
		return StepTypeSolve, true
	case "replan":
		return StepTypeReplan, true
	default:
		return "", false
	}
}

// IsExecution reports whether the category counts as a user-visible work unit.
func (t StepType) IsExecution() bool {
	return t == StepTypeSearch || t == StepTypeCode || t == StepTypeReasoning
}

// Source is a reference cited by a step or the final answer.
type Source struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

// UnmarshalJSON accepts either a bare link string or a source object.
func (s *Source) UnmarshalJSON(data []byte) error {
	var link string
	if err := json.Unmarshal(data, &link); err == nil {
		*s = Source{Title: link, Link: link}
		return nil
	}
	type plain Source
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Source(p)
	return nil
}

// StepMetadata is the category-dependent detail bag of a step.
// Zero-valued fields are treated as absent when overlaying.
type StepMetadata struct {
	SearchQuery   string   `json:"searchQuery,omitempty"`
	CodeResult    string   `json:"codeResult,omitempty"`
	LLMResult     string   `json:"llmResult,omitempty"`
	PlanSteps     []string `json:"planSteps,omitempty"`
	Error         string   `json:"error,omitempty"`
	ExecutionTime *float64 `json:"executionTime,omitempty"`
	Sources       []Source `json:"sources,omitempty"`
}

// Overlay returns m with every field present in next replacing its counterpart.
func (m StepMetadata) Overlay(next StepMetadata) StepMetadata {
	out := m.Clone()
	if next.SearchQuery != "" {
		out.SearchQuery = next.SearchQuery
	}
	if next.CodeResult != "" {
		out.CodeResult = next.CodeResult
	}
	if next.LLMResult != "" {
		out.LLMResult = next.LLMResult
	}
	if next.PlanSteps != nil {
		out.PlanSteps = append([]string(nil), next.PlanSteps...)
	}
	if next.Error != "" {
		out.Error = next.Error
	}
	if next.ExecutionTime != nil {
		v := *next.ExecutionTime
		out.ExecutionTime = &v
	}
	if next.Sources != nil {
		out.Sources = append([]Source(nil), next.Sources...)
	}
	return out
}

// Clone returns a deep copy.
func (m StepMetadata) Clone() StepMetadata {
	out := m
	if m.PlanSteps != nil {
		out.PlanSteps = append([]string(nil), m.PlanSteps...)
	}
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	if m.ExecutionTime != nil {
		v := *m.ExecutionTime
		out.ExecutionTime = &v
	}
	return out
}

// Step is one unit of remote work reported by the event stream.
type Step struct {
	ID        string       `json:"id"`
	Type      StepType     `json:"type"`
	Status    StepStatus   `json:"status"`
	Title     string       `json:"title"`
	Content   string       `json:"content,omitempty"`
	Metadata  StepMetadata `json:"metadata"`
	Timestamp time.Time    `json:"timestamp"` // local receipt time
}

// Clone returns a deep copy.
func (s Step) Clone() Step {
	s.Metadata = s.Metadata.Clone()
	return s
}

// StepUpdate is a decoded step_update event.
type StepUpdate struct {
	ID       string
	Type     StepType
	Status   StepStatus
	Title    string
	Content  string
	Metadata *StepMetadata
}

// Task is a single research session from query submission to terminal outcome.
type Task struct {
	ID          string     `json:"id"`
	SearchID    string     `json:"search_id,omitempty"` // remote id, bound once the start request is acknowledged
	Query       string     `json:"query"`
	Status      TaskStatus `json:"status"`
	Steps       []Step     `json:"steps"`
	FinalAnswer string     `json:"final_answer,omitempty"`
	Sources     []Source   `json:"sources,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Error       string     `json:"error,omitempty"`

	index map[string]int
}

// NewTask creates a running task with an empty step collection.
func NewTask(id, query string, now time.Time) *Task {
	return &Task{
		ID:        id,
		Query:     query,
		Status:    TaskStatusRunning,
		Steps:     []Step{},
		StartTime: now,
		index:     make(map[string]int),
	}
}

// StepIndex returns the position of the step with the given id.
func (t *Task) StepIndex(id string) (int, bool) {
	if t.index == nil {
		t.reindex()
	}
	i, ok := t.index[id]
	return i, ok
}

// AppendStep adds a step at the end of the collection.
func (t *Task) AppendStep(s Step) {
	if t.index == nil {
		t.reindex()
	}
	t.index[s.ID] = len(t.Steps)
	t.Steps = append(t.Steps, s)
}

// ReplaceStep overwrites the step at position i without moving it.
func (t *Task) ReplaceStep(i int, s Step) {
	t.Steps[i] = s
}

func (t *Task) reindex() {
	t.index = make(map[string]int, len(t.Steps))
	for i, s := range t.Steps {
		t.index[s.ID] = i
	}
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		out.Steps[i] = s.Clone()
	}
	if t.Sources != nil {
		out.Sources = append([]Source(nil), t.Sources...)
	}
	if t.EndTime != nil {
		end := *t.EndTime
		out.EndTime = &end
	}
	out.reindex()
	return &out
}

// Duration returns the elapsed time of the task, up to now when still open.
func (t *Task) Duration(now time.Time) time.Duration {
	if t.EndTime != nil {
		return t.EndTime.Sub(t.StartTime)
	}
	return now.Sub(t.StartTime)
}

// Role identifies who authored a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one item of the conversation history. Assistant entries are bound
// to exactly one task by TaskID.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionState is the transport status as last reported by the connection manager.
type ConnectionState struct {
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}
