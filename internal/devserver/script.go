package devserver

import (
	"fmt"
	"strings"

	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/reconcile"
)

// scriptEvent is one message of a canned research run.
type scriptEvent struct {
	kind  reconcile.EventType
	data  any
	label string // reported as current_step by the status endpoint
}

type plannedStep struct {
	wire   string
	title  string
	call   string
	meta   models.StepMetadata
	result func() (string, models.StepMetadata)
}

// researchScript returns the events of a plan, three execution steps and a
// solve step for query. When fail is set the run stops with an error event
// while the first execution step is running.
func researchScript(searchID, query string, fail bool) []scriptEvent {
	topic := strings.TrimRight(strings.TrimSpace(query), "?!.")
	secs := func(v float64) *float64 { return &v }

	steps := []plannedStep{
		{
			wire:  "search",
			title: "Searching the web",
			call:  fmt.Sprintf("Search[%s]", topic),
			meta:  models.StepMetadata{SearchQuery: topic},
			result: func() (string, models.StepMetadata) {
				sources := []models.Source{
					{Title: topic + " overview", Link: "https://example.org/overview", Snippet: "An introduction to " + topic + "."},
					{Title: topic + " in practice", Link: "https://example.org/practice"},
				}
				return fmt.Sprintf("Found %d relevant sources.", len(sources)), models.StepMetadata{Sources: sources, ExecutionTime: secs(0.8)}
			},
		},
		{
			wire:  "code",
			title: "Analyzing findings",
			call:  "Code[tabulate key facts from #E1]",
			result: func() (string, models.StepMetadata) {
				return "facts = 2", models.StepMetadata{CodeResult: "2 facts tabulated", ExecutionTime: secs(0.3)}
			},
		},
		{
			wire:  "llm",
			title: "Reasoning over evidence",
			call:  "LLM[summarise #E1 and #E2]",
			result: func() (string, models.StepMetadata) {
				return "The evidence is consistent.", models.StepMetadata{LLMResult: "consistent", ExecutionTime: secs(1.1)}
			},
		},
	}

	var (
		plan   strings.Builder
		titles []string
	)
	for i, st := range steps {
		fmt.Fprintf(&plan, "Plan: %s\n#E%d = %s\n", st.title, i+1, st.call)
		titles = append(titles, st.title)
	}

	stepEvent := func(id, kind, status, title, content string, meta *models.StepMetadata) scriptEvent {
		return scriptEvent{
			kind: reconcile.EventStepUpdate,
			data: reconcile.StepUpdateData{
				StepID:   id,
				StepType: kind,
				Status:   status,
				Title:    title,
				Content:  content,
				Metadata: meta,
			},
			label: title,
		}
	}

	events := []scriptEvent{
		stepEvent("plan", "plan", "started", "Planning research", "", nil),
		stepEvent("plan", "plan", "completed", "Planning research", plan.String(), &models.StepMetadata{PlanSteps: titles}),
	}
	for i, st := range steps {
		id := fmt.Sprintf("step-%d", i+1)
		meta := st.meta
		events = append(events, stepEvent(id, st.wire, "running", st.title, "", &meta))
		if fail {
			return append(events, scriptEvent{
				kind: reconcile.EventError,
				data: reconcile.ErrorData{
					Error:  fmt.Sprintf("%s failed: upstream provider unavailable", st.title),
					StepID: id,
				},
				label: st.title,
			})
		}
		content, done := st.result()
		events = append(events, stepEvent(id, st.wire, "completed", st.title, content, &done))
	}

	answer := fmt.Sprintf("## %s\n\nBased on %d research steps, here is a summary of **%s**.\n\n- Sources agree on the core facts.\n- See the cited pages for detail.\n", topic, len(steps), topic)
	events = append(events,
		stepEvent("solve", "solve", "running", "Composing answer", "", nil),
		stepEvent("solve", "solve", "completed", "Composing answer", answer, nil),
		scriptEvent{
			kind: reconcile.EventSearchComplete,
			data: reconcile.SearchCompleteData{
				SearchID:   searchID,
				Result:     answer,
				TotalSteps: len(steps) + 2,
			},
			label: "Complete",
		},
	)
	return events
}
