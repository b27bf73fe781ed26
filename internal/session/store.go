// Package session holds the canonical in-memory model of the client: the
// conversation history, the active research task and the connection flag.
//
// The Store performs no I/O. Every operation replaces the state it touches
// under a single lock and then publishes a snapshot, so readers never observe a
// partially applied event.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/deepsearch/internal/log"
	"github.com/fentz26/deepsearch/internal/models"
	"github.com/fentz26/deepsearch/internal/pubsub"
)

// PreconditionError reports an operation rejected because of its input.
type PreconditionError struct {
	Op     string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// State is an immutable snapshot of the store.
type State struct {
	History    []models.Entry
	Active     *models.Task // nil when no task is active
	Tasks      map[string]*models.Task
	Error      string
	Connection models.ConnectionState
	ChatMode   bool
}

// Task returns the task with the given id from the snapshot.
func (s State) Task(id string) *models.Task {
	return s.Tasks[id]
}

// MergeFunc applies a step update to task. It returns false when the update
// must be discarded. It runs under the store lock and must not block.
type MergeFunc func(task *models.Task, upd models.StepUpdate, now time.Time) bool

// Store is the single mutable shared resource of the client.
type Store struct {
	mu         sync.Mutex
	history    []models.Entry
	tasks      map[string]*models.Task
	activeID   string
	err        string
	connection models.ConnectionState
	chatMode   bool

	now    func() time.Time
	newID  func() string
	broker *pubsub.Broker[State]
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides how task and entry ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks:  make(map[string]*models.Task),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		broker: pubsub.NewCoalescingBroker[State](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe returns a channel that receives a snapshot after every change.
// Slow readers skip intermediate snapshots but always receive the latest.
func (s *Store) Subscribe(ctx context.Context) <-chan pubsub.Event[State] {
	return s.broker.Subscribe(ctx)
}

// Close releases subscribers.
func (s *Store) Close() {
	s.broker.Close()
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	st := State{
		History:    append([]models.Entry(nil), s.history...),
		Tasks:      make(map[string]*models.Task, len(s.tasks)),
		Error:      s.err,
		Connection: s.connection,
		ChatMode:   s.chatMode,
	}
	for id, t := range s.tasks {
		st.Tasks[id] = t.Clone()
	}
	if s.activeID != "" {
		st.Active = st.Tasks[s.activeID]
	}
	return st
}

// commitLocked publishes the post-change snapshot. Caller holds s.mu.
func (s *Store) commitLocked(kind pubsub.EventType) {
	s.broker.Publish(kind, s.snapshotLocked())
}

func (s *Store) activeLocked() *models.Task {
	if s.activeID == "" {
		return nil
	}
	return s.tasks[s.activeID]
}

func (s *Store) stampLocked() *time.Time {
	now := s.now()
	return &now
}

// StartTask creates a running task for query, appends a user entry and a bound
// assistant entry, makes the task active and clears the session error.
func (s *Store) StartTask(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", &PreconditionError{Op: "start task", Reason: "query is empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	task := models.NewTask(s.newID(), query, now)
	s.tasks[task.ID] = task
	s.history = append(s.history,
		models.Entry{ID: s.newID(), Role: models.RoleUser, Content: query, Timestamp: now},
		models.Entry{ID: s.newID(), Role: models.RoleAssistant, TaskID: task.ID, Timestamp: now},
	)
	s.activeID = task.ID
	s.err = ""

	log.Info(log.CatSession, "task started", "task", task.ID)
	s.commitLocked(pubsub.UpdatedEvent)
	return task.ID, nil
}

// BindSearchID records the remote identifier acknowledged for a task.
func (s *Store) BindSearchID(taskID, searchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok || searchID == "" {
		return
	}
	task.SearchID = searchID
	s.commitLocked(pubsub.UpdatedEvent)
}

// ClearTask detaches the active task without touching history.
func (s *Store) ClearTask() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID == "" {
		return
	}
	s.activeID = ""
	s.commitLocked(pubsub.UpdatedEvent)
}

// CancelTask moves a running active task to idle. Cancellation is not a
// failure, so the task is never marked errored here.
func (s *Store) CancelTask() bool {
	return s.CancelActive() != nil
}

// CancelActive is CancelTask returning a copy of the task it cancelled, or nil
// when nothing was running.
func (s *Store) CancelActive() *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.activeLocked()
	if task == nil || task.Status != models.TaskStatusRunning {
		return nil
	}
	task.Status = models.TaskStatusIdle
	task.EndTime = s.stampLocked()

	log.Info(log.CatSession, "task cancelled", "task", task.ID)
	s.commitLocked(pubsub.UpdatedEvent)
	return task.Clone()
}

// ApplyStepEvent runs merge against the active task and stores the result.
// Returns false when there is no active task or merge discarded the update.
func (s *Store) ApplyStepEvent(upd models.StepUpdate, merge MergeFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.activeLocked()
	if task == nil {
		return false
	}
	if !merge(task, upd, s.now()) {
		return false
	}
	s.commitLocked(pubsub.UpdatedEvent)
	return true
}

// CompleteTask records the final answer on the active task. Every running step
// and every solve step is forced to completed, since a final answer is
// authoritative over whatever the steps last reported. Repeating the call with
// the same answer leaves the task unchanged.
func (s *Store) CompleteTask(finalAnswer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.activeLocked()
	if task == nil {
		return false
	}

	for i := range task.Steps {
		step := &task.Steps[i]
		if step.Status == models.StepStatusRunning ||
			(step.Type == models.StepTypeSolve && step.Status != models.StepStatusCompleted) {
			step.Status = models.StepStatusCompleted
		}
	}

	answer := strings.TrimSpace(finalAnswer)
	if task.Status != models.TaskStatusCompleted || task.EndTime == nil {
		task.EndTime = s.stampLocked()
	}
	task.Status = models.TaskStatusCompleted
	task.FinalAnswer = answer
	task.Sources = collectSources(task.Steps)

	for i := range s.history {
		if s.history[i].Role == models.RoleAssistant && s.history[i].TaskID == task.ID {
			s.history[i].Content = answer
		}
	}

	log.Info(log.CatSession, "task completed", "task", task.ID, "steps", len(task.Steps))
	s.commitLocked(pubsub.UpdatedEvent)
	return true
}

// collectSources returns step sources de-duplicated by link, in step order.
func collectSources(steps []models.Step) []models.Source {
	var out []models.Source
	seen := make(map[string]bool)
	for _, step := range steps {
		for _, src := range step.Metadata.Sources {
			key := src.Link
			if key == "" {
				key = src.Title
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, src)
		}
	}
	return out
}

// SetTaskError sets the session error. A non-nil message also marks the
// active task errored. A nil message only clears the session error; an errored
// task stays errored.
func (s *Store) SetTaskError(message *string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message == nil {
		if s.err == "" {
			return
		}
		s.err = ""
		s.commitLocked(pubsub.UpdatedEvent)
		return
	}

	s.err = *message
	if task := s.activeLocked(); task != nil {
		task.Status = models.TaskStatusErrored
		task.Error = *message
		task.EndTime = s.stampLocked()
		log.Warn(log.CatSession, "task errored", "task", task.ID, "error", *message)
	}
	s.commitLocked(pubsub.UpdatedEvent)
}

// SetConnected records the transport flag. It never touches task state.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connection.Connected == connected {
		return
	}
	s.connection.Connected = connected
	s.commitLocked(pubsub.UpdatedEvent)
}

// SetConnectionError records a user-visible connection error; empty clears it.
func (s *Store) SetConnectionError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connection.LastError == message {
		return
	}
	s.connection.LastError = message
	s.commitLocked(pubsub.UpdatedEvent)
}

// AppendMessage adds a free-form entry to the history.
func (s *Store) AppendMessage(role models.Role, content string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := models.Entry{ID: s.newID(), Role: role, Content: content, Timestamp: s.now()}
	s.history = append(s.history, entry)
	s.commitLocked(pubsub.UpdatedEvent)
	return entry.ID
}

// ClearHistory drops all history and tasks, detaches the active task and
// leaves conversation mode. The session error and connection state survive.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = nil
	s.tasks = make(map[string]*models.Task)
	s.activeID = ""
	s.chatMode = false

	log.Info(log.CatSession, "history cleared")
	s.commitLocked(pubsub.ResetEvent)
}

// SetChatMode switches the conversation layout flag. Orthogonal to task state.
func (s *Store) SetChatMode(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chatMode == on {
		return
	}
	s.chatMode = on
	s.commitLocked(pubsub.UpdatedEvent)
}
