// Package devserver is a local research orchestrator that speaks the same
// REST and event stream protocol as the real one. It replays a canned
// research run for every search, which is enough to drive the client end to
// end without a model backend.
package devserver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/deepsearch/internal/api"
	"github.com/fentz26/deepsearch/internal/log"
	"github.com/fentz26/deepsearch/internal/pubsub"
	"github.com/fentz26/deepsearch/internal/reconcile"
)

// Search statuses reported by the status endpoint.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusError     = "error"
)

// Options tunes the canned runs.
type Options struct {
	// StepDelay is the pause before each emitted event.
	StepDelay time.Duration
	// FailOn makes a search fail when its query contains this text. Empty
	// disables failure injection.
	FailOn string
	// HeartbeatInterval is how often stream clients get a heartbeat; zero
	// disables it.
	HeartbeatInterval time.Duration
	// Version is reported by the health endpoint.
	Version string
}

// DefaultOptions returns options that look like a live run to a human.
func DefaultOptions() Options {
	return Options{
		StepDelay:         600 * time.Millisecond,
		FailOn:            "[fail]",
		HeartbeatInterval: 30 * time.Second,
		Version:           "dev",
	}
}

type search struct {
	id       string
	query    string
	status   string
	current  string
	progress int
	cancel   context.CancelFunc
}

// Service holds the searches and fans their events out to stream clients.
type Service struct {
	opts    Options
	started time.Time

	mu       sync.Mutex
	searches map[string]*search
	closed   bool

	events *pubsub.Broker[[]byte]
	wg     sync.WaitGroup
}

// NewService creates an orchestrator with no searches.
func NewService(opts Options) *Service {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Service{
		opts:     opts,
		started:  time.Now(),
		searches: make(map[string]*search),
		events:   pubsub.NewBroker[[]byte](),
	}
}

// Events subscribes to encoded envelopes. The channel closes when ctx ends or
// the service is closed.
func (s *Service) Events(ctx context.Context) <-chan pubsub.Event[[]byte] {
	return s.events.Subscribe(ctx)
}

// Health reports liveness and uptime.
func (s *Service) Health() api.HealthResponse {
	now := time.Now()
	return api.HealthResponse{
		Status:        "healthy",
		Version:       s.opts.Version,
		Timestamp:     now.UTC(),
		UptimeSeconds: now.Sub(s.started).Seconds(),
	}
}

// StartSearch validates query and launches its canned run.
func (s *Service) StartSearch(query string) (*api.StartResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrQueryEmpty
	}
	if len(query) > api.MaxQueryLength {
		return nil, fmt.Errorf("%w (max %d characters)", ErrQueryTooLong, api.MaxQueryLength)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	sr := &search{
		id:     uuid.New().String(),
		query:  query,
		status: StatusRunning,
		cancel: cancel,
	}
	s.searches[sr.id] = sr

	fail := s.opts.FailOn != "" && strings.Contains(query, s.opts.FailOn)
	s.wg.Add(1)
	go s.run(ctx, sr, researchScript(sr.id, query, fail))

	log.Info(log.CatServer, "search started", "search", sr.id, "query", query)
	return &api.StartResponse{
		SearchID: sr.id,
		Status:   "started",
		Message:  "Research started",
	}, nil
}

// CancelSearch stops a running search and announces it on the stream.
func (s *Service) CancelSearch(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.searches[id]
	if !ok {
		return ErrSearchNotFound
	}
	if sr.status != StatusRunning {
		return ErrNotRunning
	}
	sr.cancel()
	sr.status = StatusCancelled

	msg := "Search cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	s.publishLocked(reconcile.EventSearchCancelled, id, reconcile.SearchCancelledData{SearchID: id, Message: msg})
	log.Info(log.CatServer, "search cancelled", "search", id, "reason", reason)
	return nil
}

// Status returns the coarse state of a search.
func (s *Service) Status(id string) (*api.StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr, ok := s.searches[id]
	if !ok {
		return nil, ErrSearchNotFound
	}
	progress := sr.progress
	return &api.StatusResponse{
		SearchID:    sr.id,
		Status:      sr.status,
		CurrentStep: sr.current,
		Progress:    &progress,
	}, nil
}

// NewChat stops every running search, forgets all of them and tells stream
// clients to reset.
func (s *Service) NewChat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sr := range s.searches {
		sr.cancel()
		delete(s.searches, id)
	}
	s.publishLocked(reconcile.EventSessionReset, "", reconcile.SessionResetData{
		Message: "Chat session cleared",
		Reason:  "new_chat",
	})
	log.Info(log.CatServer, "session reset")
}

// Close stops all runs and disconnects stream clients.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, sr := range s.searches {
		sr.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.events.Close()
}

func (s *Service) run(ctx context.Context, sr *search, script []scriptEvent) {
	defer s.wg.Done()

	timer := time.NewTimer(s.opts.StepDelay)
	defer timer.Stop()

	for i, ev := range script {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(s.opts.StepDelay)

		s.mu.Lock()
		// Cancel and new chat take the lock too, so a stopped search never
		// emits after its cancellation event.
		if sr.status != StatusRunning || s.searches[sr.id] != sr {
			s.mu.Unlock()
			return
		}
		sr.current = ev.label
		sr.progress = (i + 1) * 100 / len(script)
		switch ev.kind {
		case reconcile.EventSearchComplete:
			sr.status = StatusCompleted
		case reconcile.EventError:
			sr.status = StatusError
		}
		s.publishLocked(ev.kind, sr.id, ev.data)
		s.mu.Unlock()
	}
	log.Debug(log.CatServer, "run finished", "search", sr.id)
}

func (s *Service) publishLocked(kind reconcile.EventType, searchID string, data any) {
	msg, err := envelope(kind, searchID, data)
	if err != nil {
		log.ErrorErr(log.CatServer, "encoding envelope", err, "type", kind)
		return
	}
	s.events.Publish(pubsub.UpdatedEvent, msg)
}
