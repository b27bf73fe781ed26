package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fentz26/deepsearch/internal/log"
	"github.com/fentz26/deepsearch/internal/reconcile"
)

const writeWait = 10 * time.Second

// Server provides the HTTP API and event stream of the orchestrator.
type Server struct {
	service  *Service
	addr     string
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, addr string) *Server {
	return &Server{
		service: service,
		addr:    addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/search", s.handleSearch)
	mux.HandleFunc("/api/v1/search/", s.handleSearchByID)
	mux.HandleFunc("/api/v1/new-chat", s.handleNewChat)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleStream)

	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	log.Info(log.CatServer, "listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server. Stream connections are hijacked
// and end when the service closes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleSearch handles POST /api/v1/search
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	resp, err := s.service.StartSearch(req.Query)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearchByID handles /api/v1/search/{id}/*
func (s *Server) handleSearchByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/search/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "search id required")
		return
	}

	searchID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "status" && r.Method == http.MethodGet:
		s.getStatus(w, searchID)
	case action == "cancel" && r.Method == http.MethodPost:
		s.cancelSearch(w, r, searchID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getStatus(w http.ResponseWriter, searchID string) {
	resp, err := s.service.Status(searchID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelSearch(w http.ResponseWriter, r *http.Request, searchID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	if err := s.service.CancelSearch(searchID, req.Reason); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"search_id": searchID,
		"status":    StatusCancelled,
		"message":   "Search " + searchID + " cancelled successfully",
	})
}

// handleNewChat handles POST /api/v1/new-chat
func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.service.NewChat()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "New chat started",
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.service.Health())
}

// handleStream upgrades to a websocket and forwards every event until either
// side goes away. Keepalive pings get a pong and the server sends its own
// heartbeat every HeartbeatInterval.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the handshake completes so a search started right
	// after connecting cannot outrun the subscription.
	events := s.service.Events(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(log.CatServer, "upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	log.Info(log.CatServer, "stream client connected", "remote", r.RemoteAddr)

	replies := make(chan []byte, 4)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &msg) != nil || msg.Type != "ping" {
				continue
			}
			pong, err := envelope(reconcile.EventPong, "", map[string]any{})
			if err != nil {
				continue
			}
			select {
			case replies <- pong:
			case <-ctx.Done():
				return
			}
		}
	}()

	hello, err := envelope(reconcile.EventConnection, "", map[string]string{"message": "Connected to research server"})
	if err == nil && write(conn, hello) != nil {
		return
	}

	var heartbeat <-chan time.Time
	if every := s.service.opts.HeartbeatInterval; every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatServer, "stream client disconnected", "remote", r.RemoteAddr)
			return
		case now := <-heartbeat:
			msg, err := envelope(reconcile.EventHeartbeat, "", map[string]any{
				"server_time":  now.UTC(),
				"client_count": s.service.events.SubscriberCount(),
			})
			if err != nil {
				continue
			}
			if err := write(conn, msg); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(conn, ev.Payload); err != nil {
				return
			}
		case msg := <-replies:
			if err := write(conn, msg); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.Warn(log.CatServer, "stream write failed", "error", err)
		return err
	}
	return nil
}

// envelope encodes one stream message.
func envelope(kind reconcile.EventType, searchID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(reconcile.Envelope{
		Type:      kind,
		SearchID:  searchID,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a {"detail": msg} body, the shape the client parses.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrSearchNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrQueryEmpty), errors.Is(err, ErrQueryTooLong):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotRunning):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
