// Package actortest provides an in-process actor manager and actor for
// tests and examples. It speaks the same HTTP and websocket protocol as a
// real deployment.
package actortest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler implements one RPC. args are the positional JSON arguments.
type Handler func(args []json.RawMessage) (any, error)

// Error makes a handler fail with an actor error response.
type Error struct {
	Code     string
	Message  string
	Metadata any
}

func (e *Error) Error() string { return e.Message }

// Server is a fake actor manager serving a single actor.
type Server struct {
	*httptest.Server

	actorID  string
	upgrader websocket.Upgrader

	mu            sync.Mutex
	handlers      map[string]Handler
	managerDelay  time.Duration
	managerStatus int
	managerHits   int
	calls         []string
	open          int
	accepted      int
	subscriptions map[string]bool
	sockets       map[*socket]struct{}
}

type socket struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (s *socket) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(v)
}

// NewServer starts a server hosting actorID with the given RPC handlers.
// Close it when done.
func NewServer(actorID string, handlers map[string]Handler) *Server {
	s := &Server{
		actorID:       actorID,
		handlers:      handlers,
		subscriptions: make(map[string]bool),
		sockets:       make(map[*socket]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /actors", s.handleActors)
	mux.HandleFunc("GET /actor/connect", s.handleConnect)
	s.Server = httptest.NewServer(mux)
	return s
}

// NewCounter starts a server hosting a counter actor with increment and
// getCount RPCs.
func NewCounter(actorID string) *Server {
	var mu sync.Mutex
	count := 0
	return NewServer(actorID, map[string]Handler{
		"increment": func(args []json.RawMessage) (any, error) {
			by := 1
			if len(args) > 0 {
				if err := json.Unmarshal(args[0], &by); err != nil {
					return nil, &Error{Code: "invalid_argument", Message: "increment expects a number"}
				}
			}
			mu.Lock()
			defer mu.Unlock()
			count += by
			return count, nil
		},
		"getCount": func([]json.RawMessage) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			return count, nil
		},
	})
}

// Close drops every open websocket and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for sock := range s.sockets {
		_ = sock.ws.Close()
	}
	s.mu.Unlock()
	s.Server.Close()
}

// DropConnections closes every open websocket without shutting down.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sock := range s.sockets {
		_ = sock.ws.Close()
	}
}

// ManagerURL returns the base URL to resolve actors against.
func (s *Server) ManagerURL() string {
	return s.URL
}

// ActorID returns the id of the hosted actor.
func (s *Server) ActorID() string {
	return s.actorID
}

// SetManagerDelay delays every manager response by d.
func (s *Server) SetManagerDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managerDelay = d
}

// SetManagerStatus makes the manager answer with status instead of an
// endpoint. Zero restores normal behavior.
func (s *Server) SetManagerStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managerStatus = status
}

// ManagerHits returns how many manager requests were received.
func (s *Server) ManagerHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.managerHits
}

// Calls returns the names of the RPCs invoked so far, in arrival order.
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// OpenConnections returns the number of websockets currently open.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// AcceptedConnections returns the number of websockets accepted so far.
func (s *Server) AcceptedConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Subscribed reports whether a client is subscribed to event.
func (s *Server) Subscribed(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions[event]
}

// Broadcast sends an event to every open connection.
func (s *Server) Broadcast(event string, args ...any) {
	if args == nil {
		args = []any{}
	}
	s.mu.Lock()
	sockets := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()

	msg := map[string]any{"body": map[string]any{"ev": map[string]any{"n": event, "a": args}}}
	for _, sock := range sockets {
		_ = sock.write(msg)
	}
}

func (s *Server) handleActors(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.managerHits++
	delay, status := s.managerDelay, s.managerStatus
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": http.StatusText(status)})
		return
	}

	var req struct {
		Query struct {
			GetForID *struct {
				ActorID string `json:"actorId"`
			} `json:"getForId"`
		} `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query.GetForID == nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid query"})
		return
	}
	if req.Query.GetForID.ActorID != s.actorID {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "actor not found"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"endpoint": s.URL + "/actor"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") != "json" {
		http.Error(w, "unsupported format", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sock := &socket{ws: ws}

	s.mu.Lock()
	s.open++
	s.accepted++
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.open--
		delete(s.sockets, sock)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var msg struct {
			Body struct {
				RR *struct {
					ID   uint64            `json:"i"`
					Name string            `json:"n"`
					Args []json.RawMessage `json:"a"`
				} `json:"rr"`
				SR *struct {
					Event     string `json:"e"`
					Subscribe bool   `json:"s"`
				} `json:"sr"`
			} `json:"body"`
		}
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		switch {
		case msg.Body.RR != nil:
			go s.call(sock, msg.Body.RR.ID, msg.Body.RR.Name, msg.Body.RR.Args)
		case msg.Body.SR != nil:
			s.mu.Lock()
			s.subscriptions[msg.Body.SR.Event] = msg.Body.SR.Subscribe
			s.mu.Unlock()
		}
	}
}

func (s *Server) call(sock *socket, id uint64, name string, args []json.RawMessage) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	handler, ok := s.handlers[name]
	s.mu.Unlock()

	if !ok {
		_ = sock.write(errorFrame(id, &Error{Code: "rpc_not_found", Message: "rpc not found: " + name}))
		return
	}
	out, err := handler(args)
	if err != nil {
		var actorErr *Error
		if !errors.As(err, &actorErr) {
			actorErr = &Error{Code: "internal_error", Message: err.Error()}
		}
		_ = sock.write(errorFrame(id, actorErr))
		return
	}
	_ = sock.write(map[string]any{"body": map[string]any{"ro": map[string]any{"i": id, "o": out}}})
}

func errorFrame(id uint64, err *Error) map[string]any {
	re := map[string]any{"i": id, "c": err.Code, "m": err.Message}
	if err.Metadata != nil {
		re["md"] = err.Metadata
	}
	return map[string]any{"body": map[string]any{"re": re}}
}
