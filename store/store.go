// Package store tracks the lifecycle of submitted code requests.
//
// A [Store] sends requests over a [transport.Conn] and folds the responses
// coming back into one [Command] per request id. Commands only move
// forward:
//
//	pending → formatted → success | error
//
// Terminal states absorb later messages, and messages for ids the store
// does not know are dropped without notifying subscribers.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/rivet-gg/actorrepl/internal/logging"
	"github.com/rivet-gg/actorrepl/protocol"
	"github.com/rivet-gg/actorrepl/transport"
)

// ErrUnknownCommand is returned by Wait for keys the store does not hold.
var ErrUnknownCommand = errors.New("unknown command")

// Status is the lifecycle state of a Command.
type Status string

// Command states.
const (
	StatusPending   Status = "pending"
	StatusFormatted Status = "formatted"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Terminal reports whether s absorbs further messages.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Command is one submitted request and everything received for it.
type Command struct {
	Key       string              `json:"key"`
	Code      string              `json:"code"`
	Logs      []protocol.Log      `json:"logs"`
	Status    Status              `json:"status"`
	Formatted *protocol.Formatted `json:"formatted,omitempty"`
	Result    json.RawMessage     `json:"result,omitempty"`
	Error     json.RawMessage     `json:"error,omitempty"`
}

// Params describes a request to submit.
type Params struct {
	Code       string
	ManagerURL string
	ActorID    string
	RPCs       []string
}

// Logger is the logging interface used by the store. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator replaces the uuid based request id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		s.newID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Store holds the commands of one session.
//
// Contract:
// - Concurrency: safe for concurrent use; subscribers run on the goroutine that made the change.
// - Context: RunCode and Wait honor cancellation; Run returns when ctx is canceled.
// - Errors: malformed responses are dropped or degraded, never returned.
// - Ownership: Snapshot and Wait return copies the caller may keep.
type Store struct {
	conn   transport.Conn
	newID  func() string
	logger Logger

	mu       sync.Mutex
	commands []Command
	index    map[string]int
	changed  chan struct{}

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// New creates a Store that talks to a worker over conn.
func New(conn transport.Conn, opts ...Option) *Store {
	s := &Store{
		conn:    conn,
		newID:   uuid.NewString,
		index:   make(map[string]int),
		changed: make(chan struct{}),
		subs:    make(map[int]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

// Run applies worker responses until conn closes or ctx is canceled. It
// returns nil when conn closes.
func (s *Store) Run(ctx context.Context) error {
	for {
		frame, err := s.conn.Receive(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		resp, err := protocol.DecodeResponse(frame)
		if err != nil {
			s.logger.Debug("dropping invalid response", "error", err)
			continue
		}
		s.Apply(resp)
	}
}

// RunCode appends a pending command and sends its request. It returns the
// command key even when sending fails; the command is then marked as
// failed.
func (s *Store) RunCode(ctx context.Context, p Params) (string, error) {
	key := s.newID()

	s.mu.Lock()
	s.index[key] = len(s.commands)
	s.commands = append(s.commands, Command{Key: key, Code: p.Code, Status: StatusPending})
	s.mu.Unlock()
	s.notify()

	frame, err := protocol.EncodeRequest(protocol.Request{
		Type:       protocol.TypeCode,
		ID:         key,
		Data:       p.Code,
		ManagerURL: p.ManagerURL,
		ActorID:    p.ActorID,
		RPCs:       p.RPCs,
	})
	if err == nil {
		err = s.conn.Send(ctx, frame)
	}
	if err != nil {
		err = fmt.Errorf("send request: %w", err)
		s.Apply(protocol.NewError(key, err))
		return key, err
	}
	return key, nil
}

// Apply folds one response into its command. Responses for unknown keys
// or finished commands are ignored.
func (s *Store) Apply(resp protocol.Response) {
	if s.apply(resp) {
		s.notify()
	}
}

func (s *Store) apply(resp protocol.Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[resp.ID]
	if !ok {
		s.logger.Debug("dropping response for unknown command", "id", resp.ID, "type", resp.Type)
		return false
	}
	cmd := s.commands[i]
	if cmd.Status.Terminal() {
		s.logger.Debug("dropping response for finished command", "id", resp.ID, "type", resp.Type)
		return false
	}

	switch resp.Type {
	case protocol.ResponseFormatted:
		if cmd.Formatted != nil {
			return false
		}
		formatted, err := resp.Formatted()
		if err != nil {
			s.logger.Debug("malformed formatted payload, using plain text", "id", resp.ID, "error", err)
			formatted = protocol.FallbackFormatted(cmd.Code)
		}
		cmd.Formatted = &formatted
		cmd.Status = StatusFormatted
	case protocol.ResponseLog:
		log, err := resp.Log()
		if err != nil {
			s.logger.Debug("dropping malformed log", "id", resp.ID, "error", err)
			return false
		}
		// Clip so snapshots never observe the append.
		cmd.Logs = append(slices.Clip(cmd.Logs), log)
	case protocol.ResponseResult:
		cmd.Status = StatusSuccess
		cmd.Result = resp.Data
	case protocol.ResponseError:
		cmd.Status = StatusError
		cmd.Error = resp.Data
	default:
		return false
	}
	s.commands[i] = cmd
	return true
}

// Snapshot returns the commands in submission order.
func (s *Store) Snapshot() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.commands)
}

// Get returns the command stored under key.
func (s *Store) Get(key string) (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[key]
	if !ok {
		return Command{}, false
	}
	return s.commands[i], true
}

// Wait blocks until the command stored under key is terminal. It returns
// ErrUnknownCommand if key is not stored or is dropped by Reset.
func (s *Store) Wait(ctx context.Context, key string) (Command, error) {
	for {
		s.mu.Lock()
		i, ok := s.index[key]
		if !ok {
			s.mu.Unlock()
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, key)
		}
		cmd := s.commands[i]
		changed := s.changed
		s.mu.Unlock()

		if cmd.Status.Terminal() {
			return cmd, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cmd, ctx.Err()
		}
	}
}

// Reset drops every command. Responses for dropped commands arriving later
// are ignored.
func (s *Store) Reset() {
	s.mu.Lock()
	s.commands = nil
	s.index = make(map[string]int)
	s.mu.Unlock()
	s.notify()
}

// Subscribe registers fn to run after every change and returns a function
// that removes it.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.subMu.Lock()
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
