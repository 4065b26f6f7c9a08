package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rivet-gg/actorrepl/internal/logging"
)

const closeGrace = time.Second

// Wire messages of the actor JSON protocol. Keys are abbreviated on the
// wire: rr request, ro/re response, ev event, er connection error, sr
// subscription.
type (
	toServer struct {
		Body toServerBody `json:"body"`
	}
	toServerBody struct {
		RPCRequest   *rpcRequest          `json:"rr,omitempty"`
		Subscription *subscriptionRequest `json:"sr,omitempty"`
	}
	rpcRequest struct {
		ID   uint64          `json:"i"`
		Name string          `json:"n"`
		Args json.RawMessage `json:"a"`
	}
	subscriptionRequest struct {
		Event     string `json:"e"`
		Subscribe bool   `json:"s"`
	}

	toClient struct {
		Body toClientBody `json:"body"`
	}
	toClientBody struct {
		RPCResponseOK    *rpcResponseOK    `json:"ro,omitempty"`
		RPCResponseError *rpcResponseError `json:"re,omitempty"`
		Event            *event            `json:"ev,omitempty"`
		Error            *connError        `json:"er,omitempty"`
	}
	rpcResponseOK struct {
		ID     uint64          `json:"i"`
		Output json.RawMessage `json:"o"`
	}
	rpcResponseError struct {
		ID       uint64          `json:"i"`
		Code     string          `json:"c"`
		Message  string          `json:"m"`
		Metadata json.RawMessage `json:"md,omitempty"`
	}
	event struct {
		Name string          `json:"n"`
		Args json.RawMessage `json:"a"`
	}
	connError struct {
		Code     string          `json:"c"`
		Message  string          `json:"m"`
		Metadata json.RawMessage `json:"md,omitempty"`
	}
)

type rpcOutcome struct {
	output json.RawMessage
	err    error
}

type pendingCall struct {
	name string
	ch   chan rpcOutcome
}

type subscriber struct {
	fn func(args json.RawMessage)
}

var (
	_ Handle     = (*Conn)(nil)
	_ Subscriber = (*Conn)(nil)
	_ Watcher    = (*Conn)(nil)
)

// Conn is a Handle backed by the actor's websocket endpoint.
type Conn struct {
	ws     *websocket.Conn
	logger Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu          sync.Mutex
	pending     map[uint64]*pendingCall
	subscribers map[string][]*subscriber
	closed      bool
	closeErr    error
	done        chan struct{}

	disposeOnce sync.Once
	disposeErr  error
}

// DialOptions configures Dial.
type DialOptions struct {
	// Dialer opens the websocket. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger receives protocol diagnostics. Defaults to a discard logger.
	Logger Logger
}

// ConnectURL returns the websocket URL of an actor endpoint.
func ConnectURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: invalid endpoint %q: %v", ErrProtocol, endpoint, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported endpoint scheme %q", ErrProtocol, u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/connect"
	q := u.Query()
	q.Set("format", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens a connection to the actor served at endpoint.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (*Conn, error) {
	target, err := ConnectURL(endpoint)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	ws, resp, err := dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial actor: %w", err)
	}

	c := &Conn{
		ws:          ws,
		logger:      logger,
		pending:     make(map[uint64]*pendingCall),
		subscribers: make(map[string][]*subscriber),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// RPC implements Handle.
func (c *Conn) RPC(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("[]")
	}
	id := c.nextID.Add(1) - 1
	call := &pendingCall{name: name, ch: make(chan rpcOutcome, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = call
	c.mu.Unlock()
	defer c.forget(id)

	msg := toServer{Body: toServerBody{RPCRequest: &rpcRequest{ID: id, Name: name, Args: args}}}
	if err := c.write(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case out := <-call.ch:
		return out.output, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On subscribes fn to the named actor event and returns a function that
// cancels the subscription. fn runs on the connection's read goroutine and
// must not block.
func (c *Conn) On(ctx context.Context, name string, fn func(args json.RawMessage)) (func(), error) {
	sub := &subscriber{fn: fn}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	first := len(c.subscribers[name]) == 0
	c.subscribers[name] = append(c.subscribers[name], sub)
	c.mu.Unlock()

	if first {
		msg := toServer{Body: toServerBody{Subscription: &subscriptionRequest{Event: name, Subscribe: true}}}
		if err := c.write(ctx, msg); err != nil {
			c.unsubscribe(name, sub)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.unsubscribe(name, sub) {
				msg := toServer{Body: toServerBody{Subscription: &subscriptionRequest{Event: name, Subscribe: false}}}
				if err := c.write(context.Background(), msg); err != nil {
					c.logger.Debug("unsubscribe failed", "event", name, "error", err)
				}
			}
		})
	}, nil
}

// unsubscribe removes sub and reports whether it was the last subscriber of
// name on an open connection.
func (c *Conn) unsubscribe(name string, sub *subscriber) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subscribers[name]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(c.subscribers, name)
		return !c.closed
	}
	c.subscribers[name] = subs
	return false
}

// Dispose implements Handle.
func (c *Conn) Dispose() error {
	c.disposeOnce.Do(func() {
		c.shutdown(ErrDisposed)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.disposeErr = c.ws.Close()
	})
	return c.disposeErr
}

// Done is closed when the connection is disposed or lost.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) write(ctx context.Context, msg toServer) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrProtocol, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	closed, closeErr := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		return closeErr
	}

	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closeErr
	}
	return nil
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var msg toClient
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed actor message", "error", err)
		return
	}

	body := msg.Body
	switch {
	case body.RPCResponseOK != nil:
		c.deliver(body.RPCResponseOK.ID, func(string) rpcOutcome {
			return rpcOutcome{output: body.RPCResponseOK.Output}
		})
	case body.RPCResponseError != nil:
		re := body.RPCResponseError
		c.deliver(re.ID, func(name string) rpcOutcome {
			return rpcOutcome{err: &RPCError{RPC: name, Code: re.Code, Message: re.Message, Metadata: re.Metadata}}
		})
	case body.Event != nil:
		c.mu.Lock()
		subs := append([]*subscriber(nil), c.subscribers[body.Event.Name]...)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.fn(body.Event.Args)
		}
	case body.Error != nil:
		c.logger.Warn("actor reported error", "code", body.Error.Code, "message", body.Error.Message)
	default:
		c.logger.Debug("ignoring unknown actor message")
	}
}

func (c *Conn) deliver(id uint64, build func(name string) rpcOutcome) {
	c.mu.Lock()
	call, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping response for unknown rpc", "id", id)
		return
	}
	select {
	case call.ch <- build(call.name):
	default:
	}
}

// shutdown marks the connection closed and fails every pending call with
// err. Only the first call has an effect.
func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	for id, call := range c.pending {
		select {
		case call.ch <- rpcOutcome{err: err}:
		default:
		}
		delete(c.pending, id)
	}
	close(c.done)
}
