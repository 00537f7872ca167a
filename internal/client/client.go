// Package client is the reconnection layer over the relay transport:
// request/response ergonomics via correlated acknowledgements, an
// event-handler registry, and automatic reconnect with exponential
// backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/studiodesk/relay/internal/protocol"
)

var (
	// ErrAuthRejected is returned when the gateway rejects the WebSocket
	// handshake with 401. Reconnecting with the same token is pointless.
	ErrAuthRejected = errors.New("gateway rejected authentication (401)")

	// ErrReconnectExhausted is returned after MaxAttempts consecutive
	// failed connection attempts. The client is terminal until Run is
	// called again.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrNotConnected is returned when a send is attempted while the
	// transport is down.
	ErrNotConnected = errors.New("not connected")

	// ErrAckTimeout is returned when no correlated reply arrived in time.
	ErrAckTimeout = errors.New("acknowledgement timed out")

	// ErrConnectionLost rejects pending acknowledgements when the
	// transport drops underneath them.
	ErrConnectionLost = errors.New("connection lost before acknowledgement")
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultAckTimeout  = 5 * time.Second
	writeTimeout       = 10 * time.Second
	maxReadBytes       = 512 * 1024
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed // reconnect cap exceeded; Run must be called again
)

// Handler is called for every inbound event of a subscribed kind.
type Handler func(env protocol.Envelope)

// Options configures a Client. Zero durations take defaults.
type Options struct {
	URL   string // e.g. "wss://relay.example.com/ws"
	Token string // bearer credential for the handshake

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int // consecutive failures before giving up; <=0 means unlimited

	AckTimeout time.Duration

	// OnStateChange is called on every state transition. Optional.
	OnStateChange func(state State, err error)
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// Client wraps the relay WebSocket with reconnection and correlated
// request/response. Safe for concurrent use.
type Client struct {
	opts Options

	mu   sync.Mutex // guards conn and writes
	conn *websocket.Conn

	state atomic.Int32

	handlersMu sync.RWMutex
	handlers   map[protocol.EventKind][]Handler

	pendingMu sync.Mutex
	pending   map[string]chan ackResult
}

// New creates a Client. Call Run to connect.
func New(opts Options) *Client {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	return &Client{
		opts:     opts,
		handlers: make(map[protocol.EventKind][]Handler),
		pending:  make(map[string]chan ackResult),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// On registers a handler for an event kind. Multiple handlers per kind
// are allowed and run in registration order; a panicking handler does
// not stop the others.
func (c *Client) On(kind protocol.EventKind, h Handler) {
	c.handlersMu.Lock()
	c.handlers[kind] = append(c.handlers[kind], h)
	c.handlersMu.Unlock()
}

// Run connects to the gateway and processes events until ctx is
// cancelled, the handshake is rejected with 401, or MaxAttempts
// consecutive connection failures occur. A session that connected
// successfully resets the failure counter.
func (c *Client) Run(ctx context.Context) error {
	bo := NewBackoff(c.opts.BackoffBase, c.opts.BackoffMax)
	c.setState(StateConnecting, nil)

	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			c.setState(StateFailed, err)
			return err
		}
		if connected {
			bo.Reset()
		}
		if c.opts.MaxAttempts > 0 && bo.Attempt() >= c.opts.MaxAttempts {
			c.setState(StateFailed, ErrReconnectExhausted)
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, c.opts.MaxAttempts, err)
		}
		delay := bo.Next()
		c.setState(StateDisconnected, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		c.setState(StateConnecting, nil)
	}
}

// Close tears down the current connection, if any. Run's read loop
// observes the closure and handles it as a disconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closed")
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{
		HTTPHeader: make(http.Header),
	}
	if c.opts.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, resp, dialErr := websocket.Dial(ctx, c.opts.URL, opts)
	if dialErr != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrAuthRejected
		}
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(maxReadBytes) // match gateway limit
	defer conn.CloseNow()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected, nil)
	connected = true

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.failPending(ErrConnectionLost)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue // not ours to crash over
		}

		// Correlated replies settle their pending ack and are not
		// re-dispatched to subscribers.
		if env.ID != "" && c.settleFromEnvelope(env) {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.handlersMu.RLock()
	handlers := append([]Handler(nil), c.handlers[env.Event]...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		invoke(h, env)
	}
}

// invoke guards a single handler call so one bad handler cannot stop
// the others registered for the same kind.
func invoke(h Handler, env protocol.Envelope) {
	defer func() { recover() }()
	h(env)
}

// Send emits a fire-and-forget event. The return value reports whether
// the transport was open at send time; false means the caller must not
// assume delivery.
func (c *Client) Send(kind protocol.EventKind, payload any) bool {
	env, err := protocol.NewEnvelope(kind, "", payload)
	if err != nil {
		return false
	}
	return c.write(env) == nil
}

// SendWithAck emits an event carrying a correlation id and waits for
// the reply that echoes it. Exactly one of the return paths fires:
// the reply payload, a server-reported error, the ack timeout, ctx
// cancellation, or connection loss.
func (c *Client) SendWithAck(ctx context.Context, kind protocol.EventKind, payload any) (json.RawMessage, error) {
	id := uuid.New().String()
	env, err := protocol.NewEnvelope(kind, id, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan ackResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(env); err != nil {
		c.settle(id, nil, err) // unregister; we consume ch below
		res := <-ch
		return nil, res.err
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-timer.C:
		if c.settle(id, nil, ErrAckTimeout) {
			return nil, ErrAckTimeout
		}
		// Lost the race: a reply settled first. Take it.
		res := <-ch
		return res.data, res.err
	case <-ctx.Done():
		if c.settle(id, nil, ctx.Err()) {
			return nil, ctx.Err()
		}
		res := <-ch
		return res.data, res.err
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// settleFromEnvelope resolves or rejects the pending ack matching the
// envelope's correlation id. Error kinds reject; everything else
// resolves with the payload.
func (c *Client) settleFromEnvelope(env protocol.Envelope) bool {
	switch env.Event {
	case protocol.KindError:
		var e protocol.ErrorEvent
		env.Decode(&e)
		return c.settle(env.ID, nil, fmt.Errorf("server error %s: %s", e.Type, e.Details))
	case protocol.KindAuthenticationError:
		var e protocol.AuthenticationError
		env.Decode(&e)
		return c.settle(env.ID, nil, fmt.Errorf("%w: %s", ErrAuthRejected, e.Message))
	default:
		return c.settle(env.ID, env.Data, nil)
	}
}

// settle removes the pending entry for id and delivers the result.
// Returns false when id was already settled (or never existed), which
// is how the timeout-vs-late-reply race resolves to exactly one
// outcome.
func (c *Client) settle(id string, data json.RawMessage, err error) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- ackResult{data: data, err: err}
	return true
}

// failPending rejects every pending ack, used on connection loss so
// callers are never left hanging.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan ackResult)
	c.pendingMu.Unlock()
	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (c *Client) setState(s State, err error) {
	c.state.Store(int32(s))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s, err)
	}
}
