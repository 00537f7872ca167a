package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/studiodesk/relay/internal/protocol"
)

const connWriteTimeout = 5 * time.Second

// Conn is one live client connection. Owned exclusively by the gateway;
// never persisted. A connection maps to at most one user id at a time,
// and only after authentication.
type Conn struct {
	ID   string
	sock *websocket.Conn

	writeMu sync.Mutex // serializes frames; handlers run concurrently

	stateMu       sync.RWMutex
	userID        string
	authenticated bool
	capabilities  []string
	joined        map[string]struct{} // rooms this connection is in

	limiter *rate.Limiter
}

func newConn(id string, sock *websocket.Conn, limiter *rate.Limiter) *Conn {
	return &Conn{
		ID:      id,
		sock:    sock,
		joined:  make(map[string]struct{}),
		limiter: limiter,
	}
}

// UserID returns the bound user id, empty until authenticated.
func (c *Conn) UserID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.userID
}

// Authenticated reports whether the connection has passed auth.
func (c *Conn) Authenticated() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.authenticated
}

// Capabilities returns the client's declared capabilities.
func (c *Conn) Capabilities() []string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return append([]string(nil), c.capabilities...)
}

func (c *Conn) bindUser(userID string) (previous string) {
	c.stateMu.Lock()
	previous = c.userID
	c.userID = userID
	c.authenticated = true
	c.stateMu.Unlock()
	return previous
}

func (c *Conn) setCapabilities(caps []string) {
	c.stateMu.Lock()
	c.capabilities = append([]string(nil), caps...)
	c.stateMu.Unlock()
}

// send marshals and writes one envelope. Safe from any goroutine.
func (c *Conn) send(kind protocol.EventKind, id string, payload any) error {
	env, err := protocol.NewEnvelope(kind, id, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), connWriteTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.Write(ctx, websocket.MessageText, data)
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	_ = c.sock.Close(code, reason)
}
