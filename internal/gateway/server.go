// Package gateway accepts persistent client connections, gates all
// event traffic behind bearer-token authentication, and routes named
// events to per-kind handlers.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/studiodesk/relay/internal/auth"
	"github.com/studiodesk/relay/internal/config"
	"github.com/studiodesk/relay/internal/presence"
	"github.com/studiodesk/relay/internal/protocol"
)

const maxMessageBytes = 512 * 1024

// HandlerFunc processes one inbound event on one connection. A
// returned error is reported to that connection as an error event and
// never tears down the gateway or other connections.
type HandlerFunc func(ctx context.Context, conn *Conn, env protocol.Envelope) error

// Server is the connection gateway.
type Server struct {
	cfg    config.GatewayConfig
	secret []byte
	store  presence.Store
	rooms  *Rooms
	log    *slog.Logger

	handlers map[protocol.EventKind]HandlerFunc
	// async kinds run outside the read loop so a slow handler only
	// delays its own reply, not the connection's other events
	async map[protocol.EventKind]bool

	metrics *metrics
	mux     *http.ServeMux

	connsMu sync.Mutex
	conns   map[string]*Conn
}

// NewServer wires a gateway around an injected presence store.
func NewServer(cfg config.GatewayConfig, secret []byte, store presence.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	reg := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		secret:   secret,
		store:    store,
		rooms:    NewRooms(),
		log:      log,
		handlers: make(map[protocol.EventKind]HandlerFunc),
		async: map[protocol.EventKind]bool{
			protocol.KindAICall:          true,
			protocol.KindWorkflowExecute: true,
			protocol.KindFileOperation:   true,
		},
		metrics: newMetrics(reg),
		mux:     http.NewServeMux(),
		conns:   make(map[string]*Conn),
	}

	s.registerDefaultHandlers()

	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return s
}

// Rooms exposes the routing table (server-initiated fanout, tests).
func (s *Server) Rooms() *Rooms {
	return s.rooms
}

// Handle installs or replaces the handler for kind. Not safe to call
// once the server is accepting connections.
func (s *Server) Handle(kind protocol.EventKind, fn HandlerFunc) {
	s.handlers[kind] = fn
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// bearerToken pulls the handshake credential from the Authorization
// header or the token query parameter. Empty means the client wants to
// authenticate in-session instead.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Strict gating: a credential that fails verification rejects the
	// handshake before any event handler is reachable.
	token := bearerToken(r)
	var userID string
	if token != "" {
		uid, err := auth.Validate(s.secret, token)
		if err != nil {
			s.metrics.authFailures.Inc()
			s.log.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		userID = uid
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	sock.SetReadLimit(maxMessageBytes)

	conn := newConn(uuid.New().String(), sock, rate.NewLimiter(rate.Limit(s.cfg.EventRate), s.cfg.EventBurst))
	s.addConn(conn)
	s.metrics.activeConns.Inc()

	ctx := r.Context()
	defer s.teardown(conn)

	if userID != "" {
		s.bindUser(ctx, conn, userID)
	}

	// The greeting also tells the client its connection id, which shows
	// up in presence records.
	if err := conn.send(protocol.KindConnected, "", protocol.Connected{
		SocketID:  conn.ID,
		Timestamp: protocol.Millis(now()),
		Message:   "connected to relay",
	}); err != nil {
		s.log.Debug("greeting failed", "conn", conn.ID, "error", err)
		return
	}
	s.log.Info("connection open", "conn", conn.ID, "user", userID, "remote", r.RemoteAddr)

	s.readLoop(ctx, conn)
}

func (s *Server) readLoop(ctx context.Context, conn *Conn) {
	for {
		_, data, err := conn.sock.Read(ctx)
		if err != nil {
			s.log.Info("connection closed", "conn", conn.ID, "user", conn.UserID(), "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug("malformed frame dropped", "conn", conn.ID, "error", err)
			continue
		}

		if !conn.limiter.Allow() {
			s.sendError(conn, env.ID, "rate_limited", "event rate limit exceeded")
			continue
		}

		s.dispatch(ctx, conn, env)
	}
}

// dispatch routes one event. Pre-auth, every kind except authenticate
// is silently dropped: the connection stays open awaiting a valid
// credential, and no handler runs. Unknown kinds are ignored.
func (s *Server) dispatch(ctx context.Context, conn *Conn, env protocol.Envelope) {
	if !conn.Authenticated() && env.Event != protocol.KindAuthenticate {
		s.log.Debug("event before auth dropped", "conn", conn.ID, "event", env.Event)
		return
	}

	fn, ok := s.handlers[env.Event]
	if !ok {
		s.log.Debug("unknown event ignored", "conn", conn.ID, "event", env.Event)
		return
	}

	s.metrics.events.WithLabelValues(string(env.Event)).Inc()

	if s.async[env.Event] {
		go s.runHandler(ctx, conn, env, fn)
		return
	}
	s.runHandler(ctx, conn, env, fn)
}

// runHandler contains one handler invocation: an error or panic is
// reported to the offending connection and goes no further.
func (s *Server) runHandler(ctx context.Context, conn *Conn, env protocol.Envelope, fn HandlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic", "event", env.Event, "conn", conn.ID, "panic", r)
			s.sendError(conn, env.ID, "handler_error", fmt.Sprintf("%s: internal error", env.Event))
		}
	}()

	if err := fn(ctx, conn, env); err != nil {
		s.log.Warn("handler error", "event", env.Event, "conn", conn.ID, "error", err)
		s.sendError(conn, env.ID, "handler_error", fmt.Sprintf("%s: %v", env.Event, err))
	}
}

func (s *Server) sendError(conn *Conn, id, errType, details string) {
	s.metrics.handlerErrors.Inc()
	if err := conn.send(protocol.KindError, id, protocol.ErrorEvent{Type: errType, Details: details}); err != nil {
		s.log.Debug("error event not delivered", "conn", conn.ID, "error", err)
	}
}

// bindUser marks a connection authenticated as userID: private room
// membership plus a presence record with the store's TTL as the safety
// net against missed disconnects.
func (s *Server) bindUser(ctx context.Context, conn *Conn, userID string) {
	if prev := conn.bindUser(userID); prev != "" && prev != userID {
		s.rooms.Leave(UserRoom(prev), conn)
	}
	s.rooms.Join(UserRoom(userID), conn)

	if err := s.store.SetOnline(ctx, userID, conn.ID); err != nil {
		// Presence is a hint; the connection is still good.
		s.log.Warn("presence set online failed", "user", userID, "error", err)
	}
}

func (s *Server) addConn(conn *Conn) {
	s.connsMu.Lock()
	s.conns[conn.ID] = conn
	s.connsMu.Unlock()
}

// teardown runs exactly once per connection, on transport close from
// either side.
func (s *Server) teardown(conn *Conn) {
	s.connsMu.Lock()
	if _, ok := s.conns[conn.ID]; !ok {
		s.connsMu.Unlock()
		return
	}
	delete(s.conns, conn.ID)
	s.connsMu.Unlock()

	s.metrics.activeConns.Dec()
	s.rooms.LeaveAll(conn)
	s.clearPresence(conn)
	conn.close(websocket.StatusNormalClosure, "closed")
}

// clearPresence removes the user's presence record, but only when it
// still names this connection: a newer session for the same user must
// not be knocked offline by a stale disconnect.
func (s *Server) clearPresence(conn *Conn) {
	userID := conn.UserID()
	if userID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), connWriteTimeout)
	defer cancel()

	rec, ok, err := s.store.Get(ctx, userID)
	if err != nil {
		s.log.Warn("presence lookup failed", "user", userID, "error", err)
		return
	}
	if !ok || rec.ConnID != conn.ID {
		return
	}
	if err := s.store.SetOffline(ctx, userID); err != nil {
		s.log.Warn("presence set offline failed", "user", userID, "error", err)
	}
}

// Shutdown closes every live connection with a going-away status and
// clears their presence records.
func (s *Server) Shutdown(ctx context.Context) {
	s.connsMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	for _, conn := range conns {
		conn.close(websocket.StatusGoingAway, "server shutting down")
		s.teardown(conn)
	}
}
