package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/studiodesk/relay/internal/auth"
	"github.com/studiodesk/relay/internal/protocol"
)

// now is swapped out by tests that assert on timestamps.
var now = time.Now

func (s *Server) registerDefaultHandlers() {
	s.Handle(protocol.KindPing, s.handlePing)
	s.Handle(protocol.KindUserMessage, s.handleUserMessage)
	s.Handle(protocol.KindAICall, s.handleAICall)
	s.Handle(protocol.KindWorkflowExecute, s.handleWorkflowExecute)
	s.Handle(protocol.KindSoftwareConnect, s.handleSoftwareConnect)
	s.Handle(protocol.KindRegisterCaps, s.handleRegisterCaps)
	s.Handle(protocol.KindTaskRequest, s.handleTaskRequest)
	s.Handle(protocol.KindStatus, s.handleStatus)
	s.Handle(protocol.KindSoftwareOpResult, s.handleSoftwareOpResult)
	s.Handle(protocol.KindFileOperation, s.handleFileOperation)
	s.Handle(protocol.KindAuthenticate, s.handleAuthenticate)
}

// simulatedDelay blocks for the configured model latency, bailing out
// early if the connection's context ends.
func (s *Server) simulatedDelay(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.SimulatedAIDelay):
		return nil
	}
}

func (s *Server) handlePing(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	return conn.send(protocol.KindPong, env.ID, protocol.Pong{
		Timestamp: protocol.Millis(now()),
	})
}

func (s *Server) handleUserMessage(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var msg protocol.UserMessage
	if err := env.Decode(&msg); err != nil {
		return fmt.Errorf("decode user message: %w", err)
	}
	s.log.Info("user message", "conn", conn.ID, "user", conn.UserID(), "length", len(msg.Content))
	return conn.send(protocol.KindMessageResponse, env.ID, protocol.MessageResponse{
		Received:  true,
		Timestamp: protocol.Millis(now()),
	})
}

// handleAICall runs async: the simulated model latency must not stall
// the connection's read loop. Exactly one response per call, with the
// request model echoed so clients can route concurrent calls.
func (s *Server) handleAICall(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var call protocol.AICall
	if err := env.Decode(&call); err != nil {
		return fmt.Errorf("decode ai call: %w", err)
	}
	if err := s.simulatedDelay(ctx); err != nil {
		return nil
	}
	return conn.send(protocol.KindAIResponse, env.ID, protocol.AIResponse{
		ID:        call.ID,
		Model:     call.Model,
		Result:    fmt.Sprintf("response from %s", call.Model),
		Timestamp: protocol.Millis(now()),
	})
}

func (s *Server) handleWorkflowExecute(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var wf protocol.WorkflowExecute
	if err := env.Decode(&wf); err != nil {
		return fmt.Errorf("decode workflow: %w", err)
	}
	s.log.Info("workflow execute", "conn", conn.ID, "workflow", wf.WorkflowID)
	if err := s.simulatedDelay(ctx); err != nil {
		return nil
	}
	return conn.send(protocol.KindWorkflowResponse, env.ID, protocol.WorkflowResponse{
		ID:         wf.ID,
		WorkflowID: wf.WorkflowID,
		Status:     "completed",
		Timestamp:  protocol.Millis(now()),
	})
}

// handleSoftwareConnect joins the connection to the named software
// room so operation traffic can be fanned out to its peers.
func (s *Server) handleSoftwareConnect(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var sc protocol.SoftwareConnect
	if err := env.Decode(&sc); err != nil {
		return fmt.Errorf("decode software connect: %w", err)
	}
	if sc.Software == "" {
		return fmt.Errorf("software name required")
	}
	s.rooms.Join(SoftwareRoom(sc.Software), conn)
	s.log.Info("software connected", "conn", conn.ID, "software", sc.Software, "version", sc.Version)
	return conn.send(protocol.KindSoftwareResponse, env.ID, protocol.SoftwareResponse{
		Software:  sc.Software,
		Status:    "connected",
		Timestamp: protocol.Millis(now()),
	})
}

func (s *Server) handleRegisterCaps(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var rc protocol.RegisterCapabilities
	if err := env.Decode(&rc); err != nil {
		return fmt.Errorf("decode capabilities: %w", err)
	}
	conn.setCapabilities(rc.Capabilities)
	s.log.Info("capabilities registered", "conn", conn.ID, "count", len(rc.Capabilities))
	return conn.send(protocol.KindCapsRegistered, env.ID, protocol.CapabilitiesRegistered{
		Capabilities: rc.Capabilities,
		Timestamp:    protocol.Millis(now()),
	})
}

func (s *Server) handleTaskRequest(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var req protocol.TaskRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode task request: %w", err)
	}
	return conn.send(protocol.KindTask, env.ID, protocol.Task{
		ID:        uuid.New().String(),
		Type:      req.TaskType,
		Command:   "execute",
		Timestamp: protocol.Millis(now()),
		Priority:  1,
	})
}

func (s *Server) handleStatus(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var st protocol.StatusUpdate
	if err := env.Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	s.log.Info("task status", "conn", conn.ID, "task", st.TaskID, "status", st.Status)
	return conn.send(protocol.KindStatusAcknowledged, env.ID, protocol.StatusAcknowledged{
		TaskID:    st.TaskID,
		Timestamp: protocol.Millis(now()),
	})
}

// handleSoftwareOpResult relays a result from the executing bridge to
// the user's other sessions. The sender is excluded so it never sees
// its own result echoed back. No direct reply event.
func (s *Server) handleSoftwareOpResult(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var res protocol.SoftwareOperationResult
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode operation result: %w", err)
	}
	s.log.Info("operation result", "conn", conn.ID, "operation", res.Operation, "success", res.Success)
	if userID := conn.UserID(); userID != "" {
		s.rooms.BroadcastExcept(UserRoom(userID), conn.ID, protocol.KindSoftwareOpResult, res)
	}
	return nil
}

func (s *Server) handleFileOperation(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var op protocol.FileOperation
	if err := env.Decode(&op); err != nil {
		return fmt.Errorf("decode file operation: %w", err)
	}
	s.log.Info("file operation", "conn", conn.ID, "operation", op.Operation, "path", op.FilePath)
	if err := s.simulatedDelay(ctx); err != nil {
		return nil
	}
	return conn.send(protocol.KindFileOpResponse, env.ID, protocol.FileOperationResponse{
		OperationID: op.OperationID,
		Status:      "completed",
		Result:      fmt.Sprintf("%s done", op.Operation),
		Timestamp:   protocol.Millis(now()),
	})
}

// handleAuthenticate covers both first-time in-session auth on a
// connection opened without a credential and token rollover on an
// already bound connection. A bad token is answered, not fatal: the
// connection keeps whatever identity it had.
func (s *Server) handleAuthenticate(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var req protocol.Authenticate
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode authenticate: %w", err)
	}

	userID, err := auth.Validate(s.secret, req.Token)
	if err != nil {
		s.metrics.authFailures.Inc()
		s.log.Warn("in-session auth failed", "conn", conn.ID, "error", err)
		return conn.send(protocol.KindAuthenticationError, env.ID, protocol.AuthenticationError{
			Message: "invalid token",
		})
	}

	s.bindUser(ctx, conn, userID)
	s.log.Info("authenticated", "conn", conn.ID, "user", userID)
	return conn.send(protocol.KindAuthenticated, env.ID, protocol.Authenticated{
		UserID:    userID,
		Timestamp: protocol.Millis(now()),
	})
}
