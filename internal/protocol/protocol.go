package protocol

import (
	"encoding/json"
	"time"
)

// EventKind identifies a named event on the relay WebSocket.
// Dispatch is by kind; unknown kinds are dropped by the receiver.
type EventKind string

const (
	// Client → Gateway
	KindUserMessage      EventKind = "user_message"
	KindAICall           EventKind = "ai_call"
	KindSoftwareConnect  EventKind = "software_connect"
	KindWorkflowExecute  EventKind = "workflow_execute"
	KindPing             EventKind = "ping"
	KindTaskRequest      EventKind = "task_request"
	KindStatus           EventKind = "status"
	KindAuthenticate     EventKind = "authenticate" // in-session re-auth, not the handshake
	KindRegisterCaps     EventKind = "register_capabilities"
	KindSoftwareOpResult EventKind = "software_operation_result"
	KindFileOperation    EventKind = "file_operation"

	// Gateway → Client
	KindConnected           EventKind = "connected"
	KindMessageResponse     EventKind = "message_response"
	KindAIResponse          EventKind = "ai_response"
	KindSoftwareResponse    EventKind = "software_response"
	KindWorkflowResponse    EventKind = "workflow_response"
	KindPong                EventKind = "pong"
	KindTask                EventKind = "task"
	KindStatusAcknowledged  EventKind = "status_acknowledged"
	KindAuthenticated       EventKind = "authenticated"
	KindAuthenticationError EventKind = "authentication_error"
	KindCapsRegistered      EventKind = "capabilities_registered"
	KindFileOpResponse      EventKind = "file_operation_response"
	KindError               EventKind = "error"
)

// Envelope wraps every WebSocket message with a kind for routing.
// ID is an optional correlation id: when a request carries one, the
// reply carries the same id, which is what acknowledgement-based
// request/response is built on.
type Envelope struct {
	Event EventKind       `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(kind EventKind, id string, payload any) (Envelope, error) {
	env := Envelope{Event: kind, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = data
	}
	return env, nil
}

// Decode unmarshals the envelope's data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Millis is the wire timestamp format: unix milliseconds.
func Millis(t time.Time) int64 { return t.UnixMilli() }

// UserMessage is a chat message sent by a client.
type UserMessage struct {
	Content string `json:"content"`
}

// MessageResponse acknowledges a user_message.
type MessageResponse struct {
	Received  bool  `json:"received"`
	Timestamp int64 `json:"timestamp"`
}

// AICall asks the gateway to run a model call on the client's behalf.
type AICall struct {
	ID     string `json:"id,omitempty"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// AIResponse carries the result of an ai_call. Model always echoes the
// request so clients can route concurrent calls.
type AIResponse struct {
	ID        string `json:"id,omitempty"`
	Model     string `json:"model"`
	Result    string `json:"result"`
	Timestamp int64  `json:"timestamp"`
}

// SoftwareConnect announces a desktop software bridge (e.g. a design
// tool plugin) coming online for this user.
type SoftwareConnect struct {
	Software string          `json:"software"`
	Version  string          `json:"version,omitempty"`
	Extra    json.RawMessage `json:"extra,omitempty"`
}

// SoftwareResponse acknowledges a software_connect.
type SoftwareResponse struct {
	Software  string `json:"software"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// WorkflowExecute requests a workflow run.
type WorkflowExecute struct {
	ID         string `json:"id,omitempty"`
	WorkflowID string `json:"workflowId"`
}

// WorkflowResponse reports the outcome of a workflow_execute.
type WorkflowResponse struct {
	ID         string `json:"id,omitempty"`
	WorkflowID string `json:"workflowId"`
	Status     string `json:"status"`
	Timestamp  int64  `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// TaskRequest asks the gateway for work of a given type.
type TaskRequest struct {
	TaskType string `json:"taskType"`
}

// Task is handed to a client in answer to a task_request.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Command    string          `json:"command"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Priority   int             `json:"priority"`
}

// StatusUpdate reports task progress from a client.
type StatusUpdate struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// StatusAcknowledged confirms a status update was recorded.
type StatusAcknowledged struct {
	TaskID    string `json:"taskId"`
	Timestamp int64  `json:"timestamp"`
}

// Authenticate carries a fresh bearer token over a live connection.
// Long-lived desktop clients use this when their token rolls over.
type Authenticate struct {
	Token string `json:"token"`
}

// Authenticated confirms a successful in-session authentication.
type Authenticated struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// AuthenticationError reports a failed in-session authentication.
// Unlike a handshake failure it does not close the connection.
type AuthenticationError struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// RegisterCapabilities declares what the connected client can do.
type RegisterCapabilities struct {
	Capabilities []string `json:"capabilities"`
}

// CapabilitiesRegistered confirms a capability registration.
type CapabilitiesRegistered struct {
	Capabilities []string `json:"capabilities"`
	Timestamp    int64    `json:"timestamp"`
}

// SoftwareOperationResult reports the outcome of an operation the
// software bridge ran. Fanned out to the user's other connections.
type SoftwareOperationResult struct {
	Operation string          `json:"operation"`
	Success   bool            `json:"success"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// FileOperation requests a file action on the bridge side.
type FileOperation struct {
	OperationID string `json:"operationId"`
	Operation   string `json:"operation"`
	FilePath    string `json:"filePath"`
}

// FileOperationResponse reports the outcome of a file_operation.
type FileOperationResponse struct {
	OperationID string `json:"operationId"`
	Status      string `json:"status"`
	Result      string `json:"result,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Connected is the gateway's greeting after a successful handshake.
type Connected struct {
	SocketID  string `json:"socketId"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// ErrorEvent is the generic handler-failure report. Contained to the
// connection whose event caused it.
type ErrorEvent struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}
