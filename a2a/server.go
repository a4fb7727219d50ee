package a2a

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// JSON-RPC 2.0 error codes used on the wire.
const (
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

func successResponse(id, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id any, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// Server exposes the runtime as an A2A-compliant agent over JSON-RPC
// 2.0. It plugs into the gateway router; the gateway owns auth and
// transport concerns.
type Server struct {
	enabled bool
	bridge  *Bridge
	card    AgentCard
}

// NewServer builds the inbound A2A surface.
func NewServer(enabled bool, bridge *Bridge, card AgentCard) *Server {
	return &Server{enabled: enabled, bridge: bridge, card: card}
}

// AgentCard returns the published capability descriptor.
func (s *Server) AgentCard() AgentCard { return s.card }

// Enabled reports whether the inbound surface accepts requests.
func (s *Server) Enabled() bool { return s.enabled }

// HandleAgentCard serves /.well-known/agent.json.
func (s *Server) HandleAgentCard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}

// HandleRPC serves POST /a2a. JSON-RPC errors ride in a 200 response
// per JSON-RPC 2.0; only transport failures use HTTP status codes.
func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, errorResponse(nil, rpcInvalidRequest, "Invalid Request: malformed JSON"))
		return
	}
	writeRPC(w, s.Dispatch(req))
}

// Dispatch routes a parsed JSON-RPC request to its handler.
func (s *Server) Dispatch(req rpcRequest) rpcResponse {
	if !s.enabled {
		return errorResponse(req.ID, rpcInternalError, "A2A server is disabled")
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, rpcInvalidRequest, "Invalid Request: jsonrpc must be '2.0'")
	}
	if req.Method == "" {
		return errorResponse(req.ID, rpcInvalidRequest, "Invalid Request: method is required")
	}

	slog.Info("a2a rpc", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "message/send":
		return s.handleMessageSend(req)
	case "tasks/get":
		return s.handleTasksGet(req)
	case "tasks/cancel":
		return s.handleTasksCancel(req)
	default:
		return errorResponse(req.ID, rpcMethodNotFound, "Method not found: "+req.Method)
	}
}

type messageSendParams struct {
	Message struct {
		Role      string `json:"role"`
		Parts     []Part `json:"parts"`
		MessageID string `json:"messageId"`
		ContextID string `json:"contextId"`
	} `json:"message"`
}

// handleMessageSend accepts a task and returns it in submitted state.
// Callers poll tasks/get or open the SSE stream for completion.
func (s *Server) handleMessageSend(req rpcRequest) rpcResponse {
	var params messageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, rpcInvalidParams, "Invalid params: "+err.Error())
	}
	if len(params.Message.Parts) == 0 {
		return errorResponse(req.ID, rpcInvalidParams, "Missing required param: message.parts")
	}

	msg := Message{
		Role:      params.Message.Role,
		Parts:     params.Message.Parts,
		MessageID: params.Message.MessageID,
	}
	if msg.Role == "" {
		msg.Role = "user"
	}
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}

	task := s.bridge.InboundMessage(msg, params.Message.ContextID)
	if task.Status.State == StateFailed {
		reason := "task creation failed"
		if e, ok := task.Metadata["error"].(string); ok {
			reason = e
		}
		return errorResponse(req.ID, rpcInternalError, "Internal error: "+reason)
	}
	return successResponse(req.ID, task)
}

type taskIDParams struct {
	ID string `json:"id"`
}

func (s *Server) handleTasksGet(req rpcRequest) rpcResponse {
	var params taskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return errorResponse(req.ID, rpcInvalidParams, "Missing required param: id")
	}
	return successResponse(req.ID, s.bridge.TaskStatus(params.ID))
}

func (s *Server) handleTasksCancel(req rpcRequest) rpcResponse {
	var params taskIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ID == "" {
		return errorResponse(req.ID, rpcInvalidParams, "Missing required param: id")
	}
	return successResponse(req.ID, s.bridge.CancelTask(params.ID))
}

// StreamTask writes SSE events for a task until it reaches a terminal
// state or the timeout elapses: status on every state change, artifact
// events on completion, then a final done (or error on timeout).
func (s *Server) StreamTask(w http.ResponseWriter, r *http.Request, a2aID string, pollInterval, timeout time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	deadline := time.Now().Add(timeout)
	lastState := ""

	for time.Now().Before(deadline) {
		task := s.bridge.TaskStatus(a2aID)
		state := task.Status.State

		if state != lastState {
			writeSSE(w, "status", task.Status)
			lastState = state

			if state == StateCompleted {
				for _, art := range task.Artifacts {
					writeSSE(w, "artifact", art)
				}
			}
			if TerminalState(state) {
				writeSSE(w, "done", map[string]string{"state": state})
				flusher.Flush()
				return
			}
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-time.After(pollInterval):
		}
	}

	writeSSE(w, "error", map[string]string{"message": "Stream timeout"})
	flusher.Flush()
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
