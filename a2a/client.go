package a2a

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cleoai/cleo/config"
)

const maxAttachmentBytes = 10 * 1024 * 1024

// DelegationResult is what a delegation attempt hands back to the
// calling tool: completed / failed / timeout / blocked plus the
// validated text and any received files.
type DelegationResult struct {
	Status     string        `json:"status"`
	Text       string        `json:"text"`
	Files      []string      `json:"files,omitempty"`
	Rounds     int           `json:"rounds"`
	AgentURL   string        `json:"agent_url"`
	AgentName  string        `json:"agent_name"`
	TrustLevel string        `json:"trust_level"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
}

// Client delegates tasks to external A2A agents over JSON-RPC 2.0.
type Client struct {
	enabled   bool
	registry  *Registry
	security  *Filter
	workspace string
	http      *http.Client
	sleep     func(context.Context, time.Duration) error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithClientWorkspace sets where received files are stored.
func WithClientWorkspace(dir string) ClientOption {
	return func(c *Client) { c.workspace = dir }
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient builds the outbound delegation client.
func NewClient(cfg config.A2AClientSettings, opts ...ClientOption) *Client {
	c := &Client{
		enabled:   cfg.Enabled,
		registry:  NewRegistry(cfg),
		security:  NewFilter(cfg.Security),
		workspace: "workspace",
		http:      &http.Client{Timeout: 35 * time.Second},
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.enabled {
		// warm registry discovery off the hot path
		go c.registry.ensureDiscovered()
	}
	return c
}

// Registry exposes the agent registry for status surfaces.
func (c *Client) Registry() *Registry { return c.registry }

// Security exposes the trust filter.
func (c *Client) Security() *Filter { return c.security }

// SendTaskRequest carries a delegation request.
type SendTaskRequest struct {
	AgentURL       string        // explicit URL or "auto"
	Message        string        // task description
	Files          []string      // local paths to attach, trust permitting
	RequiredSkills []string      // used with "auto" resolution
	Timeout        time.Duration // total budget; clamped by security max
}

// SendTask delegates a task to an external agent and waits for its
// result. The outbound message is sanitized per the target's trust
// tier and the response is validated before it reaches the caller.
func (c *Client) SendTask(ctx context.Context, req SendTaskRequest) DelegationResult {
	ctx, span := otel.Tracer("github.com/cleoai/cleo/a2a").Start(ctx, "a2a.delegate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("a2a.agent_url", req.AgentURL)))
	defer span.End()

	if !c.enabled {
		return DelegationResult{
			Status: "failed",
			Error:  "A2A client is disabled, set a2a.client.enabled: true",
		}
	}

	start := time.Now()
	timeout := time.Duration(c.security.MaxTimeout(req.Timeout.Seconds()) * float64(time.Second))
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	entry := c.registry.Resolve(req.AgentURL, req.RequiredSkills)
	if entry == nil {
		return DelegationResult{
			Status: "failed",
			Error: fmt.Sprintf("no agent found for url=%s skills=%v",
				req.AgentURL, req.RequiredSkills),
			Duration: time.Since(start),
		}
	}
	trust := entry.TrustLevel

	cleanMessage := c.security.SanitizeOutbound(req.Message, trust)

	parts := []Part{TextPart(cleanMessage)}
	if len(req.Files) > 0 {
		if c.security.CanSendFiles(trust) {
			for _, path := range req.Files {
				if fp, ok := encodeFile(path); ok {
					parts = append(parts, fp)
				}
			}
		} else {
			slog.Info("files withheld from delegation", "trust", trust)
		}
	}

	slog.Info("delegating task",
		"agent", entry.Name, "url", entry.URL, "trust", trust, "msg_len", len(cleanMessage))

	// Submit has its own short budget so a dead endpoint fails fast.
	submitTimeout := 30 * time.Second
	if timeout < submitTimeout {
		submitTimeout = timeout
	}
	response, err := c.rpcCall(ctx, entry, "message/send", map[string]any{
		"message": NewMessage("user", parts...),
	}, submitTimeout)
	if err != nil {
		c.registry.RecordFailure(entry.URL)
		return c.failed(entry, trust, start, "HTTP error: "+err.Error())
	}
	if response.Error != nil {
		c.registry.RecordFailure(entry.URL)
		return c.failed(entry, trust, start, "RPC error: "+response.Error.Message)
	}

	var remote Task
	if err := json.Unmarshal(response.Result, &remote); err != nil {
		c.registry.RecordFailure(entry.URL)
		return c.failed(entry, trust, start, "malformed task response: "+err.Error())
	}

	rounds := 0
	if !TerminalState(remote.Status.State) {
		remote, rounds = c.pollUntilDone(ctx, entry, remote.ID, timeout-time.Since(start))
	}
	switch {
	case remote.Status.State == StateCompleted:
		c.registry.RecordSuccess(entry.URL)
	case !TerminalState(remote.Status.State):
		// timed out still working; do not reset the failure counter
		c.registry.RecordFailure(entry.URL)
	}

	var resultText strings.Builder
	var files []string
	for _, artifact := range remote.Artifacts {
		for _, part := range artifact.Parts {
			switch part.Kind {
			case KindText:
				resultText.WriteString(part.Text)
				resultText.WriteString("\n")
			case KindFile:
				if saved := c.saveReceivedFile(part, trust); saved != "" {
					files = append(files, saved)
				}
			}
		}
	}

	validation := c.security.ValidateInbound(strings.TrimSpace(resultText.String()), trust)
	if validation.Blocked {
		return DelegationResult{
			Status:     "blocked",
			Error:      "response blocked by security filter",
			Warnings:   validation.Warnings,
			Rounds:     rounds,
			AgentURL:   entry.URL,
			AgentName:  entry.Name,
			TrustLevel: trust,
			Duration:   time.Since(start),
		}
	}

	status := remote.Status.State
	if !TerminalState(status) {
		status = "failed"
	}
	slog.Info("delegation finished",
		"agent", entry.Name, "state", status,
		"text_len", len(validation.Text), "files", len(files),
		"duration", time.Since(start).Round(100*time.Millisecond))

	return DelegationResult{
		Status:     status,
		Text:       validation.Text,
		Files:      files,
		Rounds:     rounds,
		AgentURL:   entry.URL,
		AgentName:  entry.Name,
		TrustLevel: trust,
		Duration:   time.Since(start),
		Warnings:   validation.Warnings,
	}
}

func (c *Client) failed(entry *AgentEntry, trust string, start time.Time, msg string) DelegationResult {
	return DelegationResult{
		Status:     "failed",
		Error:      msg,
		AgentURL:   entry.URL,
		AgentName:  entry.Name,
		TrustLevel: trust,
		Duration:   time.Since(start),
	}
}

// pollUntilDone polls tasks/get with a backing-off interval until the
// remote task is terminal, the input-required round budget runs out,
// or the deadline passes.
func (c *Client) pollUntilDone(ctx context.Context, entry *AgentEntry, taskID string, remaining time.Duration) (Task, int) {
	if remaining < 5*time.Second {
		remaining = 5 * time.Second
	}
	deadline := time.Now().Add(remaining)
	interval := 2 * time.Second
	maxRounds := c.security.MaxRounds(entry.TrustLevel)

	var last Task
	rounds := 0

	for time.Now().Before(deadline) {
		if err := c.sleep(ctx, interval); err != nil {
			break
		}

		response, err := c.rpcCall(ctx, entry, "tasks/get",
			map[string]any{"id": taskID}, 15*time.Second)
		if err != nil {
			slog.Warn("delegation poll failed", "task", taskID, "error", err)
			continue
		}
		if response.Error != nil {
			slog.Warn("delegation poll error", "task", taskID, "message", response.Error.Message)
			continue
		}
		if err := json.Unmarshal(response.Result, &last); err != nil {
			slog.Warn("delegation poll decode failed", "task", taskID, "error", err)
			continue
		}

		if TerminalState(last.Status.State) {
			return last, rounds
		}

		if last.Status.State == StateInputRequired {
			rounds++
			if rounds > maxRounds {
				slog.Warn("delegation round budget exhausted",
					"task", taskID, "max_rounds", maxRounds)
				break
			}
			slog.Info("delegation input-required", "round", rounds, "max", maxRounds)
		}

		if interval = time.Duration(float64(interval) * 1.2); interval > 10*time.Second {
			interval = 10 * time.Second
		}
	}

	slog.Warn("delegation polling timed out", "task", taskID)
	last.Status = NewTaskState(StateFailed)
	msg := NewMessage("agent", TextPart("Polling timed out"))
	last.Status.Message = &msg
	return last, rounds
}

type rpcResult struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) rpcCall(ctx context.Context, entry *AgentEntry, method string, params any, timeout time.Duration) (*rpcResult, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      "cleo-" + hex12()[:8],
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, entry.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", clientUserAgent)
	if auth := c.registry.AuthHeader(entry.URL); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, entry.URL)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	var out rpcResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC response: %w", err)
	}
	return &out, nil
}

// encodeFile loads a local file as an inline base64 file part. Files
// over the attachment limit are skipped with a warning.
func encodeFile(path string) (Part, bool) {
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("attachment not found", "path", path)
		return Part{}, false
	}
	if info.Size() > maxAttachmentBytes {
		slog.Warn("attachment too large", "path", path, "bytes", info.Size())
		return Part{}, false
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("attachment read failed", "path", path, "error", err)
		return Part{}, false
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return FilePart(filepath.Base(path), mimeType,
		base64.StdEncoding.EncodeToString(raw)), true
}

// saveReceivedFile stores a received file part under
// workspace/a2a/received, trust permitting.
func (c *Client) saveReceivedFile(part Part, trust string) string {
	if !c.security.CanReceiveFiles(trust) {
		slog.Info("received file dropped", "trust", trust, "name", part.Name)
		return ""
	}
	if part.Data == "" {
		return part.URI
	}

	raw, err := base64.StdEncoding.DecodeString(part.Data)
	if err != nil {
		slog.Warn("received file decode failed", "name", part.Name, "error", err)
		return ""
	}

	name := filepath.Base(part.Name)
	if name == "" || name == "." || name == "/" {
		name = "file_" + hex12()[:8]
	}

	dir := filepath.Join(c.workspace, "a2a", "received")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("received dir create failed", "error", err)
		return ""
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		slog.Warn("received file write failed", "path", path, "error", err)
		return ""
	}
	slog.Info("received file saved", "path", path, "bytes", len(raw))
	return path
}
