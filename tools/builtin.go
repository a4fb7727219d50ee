package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
)

// ============================================================================
// BUILT-IN TOOLS
// ============================================================================

// funcTool wraps a handler function with its metadata.
type funcTool struct {
	info ToolInfo
	fn   func(ctx context.Context, args map[string]interface{}) (ToolResult, error)
}

func (t *funcTool) GetInfo() ToolInfo { return t.info }
func (t *funcTool) GetName() string   { return t.info.Name }

func (t *funcTool) Execute(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
	return t.fn(ctx, args)
}

// NewTool builds a tool from metadata and a handler.
func NewTool(info ToolInfo, fn func(ctx context.Context, args map[string]interface{}) (ToolResult, error)) Tool {
	return &funcTool{info: info, fn: fn}
}

// DelegateFunc hands a subtask to a remote agent. Wired by the worker,
// which owns the A2A client.
type DelegateFunc func(ctx context.Context, agentURL, message string, timeout time.Duration) (string, error)

// Deps carries the runtime handles the built-in tools close over.
type Deps struct {
	Board     *board.TaskBoard
	Mailboxes *bus.Mailboxes
	AgentID   string
	Workspace string // file tools are confined to this directory
	Delegate  DelegateFunc
	HTTP      *http.Client
}

const maxFetchBytes = 1 << 20 // 1 MiB of fetched page text

// RegisterBuiltins registers the built-in tool set against the given
// runtime dependencies. Tools whose dependency is absent are skipped.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Workspace == "" {
		deps.Workspace = "workspace"
	}

	builtins := []Tool{
		readFileTool(deps),
		writeFileTool(deps),
		listDirTool(deps),
		webFetchTool(deps),
	}
	if deps.Board != nil {
		builtins = append(builtins, taskStatusTool(deps), taskCreateTool(deps))
	}
	if deps.Mailboxes != nil {
		builtins = append(builtins, messageTool(deps))
	}
	if deps.Delegate != nil {
		builtins = append(builtins, delegateTool(deps))
	}

	for _, tool := range builtins {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// workspacePath confines a tool-supplied path to the workspace root.
func workspacePath(workspace, raw string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(workspace, raw))
	absWorkspace, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", err
	}
	if abs != absWorkspace && !strings.HasPrefix(abs, absWorkspace+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", raw)
	}
	return cleaned, nil
}

func okResult(content string) ToolResult {
	return ToolResult{Success: true, Content: content}
}

func errResult(format string, args ...interface{}) ToolResult {
	return ToolResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

func readFileTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "read_file",
		Description: "Read a text file from the workspace",
		Category:    CategoryFS,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace", Required: true},
		},
	}, func(_ context.Context, args map[string]interface{}) (ToolResult, error) {
		raw, _ := args["path"].(string)
		path, err := workspacePath(deps.Workspace, raw)
		if err != nil {
			return errResult("%v", err), nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errResult("read failed: %v", err), nil
		}
		return okResult(string(data)), nil
	})
}

func writeFileTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "write_file",
		Description: "Write a text file inside the workspace, creating parent directories",
		Category:    CategoryFS,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
		},
	}, func(_ context.Context, args map[string]interface{}) (ToolResult, error) {
		raw, _ := args["path"].(string)
		path, err := workspacePath(deps.Workspace, raw)
		if err != nil {
			return errResult("%v", err), nil
		}
		content, _ := args["content"].(string)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errResult("mkdir failed: %v", err), nil
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return errResult("write failed: %v", err), nil
		}
		return okResult(fmt.Sprintf("wrote %d bytes to %s", len(content), args["path"])), nil
	})
}

func listDirTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "list_dir",
		Description: "List entries of a workspace directory",
		Category:    CategoryFS,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Directory relative to the workspace", Default: "."},
		},
	}, func(_ context.Context, args map[string]interface{}) (ToolResult, error) {
		raw, _ := args["path"].(string)
		if raw == "" {
			raw = "."
		}
		path, err := workspacePath(deps.Workspace, raw)
		if err != nil {
			return errResult("%v", err), nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return errResult("list failed: %v", err), nil
		}
		var names []string
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return okResult(strings.Join(names, "\n")), nil
	})
}

func webFetchTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "web_fetch",
		Description: "Fetch a URL and return the response body as text",
		Category:    CategoryWeb,
		Parameters: []ToolParameter{
			{Name: "url", Type: "string", Description: "http(s) URL to fetch", Required: true},
		},
	}, func(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
		url, _ := args["url"].(string)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errResult("bad request: %v", err), nil
		}
		req.Header.Set("User-Agent", "cleo-agent/1.0")
		resp, err := deps.HTTP.Do(req)
		if err != nil {
			return errResult("fetch failed: %v", err), nil
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
		if err != nil {
			return errResult("read failed: %v", err), nil
		}
		if resp.StatusCode >= 400 {
			return errResult("HTTP %d: %s", resp.StatusCode, truncate(string(body), 500)), nil
		}
		return okResult(string(body)), nil
	})
}

func taskStatusTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "task_status",
		Description: "Show the current task board status counts and recent tasks",
		Category:    CategoryTask,
	}, func(_ context.Context, _ map[string]interface{}) (ToolResult, error) {
		counts := deps.Board.StatusCounts()
		var b strings.Builder
		var keys []string
		for k := range counts {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %d\n", k, counts[board.TaskStatus(k)])
		}
		for _, task := range deps.Board.List() {
			fmt.Fprintf(&b, "- [%s] %s %s\n", task.Status, task.ShortID(), truncate(task.Description, 80))
		}
		return okResult(b.String()), nil
	})
}

func taskCreateTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "task_create",
		Description: "Create a new task on the shared board",
		Category:    CategoryTask,
		Parameters: []ToolParameter{
			{Name: "description", Type: "string", Description: "What the task should accomplish", Required: true},
			{Name: "required_role", Type: "string", Description: "Role keyword, e.g. implement or review"},
		},
	}, func(_ context.Context, args map[string]interface{}) (ToolResult, error) {
		desc, _ := args["description"].(string)
		role, _ := args["required_role"].(string)
		task, err := deps.Board.Create(board.CreateRequest{Description: desc, RequiredRole: role})
		if err != nil {
			return errResult("create failed: %v", err), nil
		}
		return okResult("created task " + task.TaskID), nil
	})
}

func messageTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "message",
		Description: "Send a direct message to another agent's mailbox",
		Category:    CategoryMessaging,
		Parameters: []ToolParameter{
			{Name: "to", Type: "string", Description: "Recipient agent id", Required: true},
			{Name: "content", Type: "string", Description: "Message text", Required: true},
		},
	}, func(_ context.Context, args map[string]interface{}) (ToolResult, error) {
		to, _ := args["to"].(string)
		content, _ := args["content"].(string)
		if err := deps.Mailboxes.Send(to, deps.AgentID, "direct", content); err != nil {
			return errResult("send failed: %v", err), nil
		}
		return okResult("sent to " + to), nil
	})
}

func delegateTool(deps Deps) Tool {
	return NewTool(ToolInfo{
		Name:        "a2a_delegate",
		Description: "Delegate a task to an external A2A agent and wait for the result",
		Category:    CategoryA2A,
		Parameters: []ToolParameter{
			{Name: "agent_url", Type: "string", Description: "Remote agent URL, or \"auto\" to match by skills", Required: true},
			{Name: "message", Type: "string", Description: "Task description for the remote agent", Required: true},
			{Name: "timeout", Type: "integer", Description: "Seconds to wait", Default: 300},
		},
	}, func(ctx context.Context, args map[string]interface{}) (ToolResult, error) {
		agentURL, _ := args["agent_url"].(string)
		message, _ := args["message"].(string)
		timeout := 300
		if v, ok := args["timeout"].(int); ok && v > 0 {
			timeout = v
		}
		out, err := deps.Delegate(ctx, agentURL, message, time.Duration(timeout)*time.Second)
		if err != nil {
			return errResult("delegation failed: %v", err), nil
		}
		return okResult(out), nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
