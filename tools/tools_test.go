package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/board"
	"github.com/cleoai/cleo/bus"
	"github.com/cleoai/cleo/config"
)

func newTestRegistry(t *testing.T) (*Registry, Deps) {
	t.Helper()
	dir := t.TempDir()
	deps := Deps{
		Board:     board.New(filepath.Join(dir, "board.json"), filepath.Join(dir, "board.lock")),
		Mailboxes: bus.NewMailboxes(filepath.Join(dir, "mailboxes")),
		AgentID:   "jerry",
		Workspace: filepath.Join(dir, "workspace"),
		Delegate: func(_ context.Context, agentURL, message string, _ time.Duration) (string, error) {
			return "delegated to " + agentURL, nil
		},
	}
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, deps))
	return reg, deps
}

func TestProfileResolution(t *testing.T) {
	reg, _ := newTestRegistry(t)

	names := func(list []Tool) []string {
		var out []string
		for _, tool := range list {
			out = append(out, tool.GetName())
		}
		return out
	}

	minimal := names(reg.ForAgent(config.AgentToolConfig{Profile: config.ProfileMinimal}))
	assert.Contains(t, minimal, "web_fetch")
	assert.NotContains(t, minimal, "write_file")

	coding := names(reg.ForAgent(config.AgentToolConfig{Profile: config.ProfileCoding}))
	assert.Contains(t, coding, "write_file")
	assert.Contains(t, coding, "a2a_delegate")

	full := names(reg.ForAgent(config.AgentToolConfig{Profile: config.ProfileFull}))
	assert.GreaterOrEqual(t, len(full), len(coding))
}

func TestDenyAlwaysWins(t *testing.T) {
	reg, _ := newTestRegistry(t)

	list := reg.ForAgent(config.AgentToolConfig{
		Profile: config.ProfileCoding,
		Allow:   []string{"write_file"},
		Deny:    []string{"write_file"},
	})
	for _, tool := range list {
		assert.NotEqual(t, "write_file", tool.GetName())
	}
}

func TestGroupExpansion(t *testing.T) {
	reg, _ := newTestRegistry(t)

	list := reg.ForAgent(config.AgentToolConfig{
		Profile: config.ProfileCoding,
		Deny:    []string{"group:fs"},
	})
	for _, tool := range list {
		assert.NotEqual(t, CategoryFS, tool.GetInfo().Category)
	}

	list = reg.ForAgent(config.AgentToolConfig{
		Profile: config.ProfileMinimal,
		Allow:   []string{"group:fs"},
	})
	var sawFS bool
	for _, tool := range list {
		if tool.GetInfo().Category == CategoryFS {
			sawFS = true
		}
	}
	assert.True(t, sawFS)
}

func TestScopedByHints(t *testing.T) {
	reg, _ := newTestRegistry(t)
	cfg := config.AgentToolConfig{Profile: config.ProfileCoding}

	scoped := reg.Scoped([]string{CategoryWeb}, cfg)
	var sawWeb, sawFS, sawTask bool
	for _, tool := range scoped {
		switch tool.GetInfo().Category {
		case CategoryWeb:
			sawWeb = true
		case CategoryFS:
			sawFS = true
		case CategoryTask:
			sawTask = true
		}
	}
	assert.True(t, sawWeb)
	assert.False(t, sawFS)
	assert.True(t, sawTask, "coordination base tools survive hint scoping")

	// empty hints fall back to the full agent scope
	assert.Len(t, reg.Scoped(nil, cfg), len(reg.ForAgent(cfg)))
}

func TestFileToolsRoundTrip(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	result := reg.Execute(ctx, ToolCall{Name: "write_file", Parameters: map[string]interface{}{
		"path": "notes/hello.txt", "content": "hi there",
	}})
	require.True(t, result.Success, result.Error)

	result = reg.Execute(ctx, ToolCall{Name: "read_file", Parameters: map[string]interface{}{
		"path": "notes/hello.txt",
	}})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "hi there", result.Content)

	result = reg.Execute(ctx, ToolCall{Name: "list_dir", Parameters: map[string]interface{}{
		"path": "notes",
	}})
	require.True(t, result.Success)
	assert.Contains(t, result.Content, "hello.txt")
}

func TestWorkspaceEscapeBlocked(t *testing.T) {
	reg, deps := newTestRegistry(t)
	outside := filepath.Join(filepath.Dir(deps.Workspace), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))

	result := reg.Execute(context.Background(), ToolCall{Name: "read_file", Parameters: map[string]interface{}{
		"path": "../secret.txt",
	}})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "escapes the workspace")
}

func TestSanitizeSensitiveFiles(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, path := range []string{".env", "config/agents.yaml", "keys/id_rsa", "%2e%2e/.env"} {
		result := reg.Execute(ctx, ToolCall{Name: "read_file", Parameters: map[string]interface{}{"path": path}})
		assert.False(t, result.Success, "path %q should be rejected", path)
	}

	// dotfile writes blocked, dotfile-free writes fine
	result := reg.Execute(ctx, ToolCall{Name: "write_file", Parameters: map[string]interface{}{
		"path": ".hidden", "content": "x",
	}})
	assert.False(t, result.Success)

	result = reg.Execute(ctx, ToolCall{Name: "read_file", Parameters: map[string]interface{}{
		"path": "nested/.ssh/known_hosts",
	}})
	assert.False(t, result.Success)
}

func TestSanitizeURL(t *testing.T) {
	info := ToolInfo{Name: "web_fetch", Category: CategoryWeb}

	_, err := SanitizeParams("web_fetch", map[string]interface{}{"url": "ftp://example.com"}, info)
	assert.Error(t, err)

	for _, host := range []string{"localhost", "127.0.0.1", "10.0.0.5", "172.20.1.1", "192.168.1.1", "169.254.169.254"} {
		_, err = SanitizeParams("web_fetch", map[string]interface{}{"url": "http://" + host + "/x"}, info)
		assert.Error(t, err, "host %q should be blocked", host)
	}

	_, err = SanitizeParams("web_fetch", map[string]interface{}{"url": "https://example.com"}, info)
	assert.NoError(t, err)
}

func TestTypeCoercion(t *testing.T) {
	schema := []ToolParameter{
		{Name: "count", Type: "integer", Required: true},
		{Name: "ratio", Type: "number"},
		{Name: "force", Type: "boolean"},
	}
	info := ToolInfo{Name: "x", Parameters: schema}

	out, err := SanitizeParams("x", map[string]interface{}{
		"count": "42", "ratio": "0.5", "force": "yes",
	}, info)
	require.NoError(t, err)
	assert.Equal(t, 42, out["count"])
	assert.Equal(t, 0.5, out["ratio"])
	assert.Equal(t, true, out["force"])

	// JSON numbers arrive as float64
	out, err = SanitizeParams("x", map[string]interface{}{"count": float64(7)}, info)
	require.NoError(t, err)
	assert.Equal(t, 7, out["count"])

	_, err = SanitizeParams("x", map[string]interface{}{"count": "not a number"}, info)
	assert.Error(t, err)

	_, err = SanitizeParams("x", map[string]interface{}{}, info)
	assert.Error(t, err, "missing required parameter")
}

func TestWebFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("page body"))
	}))
	defer srv.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Register(webFetchTool(Deps{HTTP: srv.Client(), Workspace: t.TempDir()})))

	// bypass the registry so the private test-server host is reachable
	tool, ok := reg.Get("web_fetch")
	require.True(t, ok)
	result, err := tool.Execute(context.Background(), map[string]interface{}{"url": srv.URL})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "page body", result.Content)
}

func TestTaskTools(t *testing.T) {
	reg, deps := newTestRegistry(t)
	ctx := context.Background()

	result := reg.Execute(ctx, ToolCall{Name: "task_create", Parameters: map[string]interface{}{
		"description": "do the thing",
	}})
	require.True(t, result.Success, result.Error)

	assert.Equal(t, 1, deps.Board.PendingCount())

	result = reg.Execute(ctx, ToolCall{Name: "task_status"})
	require.True(t, result.Success)
	assert.Contains(t, result.Content, "pending: 1")
	assert.Contains(t, result.Content, "do the thing")
}

func TestMessageTool(t *testing.T) {
	reg, deps := newTestRegistry(t)

	result := reg.Execute(context.Background(), ToolCall{Name: "message", Parameters: map[string]interface{}{
		"to": "leo", "content": "status update",
	}})
	require.True(t, result.Success, result.Error)

	msgs := deps.Mailboxes.ReadNew("leo")
	require.Len(t, msgs, 1)
	assert.Equal(t, "jerry", msgs[0].From)
	assert.Equal(t, "status update", msgs[0].Content)
}

func TestDelegateTool(t *testing.T) {
	reg, _ := newTestRegistry(t)

	result := reg.Execute(context.Background(), ToolCall{Name: "a2a_delegate", Parameters: map[string]interface{}{
		"agent_url": "https://remote.example", "message": "summarize this",
	}})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "delegated to https://remote.example", result.Content)
}

func TestUnknownTool(t *testing.T) {
	reg, _ := newTestRegistry(t)
	result := reg.Execute(context.Background(), ToolCall{Name: "nope"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown tool")
}

func TestParseToolCalls(t *testing.T) {
	output := "thinking...\n```tool\n{\"tool\": \"read_file\", \"params\": {\"path\": \"a.txt\"}}\n```\n" +
		"<tool_code>\n{\"tool\": \"web_fetch\", \"params\": {\"url\": \"https://example.com\"}}\n</tool_code>\n" +
		"```tool\nnot json\n```\n"

	calls := ParseToolCalls(output)
	require.Len(t, calls, 2)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "a.txt", calls[0].Parameters["path"])
	assert.Equal(t, "web_fetch", calls[1].Name)

	assert.Empty(t, ParseToolCalls("no tools here"))
}
