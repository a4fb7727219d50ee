package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cleoai/cleo/config"
)

// ============================================================================
// REGISTRY - TOOL SYSTEM CORE
// ============================================================================

// Profile base sets. A nil set means every registered tool.
var toolProfiles = map[string]map[string]bool{
	config.ProfileMinimal: setOf("web_search", "web_fetch", "task_status"),
	config.ProfileCoding: setOf(
		"web_search", "web_fetch",
		"read_file", "write_file", "list_dir",
		"task_create", "task_status",
		"message",
		"a2a_delegate",
	),
	config.ProfileFull: nil,
}

// Base categories always present in a hint-scoped set, so executors keep
// coordination primitives even when the planner narrows the toolbox.
var baseCategories = map[string]bool{
	CategoryMemory:    true,
	CategoryMessaging: true,
	CategoryTask:      true,
}

func setOf(names ...string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

// Registry manages tool registration, lookup, and scoped resolution.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; the name must be unique.
func (r *Registry) Register(tool Tool) error {
	name := tool.GetName()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(r.tools))
	for _, tool := range r.tools {
		infos = append(infos, tool.GetInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// expand resolves a mixed allow/deny list of tool names and
// group:<category> references into a name set.
func (r *Registry) expand(items []string) map[string]bool {
	out := make(map[string]bool)
	for _, item := range items {
		category, isGroup := strings.CutPrefix(item, "group:")
		if !isGroup {
			out[item] = true
			continue
		}
		for name, tool := range r.tools {
			if tool.GetInfo().Category == category {
				out[name] = true
			}
		}
	}
	return out
}

// ForAgent resolves the tool set for an agent config: profile base set,
// minus deny, plus allow. Deny always wins.
func (r *Registry) ForAgent(toolCfg config.AgentToolConfig) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile := toolCfg.Profile
	if profile == "" {
		profile = config.ProfileCoding
	}
	base := toolProfiles[profile]
	allow := r.expand(toolCfg.Allow)
	deny := r.expand(toolCfg.Deny)

	var out []Tool
	for name, tool := range r.tools {
		if deny[name] {
			continue
		}
		if base != nil && !base[name] && !allow[name] {
			continue
		}
		out = append(out, tool)
	}
	sortTools(out)
	return out
}

// Scoped narrows an agent's tool set to the planner's tool_hint
// categories, keeping the coordination base set. Empty hints fall back
// to the full agent scope.
func (r *Registry) Scoped(hints []string, toolCfg config.AgentToolConfig) []Tool {
	agentTools := r.ForAgent(toolCfg)
	if len(hints) == 0 {
		return agentTools
	}

	wanted := make(map[string]bool, len(hints))
	for _, h := range hints {
		wanted[h] = true
	}

	var out []Tool
	for _, tool := range agentTools {
		category := tool.GetInfo().Category
		if wanted[category] || baseCategories[category] {
			out = append(out, tool)
		}
	}
	return out
}

func sortTools(list []Tool) {
	sort.Slice(list, func(i, j int) bool { return list[i].GetName() < list[j].GetName() })
}

// Execute sanitizes parameters and runs a tool. A sanitize rejection or
// execution failure comes back as an unsuccessful result, not an error:
// the worker feeds it to the LLM so the model can correct itself.
func (r *Registry) Execute(ctx context.Context, call ToolCall) ToolResult {
	tool, ok := r.Get(call.Name)
	if !ok {
		return ToolResult{
			Success:  false,
			Error:    fmt.Sprintf("unknown tool: %s", call.Name),
			ToolName: call.Name,
		}
	}

	params, err := SanitizeParams(call.Name, call.Parameters, tool.GetInfo())
	if err != nil {
		return ToolResult{
			Success:  false,
			Error:    "parameter validation: " + err.Error(),
			ToolName: call.Name,
		}
	}

	start := time.Now()
	result, execErr := tool.Execute(ctx, params)
	result.ToolName = call.Name
	result.ExecutionTime = time.Since(start)
	if execErr != nil {
		result.Success = false
		if result.Error == "" {
			result.Error = execErr.Error()
		}
	}
	return result
}
