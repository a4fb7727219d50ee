// Package config provides configuration types and utilities for the cleo runtime.
// This file contains the main unified configuration entry point.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the agent roster lives relative to the
// working directory.
const DefaultConfigPath = "config/agents.yaml"

// ============================================================================
// MAIN UNIFIED CONFIGURATION
// ============================================================================

// Config is the complete agents.yaml configuration. Single entry point:
// the roster, tool profiles, budget-adjacent settings, and the A2A
// subsystem all hang off this struct.
type Config struct {
	LLM        LLMSettings        `yaml:"llm,omitempty" json:"llm,omitempty"`
	Memory     MemorySettings     `yaml:"memory,omitempty" json:"memory,omitempty"`
	Chain      ChainSettings      `yaml:"chain,omitempty" json:"chain,omitempty"`
	Resilience ResilienceSettings `yaml:"resilience,omitempty" json:"resilience,omitempty"`
	Compaction CompactionSettings `yaml:"compaction,omitempty" json:"compaction,omitempty"`
	Tools      ToolSettings       `yaml:"tools,omitempty" json:"tools,omitempty"`

	Channels map[string]ChannelSettings `yaml:"channels,omitempty" json:"channels,omitempty"`

	A2A A2ASettings `yaml:"a2a,omitempty" json:"a2a,omitempty"`

	Agents []AgentConfig `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// Validate implements validation for Config.
func (c *Config) Validate() error {
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools validation failed: %w", err)
	}
	if err := c.A2A.Validate(); err != nil {
		return fmt.Errorf("a2a validation failed: %w", err)
	}

	seen := make(map[string]bool, len(c.Agents))
	for i := range c.Agents {
		agent := &c.Agents[i]
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agent '%s' validation failed: %w", agent.ID, err)
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id: %s", agent.ID)
		}
		seen[agent.ID] = true
	}
	return nil
}

// SetDefaults implements defaulting for Config.
func (c *Config) SetDefaults() {
	c.Memory.SetDefaults()
	c.Resilience.SetDefaults()
	c.Compaction.SetDefaults()
	c.Tools.SetDefaults()
	c.A2A.SetDefaults()

	// Zero-config: the classic three-agent team
	if len(c.Agents) == 0 {
		c.Agents = []AgentConfig{
			{ID: "leo", Role: "planner"},
			{ID: "jerry", Role: "executor"},
			{ID: "alic", Role: "reviewer"},
		}
	}

	for i := range c.Agents {
		c.Agents[i].SetDefaults(c.Tools.DefaultProfile)
	}
}

// GetAgent returns the agent config by id.
func (c *Config) GetAgent(id string) (*AgentConfig, bool) {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i], true
		}
	}
	return nil, false
}

// AgentIDs lists the roster ids in declaration order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for i := range c.Agents {
		ids = append(ids, c.Agents[i].ID)
	}
	return ids
}

// ============================================================================
// COLLABORATOR SETTINGS
// ============================================================================

// LLMSettings carries the global provider default, overridable per agent.
type LLMSettings struct {
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
}

// MemorySettings selects the memory adapter backend.
type MemorySettings struct {
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`
}

func (m *MemorySettings) SetDefaults() {
	if m.Backend == "" {
		m.Backend = "mock"
	}
}

// ChainSettings gates the on-chain integration collaborator.
type ChainSettings struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// ResilienceSettings tunes LLM call retry behavior.
type ResilienceSettings struct {
	MaxRetries              int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BaseDelay               float64 `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay                float64 `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	Jitter                  bool    `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	CircuitBreakerThreshold int     `yaml:"circuit_breaker_threshold,omitempty" json:"circuit_breaker_threshold,omitempty"`
	CircuitBreakerCooldown  float64 `yaml:"circuit_breaker_cooldown,omitempty" json:"circuit_breaker_cooldown,omitempty"`
}

func (r *ResilienceSettings) SetDefaults() {
	if r.MaxRetries == 0 {
		r.MaxRetries = 3
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 1.0
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30.0
	}
	if r.CircuitBreakerThreshold == 0 {
		r.CircuitBreakerThreshold = 5
	}
	if r.CircuitBreakerCooldown == 0 {
		r.CircuitBreakerCooldown = 60.0
	}
}

// CompactionSettings tunes context window management.
type CompactionSettings struct {
	Enabled             bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MaxContextTokens    int  `yaml:"max_context_tokens,omitempty" json:"max_context_tokens,omitempty"`
	SummaryTargetTokens int  `yaml:"summary_target_tokens,omitempty" json:"summary_target_tokens,omitempty"`
	KeepRecentTurns     int  `yaml:"keep_recent_turns,omitempty" json:"keep_recent_turns,omitempty"`
}

func (c *CompactionSettings) SetDefaults() {
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 32000
	}
	if c.SummaryTargetTokens == 0 {
		c.SummaryTargetTokens = 2000
	}
	if c.KeepRecentTurns == 0 {
		c.KeepRecentTurns = 6
	}
}

// ChannelSettings configures one channel adapter (collaborator).
type ChannelSettings struct {
	Enabled         bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MentionRequired bool   `yaml:"mention_required,omitempty" json:"mention_required,omitempty"`
	AuthMode        string `yaml:"auth_mode,omitempty" json:"auth_mode,omitempty"`
	TokenEnv        string `yaml:"token_env,omitempty" json:"token_env,omitempty"`
}

// ============================================================================
// TOOL SETTINGS
// ============================================================================

// Tool profiles.
const (
	ProfileMinimal = "minimal"
	ProfileCoding  = "coding"
	ProfileFull    = "full"
)

// ValidToolProfiles enumerates the known tool profiles.
var ValidToolProfiles = []string{ProfileMinimal, ProfileCoding, ProfileFull}

// ToolSettings holds the global tool defaults.
type ToolSettings struct {
	DefaultProfile string `yaml:"default_profile,omitempty" json:"default_profile,omitempty"`
}

func (t *ToolSettings) Validate() error {
	if t.DefaultProfile == "" {
		return nil
	}
	for _, p := range ValidToolProfiles {
		if t.DefaultProfile == p {
			return nil
		}
	}
	return fmt.Errorf("unknown tool profile: %s", t.DefaultProfile)
}

func (t *ToolSettings) SetDefaults() {
	if t.DefaultProfile == "" {
		t.DefaultProfile = "coding"
	}
}

// AgentToolConfig scopes one agent's tool access.
type AgentToolConfig struct {
	Profile string   `yaml:"profile,omitempty" json:"profile,omitempty"`
	Allow   []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny    []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

func (t *AgentToolConfig) Validate() error {
	if t.Profile == "" {
		return nil
	}
	for _, p := range ValidToolProfiles {
		if t.Profile == p {
			return nil
		}
	}
	return fmt.Errorf("unknown tool profile: %s", t.Profile)
}

// ============================================================================
// A2A SETTINGS
// ============================================================================

// ValidTrustLevels enumerates the trust tiers.
var ValidTrustLevels = []string{"verified", "community", "untrusted"}

// A2ASettings configures the agent-to-agent interoperability subsystem.
type A2ASettings struct {
	Server A2AServerSettings `yaml:"server,omitempty" json:"server,omitempty"`
	Client A2AClientSettings `yaml:"client,omitempty" json:"client,omitempty"`
}

func (a *A2ASettings) Validate() error {
	return a.Client.Validate()
}

func (a *A2ASettings) SetDefaults() {
	a.Client.SetDefaults()
}

// A2AServerSettings gates the inbound JSON-RPC surface.
type A2AServerSettings struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// A2AClientSettings configures outbound delegation.
type A2AClientSettings struct {
	Enabled    bool                `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Remotes    []RemoteAgentConfig `yaml:"remotes,omitempty" json:"remotes,omitempty"`
	Registries []string            `yaml:"registries,omitempty" json:"registries,omitempty"`
	Security   A2ASecuritySettings `yaml:"security,omitempty" json:"security,omitempty"`
}

func (c *A2AClientSettings) Validate() error {
	for i := range c.Remotes {
		if err := c.Remotes[i].Validate(); err != nil {
			return fmt.Errorf("remote %d: %w", i, err)
		}
	}
	return nil
}

func (c *A2AClientSettings) SetDefaults() {
	for i := range c.Remotes {
		c.Remotes[i].SetDefaults()
	}
	c.Security.SetDefaults()
}

// RemoteAgentConfig declares one static remote A2A agent.
type RemoteAgentConfig struct {
	URL         string   `yaml:"url" json:"url"`
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Skills      []string `yaml:"skills,omitempty" json:"skills,omitempty"`
	TrustLevel  string   `yaml:"trust_level,omitempty" json:"trust_level,omitempty"`
	AuthToken   string   `yaml:"auth_token,omitempty" json:"auth_token,omitempty"`
	AuthScheme  string   `yaml:"auth_scheme,omitempty" json:"auth_scheme,omitempty"`
}

func (r *RemoteAgentConfig) Validate() error {
	if r.URL == "" {
		return fmt.Errorf("remote url is required")
	}
	if r.TrustLevel != "" {
		ok := false
		for _, t := range ValidTrustLevels {
			if r.TrustLevel == t {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unknown trust level: %s", r.TrustLevel)
		}
	}
	return nil
}

func (r *RemoteAgentConfig) SetDefaults() {
	if r.TrustLevel == "" {
		r.TrustLevel = "untrusted"
	}
	if r.AuthScheme == "" && r.AuthToken != "" {
		r.AuthScheme = "bearer"
	}
}

// A2ASecuritySettings tunes the outbound/inbound security filter.
type A2ASecuritySettings struct {
	MaxTimeout float64 `yaml:"max_timeout,omitempty" json:"max_timeout,omitempty"`
}

func (s *A2ASecuritySettings) SetDefaults() {
	if s.MaxTimeout == 0 {
		s.MaxTimeout = 600.0
	}
}

// ============================================================================
// AGENT ROSTER
// ============================================================================

// AgentLLMConfig carries an agent's provider override. Credentials are
// referenced by env var name, never stored inline.
type AgentLLMConfig struct {
	Provider   string `yaml:"provider,omitempty" json:"provider,omitempty"`
	APIKeyEnv  string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	BaseURLEnv string `yaml:"base_url_env,omitempty" json:"base_url_env,omitempty"`
}

// AgentConfig declares one agent in the roster.
type AgentConfig struct {
	ID             string          `yaml:"id" json:"id"`
	Role           string          `yaml:"role,omitempty" json:"role,omitempty"`
	Model          string          `yaml:"model,omitempty" json:"model,omitempty"`
	Skills         []string        `yaml:"skills,omitempty" json:"skills,omitempty"`
	FallbackModels []string        `yaml:"fallback_models,omitempty" json:"fallback_models,omitempty"`
	AutonomyLevel  string          `yaml:"autonomy_level,omitempty" json:"autonomy_level,omitempty"`
	Reputation     int             `yaml:"reputation,omitempty" json:"reputation,omitempty"`
	LLM            AgentLLMConfig  `yaml:"llm,omitempty" json:"llm,omitempty"`
	Tools          AgentToolConfig `yaml:"tools,omitempty" json:"tools,omitempty"`
}

func (a *AgentConfig) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if strings.ContainsAny(a.ID, " /\\") {
		return fmt.Errorf("agent id must not contain spaces or path separators: %s", a.ID)
	}
	if err := a.Tools.Validate(); err != nil {
		return err
	}
	return nil
}

func (a *AgentConfig) SetDefaults(defaultProfile string) {
	if a.Role == "" {
		a.Role = "executor"
	}
	if a.Model == "" {
		a.Model = "deepseek-v3.2"
	}
	if a.Reputation == 0 {
		a.Reputation = 100
	}
	if a.Tools.Profile == "" {
		a.Tools.Profile = defaultProfile
	}
	if a.AutonomyLevel == "" {
		a.AutonomyLevel = "standard"
	}
}

// ============================================================================
// LOADING
// ============================================================================

// LoadConfig loads, env-expands, defaults, and validates agents.yaml.
func LoadConfig(filePath string) (*Config, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfigFromString(string(raw))
}

// LoadConfigFromString parses YAML configuration content.
func LoadConfigFromString(yamlContent string) (*Config, error) {
	// Expand env vars on the generic tree first so typed fields parse cleanly
	var generic interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &generic); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	expanded := ExpandEnvVarsInData(normalizeYAML(generic))

	reRaw, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(reRaw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the roster back to agents.yaml, creating config/ if
// needed. Used by the gateway's agent-update endpoint; credentials stay
// env-referenced so nothing sensitive lands on disk here.
func SaveConfig(filePath string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(filePath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(filePath, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// LoadOrDefault loads the config file if present, else returns the
// zero-config defaults.
func LoadOrDefault(filePath string) *Config {
	cfg, err := LoadConfig(filePath)
	if err == nil {
		return cfg
	}
	var def Config
	def.SetDefaults()
	return &def
}

// normalizeYAML converts map[interface{}]interface{} trees (yaml.v2 legacy
// shape) into map[string]interface{}. yaml.v3 already produces string keys;
// this keeps ExpandEnvVarsInData total either way.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		result := make(map[string]interface{}, len(t))
		for k, val := range t {
			result[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return result
	case map[string]interface{}:
		result := make(map[string]interface{}, len(t))
		for k, val := range t {
			result[k] = normalizeYAML(val)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(t))
		for i, item := range t {
			result[i] = normalizeYAML(item)
		}
		return result
	default:
		return v
	}
}
