package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cleoai/cleo/config"
)

// agentUpdate is the allow-listed PUT /v1/agents/{id} body. Credentials
// arrive as literal values but are stored through the .env file; the
// roster config only ever records the env var name.
type agentUpdate struct {
	Model          *string  `json:"model"`
	Role           *string  `json:"role"`
	Skills         []string `json:"skills"`
	FallbackModels []string `json:"fallback_models"`
	AutonomyLevel  *string  `json:"autonomy_level"`
	ToolProfile    *string  `json:"tool_profile"`
	Provider       *string  `json:"provider"`
	APIKey         *string  `json:"api_key"`
	BaseURL        *string  `json:"base_url"`
}

func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	agent, ok := g.cfg.GetAgent(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown agent: "+agentID)
		return
	}

	var body agentUpdate
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var updated []string
	if body.Model != nil && *body.Model != "" {
		agent.Model = *body.Model
		updated = append(updated, "model")
	}
	if body.Role != nil && *body.Role != "" {
		agent.Role = *body.Role
		updated = append(updated, "role")
	}
	if body.Skills != nil {
		agent.Skills = body.Skills
		updated = append(updated, "skills")
	}
	if body.FallbackModels != nil {
		agent.FallbackModels = body.FallbackModels
		updated = append(updated, "fallback_models")
	}
	if body.AutonomyLevel != nil && *body.AutonomyLevel != "" {
		agent.AutonomyLevel = *body.AutonomyLevel
		updated = append(updated, "autonomy_level")
	}
	if body.ToolProfile != nil && *body.ToolProfile != "" {
		agent.Tools.Profile = *body.ToolProfile
		updated = append(updated, "tool_profile")
	}
	if body.Provider != nil && *body.Provider != "" {
		agent.LLM.Provider = *body.Provider
		updated = append(updated, "provider")
	}

	envWrites := make(map[string]string)
	if body.APIKey != nil && *body.APIKey != "" {
		envName := strings.ToUpper(agentID) + "_API_KEY"
		envWrites[envName] = *body.APIKey
		agent.LLM.APIKeyEnv = envName
		updated = append(updated, "api_key")
	}
	if body.BaseURL != nil && *body.BaseURL != "" {
		envName := strings.ToUpper(agentID) + "_BASE_URL"
		envWrites[envName] = *body.BaseURL
		agent.LLM.BaseURLEnv = envName
		updated = append(updated, "base_url")
	}

	if len(updated) == 0 {
		writeError(w, http.StatusBadRequest, "no valid fields to update")
		return
	}

	if len(envWrites) > 0 {
		if err := config.UpsertEnvFile(g.envFile, envWrites); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := agent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.SaveConfig(g.configPath, g.cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if g.skills != nil {
		if _, err := g.skills.GenerateTeamSkill(g.cfg); err != nil {
			slog.Warn("team skill regeneration failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"agent_id": agentID,
		"updated":  updated,
	})
}
