package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cleoai/cleo/skills"
)

func (g *Gateway) requireSkills(w http.ResponseWriter) bool {
	if g.skills == nil {
		writeError(w, http.StatusServiceUnavailable, "skill store is not wired on this gateway")
		return false
	}
	return true
}

func (g *Gateway) handleListSkills(w http.ResponseWriter, _ *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": g.skills.List()})
}

func (g *Gateway) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	name := chi.URLParam(r, "name")
	content, err := g.skills.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "content": content})
}

type skillBody struct {
	Content string `json:"content"`
}

func (g *Gateway) handlePutSkill(w http.ResponseWriter, r *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	name := chi.URLParam(r, "name")
	var body skillBody
	if err := decodeBody(r, &body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "missing 'content'")
		return
	}
	if err := g.skills.Put(name, body.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": name})
}

func (g *Gateway) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := g.skills.Delete(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "name": name})
}

func (g *Gateway) handleGetAgentSkill(w http.ResponseWriter, r *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	agentID, name := chi.URLParam(r, "agent"), chi.URLParam(r, "name")
	content, err := g.skills.GetAgentSkill(agentID, name)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID, "name": name, "content": content,
	})
}

func (g *Gateway) handlePutAgentSkill(w http.ResponseWriter, r *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	agentID, name := chi.URLParam(r, "agent"), chi.URLParam(r, "name")
	var body skillBody
	if err := decodeBody(r, &body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "missing 'content'")
		return
	}
	if err := g.skills.PutAgentSkill(agentID, name, body.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent_id": agentID, "name": name})
}

func (g *Gateway) handleDeleteAgentSkill(w http.ResponseWriter, r *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	agentID, name := chi.URLParam(r, "agent"), chi.URLParam(r, "name")
	if err := g.skills.DeleteAgentSkill(agentID, name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent_id": agentID, "name": name})
}

func (g *Gateway) handleGetTeamSkill(w http.ResponseWriter, _ *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    skills.TeamSkillName,
		"content": g.skills.GetTeamSkill(),
	})
}

func (g *Gateway) handlePutTeamSkill(w http.ResponseWriter, r *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	var body skillBody
	if err := decodeBody(r, &body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "missing 'content'")
		return
	}
	if err := g.skills.PutTeamSkill(body.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleRegenTeamSkill(w http.ResponseWriter, _ *http.Request) {
	if !g.requireSkills(w) {
		return
	}
	content, err := g.skills.GenerateTeamSkill(g.cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "content": content})
}
