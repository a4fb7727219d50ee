package board

import "strings"

// ============================================================================
// ROLE MATCHING
// ============================================================================
// Two maps govern who may claim what. The role→agents map is a symmetric
// enabler; the restricted-agents set is an asymmetric blocker that keeps
// reviewers from stealing implementation work. Strict roles permit no
// substring fallback, which avoids false positives like a planner role
// description saying "Do not implement".

var roleToAgents = map[string]map[string]bool{
	"planner":  {"leo": true, "planner": true},
	"plan":     {"leo": true, "planner": true},
	"implement": {"jerry": true, "executor": true, "coder": true, "developer": true, "builder": true},
	"execute":   {"jerry": true, "executor": true, "coder": true, "developer": true, "builder": true},
	"code":      {"jerry": true, "executor": true, "coder": true, "developer": true, "builder": true},
	"review":   {"alic": true, "reviewer": true, "auditor": true},
	"critique": {"alic": true, "reviewer": true, "auditor": true},
}

// restrictedAgents may only claim tasks whose required_role resolves into
// their allowed set; a task with no required_role never matches them.
var restrictedAgents = map[string][]string{
	"alic":     {"review", "critique"},
	"reviewer": {"review", "critique"},
	"auditor":  {"review", "critique"},
}

// strictRoles permit no substring fallback.
var strictRoles = map[string]bool{
	"planner":  true,
	"plan":     true,
	"review":   true,
	"critique": true,
}

// RoleMatches reports whether an agent qualifies to claim a task with the
// given required role. requiredRole may be empty (generic task).
func RoleMatches(requiredRole, agentID, agentRole string) bool {
	aid := strings.ToLower(agentID)

	// Restricted agents need an explicit role in their allowed set.
	if allowed, restricted := restrictedAgents[aid]; restricted {
		if requiredRole == "" {
			return false
		}
		req := strings.ToLower(requiredRole)
		for _, r := range allowed {
			if req == r || req == aid {
				return true
			}
		}
		return false
	}

	if requiredRole == "" {
		return true
	}
	req := strings.ToLower(requiredRole)

	// Direct match on agent id
	if req == aid {
		return true
	}

	// Map-based match
	if allowed, ok := roleToAgents[req]; ok && allowed[aid] {
		return true
	}

	// Substring fallback, but never for strict roles
	if !strictRoles[req] && strings.Contains(aid, req) {
		return true
	}

	return false
}

// IsPlannerAgent reports whether an agent id belongs to the planner set.
// Used by result collection to separate synthesis output from executor
// output.
func IsPlannerAgent(agentID string) bool {
	aid := strings.ToLower(agentID)
	if roleToAgents["planner"][aid] {
		return true
	}
	return strings.Contains(aid, "planner")
}
