package skills

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cleoai/cleo/config"
)

// GenerateTeamSkill renders skills/_team.md from the agent roster so
// every agent's prompt describes its teammates. Called at orchestrator
// startup and after any config save.
func (s *Store) GenerateTeamSkill(cfg *config.Config) (string, error) {
	if cfg == nil || len(cfg.Agents) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("# Team Roster\n\n")
	fmt.Fprintf(&b, "_Auto-generated from agents.yaml on %s_\n\n",
		time.Now().UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Your team has **%d agents**. Each agent runs as an independent "+
		"process and communicates via the shared Context Bus and Mailbox system.\n\n",
		len(cfg.Agents))

	for i, a := range cfg.Agents {
		provider := a.LLM.Provider
		if provider == "" {
			provider = cfg.LLM.Provider
		}
		fmt.Fprintf(&b, "## %d. %s\n", i+1, a.ID)
		fmt.Fprintf(&b, "- **Role**: %s\n", strings.ReplaceAll(a.Role, "\n", " "))
		fmt.Fprintf(&b, "- **Model**: `%s` (%s)\n", a.Model, provider)
		if len(a.Skills) > 0 {
			fmt.Fprintf(&b, "- **Skills**: %s\n", strings.Join(a.Skills, ", "))
		}
		if len(a.FallbackModels) > 0 {
			fmt.Fprintf(&b, "- **Fallback models**: %s\n", strings.Join(a.FallbackModels, ", "))
		}
		fmt.Fprintf(&b, "- **Autonomy level**: %s\n\n", a.AutonomyLevel)
	}

	b.WriteString("## Communication\n\n")
	b.WriteString("- Agents coordinate via the **Context Bus** (shared key-value store) " +
		"and **Mailbox** (P2P message passing).\n")
	b.WriteString("- Address teammates by their **agent ID** when referencing their work.\n")
	b.WriteString("- The **planner** decomposes tasks; **executors** implement them; " +
		"**reviewers** evaluate quality.\n")
	b.WriteString("- Peer review scores feed into the reputation system, which influences " +
		"task assignment priority.\n")

	content := b.String()
	if err := s.PutTeamSkill(content); err != nil {
		return "", err
	}
	slog.Info("team skill generated", "agents", len(cfg.Agents))
	return content, nil
}
