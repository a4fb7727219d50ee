// Package skills manages the markdown skill store consumed by worker
// prompt assembly: shared skills, the auto-generated team roster,
// per-agent private skills, and agent override patches. Reads always go
// to disk so runtime patches take effect on the next agent turn.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSkillsDir = "skills"

	TeamSkillName = "_team"
	overridesDir  = "agent_overrides"
	agentsDir     = "agents"
)

// nameRE blocks path traversal in gateway-supplied skill names.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName rejects skill or agent names that could escape the
// skills directory.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid skill name %q: must match %s", name, nameRE.String())
	}
	return nil
}

// Meta is the optional YAML frontmatter of a skill file.
type Meta struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

var frontmatterRE = regexp.MustCompile(`(?s)^---\s*\n(.*?)\n---\s*\n?`)

// ParseFrontmatter splits optional YAML frontmatter from the body.
func ParseFrontmatter(content string) (Meta, string) {
	var meta Meta
	if !strings.HasPrefix(content, "---") {
		return meta, content
	}
	m := frontmatterRE.FindStringSubmatch(content)
	if m == nil {
		return meta, content
	}
	if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
		return Meta{}, content[len(m[0]):]
	}
	return meta, content[len(m[0]):]
}

// Store is the file-backed skill library.
type Store struct {
	dir string
}

// NewStore opens a store rooted at dir.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultSkillsDir
	}
	return &Store{dir: dir}
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

func readFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// resolve finds skill content by name. Search order: flat file
// skills/<name>.md, then directory pack skills/<name>/SKILL.md with its
// immediate sub-skill SKILL.md files appended. A "parent:child" name
// addresses one sub-skill directly.
func (s *Store) resolve(name string) string {
	if parent, child, ok := strings.Cut(name, ":"); ok {
		return readFile(filepath.Join(s.dir, parent, child, "SKILL.md"))
	}

	if content := readFile(filepath.Join(s.dir, name+".md")); content != "" {
		return content
	}

	packDir := filepath.Join(s.dir, name)
	info, err := os.Stat(packDir)
	if err != nil || !info.IsDir() {
		return ""
	}

	var parts []string
	if main := readFile(filepath.Join(packDir, "SKILL.md")); main != "" {
		parts = append(parts, main)
	}
	children, _ := os.ReadDir(packDir)
	for _, child := range children {
		if !child.IsDir() || strings.HasPrefix(child.Name(), ".") {
			continue
		}
		sub := readFile(filepath.Join(packDir, child.Name(), "SKILL.md"))
		if sub == "" {
			continue
		}
		meta, body := ParseFrontmatter(sub)
		subName := meta.Name
		if subName == "" {
			subName = child.Name()
		}
		parts = append(parts, fmt.Sprintf("\n#### Sub-skill: %s\n%s", subName, body))
	}
	return strings.Join(parts, "\n")
}

// Load assembles the prompt skill block for one agent: the agent's
// shared skills, the team roster, private skills, and override patches
// (evolution plus textgrad), in that order.
func (s *Store) Load(skillNames []string, agentID string) string {
	var parts []string

	for _, name := range skillNames {
		content := s.resolve(name)
		if content == "" {
			continue
		}
		meta, body := ParseFrontmatter(content)
		display := meta.Name
		if display == "" {
			display = name
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s\n%s", display, body))
	}

	hasTeam := false
	for _, name := range skillNames {
		if name == TeamSkillName {
			hasTeam = true
		}
	}
	if !hasTeam {
		if team := readFile(filepath.Join(s.dir, TeamSkillName+".md")); team != "" {
			parts = append(parts, "### Skill: Team Roster\n"+team)
		}
	}

	if agentID != "" {
		parts = append(parts, s.loadPrivate(agentID)...)
		if override := readFile(filepath.Join(s.dir, overridesDir, agentID+".md")); override != "" {
			parts = append(parts, fmt.Sprintf("### Agent Override (%s)\n%s", agentID, override))
		}
		if patch := readFile(filepath.Join(s.dir, overridesDir, agentID+"_textgrad.md")); patch != "" {
			parts = append(parts, fmt.Sprintf("### Learned Improvements (%s)\n%s", agentID, patch))
		}
	}

	if len(parts) == 0 {
		return "(no skills loaded)"
	}
	return strings.Join(parts, "\n\n")
}

func (s *Store) loadPrivate(agentID string) []string {
	dir := filepath.Join(s.dir, agentsDir, agentID)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var parts []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		content := readFile(filepath.Join(dir, name))
		if content == "" {
			continue
		}
		meta, body := ParseFrontmatter(content)
		display := meta.Name
		if display == "" {
			display = strings.TrimSuffix(name, ".md")
		}
		parts = append(parts, fmt.Sprintf("### Skill: %s (private)\n%s", display, body))
	}
	return parts
}

// ── Inventory and CRUD (gateway surface) ──

// Info describes one installed skill.
type Info struct {
	Name        string   `json:"name"`
	File        string   `json:"file"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Inventory lists shared and per-agent skills.
type Inventory struct {
	Shared []Info            `json:"shared"`
	Agents map[string][]Info `json:"agents"`
}

// List enumerates every installed skill with its frontmatter metadata.
func (s *Store) List() Inventory {
	inv := Inventory{Shared: []Info{}, Agents: map[string][]Info{}}

	entries, _ := os.ReadDir(s.dir)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !e.IsDir() {
			if !strings.HasSuffix(name, ".md") || name == TeamSkillName+".md" {
				continue
			}
			inv.Shared = append(inv.Shared, s.describe(filepath.Join(s.dir, name),
				strings.TrimSuffix(name, ".md"), name))
			continue
		}
		if name == agentsDir || name == overridesDir || strings.HasPrefix(name, "_") {
			continue
		}
		inv.Shared = append(inv.Shared, s.describe(filepath.Join(s.dir, name, "SKILL.md"),
			name, name+"/SKILL.md"))
	}

	agentRoots, _ := os.ReadDir(filepath.Join(s.dir, agentsDir))
	for _, root := range agentRoots {
		if !root.IsDir() || strings.HasPrefix(root.Name(), ".") {
			continue
		}
		agentID := root.Name()
		files, _ := os.ReadDir(filepath.Join(s.dir, agentsDir, agentID))
		var list []Info
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
				continue
			}
			list = append(list, s.describe(filepath.Join(s.dir, agentsDir, agentID, name),
				strings.TrimSuffix(name, ".md"), name))
		}
		if len(list) > 0 {
			inv.Agents[agentID] = list
		}
	}

	sort.Slice(inv.Shared, func(i, j int) bool { return inv.Shared[i].File < inv.Shared[j].File })
	return inv
}

func (s *Store) describe(path, fallbackName, file string) Info {
	info := Info{Name: fallbackName, File: file}
	content := readFile(path)
	if content == "" {
		return info
	}
	meta, _ := ParseFrontmatter(content)
	if meta.Name != "" {
		info.Name = meta.Name
	}
	info.Description = meta.Description
	info.Tags = meta.Tags
	return info
}

// Get reads a shared skill file by validated name.
func (s *Store) Get(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	content := readFile(filepath.Join(s.dir, name+".md"))
	if content == "" {
		return "", fmt.Errorf("skill %q not found", name)
	}
	return content, nil
}

// Put writes a shared skill file by validated name.
func (s *Store) Put(name, content string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, name+".md"), []byte(content), 0o644)
}

// Delete removes a shared skill file by validated name.
func (s *Store) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, name+".md"))
}

// GetAgentSkill reads one agent-private skill.
func (s *Store) GetAgentSkill(agentID, name string) (string, error) {
	if err := ValidateName(agentID); err != nil {
		return "", err
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	content := readFile(filepath.Join(s.dir, agentsDir, agentID, name+".md"))
	if content == "" {
		return "", fmt.Errorf("skill %q not found for agent %q", name, agentID)
	}
	return content, nil
}

// PutAgentSkill writes one agent-private skill.
func (s *Store) PutAgentSkill(agentID, name, content string) error {
	if err := ValidateName(agentID); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	dir := filepath.Join(s.dir, agentsDir, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644)
}

// DeleteAgentSkill removes one agent-private skill.
func (s *Store) DeleteAgentSkill(agentID, name string) error {
	if err := ValidateName(agentID); err != nil {
		return err
	}
	if err := ValidateName(name); err != nil {
		return err
	}
	return os.Remove(filepath.Join(s.dir, agentsDir, agentID, name+".md"))
}

// GetTeamSkill reads the team roster document.
func (s *Store) GetTeamSkill() string {
	return readFile(filepath.Join(s.dir, TeamSkillName+".md"))
}

// PutTeamSkill overwrites the team roster document.
func (s *Store) PutTeamSkill(content string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, TeamSkillName+".md"), []byte(content), 0o644)
}
