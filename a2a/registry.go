package a2a

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cleoai/cleo/config"
)

// cardCacheTTL bounds how long a fetched agent card is reused.
const cardCacheTTL = time.Hour

const clientUserAgent = "Cleo-A2A-Client/0.2.0"

// AgentEntry is a known external agent with resolved metadata.
type AgentEntry struct {
	URL         string
	Name        string
	Description string
	Skills      []string
	TrustLevel  string
	AuthScheme  string
	AuthToken   string // env var holding the bearer token

	LastSeen     time.Time
	FailureCount int
}

// Healthy reports whether the agent is below the consecutive-failure
// threshold.
func (e *AgentEntry) Healthy() bool { return e.FailureCount < 3 }

type cachedCard struct {
	fetched time.Time
	card    map[string]any
}

// Registry resolves agent URLs, matches capabilities, and caches agent
// cards. "auto" resolution picks the best skill match across healthy
// agents.
type Registry struct {
	mu           sync.Mutex
	discoverOnce sync.Once
	entries      map[string]*AgentEntry
	cardCache    map[string]cachedCard

	remotes    []config.RemoteAgentConfig
	registries []string
	http       *http.Client
	now        func() time.Time
}

// NewRegistry loads the static remotes from config.
func NewRegistry(cfg config.A2AClientSettings) *Registry {
	r := &Registry{
		entries:    make(map[string]*AgentEntry),
		cardCache:  make(map[string]cachedCard),
		remotes:    cfg.Remotes,
		registries: cfg.Registries,
		http:       &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
	for _, remote := range cfg.Remotes {
		u := strings.TrimRight(remote.URL, "/")
		if u == "" {
			continue
		}
		name := remote.Name
		if name == "" {
			name = hostOf(u)
		}
		trust := remote.TrustLevel
		if trust == "" {
			trust = TrustVerified
		}
		r.entries[u] = &AgentEntry{
			URL:         u,
			Name:        name,
			Description: remote.Description,
			Skills:      remote.Skills,
			TrustLevel:  trust,
			AuthScheme:  remote.AuthScheme,
			AuthToken:   remote.AuthToken,
		}
	}
	slog.Debug("agent registry initialized",
		"static_agents", len(r.entries), "registries", len(cfg.Registries))
	return r
}

// Get returns the entry for an exact URL, or nil.
func (r *Registry) Get(agentURL string) *AgentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[strings.TrimRight(agentURL, "/")]
}

// ListAll returns every known agent.
func (r *Registry) ListAll() []*AgentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AgentEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ListHealthy returns agents below the failure threshold.
func (r *Registry) ListHealthy() []*AgentEntry {
	var out []*AgentEntry
	for _, e := range r.ListAll() {
		if e.Healthy() {
			out = append(out, e)
		}
	}
	return out
}

// FindBySkills ranks healthy agents by skill overlap. Score is overlap
// count times ten plus a trust bonus so a verified agent wins ties.
func (r *Registry) FindBySkills(requiredSkills []string) []*AgentEntry {
	r.ensureDiscovered()
	if len(requiredSkills) == 0 {
		return r.ListHealthy()
	}

	required := make(map[string]bool, len(requiredSkills))
	for _, s := range requiredSkills {
		required[strings.ToLower(s)] = true
	}

	type scored struct {
		score int
		entry *AgentEntry
	}
	var matches []scored
	for _, entry := range r.ListHealthy() {
		overlap := 0
		for _, s := range entry.Skills {
			if required[strings.ToLower(s)] {
				overlap++
			}
		}
		if overlap > 0 {
			matches = append(matches, scored{overlap*10 + trustRank(entry.TrustLevel), entry})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	out := make([]*AgentEntry, len(matches))
	for i, m := range matches {
		out[i] = m.entry
	}
	return out
}

// Resolve maps an agent URL (or "auto") to an entry. Unknown explicit
// URLs are registered on the fly with a resolved trust level.
func (r *Registry) Resolve(agentURL string, requiredSkills []string) *AgentEntry {
	if strings.EqualFold(agentURL, "auto") {
		matches := r.FindBySkills(requiredSkills)
		if len(matches) == 0 {
			slog.Warn("no agent matches required skills", "skills", requiredSkills)
			return nil
		}
		slog.Info("auto-resolved delegation target",
			"agent", matches[0].Name, "url", matches[0].URL)
		return matches[0]
	}

	normalized := strings.TrimRight(agentURL, "/")
	if normalized == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[normalized]; ok {
		return entry
	}

	trust := ResolveTrustLevel(normalized, r.remotes, r.registries)
	entry := &AgentEntry{
		URL:        normalized,
		Name:       hostOf(strings.ToLower(normalized)),
		TrustLevel: trust,
	}
	r.entries[normalized] = entry
	slog.Info("registered new agent", "url", normalized, "trust", trust)
	return entry
}

// RecordSuccess resets the failure counter for an agent.
func (r *Registry) RecordSuccess(agentURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[strings.TrimRight(agentURL, "/")]; ok {
		e.LastSeen = r.now()
		e.FailureCount = 0
	}
}

// RecordFailure bumps the consecutive-failure counter.
func (r *Registry) RecordFailure(agentURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[strings.TrimRight(agentURL, "/")]; ok {
		e.FailureCount++
	}
}

// AuthHeader resolves the bearer token for an agent from its declared
// env var. Returns an empty string when no auth is configured.
func (r *Registry) AuthHeader(agentURL string) string {
	entry := r.Get(agentURL)
	if entry == nil || entry.AuthScheme != "bearer" || entry.AuthToken == "" {
		return ""
	}
	token := os.Getenv(entry.AuthToken)
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// FetchAgentCard retrieves /.well-known/agent.json for an agent,
// serving from cache inside the TTL. A successful fetch refreshes the
// entry's name, description, and skill tags.
func (r *Registry) FetchAgentCard(baseURL string) (map[string]any, error) {
	normalized := strings.TrimRight(baseURL, "/")

	r.mu.Lock()
	if cached, ok := r.cardCache[normalized]; ok && r.now().Sub(cached.fetched) < cardCacheTTL {
		r.mu.Unlock()
		return cached.card, nil
	}
	r.mu.Unlock()

	card, err := r.fetchJSON(normalized + "/.well-known/agent.json")
	if err != nil {
		r.RecordFailure(normalized)
		return nil, fmt.Errorf("fetch agent card: %w", err)
	}

	r.mu.Lock()
	r.cardCache[normalized] = cachedCard{fetched: r.now(), card: card}
	if entry, ok := r.entries[normalized]; ok {
		if name, _ := card["name"].(string); name != "" {
			entry.Name = name
		}
		if desc, _ := card["description"].(string); desc != "" {
			entry.Description = desc
		}
		if tags := skillTags(card["skills"]); len(tags) > 0 {
			entry.Skills = tags
		}
		entry.LastSeen = r.now()
		entry.FailureCount = 0
	}
	r.mu.Unlock()

	return card, nil
}

// ensureDiscovered runs registry discovery exactly once, lazily, so
// "auto" resolution sees registry-listed agents without making every
// startup pay for remote fetches.
func (r *Registry) ensureDiscovered() {
	if len(r.registries) == 0 {
		return
	}
	r.discoverOnce.Do(func() {
		if n := r.DiscoverFromRegistries(); n > 0 {
			slog.Info("discovered external agents", "count", n)
		}
	})
}

// DiscoverFromRegistries pulls agent descriptor lists from the
// configured registry URLs. Discovered agents get community trust.
// Returns the number of newly registered agents.
func (r *Registry) DiscoverFromRegistries() int {
	discovered := 0
	for _, registryURL := range r.registries {
		body, err := r.fetchJSONAny(registryURL)
		if err != nil {
			slog.Warn("registry fetch failed", "url", registryURL, "error", err)
			continue
		}

		var agents []any
		switch v := body.(type) {
		case []any:
			agents = v
		case map[string]any:
			agents, _ = v["agents"].([]any)
		}

		for _, raw := range agents {
			info, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			agentURL, _ := info["url"].(string)
			agentURL = strings.TrimRight(agentURL, "/")
			if agentURL == "" {
				continue
			}

			r.mu.Lock()
			if _, exists := r.entries[agentURL]; !exists {
				name, _ := info["name"].(string)
				desc, _ := info["description"].(string)
				r.entries[agentURL] = &AgentEntry{
					URL:         agentURL,
					Name:        name,
					Description: desc,
					Skills:      skillTags(info["skills"]),
					TrustLevel:  TrustCommunity,
				}
				discovered++
			}
			r.mu.Unlock()
		}
	}
	if discovered > 0 {
		slog.Info("discovered agents from registries", "count", discovered)
	}
	return discovered
}

func (r *Registry) fetchJSON(rawURL string) (map[string]any, error) {
	body, err := r.fetchJSONAny(rawURL)
	if err != nil {
		return nil, err
	}
	m, ok := body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected response shape from %s", rawURL)
	}
	return m, nil
}

func (r *Registry) fetchJSONAny(rawURL string) (any, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", clientUserAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, err
	}
	return body, nil
}

// skillTags flattens card skill entries into their tag list. Plain
// string entries are taken as tags directly.
func skillTags(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var tags []string
	for _, item := range list {
		switch v := item.(type) {
		case string:
			tags = append(tags, v)
		case map[string]any:
			if sub, ok := v["tags"].([]any); ok {
				for _, t := range sub {
					if s, ok := t.(string); ok {
						tags = append(tags, s)
					}
				}
			}
		}
	}
	return tags
}
