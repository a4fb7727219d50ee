package a2a

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/config"
)

func newTestRegistry() *Registry {
	return NewRegistry(config.A2AClientSettings{
		Remotes: []config.RemoteAgentConfig{
			{URL: "https://charts.example.com/", Name: "charts", Skills: []string{"charts", "plotting"}, TrustLevel: TrustVerified},
			{URL: "https://scrape.example.net", Name: "scraper", Skills: []string{"scraping", "charts"}, TrustLevel: TrustCommunity},
		},
	})
}

func TestRegistryStaticLoad(t *testing.T) {
	r := newTestRegistry()

	entry := r.Get("https://charts.example.com")
	require.NotNil(t, entry, "trailing slash normalized away")
	assert.Equal(t, "charts", entry.Name)
	assert.Equal(t, TrustVerified, entry.TrustLevel)

	assert.Len(t, r.ListAll(), 2)
	assert.Len(t, r.ListHealthy(), 2)
}

func TestFindBySkillsScoring(t *testing.T) {
	r := newTestRegistry()

	// both match "charts" once; the verified agent's trust bonus breaks the tie
	matches := r.FindBySkills([]string{"CHARTS"})
	require.Len(t, matches, 2)
	assert.Equal(t, "charts", matches[0].Name)

	// two overlaps beat one overlap regardless of trust
	matches = r.FindBySkills([]string{"charts", "scraping"})
	require.Len(t, matches, 2)
	assert.Equal(t, "scraper", matches[0].Name)

	assert.Empty(t, r.FindBySkills([]string{"unrelated"}))
}

func TestResolveAutoAndUnknown(t *testing.T) {
	r := newTestRegistry()

	entry := r.Resolve("auto", []string{"plotting"})
	require.NotNil(t, entry)
	assert.Equal(t, "charts", entry.Name)

	assert.Nil(t, r.Resolve("auto", []string{"nothing-matches"}))

	// unknown explicit URL registers on the fly as untrusted
	entry = r.Resolve("https://mystery.example.org/a2a", nil)
	require.NotNil(t, entry)
	assert.Equal(t, TrustUntrusted, entry.TrustLevel)
	assert.Len(t, r.ListAll(), 3)
}

func TestFailureHealthTracking(t *testing.T) {
	r := newTestRegistry()
	url := "https://charts.example.com"

	for i := 0; i < 3; i++ {
		r.RecordFailure(url)
	}
	assert.False(t, r.Get(url).Healthy())
	assert.Len(t, r.ListHealthy(), 1)

	// unhealthy agents drop out of auto-resolution
	matches := r.FindBySkills([]string{"charts"})
	require.Len(t, matches, 1)
	assert.Equal(t, "scraper", matches[0].Name)

	r.RecordSuccess(url)
	assert.True(t, r.Get(url).Healthy())
}

func TestFetchAgentCardCachesAndRefreshesEntry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/.well-known/agent.json", r.URL.Path)
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        "Remote Helper",
			"description": "does remote things",
			"skills": []any{
				map[string]any{"id": "charts", "tags": []any{"charts", "viz"}},
			},
		})
	}))
	defer srv.Close()

	r := NewRegistry(config.A2AClientSettings{
		Remotes: []config.RemoteAgentConfig{{URL: srv.URL, Name: "placeholder", TrustLevel: TrustVerified}},
	})

	card, err := r.FetchAgentCard(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Remote Helper", card["name"])

	// second fetch inside the TTL is served from cache
	_, err = r.FetchAgentCard(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	entry := r.Get(srv.URL)
	assert.Equal(t, "Remote Helper", entry.Name)
	assert.Equal(t, []string{"charts", "viz"}, entry.Skills)
	assert.Equal(t, 0, entry.FailureCount)
}

func TestFetchAgentCardFailureCounts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRegistry(config.A2AClientSettings{
		Remotes: []config.RemoteAgentConfig{{URL: srv.URL, TrustLevel: TrustVerified}},
	})

	_, err := r.FetchAgentCard(srv.URL)
	require.Error(t, err)
	assert.Equal(t, 1, r.Get(srv.URL).FailureCount)
}

func TestDiscoverFromRegistries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agents": []any{
				map[string]any{"url": "https://one.example.com", "name": "one", "skills": []any{"charts"}},
				map[string]any{"url": "https://two.example.com", "name": "two"},
				map[string]any{"name": "no-url-skipped"},
			},
		})
	}))
	defer srv.Close()

	r := NewRegistry(config.A2AClientSettings{Registries: []string{srv.URL}})
	assert.Equal(t, 2, r.DiscoverFromRegistries())

	entry := r.Get("https://one.example.com")
	require.NotNil(t, entry)
	assert.Equal(t, TrustCommunity, entry.TrustLevel)
	assert.Equal(t, []string{"charts"}, entry.Skills)

	// rediscovery does not duplicate
	assert.Equal(t, 0, r.DiscoverFromRegistries())
	assert.Len(t, r.ListAll(), 2)
}

func TestResolveAutoRunsRegistryDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agents": []any{
				map[string]any{"url": "https://helper.example.com", "name": "helper", "skills": []any{"charts"}},
			},
		})
	}))
	defer srv.Close()

	// no static remotes; "auto" must still see registry-listed agents
	r := NewRegistry(config.A2AClientSettings{Registries: []string{srv.URL}})
	entry := r.Resolve("auto", []string{"charts"})
	require.NotNil(t, entry)
	assert.Equal(t, "https://helper.example.com", entry.URL)
	assert.Equal(t, TrustCommunity, entry.TrustLevel)
}
