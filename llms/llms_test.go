package llms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleoai/cleo/config"
)

func testResilience() config.ResilienceSettings {
	return config.ResilienceSettings{
		MaxRetries:              2,
		BaseDelay:               0.001,
		MaxDelay:                0.002,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  60,
	}
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestOpenAICompatibleGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deepseek-v3.2", req.Model)
		assert.False(t, req.Stream)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hello back"}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompatible(Options{Model: "deepseek-v3.2", APIKey: "test-key", BaseURL: srv.URL})
	completion, err := p.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello back", completion.Text)
	assert.Equal(t, int64(13), completion.Usage.TotalTokens)
}

func TestOpenAICompatibleGenerateError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	p := NewOpenAICompatible(Options{Model: "m", BaseURL: srv.URL})
	_, err := p.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestOpenAICompatibleStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
				"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
				"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := NewOpenAICompatible(Options{Model: "m", BaseURL: srv.URL})
	stream, err := p.GenerateStreaming(context.Background(), "x")
	require.NoError(t, err)

	var text string
	var usage *Usage
	for chunk := range stream {
		require.NoError(t, chunk.Err)
		text += chunk.Text
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	assert.Equal(t, "hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, int64(7), usage.TotalTokens)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	mock := NewMockProvider("m1", "hi")
	require.NoError(t, r.Register("m1", mock))
	assert.Error(t, r.Register("m1", mock), "duplicate registration")

	p, ok := r.Get("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", p.ModelName())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestCallerRetriesThenSucceeds(t *testing.T) {
	r := NewRegistry()
	mock := NewMockProvider("primary", "recovered").FailWith(errors.New("boom"))
	require.NoError(t, r.Register("primary", mock))

	c := NewCaller(r, testResilience())
	c.sleep = noSleep

	agentCfg := &config.AgentConfig{ID: "jerry", Model: "primary"}
	result, err := c.Generate(context.Background(), agentCfg, "do it")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, 1, result.Retries)
	assert.False(t, result.Failover)
	assert.Equal(t, "primary", result.Model)
}

func TestCallerFailsOverToFallback(t *testing.T) {
	r := NewRegistry()
	primary := NewMockProvider("primary")
	for i := 0; i < 3; i++ {
		primary.FailWith(errors.New("down"))
	}
	require.NoError(t, r.Register("primary", primary))
	require.NoError(t, r.Register("backup", NewMockProvider("backup", "from backup")))

	c := NewCaller(r, testResilience())
	c.sleep = noSleep

	agentCfg := &config.AgentConfig{ID: "jerry", Model: "primary", FallbackModels: []string{"backup"}}
	result, err := c.Generate(context.Background(), agentCfg, "x")
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Text)
	assert.True(t, result.Failover)
	assert.Equal(t, "backup", result.Model)
	assert.Equal(t, 3, result.Retries)
}

func TestCallerAllModelsExhausted(t *testing.T) {
	r := NewRegistry()
	primary := NewMockProvider("primary")
	for i := 0; i < 3; i++ {
		primary.FailWith(errors.New("down"))
	}
	require.NoError(t, r.Register("primary", primary))

	c := NewCaller(r, testResilience())
	c.sleep = noSleep

	_, err := c.Generate(context.Background(), &config.AgentConfig{ID: "jerry", Model: "primary"}, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all models exhausted")
}

func TestCircuitBreakerOpensAndCools(t *testing.T) {
	b := newBreaker(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	assert.True(t, b.allowed("m"))
	b.record("m", false)
	assert.True(t, b.allowed("m"))
	b.record("m", false)
	assert.False(t, b.allowed("m"), "opens at threshold")

	now = now.Add(2 * time.Minute)
	assert.True(t, b.allowed("m"), "closes after cooldown")

	// success resets the failure count
	b.record("m", false)
	b.record("m", true)
	b.record("m", false)
	assert.True(t, b.allowed("m"))
}

func TestMockStreaming(t *testing.T) {
	mock := NewMockProvider("m", "streamed text")
	stream, err := mock.GenerateStreaming(context.Background(), "p")
	require.NoError(t, err)

	var text string
	var sawUsage bool
	for chunk := range stream {
		text += chunk.Text
		if chunk.Usage != nil {
			sawUsage = true
		}
	}
	assert.Equal(t, "streamed text", text)
	assert.True(t, sawUsage)
	assert.Equal(t, []string{"p"}, mock.Calls)
}
