package llms

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cleoai/cleo/config"
)

// ============================================================================
// RESILIENT CALLER - retries, failover, circuit breaker
// ============================================================================

// CallResult carries the completion plus the resilience bookkeeping the
// usage tracker records.
type CallResult struct {
	Completion
	Model    string
	Retries  int
	Failover bool
	Latency  time.Duration
}

// breaker is a per-model circuit breaker: after Threshold consecutive
// failures the model is skipped until Cooldown passes.
type breaker struct {
	mu        sync.Mutex
	failures  map[string]int
	openUntil map[string]time.Time
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		failures:  make(map[string]int),
		openUntil: make(map[string]time.Time),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *breaker) allowed(model string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, open := b.openUntil[model]
	if !open {
		return true
	}
	if b.now().After(until) {
		delete(b.openUntil, model)
		b.failures[model] = 0
		return true
	}
	return false
}

func (b *breaker) record(model string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures[model] = 0
		return
	}
	b.failures[model]++
	if b.failures[model] >= b.threshold {
		b.openUntil[model] = b.now().Add(b.cooldown)
		slog.Warn("circuit breaker opened", "model", model, "cooldown", b.cooldown)
	}
}

// Caller wraps providers with retry, model failover, and circuit
// breaking per the resilience config.
type Caller struct {
	registry *Registry
	settings config.ResilienceSettings
	breaker  *breaker

	sleep func(context.Context, time.Duration) error
}

// NewCaller creates a resilient caller over a provider registry.
func NewCaller(registry *Registry, settings config.ResilienceSettings) *Caller {
	return &Caller{
		registry: registry,
		settings: settings,
		breaker: newBreaker(settings.CircuitBreakerThreshold,
			time.Duration(settings.CircuitBreakerCooldown*float64(time.Second))),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Caller) delay(attempt int) time.Duration {
	base := c.settings.BaseDelay * float64(uint(1)<<uint(attempt))
	if base > c.settings.MaxDelay {
		base = c.settings.MaxDelay
	}
	if c.settings.Jitter {
		// up to 25% extra to spread concurrent retries
		base += base * 0.25 * rand.Float64()
	}
	return time.Duration(base * float64(time.Second))
}

// Generate calls the primary model with retries, then walks the
// fallback chain. Every model attempt honors the circuit breaker.
func (c *Caller) Generate(ctx context.Context, agentCfg *config.AgentConfig, prompt string) (CallResult, error) {
	models := append([]string{agentCfg.Model}, agentCfg.FallbackModels...)

	result := CallResult{}
	var lastErr error

	for i, model := range models {
		if !c.breaker.allowed(model) {
			slog.Debug("model skipped by circuit breaker", "model", model)
			continue
		}

		provider, err := c.registry.ForModel(model, agentCfg)
		if err != nil {
			lastErr = err
			continue
		}

		for attempt := 0; attempt <= c.settings.MaxRetries; attempt++ {
			start := time.Now()
			completion, err := provider.Generate(ctx, prompt)
			if err == nil {
				c.breaker.record(model, true)
				result.Completion = completion
				result.Model = model
				result.Failover = i > 0
				result.Latency = time.Since(start)
				return result, nil
			}

			c.breaker.record(model, false)
			lastErr = err
			result.Retries++
			slog.Warn("LLM call failed", "model", model, "attempt", attempt+1, "error", err)

			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if attempt < c.settings.MaxRetries && c.breaker.allowed(model) {
				if err := c.sleep(ctx, c.delay(attempt)); err != nil {
					return result, err
				}
				continue
			}
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable model for agent %s", agentCfg.ID)
	}
	return result, fmt.Errorf("all models exhausted: %w", lastErr)
}

// GenerateStreaming opens a stream on the first healthy model in the
// chain. Streaming has no mid-stream retry; a broken stream surfaces as
// a chunk error and the worker falls back to Generate.
func (c *Caller) GenerateStreaming(ctx context.Context, agentCfg *config.AgentConfig, prompt string) (<-chan Chunk, string, error) {
	models := append([]string{agentCfg.Model}, agentCfg.FallbackModels...)

	var lastErr error
	for _, model := range models {
		if !c.breaker.allowed(model) {
			continue
		}
		provider, err := c.registry.ForModel(model, agentCfg)
		if err != nil {
			lastErr = err
			continue
		}
		stream, err := provider.GenerateStreaming(ctx, prompt)
		if err != nil {
			c.breaker.record(model, false)
			lastErr = err
			continue
		}
		c.breaker.record(model, true)
		return stream, model, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no usable model for agent %s", agentCfg.ID)
	}
	return nil, "", lastErr
}
