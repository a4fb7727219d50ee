package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBudgetPath is where the optional budget lives relative to the
// working directory.
const DefaultBudgetPath = "config/budget.json"

// Budget caps total spend across a run. Enforced by the usage tracker
// inside its lock so concurrent workers cannot overspend.
type Budget struct {
	Enabled       bool    `json:"enabled"`
	MaxCostUSD    float64 `json:"max_cost_usd,omitempty"`
	MaxTokens     int64   `json:"max_tokens,omitempty"`
	WarnAtPercent float64 `json:"warn_at_percent,omitempty"`
}

func (b *Budget) SetDefaults() {
	if b.WarnAtPercent == 0 {
		b.WarnAtPercent = 80
	}
}

func (b *Budget) Validate() error {
	if b.MaxCostUSD < 0 {
		return fmt.Errorf("max_cost_usd must be non-negative")
	}
	if b.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if b.WarnAtPercent < 0 || b.WarnAtPercent > 100 {
		return fmt.Errorf("warn_at_percent must be within [0,100]")
	}
	return nil
}

// LoadBudget reads budget.json. A missing file yields a disabled budget.
func LoadBudget(path string) (*Budget, error) {
	budget := &Budget{}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			budget.SetDefaults()
			return budget, nil
		}
		return nil, fmt.Errorf("failed to read budget file: %w", err)
	}
	if err := json.Unmarshal(raw, budget); err != nil {
		return nil, fmt.Errorf("failed to parse budget file: %w", err)
	}
	budget.SetDefaults()
	if err := budget.Validate(); err != nil {
		return nil, fmt.Errorf("budget validation failed: %w", err)
	}
	return budget, nil
}

// SaveBudget persists the budget, creating config/ if needed.
func SaveBudget(path string, budget *Budget) error {
	if err := budget.Validate(); err != nil {
		return fmt.Errorf("budget validation failed: %w", err)
	}
	raw, err := json.MarshalIndent(budget, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal budget: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write budget file: %w", err)
	}
	return nil
}
