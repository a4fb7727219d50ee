package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Critique verdicts.
const (
	VerdictLGTM      = "LGTM"
	VerdictNeedsWork = "NEEDS_WORK"
)

// critiqueWeights is the fixed composite weighting per dimension.
var critiqueWeights = []struct {
	name   string
	weight float64
}{
	{"accuracy", 0.30},
	{"completeness", 0.20},
	{"technical", 0.20},
	{"calibration", 0.20},
	{"efficiency", 0.10},
}

// CritiqueDimensions is the 5-dimension scoring, 1-10 each.
type CritiqueDimensions struct {
	Accuracy     int `json:"accuracy"`
	Completeness int `json:"completeness"`
	Technical    int `json:"technical"`
	Calibration  int `json:"calibration"`
	Efficiency   int `json:"efficiency"`
}

// DefaultDimensions returns the neutral 7-across scoring.
func DefaultDimensions() CritiqueDimensions {
	return CritiqueDimensions{Accuracy: 7, Completeness: 7, Technical: 7, Calibration: 7, Efficiency: 7}
}

func (d CritiqueDimensions) get(name string) int {
	switch name {
	case "accuracy":
		return d.Accuracy
	case "completeness":
		return d.Completeness
	case "technical":
		return d.Technical
	case "calibration":
		return d.Calibration
	case "efficiency":
		return d.Efficiency
	}
	return 0
}

// Composite is the weighted composite score (1-10).
func (d CritiqueDimensions) Composite() float64 {
	var sum float64
	for _, w := range critiqueWeights {
		sum += float64(d.get(w.name)) * w.weight
	}
	return sum
}

// AllHigh reports whether every dimension scored >= 8.
func (d CritiqueDimensions) AllHigh() bool {
	for _, w := range critiqueWeights {
		if d.get(w.name) < 8 {
			return false
		}
	}
	return true
}

// AnyLow reports whether any dimension scored < 5.
func (d CritiqueDimensions) AnyLow() bool {
	for _, w := range critiqueWeights {
		if d.get(w.name) < 5 {
			return true
		}
	}
	return false
}

// CritiqueItem is one actionable improvement item.
type CritiqueItem struct {
	Dimension  string `json:"dimension,omitempty"`
	Issue      string `json:"issue,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// SourceTrust records the provenance of externally delegated content so
// downstream accounting can apply the trust score penalty.
type SourceTrust struct {
	AgentURL       string `json:"agent_url,omitempty"`
	TrustLevel     string `json:"trust_level,omitempty"`
	DataFreshness  string `json:"data_freshness,omitempty"`
	CrossValidated bool   `json:"cross_validated,omitempty"`
}

// CritiqueSpec is the reviewer's structured output. Reviews are ADVISORY:
// a NEEDS_WORK verdict grants at most one targeted revision round and
// never gates completion beyond that.
type CritiqueSpec struct {
	Dimensions  CritiqueDimensions `json:"dimensions"`
	Verdict     string             `json:"verdict"`
	Items       []CritiqueItem     `json:"items"`
	Confidence  float64            `json:"confidence"`
	TaskID      string             `json:"task_id"`
	ReviewerID  string             `json:"reviewer_id"`
	Timestamp   float64            `json:"timestamp"`
	SourceTrust *SourceTrust       `json:"source_trust,omitempty"`
}

// NewCritiqueSpec returns a spec with the neutral defaults.
func NewCritiqueSpec() *CritiqueSpec {
	return &CritiqueSpec{
		Dimensions: DefaultDimensions(),
		Verdict:    VerdictLGTM,
		Confidence: 0.8,
	}
}

// CompositeScore is the weighted composite of the dimensions.
func (c *CritiqueSpec) CompositeScore() float64 {
	return c.Dimensions.Composite()
}

// Passed reports whether the verdict is positive.
func (c *CritiqueSpec) Passed() bool {
	return c.Verdict != VerdictNeedsWork
}

// AutoSimplify forces LGTM with no items when every dimension is high;
// nitpicking uniformly excellent work wastes a revision round.
func (c *CritiqueSpec) AutoSimplify() {
	if c.Dimensions.AllHigh() {
		c.Verdict = VerdictLGTM
		c.Items = nil
	}
}

// Suggestions flattens the item suggestions for board storage.
func (c *CritiqueSpec) Suggestions() []string {
	var out []string
	for _, item := range c.Items {
		if item.Suggestion != "" {
			out = append(out, item.Suggestion)
		}
	}
	return out
}

// ToJSON serializes the critique for the shared critique log.
func (c *CritiqueSpec) ToJSON() string {
	raw, _ := json.Marshal(c)
	return string(raw)
}

// CritiqueSpecFromJSON parses a critique, tolerating missing fields.
func CritiqueSpecFromJSON(raw string) (*CritiqueSpec, error) {
	spec := NewCritiqueSpec()
	if err := json.Unmarshal([]byte(raw), spec); err != nil {
		return nil, fmt.Errorf("failed to parse critique spec: %w", err)
	}
	return spec, nil
}

// CritiqueSpecFromLegacyScore builds a critique from a V0.01 flat score.
func CritiqueSpecFromLegacyScore(score int, comment string, suggestions []string) *CritiqueSpec {
	spec := NewCritiqueSpec()
	spec.Dimensions = CritiqueDimensions{
		Accuracy:     score,
		Completeness: score,
		Technical:    score,
		Calibration:  score,
		Efficiency:   score,
	}
	if len(suggestions) > 3 {
		suggestions = suggestions[:3]
	}
	for _, s := range suggestions {
		spec.Items = append(spec.Items, CritiqueItem{Suggestion: s, Issue: comment})
	}
	spec.AutoSimplify()
	return spec
}

// sourceTrustMarker tags delegated results with machine-readable
// provenance so the reviewer can apply the trust penalty.
const sourceTrustMarker = "[source-trust]"

// AttachSourceTrust appends a provenance trailer to a delegated result.
func AttachSourceTrust(text string, st SourceTrust) string {
	raw, err := json.Marshal(st)
	if err != nil {
		return text
	}
	return text + "\n" + sourceTrustMarker + " " + string(raw)
}

// ExtractSourceTrust recovers the provenance trailer from a result, or
// nil when the content was produced locally.
func ExtractSourceTrust(text string) *SourceTrust {
	idx := strings.LastIndex(text, sourceTrustMarker)
	if idx < 0 {
		return nil
	}
	payload := text[idx+len(sourceTrustMarker):]
	if end := strings.Index(payload, "\n"); end >= 0 {
		payload = payload[:end]
	}
	var st SourceTrust
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &st); err != nil {
		return nil
	}
	if st.TrustLevel == "" {
		return nil
	}
	return &st
}
