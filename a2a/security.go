package a2a

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/cleoai/cleo/config"
)

// ============================================================================
// TRUST TIERS
// ============================================================================

// Trust levels for external agents.
const (
	TrustVerified  = "verified"  // pre-registered, authenticated
	TrustCommunity = "community" // known via registries, not fully verified
	TrustUntrusted = "untrusted" // unknown, maximum caution
)

// TrustPolicy is the per-tier allowance table.
type TrustPolicy struct {
	AllowFileSend       bool
	AllowFileReceive    bool
	MaxTextLength       int
	MaxRounds           int
	RequireConfirmation bool
	ScorePenalty        int
}

// PolicyFor returns the policy for a trust level. Unknown levels get
// the untrusted policy.
func PolicyFor(level string) TrustPolicy {
	switch level {
	case TrustVerified:
		return TrustPolicy{
			AllowFileSend:    true,
			AllowFileReceive: true,
			MaxTextLength:    100000,
			MaxRounds:        20,
		}
	case TrustCommunity:
		return TrustPolicy{
			AllowFileReceive: true,
			MaxTextLength:    50000,
			MaxRounds:        10,
			ScorePenalty:     1,
		}
	default:
		return TrustPolicy{
			MaxTextLength:       20000,
			MaxRounds:           3,
			RequireConfirmation: true,
			ScorePenalty:        2,
		}
	}
}

func trustRank(level string) int {
	switch level {
	case TrustVerified:
		return 3
	case TrustCommunity:
		return 2
	default:
		return 1
	}
}

// ============================================================================
// PATTERN TABLES
// ============================================================================

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

// Secrets that must never leave the process in outbound messages.
var sensitivePatterns = []namedPattern{
	{"api_key", regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)\s*[:=]\s*["']?[A-Za-z0-9_\-]{20,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)(?:bearer|token|auth)\s*[:=]\s*["']?[A-Za-z0-9_\-.]{20,}`)},
	{"private_key_hex", regexp.MustCompile(`(?i)(?:private[_-]?key|secret[_-]?key)\s*[:=]\s*["']?0x[a-fA-F0-9]{64}`)},
	{"private_key_pem", regexp.MustCompile(`(?i)-----BEGIN\s+(?:RSA\s+)?PRIVATE\s+KEY-----`)},
	{"mnemonic", regexp.MustCompile(`(?i)(?:mnemonic|seed)\s*[:=]\s*["']?[a-z]+(?:\s+[a-z]+){11,23}`)},
	{"aws_key", regexp.MustCompile(`(?:AKIA|ASIA)[A-Z0-9]{16}`)},
	{"env_secret", regexp.MustCompile(`(?i)(?:export\s+)?(?:SECRET|TOKEN|PASSWORD|API_KEY|PRIVATE_KEY)\s*=\s*["']?[^\s"']+`)},
}

// Inbound content that looks like an attack on the agent pipeline.
var injectionPatterns = []namedPattern{
	{"prompt_injection", regexp.MustCompile(`(?i)(?:ignore\s+(?:all\s+)?previous\s+instructions|system\s*:\s*you\s+are|forget\s+(?:all\s+)?(?:your\s+)?instructions|new\s+system\s+prompt)`)},
	{"command_injection", regexp.MustCompile(`(?i)(?:;\s*(?:rm|del|format|sudo|chmod|chown|curl|wget)\s|\|\s*(?:bash|sh|zsh|python|node)\s)`)},
	{"encoded_payload", regexp.MustCompile(`(?i)eval\s*\(\s*(?:atob|Buffer\.from|base64\.decode)`)},
}

var internalMarkers = []*regexp.Regexp{
	regexp.MustCompile(`\[A2A source: [^\]]+\]\s*`),
	regexp.MustCompile(`\[SubTaskSpec\]\s*`),
	regexp.MustCompile(`\[cleo_task_id: [^\]]+\]\s*`),
}

// ============================================================================
// SECURITY FILTER
// ============================================================================

// InboundValidation is the result of validating a remote response.
type InboundValidation struct {
	Text         string
	Clean        bool
	Blocked      bool
	Warnings     []string
	ScorePenalty int
}

// Filter sanitizes outbound content and validates inbound content at
// the adapter boundary. Agent internals never see trust tiers.
type Filter struct {
	settings config.A2ASecuritySettings
}

// NewFilter builds a filter from the client security settings.
func NewFilter(settings config.A2ASecuritySettings) *Filter {
	return &Filter{settings: settings}
}

// MaxTimeout clamps a requested delegation timeout to the configured
// ceiling, in seconds.
func (f *Filter) MaxTimeout(requested float64) float64 {
	if f.settings.MaxTimeout > 0 && requested > f.settings.MaxTimeout {
		return f.settings.MaxTimeout
	}
	return requested
}

// SanitizeOutbound redacts secrets, strips internal markers, and
// truncates text before it leaves for an external agent.
func (f *Filter) SanitizeOutbound(text, trustLevel string) string {
	if text == "" {
		return text
	}
	policy := PolicyFor(trustLevel)

	for _, p := range sensitivePatterns {
		if p.re.MatchString(text) {
			text = p.re.ReplaceAllString(text, fmt.Sprintf("[REDACTED:%s]", p.name))
			slog.Debug("redacted outbound pattern", "pattern", p.name)
		}
	}

	for _, re := range internalMarkers {
		text = re.ReplaceAllString(text, "")
	}

	if runes := []rune(text); len(runes) > policy.MaxTextLength {
		text = string(runes[:policy.MaxTextLength]) + "\n[truncated]"
		slog.Info("outbound text truncated", "limit", policy.MaxTextLength)
	}
	return text
}

// CanSendFiles reports whether files may be attached outbound.
func (f *Filter) CanSendFiles(trustLevel string) bool {
	return PolicyFor(trustLevel).AllowFileSend
}

// CanReceiveFiles reports whether inbound file artifacts are accepted.
func (f *Filter) CanReceiveFiles(trustLevel string) bool {
	return PolicyFor(trustLevel).AllowFileReceive
}

// MaxRounds is the input-required negotiation ceiling per tier.
func (f *Filter) MaxRounds(trustLevel string) int {
	return PolicyFor(trustLevel).MaxRounds
}

// ValidateInbound checks a remote response for injection attempts,
// truncates oversized text, and flags secret-shaped content. Injection
// hits block only untrusted sources; for higher tiers they stay
// advisory warnings because the content may legitimately discuss such
// strings.
func (f *Filter) ValidateInbound(text, trustLevel string) InboundValidation {
	if text == "" {
		return InboundValidation{Clean: true}
	}
	policy := PolicyFor(trustLevel)
	result := InboundValidation{ScorePenalty: policy.ScorePenalty}

	for _, p := range injectionPatterns {
		if p.re.MatchString(text) {
			result.Warnings = append(result.Warnings, "injection detected: "+p.name)
			if trustLevel == TrustUntrusted {
				result.Blocked = true
				slog.Warn("blocked inbound from untrusted agent", "pattern", p.name)
			}
		}
	}

	if runes := []rune(text); len(runes) > policy.MaxTextLength {
		text = string(runes[:policy.MaxTextLength]) + "\n[truncated by security filter]"
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("response truncated to %d chars", policy.MaxTextLength))
	}

	secretCount := 0
	for _, p := range sensitivePatterns {
		if p.re.MatchString(text) {
			secretCount++
		}
	}
	if secretCount > 0 {
		// Warn only. Inbound text may legitimately document key formats.
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("response contains %d potential secrets", secretCount))
	}

	result.Text = text
	result.Clean = len(result.Warnings) == 0
	return result
}

// ============================================================================
// TRUST RESOLUTION
// ============================================================================

// ResolveTrustLevel determines the tier for an agent URL: declared
// remotes match by URL prefix, registry hosts grant community, and
// everything else is untrusted.
func ResolveTrustLevel(agentURL string, remotes []config.RemoteAgentConfig, registries []string) string {
	if agentURL == "" {
		return TrustUntrusted
	}
	normalized := strings.ToLower(strings.TrimRight(agentURL, "/"))

	for _, remote := range remotes {
		remoteURL := strings.ToLower(strings.TrimRight(remote.URL, "/"))
		if remoteURL != "" && strings.HasPrefix(normalized, remoteURL) {
			switch remote.TrustLevel {
			case TrustVerified, TrustCommunity, TrustUntrusted:
				return remote.TrustLevel
			}
			return TrustVerified
		}
	}

	agentHost := hostOf(normalized)
	if agentHost != "" {
		for _, registryURL := range registries {
			if hostOf(strings.ToLower(registryURL)) == agentHost {
				return TrustCommunity
			}
		}
	}

	return TrustUntrusted
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
