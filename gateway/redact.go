package gateway

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var (
	// Keys whose string values must never leave the process unmasked.
	sensitiveKeyRe = regexp.MustCompile(
		`(?i)(api_key|secret|password|token|credential|auth_key|private_key|` +
			`access_key|signing_key|passphrase|bearer|webhook_secret)`)

	// Keys that hold the NAME of an env var rather than a secret. These
	// are annotated with whether the referenced variable is set.
	envRefKeyRe = regexp.MustCompile(`(?i)(api_key_env|token_env|secret_env|key_env)$`)
)

// redactYAML parses a YAML document, masks anything credential-shaped,
// and re-encodes it.
func redactYAML(raw []byte) (string, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(redactTree(tree))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func redactTree(v any) any {
	switch node := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(node))
		for key, val := range node {
			out[key] = redactValue(key, val)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, item := range node {
			out[i] = redactTree(item)
		}
		return out
	default:
		return v
	}
}

func redactValue(key string, val any) any {
	s, isString := val.(string)
	if !isString {
		return redactTree(val)
	}
	// env-ref check first: *_env keys also match the sensitive pattern
	if envRefKeyRe.MatchString(key) {
		if os.Getenv(s) != "" {
			return s + " (set)"
		}
		return s + " (not set)"
	}
	if sensitiveKeyRe.MatchString(key) && s != "" {
		return maskSecret(s)
	}
	return s
}

func maskSecret(s string) string {
	if len(s) > 8 {
		return s[:3] + "***…" + s[len(s)-3:]
	}
	return "***"
}
