package tools

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ============================================================================
// PARAMETER SANITIZATION - validation of LLM-generated parameters
// ============================================================================

// Files tools must never read or write.
var sensitiveFilenames = setOf(
	".env", ".env.local", ".env.production", ".env.development",
	"agents.yaml", "exec_approvals.json", "chain_contracts.json",
	".netrc", ".npmrc", ".pypirc",
	"id_rsa", "id_ed25519", "authorized_keys",
)

// Path fragments blocked anywhere in a path.
var sensitivePathFragments = []string{".ssh", ".gnupg", ".aws", ".config/gcloud"}

var blockedHosts = setOf(
	"localhost", "127.0.0.1", "0.0.0.0", "::1",
	"metadata.google.internal", "169.254.169.254",
)

// SanitizeParams validates and coerces LLM-generated parameters before a
// tool runs. The returned error text goes back to the model as the tool
// result, so it should say exactly what to fix.
func SanitizeParams(toolName string, params map[string]interface{}, info ToolInfo) (map[string]interface{}, error) {
	if params == nil {
		params = map[string]interface{}{}
	}

	coerced, err := coerceTypes(params, info.Parameters)
	if err != nil {
		return nil, err
	}

	switch info.Category {
	case CategoryFS:
		if err := checkPath(toolName, coerced); err != nil {
			return nil, err
		}
	case CategoryWeb, CategoryBrowser:
		if err := checkURL(coerced); err != nil {
			return nil, err
		}
	}
	return coerced, nil
}

func coerceTypes(params map[string]interface{}, schema []ToolParameter) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, p := range schema {
		val, present := out[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		coerced, err := coerceValue(val, p.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %q must be %s: %v", p.Name, p.Type, err)
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func coerceValue(val interface{}, expected string) (interface{}, error) {
	switch expected {
	case "integer":
		switch v := val.(type) {
		case int:
			return v, nil
		case float64:
			return int(v), nil
		case string:
			return strconv.Atoi(strings.TrimSpace(v))
		}
	case "number":
		switch v := val.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(v), 64)
		}
	case "boolean":
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
			return nil, fmt.Errorf("unrecognized boolean %q", v)
		}
	case "string", "":
		switch v := val.(type) {
		case string:
			return v, nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	default:
		return val, nil
	}
	return nil, fmt.Errorf("got %T", val)
}

func checkPath(toolName string, params map[string]interface{}) error {
	raw, _ := params["path"].(string)
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("missing or empty 'path' parameter")
	}

	// decode before checking so %2e%2e traversal cannot slip through
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	if strings.ContainsRune(decoded, 0) {
		return fmt.Errorf("null bytes not allowed in path")
	}

	basename := filepath.Base(decoded)
	if sensitiveFilenames[strings.ToLower(basename)] {
		return fmt.Errorf("access to sensitive file %q is blocked", basename)
	}

	norm := strings.ToLower(strings.ReplaceAll(filepath.Clean(decoded), "\\", "/"))
	for _, frag := range sensitivePathFragments {
		if strings.Contains(norm, frag) {
			return fmt.Errorf("path contains blocked segment %q", frag)
		}
	}

	if toolName == "write_file" && strings.HasPrefix(basename, ".") {
		return fmt.Errorf("cannot write to hidden file %q", basename)
	}

	params["path"] = decoded
	return nil
}

func checkURL(params map[string]interface{}) error {
	raw, present := params["url"]
	if !present {
		return nil
	}
	rawURL, ok := raw.(string)
	if !ok {
		return fmt.Errorf("url must be a string")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme %q not allowed, use https://", parsed.Scheme)
	}
	if IsPrivateHost(parsed.Hostname()) {
		return fmt.Errorf("blocked private/internal hostname %q", parsed.Hostname())
	}
	return nil
}

// IsPrivateHost reports whether a hostname points at a private or
// link-local network.
func IsPrivateHost(hostname string) bool {
	host := strings.ToLower(hostname)
	if blockedHosts[host] {
		return true
	}
	if strings.HasPrefix(host, "127.") || strings.HasPrefix(host, "0.") ||
		strings.HasPrefix(host, "169.254.") {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		a, errA := strconv.Atoi(parts[0])
		b, errB := strconv.Atoi(parts[1])
		if errA == nil && errB == nil {
			if a == 10 || (a == 172 && b >= 16 && b <= 31) || (a == 192 && b == 168) {
				return true
			}
		}
	}
	return false
}
