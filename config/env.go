// Package config provides configuration types and utilities for the cleo runtime.
// This file contains environment variable utilities for configuration processing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ============================================================================
// ENVIRONMENT VARIABLE UTILITIES
// ============================================================================

var (
	// Pre-compiled regex patterns for better performance
	envVarPatterns = struct {
		withDefault *regexp.Regexp // ${VAR:-default}
		braced      *regexp.Regexp // ${VAR}
		simple      *regexp.Regexp // $VAR
	}{
		withDefault: regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`),
		braced:      regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`),
		simple:      regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`),
	}
)

// expandEnvVars expands environment variables in a string.
// Supports formats: ${VAR:-default}, ${VAR}, $VAR.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}

	// ${VAR:-default} first (most specific)
	s = envVarPatterns.withDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.withDefault.FindStringSubmatch(match)
		if len(parts) == 3 {
			if val := os.Getenv(parts[1]); val != "" {
				return val
			}
			return parts[2]
		}
		return match
	})

	// ${VAR} (must come after ${VAR:-default})
	s = envVarPatterns.braced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.braced.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	// $VAR (least specific)
	s = envVarPatterns.simple.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarPatterns.simple.FindStringSubmatch(match)
		if len(parts) == 2 {
			return os.Getenv(parts[1])
		}
		return match
	})

	return s
}

// ExpandEnvVarsInData recursively expands environment variables in structured
// data, re-parsing expanded scalars so numeric and boolean values survive the
// round-trip.
func ExpandEnvVarsInData(data interface{}) interface{} {
	switch v := data.(type) {
	case string:
		expanded := expandEnvVars(v)
		if expanded != v {
			return parseValue(expanded)
		}
		return expanded

	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, value := range v {
			result[key] = ExpandEnvVarsInData(value)
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = ExpandEnvVarsInData(item)
		}
		return result

	default:
		return v
	}
}

// parseValue attempts to parse a string value to its appropriate type.
// Returns the parsed value or the original string if parsing fails.
func parseValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	return value
}

// LoadEnvFiles loads environment variables from .env files.
// Priority order: .env.local (highest) → .env → system environment (lowest).
func LoadEnvFiles() error {
	envFiles := []string{".env.local", ".env"}

	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	return nil
}

// UpsertEnvFile merges the given key-value pairs into a .env file, creating
// it when absent. The gateway uses this to persist per-agent provider
// credentials (<AGENT_ID>_API_KEY / <AGENT_ID>_BASE_URL).
func UpsertEnvFile(path string, vars map[string]string) error {
	existing, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		existing = map[string]string{}
	}
	for k, v := range vars {
		existing[k] = v
		// keep the running process in sync with the file
		os.Setenv(k, v)
	}
	if err := godotenv.Write(existing, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// RUNTIME ENVIRONMENT
// ============================================================================

const (
	DefaultGatewayPort = 19789
	DefaultWorkspace   = "workspace"
)

// GatewayPort returns the configured gateway port (CLEO_GATEWAY_PORT).
func GatewayPort() int {
	if raw := os.Getenv("CLEO_GATEWAY_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 {
			return port
		}
	}
	return DefaultGatewayPort
}

// Workspace returns the workspace directory (CLEO_WORKSPACE).
func Workspace() string {
	if ws := os.Getenv("CLEO_WORKSPACE"); ws != "" {
		return ws
	}
	return DefaultWorkspace
}

// Hostname returns the advertised hostname (CLEO_HOSTNAME, default localhost).
func Hostname() string {
	if h := os.Getenv("CLEO_HOSTNAME"); h != "" {
		return h
	}
	return "localhost"
}
