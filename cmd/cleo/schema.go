package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/cleoai/cleo/config"
)

// SchemaCmd generates the JSON Schema for agents.yaml, useful for
// editor validation and config tooling.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		// Inline all definitions so consumers do not need $ref resolution.
		DoNotReference: true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://cleo.dev/schemas/agents.json"
	schema.Title = "Cleo Agent Roster Schema"
	schema.Description = "Configuration schema for the cleo multi-agent runtime"
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schema.Examples = []interface{}{
		map[string]interface{}{
			"agents": []interface{}{
				map[string]interface{}{
					"id":    "leo",
					"role":  "planner",
					"model": "gpt-4o",
					"llm": map[string]interface{}{
						"api_key_env": "LEO_API_KEY",
					},
				},
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
