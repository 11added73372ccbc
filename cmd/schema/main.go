package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"lockstep/server/internal/config"
	"lockstep/server/internal/net/proto"
)

type target struct {
	file        string
	title       string
	description string
	value       any
}

var targets = []target{
	{
		file:        "config.schema.json",
		title:       "Lockstep host configuration",
		description: "Validates the YAML file named by LOCKSTEP_CONFIG",
		value:       new(config.Config),
	},
	{
		file:        "client_message.schema.json",
		title:       "Lockstep client message",
		description: "Messages peers send over /ws",
		value:       new(proto.ClientMessage),
	},
}

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "", "directory to write the JSON schemas into")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	for _, t := range targets {
		if err := writeSchema(filepath.Join(outDir, t.file), buildSchema(t)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", t.file, err)
			os.Exit(1)
		}
	}
}

func buildSchema(t target) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(t.value)
	schema.Title = t.title
	schema.Description = t.description
	return schema
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}
	return os.Rename(tmpPath, outPath)
}
