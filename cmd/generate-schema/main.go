package main

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/extentstore/pkg/config"
)

var byteSizeType = reflect.TypeOf(config.ByteSize(0))

// mapType describes types whose YAML form differs from their Go kind.
func mapType(t reflect.Type) *jsonschema.Schema {
	if t != byteSizeType {
		return nil
	}
	return &jsonschema.Schema{
		Description: "Size in bytes: an integer or a unit string such as 4KiB, 64MiB or 1GB",
		OneOf: []*jsonschema.Schema{
			{Type: "integer", Minimum: json.Number("0")},
			{Type: "string", Pattern: `^\s*[0-9]+(\.[0-9]+)?\s*([KMGTPE]i?)?B?\s*$`},
		},
	}
}

func main() {
	// Generate JSON schema from Config struct
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true, // Inline all definitions for simplicity
		FieldNameTag:              "yaml",
		Mapper:                    mapType,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.Title = "extentstore Configuration"
	schema.Description = "Configuration schema for the extentstore tools"
	schema.Version = "1.0.0"

	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling schema: %v\n", err)
		os.Exit(1)
	}

	outputFile := "config.schema.json"
	if len(os.Args) > 1 {
		outputFile = os.Args[1]
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("JSON schema written to %s\n", outputFile)
}
