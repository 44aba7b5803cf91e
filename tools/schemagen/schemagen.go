// Package main generates JSON schemas for the documents perfsentinel
// emits and persists: the analysis report, the archived run envelope,
// job records, and aggregation results. The run-file input schema is
// hand-maintained in internal/telemetry and is deliberately not
// generated here.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/report"
	"github.com/perfsentinel/perfsentinel/internal/storage"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
)

// Schema represents a JSON Schema.
type Schema struct {
	Schema               string             `json:"$schema,omitempty"`
	Title                string             `json:"title,omitempty"`
	Description          string             `json:"description,omitempty"`
	Type                 string             `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Ref                  string             `json:"$ref,omitempty"`
	Definitions          map[string]*Schema `json:"definitions,omitempty"`
}

// target is one document type to describe.
type target struct {
	name        string
	title       string
	description string
	value       any
}

func targets() []target {
	return []target{
		{
			name:        "report",
			title:       "Analysis Report",
			description: "Full analysis report emitted by the json reporter and the MCP analyze tool",
			value:       &report.Report{},
		},
		{
			name:        "run-document",
			title:       "Archived Run Document",
			description: "Envelope a storage adapter persists for one analyzed run",
			value:       &telemetry.RunDocument{},
		},
		{
			name:        "job-record",
			title:       "Job Record",
			description: "Coordination record for one CI job within a project",
			value:       &storage.JobRecord{},
		},
		{
			name:        "aggregate-result",
			title:       "Aggregate Result",
			description: "Samples materialized across archived runs, with contribution counts",
			value:       &storage.AggregateResult{},
		},
		{
			name:        "cleanup-result",
			title:       "Cleanup Result",
			description: "Counts from one retention pass, previewed or applied",
			value:       &storage.CleanupResult{},
		},
	}
}

func main() {
	outDir := flag.String("o", "docs/schemas", "Output directory for schemas")
	flag.Parse()

	if err := run(*outDir); err != nil {
		fmt.Fprintln(os.Stderr, "schemagen:", err)
		os.Exit(1)
	}
}

func run(outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	for _, tgt := range targets() {
		path := filepath.Join(outDir, tgt.name+".json")

		if err := writeSchema(path, buildSchema(tgt)); err != nil {
			return fmt.Errorf("write %s schema: %w", tgt.name, err)
		}

		fmt.Println("wrote", path)
	}

	return nil
}

func buildSchema(tgt target) *Schema {
	t := reflect.TypeOf(tgt.value)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	defs := make(map[string]*Schema)
	props, required := fieldSchemas(t, defs)

	schema := &Schema{
		Schema:      "https://json-schema.org/draft-07/schema#",
		Title:       tgt.title,
		Description: tgt.description,
		Type:        "object",
		Properties:  props,
		Required:    required,
	}

	if len(defs) > 0 {
		schema.Definitions = defs
	}

	return schema
}

func fieldSchemas(t reflect.Type, defs map[string]*Schema) (map[string]*Schema, []string) {
	props := make(map[string]*Schema, t.NumField())

	var required []string

	for i := range t.NumField() {
		field := t.Field(i)

		name, omitempty, ok := jsonFieldName(field)
		if !ok {
			continue
		}

		props[name] = typeToSchema(field.Type, defs)

		if !omitempty {
			required = append(required, name)
		}
	}

	return props, required
}

// jsonFieldName parses the json struct tag, reporting the wire name and
// whether omitempty is set. ok is false for untagged and skipped fields.
func jsonFieldName(field reflect.StructField) (name string, omitempty, ok bool) {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return "", false, false
	}

	name, opts, _ := strings.Cut(tag, ",")

	return name, strings.Contains(opts, "omitempty"), true
}

func typeToSchema(t reflect.Type, defs map[string]*Schema) *Schema {
	switch t.Kind() {
	case reflect.Slice:
		return &Schema{Type: "array", Items: typeToSchema(t.Elem(), defs)}
	case reflect.Map:
		return mapSchema(t, defs)
	case reflect.Struct:
		return structSchema(t, defs)
	case reflect.Ptr:
		return typeToSchema(t.Elem(), defs)
	default:
		return &Schema{Type: scalarType(t.Kind())}
	}
}

func scalarType(kind reflect.Kind) string {
	switch kind {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	default:
		return "object"
	}
}

func mapSchema(t reflect.Type, defs map[string]*Schema) *Schema {
	if t.Elem().Kind() == reflect.Interface {
		return &Schema{Type: "object", Description: "Arbitrary key/value metadata"}
	}

	return &Schema{Type: "object", AdditionalProperties: typeToSchema(t.Elem(), defs)}
}

func structSchema(t reflect.Type, defs map[string]*Schema) *Schema {
	if t == reflect.TypeOf(time.Time{}) {
		return &Schema{Type: "string", Description: "ISO 8601 timestamp"}
	}

	defName := t.Name()
	if defName == "" {
		props, required := fieldSchemas(t, defs)

		return &Schema{Type: "object", Properties: props, Required: required}
	}

	if _, seen := defs[defName]; !seen {
		// Reserve the slot first so self-referential types terminate.
		defs[defName] = &Schema{}

		props, required := fieldSchemas(t, defs)
		defs[defName] = &Schema{Type: "object", Properties: props, Required: required}
	}

	return &Schema{Ref: "#/definitions/" + defName}
}

func writeSchema(path string, schema *Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
