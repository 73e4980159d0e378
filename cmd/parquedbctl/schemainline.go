package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Adapted from forma's cmd/tools/inline_schema.go: a standalone $ref/$defs
// inliner operators can run before handing a multi-file JSON Schema
// collection to Schema.Compile, which expects one self-contained document
// per collection rather than a set of cross-referencing files.

func runInlineSchema(args []string) error {
	flags := flag.NewFlagSet("inline-schema", flag.ContinueOnError)
	flags.SetOutput(os.Stdout)
	flags.Usage = func() {
		fmt.Println("Usage: parquedbctl inline-schema [options]")
		fmt.Println()
		fmt.Println("Options:")
		flags.PrintDefaults()
	}

	schemaFile := flags.String("schema-file", "", "path to the JSON schema file (required)")
	outputFile := flags.String("out", "", "path to write the inlined schema (defaults to stdout)")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if *schemaFile == "" {
		return fmt.Errorf("-schema-file is required")
	}

	inliner := NewSchemaInliner(filepath.Dir(*schemaFile))
	result, err := inliner.InlineFile(*schemaFile)
	if err != nil {
		return fmt.Errorf("inline schema: %w", err)
	}

	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if *outputFile == "" {
		fmt.Println(string(encoded))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(*outputFile), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(*outputFile, encoded, 0o644); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}
	fmt.Printf("Inlined schema written, output: %s\n", *outputFile)
	return nil
}

// SchemaInliner resolves every $ref in a JSON schema file, including ones
// that point across files, producing one self-contained document.
type SchemaInliner struct {
	baseDir   string
	cache     map[string]map[string]any
	resolving map[string]bool // cycle detection keyed by "file|ref"
}

func NewSchemaInliner(baseDir string) *SchemaInliner {
	return &SchemaInliner{
		baseDir:   baseDir,
		cache:     make(map[string]map[string]any),
		resolving: make(map[string]bool),
	}
}

func (s *SchemaInliner) InlineFile(filePath string) (map[string]any, error) {
	schema, err := s.loadSchemaFile(filePath)
	if err != nil {
		return nil, err
	}

	result, err := s.inlineNode(schema, filePath)
	if err != nil {
		return nil, err
	}

	resultMap, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object at root level")
	}

	delete(resultMap, "$defs")
	delete(resultMap, "definitions")
	return resultMap, nil
}

func (s *SchemaInliner) loadSchemaFile(filePath string) (map[string]any, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", filePath, err)
	}
	if cached, ok := s.cache[absPath]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", absPath, err)
	}

	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse JSON %s: %w", absPath, err)
	}

	s.cache[absPath] = schema
	return schema, nil
}

func (s *SchemaInliner) inlineNode(node any, currentFile string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		return s.inlineObject(v, currentFile)
	case []any:
		return s.inlineArray(v, currentFile)
	default:
		return node, nil
	}
}

func (s *SchemaInliner) inlineObject(obj map[string]any, currentFile string) (map[string]any, error) {
	if ref, ok := obj["$ref"].(string); ok {
		resolved, err := s.resolveRef(ref, currentFile)
		if err != nil {
			return nil, err
		}

		result := make(map[string]any)
		for k, v := range resolved {
			result[k] = v
		}
		for k, v := range obj {
			if k != "$ref" && !strings.HasPrefix(k, "x-") {
				result[k] = v
			}
		}
		return s.inlineObjectProperties(result, currentFile)
	}
	return s.inlineObjectProperties(obj, currentFile)
}

func (s *SchemaInliner) inlineObjectProperties(obj map[string]any, currentFile string) (map[string]any, error) {
	result := make(map[string]any)
	for key, value := range obj {
		if strings.HasPrefix(key, "x-") {
			continue
		}
		if key == "$defs" || key == "definitions" {
			continue
		}
		inlined, err := s.inlineNode(value, currentFile)
		if err != nil {
			return nil, fmt.Errorf("inline property %q: %w", key, err)
		}
		result[key] = inlined
	}
	return result, nil
}

func (s *SchemaInliner) inlineArray(arr []any, currentFile string) ([]any, error) {
	result := make([]any, len(arr))
	for i, item := range arr {
		inlined, err := s.inlineNode(item, currentFile)
		if err != nil {
			return nil, fmt.Errorf("inline array item %d: %w", i, err)
		}
		result[i] = inlined
	}
	return result, nil
}

func (s *SchemaInliner) resolveRef(ref string, currentFile string) (map[string]any, error) {
	absCurrentFile, _ := filepath.Abs(currentFile)
	cycleKey := absCurrentFile + "|" + ref
	if s.resolving[cycleKey] {
		return nil, fmt.Errorf("circular reference detected: %s in %s", ref, currentFile)
	}
	s.resolving[cycleKey] = true
	defer delete(s.resolving, cycleKey)

	filePath, jsonPointer := parseRef(ref)

	var targetFile string
	if filePath == "" {
		targetFile = currentFile
	} else if filepath.IsAbs(filePath) {
		targetFile = filePath
	} else {
		targetFile = filepath.Join(filepath.Dir(currentFile), filePath)
	}

	schema, err := s.loadSchemaFile(targetFile)
	if err != nil {
		return nil, fmt.Errorf("load ref target %s: %w", ref, err)
	}

	if jsonPointer == "" {
		return s.inlineObjectProperties(schema, targetFile)
	}

	target, err := resolveJSONPointer(schema, jsonPointer)
	if err != nil {
		return nil, fmt.Errorf("resolve pointer %s in %s: %w", jsonPointer, targetFile, err)
	}

	targetObj, ok := target.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ref target is not an object: %s", ref)
	}
	return s.inlineObjectProperties(targetObj, targetFile)
}

// parseRef splits a $ref into its file path and JSON pointer components, e.g.
// "./common.json#/$defs/address" -> "./common.json", "/$defs/address".
func parseRef(ref string) (filePath string, jsonPointer string) {
	if idx := strings.Index(ref, "#"); idx != -1 {
		return ref[:idx], ref[idx+1:]
	}
	return ref, ""
}

// resolveJSONPointer resolves an RFC 6901 JSON pointer against doc.
func resolveJSONPointer(doc any, pointer string) (any, error) {
	if pointer == "" || pointer == "/" {
		return doc, nil
	}

	pointer = strings.TrimPrefix(pointer, "/")
	parts := strings.Split(pointer, "/")
	current := doc

	for _, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")

		switch v := current.(type) {
		case map[string]any:
			var ok bool
			current, ok = v[part]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", part)
			}
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid array index: %s", part)
			}
			if idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("array index out of bounds: %d", idx)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T", current)
		}
	}
	return current, nil
}
