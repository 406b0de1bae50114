package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/kaptinlin/jsonschema"
)

func ValidateJSON(schemaRaw []byte, data []byte) error {
	schema, err := compileSchema(schemaRaw)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

func ValidateJSONLFile(schemaRaw []byte, jsonlPath string) error {
	schema, err := compileSchema(schemaRaw)
	if err != nil {
		return err
	}
	// #nosec G304 -- jsonl path is explicit local user input.
	data, err := os.ReadFile(jsonlPath)
	if err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return validateJSONL(schema, data)
}

func compileSchema(schemaRaw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaRaw)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func validateJSONL(schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}
