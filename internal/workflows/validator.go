package workflows

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/workflow.schema.json
var schemaDocument []byte

var compiledSchema *gojsonschema.Schema

func schemaLoader() (*gojsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	loader := gojsonschema.NewBytesLoader(schemaDocument)
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("workflow schema is malformed: %w", err)
	}
	compiledSchema = schema
	return schema, nil
}

// Validate runs schema validation against raw (parsed YAML re-marshaled
// to JSON), returning a SchemaError describing every violation found.
func Validate(raw []byte) error {
	schema, err := schemaLoader()
	if err != nil {
		return err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &SchemaError{Issues: []string{err.Error()}}
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			issues = append(issues, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return &SchemaError{Issues: issues}
	}
	return nil
}

// Parse unmarshals a YAML manifest into a Workflow, validating it
// against the schema first. Schema errors and YAML errors are
// distinguished so registration can log each appropriately.
func Parse(path string, content []byte) (*Workflow, error) {
	var generic interface{}
	if err := yaml.Unmarshal(content, &generic); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	asJSON, err := json.Marshal(convertYAMLMap(generic))
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	if err := Validate(asJSON); err != nil {
		return nil, err
	}

	var wf Workflow
	if err := yaml.Unmarshal(content, &wf); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	return &wf, nil
}

// convertYAMLMap normalizes yaml.v3's decoded map[string]interface{}
// tree (it already keys maps by string, unlike yaml.v2) so json.Marshal
// never trips over a non-string map key nested under `on` or `if`.
func convertYAMLMap(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = convertYAMLMap(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = convertYAMLMap(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = convertYAMLMap(item)
		}
		return out
	default:
		return val
	}
}
