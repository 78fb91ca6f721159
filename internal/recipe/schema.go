package recipe

import (
	_ "embed"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed recipe.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

// recipeSchema returns the compiled structure schema.
func recipeSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile recipe schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// schemaFinding is one structure violation reported by the schema.
type schemaFinding struct {
	path    string
	message string
}

// checkSchema validates a decoded mapping against the structure schema.
func checkSchema(mapping map[string]interface{}) ([]schemaFinding, error) {
	s, err := recipeSchema()
	if err != nil {
		return nil, err
	}

	result, err := s.Validate(gojsonschema.NewGoLoader(jsonCompatible(mapping)))
	if err != nil {
		return nil, fmt.Errorf("failed to run recipe schema: %w", err)
	}

	var out []schemaFinding
	for _, e := range result.Errors() {
		path := e.Field()
		if path == "(root)" {
			path = ""
		}
		out = append(out, schemaFinding{path: path, message: e.Description()})
	}
	return out, nil
}

// jsonCompatible converts YAML-decoded values into values encoding/json
// accepts: mappings with non-string keys get string keys and non-finite
// floats become their YAML spelling.
func jsonCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = jsonCompatible(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonCompatible(val)
		}
		return out
	case float64:
		switch {
		case math.IsNaN(t):
			return ".nan"
		case math.IsInf(t, 1):
			return ".inf"
		case math.IsInf(t, -1):
			return "-.inf"
		}
		return t
	default:
		return t
	}
}

// splitPath splits a dotted key path. The empty path is the document root.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}
