package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Route describes a per-channel override applied when a request's session
// key resolves to a known channel id (§4.5).
type Route struct {
	Cwd      string   `json:"cwd"`
	KiroArgs []string `json:"kiroArgs,omitempty"`
}

// RouteTable maps channel id to its override.
type RouteTable map[string]Route

const routeTableSchemaJSON = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "properties": {
      "cwd": {"type": "string"},
      "kiroArgs": {
        "type": "array",
        "items": {"type": "string"}
      }
    },
    "required": ["cwd"],
    "additionalProperties": false
  }
}`

var routeTableSchema = mustCompileRouteSchema()

func mustCompileRouteSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(routeTableSchemaJSON)))
	if err != nil {
		panic(fmt.Sprintf("config: invalid embedded route table schema: %v", err))
	}
	const resourceURL = "mem://route-table-schema.json"
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		panic(fmt.Sprintf("config: invalid embedded route table schema: %v", err))
	}
	sch, err := compiler.Compile(resourceURL)
	if err != nil {
		panic(fmt.Sprintf("config: invalid embedded route table schema: %v", err))
	}
	return sch
}

// LoadRoutes reads and validates the route table JSON file at path. An empty
// path returns an empty table — the gateway falls back to default cwd/args
// for every request.
func LoadRoutes(path string) (RouteTable, error) {
	if path == "" {
		return RouteTable{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route table %s: %w", path, err)
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse route table %s: %w", path, err)
	}
	if err := routeTableSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("route table %s failed validation: %w", path, err)
	}

	var table RouteTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode route table %s: %w", path, err)
	}
	return table, nil
}
