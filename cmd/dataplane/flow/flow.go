// Package flow defines the declarative flow-definition wire format and its
// structural validation.
package flow

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/maxdp/dataplane/cmd/dataplane/flowerr"
)

// Node is one vertex of a flow graph
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge links a source node's output handle to a target node's input handle
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Definition is the stable JSON shape produced by the flow designer
type Definition struct {
	ID    string `json:"id,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "id": {"type": "string"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "config": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "sourceHandle": {"type": "string"},
          "targetHandle": {"type": "string"}
        }
      }
    }
  }
}`

var compiledSchema = gojsonschema.NewStringLoader(definitionSchema)

// Parse decodes and validates a flow definition document. Structural
// problems (wrong shapes, missing fields) are reported before any graph
// analysis runs.
func Parse(raw []byte) (*Definition, error) {
	result, err := gojsonschema.Validate(compiledSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, flowerr.NewValidation("flow definition is not valid JSON: %v", err)
	}
	if !result.Valid() {
		return nil, flowerr.NewValidation("flow definition schema violation: %s", firstIssue(result))
	}

	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, flowerr.NewValidation("decode flow definition: %v", err)
	}
	return &def, nil
}

func firstIssue(result *gojsonschema.Result) string {
	for _, issue := range result.Errors() {
		return fmt.Sprintf("%s: %s", issue.Field(), issue.Description())
	}
	return "unknown schema violation"
}

// MarshalDefinition re-encodes a definition to its wire shape
func MarshalDefinition(def *Definition) ([]byte, error) {
	return json.Marshal(def)
}
