package flow

import (
	"testing"

	"github.com/maxdp/dataplane/cmd/dataplane/flowerr"
)

func TestParse_Valid(t *testing.T) {
	raw := []byte(`{
		"id": "demo",
		"nodes": [
			{"id": "a", "type": "static_data", "config": {"data_source": "json", "json_data": "[]"}},
			{"id": "b", "type": "display_results"}
		],
		"edges": [{"source": "a", "target": "b", "sourceHandle": "out"}]
	}`)

	def, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if def.ID != "demo" || len(def.Nodes) != 2 || len(def.Edges) != 1 {
		t.Errorf("Unexpected definition: %+v", def)
	}
	if def.Edges[0].SourceHandle != "out" {
		t.Errorf("Expected sourceHandle out, got %q", def.Edges[0].SourceHandle)
	}
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing nodes", `{"edges": []}`},
		{"missing edges", `{"nodes": []}`},
		{"node without type", `{"nodes": [{"id": "a"}], "edges": []}`},
		{"edge without target", `{"nodes": [{"id": "a", "type": "t"}], "edges": [{"source": "a"}]}`},
		{"empty node id", `{"nodes": [{"id": "", "type": "t"}], "edges": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !flowerr.IsValidation(err) {
				t.Errorf("Expected ValidationError, got %T", err)
			}
		})
	}
}

// TestParse_RoundTrip re-encodes a parsed definition and parses it again
func TestParse_RoundTrip(t *testing.T) {
	raw := []byte(`{
		"nodes": [
			{"id": "x", "type": "static_data", "config": {"data_source": "array", "columns": ["v"], "array_data": [[1]]}},
			{"id": "y", "type": "display_results"}
		],
		"edges": [{"source": "x", "target": "y"}]
	}`)

	def, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	encoded, err := MarshalDefinition(def)
	if err != nil {
		t.Fatalf("MarshalDefinition failed: %v", err)
	}
	again, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Re-parse failed: %v", err)
	}
	if len(again.Nodes) != len(def.Nodes) || len(again.Edges) != len(def.Edges) {
		t.Errorf("Round trip changed the definition: %+v vs %+v", def, again)
	}
}
