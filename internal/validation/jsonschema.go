package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/imagechain/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const graphSchemaURL = "https://imagechain.dev/schemas/graph.json"

// graphSchemaJSON is the JSON Schema for graph documents.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://imagechain.dev/schemas/graph.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "prompt"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "prompt": { "type": "string", "minLength": 1 },
        "kind": { "type": "string", "enum": ["prebuilt", "custom"] }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// GraphDecoder validates graph documents against the graph JSON Schema and
// decodes them into schema.Graph. It is safe for concurrent use.
type GraphDecoder struct {
	graphSchema *jsonschema.Schema
}

// NewGraphDecoder compiles the embedded graph schema.
func NewGraphDecoder() (*GraphDecoder, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	compiled, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	return &GraphDecoder{graphSchema: compiled}, nil
}

// Decode validates raw JSON against the graph schema and decodes it.
// Structural checks are left to ValidateGraph.
func (d *GraphDecoder) Decode(data []byte) (*schema.Graph, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDocument, "graph document is not valid JSON").WithCause(err)
	}
	if err := d.graphSchema.Validate(doc); err != nil {
		return nil, toChainError(err)
	}

	var g schema.Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDocument, "decode graph document").WithCause(err)
	}
	for i := range g.Steps {
		if g.Steps[i].Kind == "" {
			g.Steps[i].Kind = schema.StepKindCustom
		}
	}
	return &g, nil
}

// DecodeValue decodes an already-parsed document, e.g. an MCP tool argument.
func (d *GraphDecoder) DecodeValue(v any) (*schema.Graph, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDocument, "graph document cannot be serialized").WithCause(err)
	}
	return d.Decode(data)
}

// toChainError converts a jsonschema.ValidationError into a ChainError
// listing every leaf violation with its instance location.
func toChainError(err error) *schema.ChainError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeInvalidDocument, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeInvalidDocument, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeInvalidDocument, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeInvalidDocument, "graph document has %d violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
