package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/imagechain/internal/validation"
	"github.com/rendis/imagechain/pkg/schema"
)

// readGraph loads a graph document from a JSON or YAML file.
func readGraph(path string) (*schema.Graph, error) {
	if path == "" {
		return nil, fmt.Errorf("--graph is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}

	decoder, err := validation.NewGraphDecoder()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeInvalidDocument, "graph document is not valid YAML").WithCause(err)
		}
		return decoder.DecodeValue(doc)
	default:
		return decoder.Decode(data)
	}
}
