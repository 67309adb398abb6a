package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ErrInvalidPipeline wraps every definition error returned by the parser.
var ErrInvalidPipeline = errors.New("invalid pipeline")

// ParsePipeline parses YAML content into a validated Pipeline object.
// JSON is accepted as well since it is a subset of YAML.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	problems, err := ValidateSchema(doc)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPipeline, strings.Join(problems, "; "))
	}

	var pipeline Pipeline
	if err := yaml.Unmarshal(data, &pipeline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	if err := pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPipeline, err)
	}
	return &pipeline, nil
}

// ParsePipelineJSONC parses JSON with comments and trailing commas.
func ParsePipelineJSONC(data []byte) (*Pipeline, error) {
	return ParsePipeline(jsonc.ToJSON(data))
}

// LoadPipeline reads a definition file; .json and .jsonc files go through
// the JSONC front end, everything else is YAML.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return ParsePipelineJSONC(data)
	default:
		return ParsePipeline(data)
	}
}
