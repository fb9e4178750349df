package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/provisioner/pkg/engine"
	"gopkg.in/yaml.v3"
)

// RootSpecLoader reads root specs from YAML, JSON or Starlark files.
type RootSpecLoader struct {
	scripts *ScriptEvaluator
}

// NewRootSpecLoader creates a loader that runs scripts with scripts.
func NewRootSpecLoader(scripts *ScriptEvaluator) *RootSpecLoader {
	if scripts == nil {
		scripts = NewScriptEvaluator(0)
	}
	return &RootSpecLoader{scripts: scripts}
}

// LoadFile reads the root spec at path. Files ending in .star are run as
// scripts with vars predeclared and must assign the spec to root.
func (l *RootSpecLoader) LoadFile(ctx context.Context, path string, vars map[string]any) (*engine.RootSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read root spec: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".star", ".starlark":
		return l.Script(ctx, filepath.Base(path), string(data), vars)
	case ".yaml", ".yml", ".json":
		return DecodeRootSpec(data)
	default:
		return nil, fmt.Errorf("unsupported root spec file type: %s", path)
	}
}

// Script evaluates a root spec script.
func (l *RootSpecLoader) Script(ctx context.Context, filename, script string, vars map[string]any) (*engine.RootSpec, error) {
	result, err := l.scripts.Evaluate(ctx, filename, script, vars)
	if err != nil {
		return nil, err
	}

	root, ok := result.Output[RootGlobal]
	if !ok {
		return nil, fmt.Errorf("script %s does not define %q", filename, RootGlobal)
	}
	if _, ok := root.(map[string]any); !ok {
		return nil, fmt.Errorf("script %s: %q must be a dict, got %T", filename, RootGlobal, root)
	}

	// Round trip through YAML so scripts and files share one decoder.
	data, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script output: %w", err)
	}
	return DecodeRootSpec(data)
}

// DecodeRootSpec parses a YAML or JSON root spec. Unknown fields are errors.
func DecodeRootSpec(data []byte) (*engine.RootSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec engine.RootSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode root spec: %w", err)
	}
	return &spec, nil
}
