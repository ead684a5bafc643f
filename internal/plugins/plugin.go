// Package plugins loads plugin manifests and registers their collections,
// operators, sequences, listeners and triggers in dependency order.
package plugins

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/rendis/actseq/internal/operators"
	"github.com/rendis/actseq/pkg/schema"
)

// Plugin is a declaration plus the Go operators it contributes.
type Plugin struct {
	schema.PluginDecl
	Operators []operators.Operator
}

// New wraps a declaration with operator handlers.
func New(decl schema.PluginDecl, ops ...operators.Operator) *Plugin {
	return &Plugin{PluginDecl: decl, Operators: ops}
}

// DependsOn returns the names of the plugins this one requires.
func (p *Plugin) DependsOn() []string {
	out := make([]string, 0, len(p.Dependencies))
	for _, d := range p.Dependencies {
		out = append(out, d.Name)
	}
	return out
}

// ParseManifest decodes a YAML (or JSON) manifest. Unknown keys are rejected.
func ParseManifest(r io.Reader) (*Plugin, error) {
	var raw map[string]any
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, schema.NewError(schema.ErrCodeValidation, "manifest is empty")
		}
		return nil, schema.NewError(schema.ErrCodeValidation, "manifest is not valid YAML").WithCause(err)
	}

	var decl schema.PluginDecl
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &decl,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid manifest").WithCause(err)
	}
	if decl.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "manifest has no name").WithPath("/name")
	}
	return &Plugin{PluginDecl: decl}, nil
}

// ReadManifest parses the manifest at path.
func ReadManifest(path string) (*Plugin, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	p, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ReadDir parses every *.yaml, *.yml and *.json file in dir, sorted by file name.
func ReadDir(dir string) ([]*Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)

	out := make([]*Plugin, 0, len(paths))
	for _, p := range paths {
		plugin, err := ReadManifest(p)
		if err != nil {
			return nil, err
		}
		out = append(out, plugin)
	}
	return out, nil
}
