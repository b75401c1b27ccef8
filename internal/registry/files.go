package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/statum/pkg/schema"
)

// ParseDefinition decodes a definition from YAML or JSON bytes. The document
// goes through a generic YAML decode and a strict JSON decode so both formats
// share the camelCase field names and unknown keys are rejected.
func ParseDefinition(data []byte) (*schema.WorkflowDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition document is empty")
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode definition: "+err.Error()).WithCause(err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition document must be a mapping")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is not JSON compatible: "+err.Error()).WithCause(err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	def := &schema.WorkflowDefinition{}
	if err := dec.Decode(def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode definition: "+err.Error()).WithCause(err)
	}
	return def, nil
}

// ReadFile loads one definition file.
func ReadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// DefinitionFiles lists the *.yaml, *.yml and *.json files directly in dir, sorted.
func DefinitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadFiles persists every valid definition file in dir and reloads. Files
// that fail to parse or validate are reported, not fatal.
func (r *Registry) LoadFiles(ctx context.Context, dir string) (*Report, error) {
	files, err := DefinitionFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("list definitions in %s: %w", dir, err)
	}

	report := &Report{}
	for _, path := range files {
		def, err := ReadFile(path)
		if err != nil {
			report.Rejected = append(report.Rejected, Rejection{Source: path, Err: err})
			continue
		}
		if _, err := r.save(ctx, def); err != nil {
			if schema.HasCode(err, schema.ErrCodePersistence) {
				return nil, err
			}
			report.Rejected = append(report.Rejected, Rejection{
				Source: path, WorkflowID: def.ID, Version: def.Version, Err: err,
			})
			r.logger.WarnContext(ctx, "definition file rejected", "path", path, "error", err)
		}
	}

	loaded, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	report.merge(loaded)
	return report, nil
}
