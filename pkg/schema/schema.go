// Package schema validates algorithm outputs against the output schemas
// shipped with each algorithm plugin.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrEmptyOutput is returned for a missing, null or {} output.
	ErrEmptyOutput = errors.New("algorithm output is empty")

	// ErrInvalidOutput is returned when the output is not a JSON object.
	ErrInvalidOutput = errors.New("algorithm output is not a valid JSON object")
)

// Registry holds compiled output schemas keyed by algorithm GID.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry. Outputs of algorithms without a
// registered schema are only checked for being a non-empty object.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// LoadDir registers every <gid>.json file in dir.
func LoadDir(dir string) (*Registry, error) {
	r := NewRegistry()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading schema dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", entry.Name(), err)
		}

		gid := strings.TrimSuffix(entry.Name(), ".json")
		if err := r.Register(gid, string(data)); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register compiles schema as the output schema of algorithm gid.
func (r *Registry) Register(gid, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	schemaURL := fmt.Sprintf("https://aiverify.local/algorithms/%s/output.schema.json", gid)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("loading output schema for %s: %w", gid, err)
	}

	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("compiling output schema for %s: %w", gid, err)
	}

	r.mu.Lock()
	r.schemas[gid] = compiled
	r.mu.Unlock()

	return nil
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.schemas)
}

// ValidateOutput checks that output is a non-empty JSON object and, when
// a schema is registered for gid, that it satisfies it.
func (r *Registry) ValidateOutput(gid string, output []byte) error {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ErrEmptyOutput
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return ErrInvalidOutput
	}

	if len(obj) == 0 {
		return ErrEmptyOutput
	}

	r.mu.RLock()
	compiled := r.schemas[gid]
	r.mu.RUnlock()

	if compiled == nil {
		return nil
	}

	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("algorithm output does not match schema: %w", err)
	}

	return nil
}
