// Package schema gates what enters and leaves the action queue: payloads are
// validated against per-kind JSON Schemas at enqueue time, and persisted
// payload versions are checked against semver constraints at drain time,
// since a queue written by one app version may be drained by another.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator holds compiled JSON Schemas keyed by action kind. Kinds without
// a registered schema pass unvalidated unless the validator is strict.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	strict  bool
}

// NewValidator returns an empty registry. With strict set, payloads for
// kinds that have no registered schema are rejected instead of passed.
func NewValidator(strict bool) *Validator {
	return &Validator{
		schemas: make(map[string]*jsonschema.Schema),
		strict:  strict,
	}
}

// Register compiles schemaJSON (draft 2020-12) for the given kind, replacing
// any previous registration. Compile failures surface here so a bad schema
// is caught at configuration time.
func (v *Validator) Register(kind, schemaJSON string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://wedsync.schemas.local/actions/%s.schema.json", kind)
	if err := c.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load schema for kind %q: %w", kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for kind %q: %w", kind, err)
	}

	v.mu.Lock()
	v.schemas[kind] = compiled
	v.mu.Unlock()
	return nil
}

// RegisterAll registers every kind → schema pair, stopping at the first
// failure.
func (v *Validator) RegisterAll(schemas map[string]string) error {
	for kind, s := range schemas {
		if err := v.Register(kind, s); err != nil {
			return err
		}
	}
	return nil
}

// Kinds lists the kinds that currently have a schema.
func (v *Validator) Kinds() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	kinds := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		kinds = append(kinds, k)
	}
	return kinds
}

// Validate checks payload against the schema registered for kind. The error
// carries the validation detail and is not retryable: a payload that fails
// here will fail forever.
func (v *Validator) Validate(kind string, payload json.RawMessage) error {
	v.mu.RLock()
	compiled, ok := v.schemas[kind]
	v.mu.RUnlock()

	if !ok {
		if v.strict {
			return fmt.Errorf("no schema registered for kind %q", kind)
		}
		return nil
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return fmt.Errorf("payload for kind %q is not valid JSON: %w", kind, err)
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("payload for kind %q rejected: %w", kind, err)
	}
	return nil
}
