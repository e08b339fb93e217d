// Package envelope validates the outer JSON envelope of a document (for
// the host, each control-channel request line) against a named JSON
// Schema before the inner payload is decoded. Only JSON input is accepted.
// Compiled schemas are cached per name so repeated validation against
// the same envelope shape never recompiles.
package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Cache compiles and caches JSON Schemas by name, so repeated envelope
// validation (every control-channel request with a registered schema) does not
// recompile the schema document each time.
type Cache struct {
	mu        sync.Mutex
	compiler  *jsonschema.Compiler
	schemas   map[string]*jsonschema.Schema
	registered map[string]bool
}

// NewCache constructs an empty envelope schema cache.
func NewCache() *Cache {
	return &Cache{
		compiler:   jsonschema.NewCompiler(),
		schemas:    make(map[string]*jsonschema.Schema),
		registered: make(map[string]bool),
	}
}

// Register adds a named JSON Schema document to the cache without
// compiling it yet; compilation happens lazily on first Validate.
func (c *Cache) Register(name string, schemaDoc []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doc interface{}
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return fmt.Errorf("envelope: parse schema %q: %w", name, err)
	}
	if err := c.compiler.AddResource(name, bytes.NewReader(schemaDoc)); err != nil {
		return fmt.Errorf("envelope: add schema %q: %w", name, err)
	}
	delete(c.schemas, name)
	c.registered[name] = true
	return nil
}

// Registered reports whether name has been Register'd, so a caller can
// treat an unregistered envelope as "no validation configured" instead
// of triggering jsonschema's remote-resolution fallback for an unknown
// schema id.
func (c *Cache) Registered(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[name]
}

func (c *Cache) compiled(name string) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[name]; ok {
		return s, nil
	}
	s, err := c.compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("envelope: compile schema %q: %w", name, err)
	}
	c.schemas[name] = s
	return s, nil
}

// Validate checks envelopeJSON (the outer JSON document - manifest, a
// schema/module/plan/cap/policy node, or a control-channel NDJSON body)
// against the named registered schema.
func (c *Cache) Validate(ctx context.Context, name string, envelopeJSON []byte) error {
	s, err := c.compiled(name)
	if err != nil {
		return err
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(envelopeJSON))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("envelope: parse document: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("envelope: %q: %w", name, err)
	}
	return nil
}
