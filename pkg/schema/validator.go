// Package schema validates custom-record payloads against their declared
// JSON Schema. Schemas resolve locally under .gitgov/schemas/ and are pinned
// by checksum so a schema swap cannot silently change validation semantics.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gitgovernance/core/pkg/canonicalize"
	"github.com/gitgovernance/core/pkg/contracts"
)

// Validator compiles and caches schemas referenced by custom records.
type Validator struct {
	mu       sync.Mutex
	baseDir  string // .gitgov/schemas
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates a validator rooted at baseDir.
func NewValidator(baseDir string) *Validator {
	return &Validator{
		baseDir:  baseDir,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// ValidateCustom checks a custom record's payload against the schema named in
// its header, after verifying the pinned schema checksum.
func (v *Validator) ValidateCustom(header contracts.Header, payload json.RawMessage) error {
	if header.Type != contracts.RecordTypeCustom {
		return nil
	}
	schema, err := v.load(header.SchemaURL, header.SchemaChecksum)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &contracts.InvalidEnvelopeError{Reason: fmt.Sprintf("custom payload is not valid JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return &contracts.InvalidEnvelopeError{Reason: fmt.Sprintf("custom payload fails schema %s: %v", header.SchemaURL, err)}
	}
	return nil
}

func (v *Validator) load(schemaURL, pinnedChecksum string) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cacheKey := schemaURL + "@" + pinnedChecksum
	if s, ok := v.compiled[cacheKey]; ok {
		return s, nil
	}

	// Only the file name is honoured; schemas always resolve locally.
	name := filepath.Base(schemaURL)
	path := filepath.Join(v.baseDir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema %s not resolvable locally: %w", schemaURL, err)
	}

	if got := canonicalize.HashBytes(raw); got != pinnedChecksum {
		return nil, &contracts.ChecksumMismatchError{Expected: pinnedChecksum, Actual: got}
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	resource := "https://gitgovernance.schemas.local/" + name
	if err := c.AddResource(resource, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	v.compiled[cacheKey] = compiled
	return compiled, nil
}
