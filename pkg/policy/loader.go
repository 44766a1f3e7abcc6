package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Bundle is a versioned collection of policies loaded from disk.
type Bundle struct {
	Version   string    `json:"version"`
	Name      string    `json:"name"`
	Policies  []Policy  `json:"policies"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// bundleSchema validates bundle documents before any policy is
// considered; individually malformed policies inside a valid bundle are
// skipped with a warning.
const bundleSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "policies"],
	"properties": {
		"version": {"type": "string"},
		"name": {"type": "string", "minLength": 1},
		"policies": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "actions"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"priority": {"type": "integer"},
					"enabled": {"type": "boolean"},
					"expression": {"type": "string"},
					"conditions": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["field", "op", "value"],
							"properties": {
								"field": {"type": "string"},
								"op": {"enum": ["eq", "contains", "gt", "gte", "lt", "lte"]},
								"value": {"type": "string"}
							}
						}
					},
					"actions": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["type"],
							"properties": {
								"type": {"enum": ["allow", "block", "alert", "redact", "log"]},
								"params": {"type": "object", "additionalProperties": {"type": "string"}}
							}
						}
					}
				}
			}
		}
	}
}`

// Loader reads policy bundles from a directory of .json files.
type Loader struct {
	dir    string
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewLoader compiles the bundle schema and returns a loader for dir.
func NewLoader(dir string) (*Loader, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://proxilion.schemas.local/policy-bundle.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(bundleSchema)); err != nil {
		return nil, fmt.Errorf("policy: schema load: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("policy: schema compile: %w", err)
	}
	return &Loader{
		dir:    dir,
		schema: compiled,
		logger: slog.Default().With("component", "policy.loader"),
	}, nil
}

// LoadAll parses every .json bundle in the directory and returns the
// combined policy list. A bundle that fails schema validation is skipped
// entirely; a policy that fails Validate inside a good bundle is skipped
// individually.
func (l *Loader) LoadAll() ([]Policy, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read dir %s: %w", l.dir, err)
	}

	var out []Policy
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		bundle, err := l.LoadFile(filepath.Join(l.dir, entry.Name()))
		if err != nil {
			l.logger.Warn("skipping bundle", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, bundle.Policies...)
	}
	return out, nil
}

// LoadFile parses and validates a single bundle file.
func (l *Loader) LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate bundle: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}

	kept := bundle.Policies[:0]
	for _, p := range bundle.Policies {
		if err := p.Validate(); err != nil {
			l.logger.Warn("skipping malformed policy", "policy", p.ID, "error", err)
			continue
		}
		kept = append(kept, p)
	}
	bundle.Policies = kept
	return &bundle, nil
}
