package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/toolgate/internal/identity"
	"github.com/haasonsaas/toolgate/internal/roles"
)

// skillManifestSchema is the structural contract for skill manifests.
// Validation runs before decoding so a malformed manifest fails with a
// path into the document instead of a decode error.
const skillManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version", "skills"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "generatedAt": {"type": "string"},
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "description": {"type": "string"},
          "allowedRoles": {"type": "array", "items": {"type": "string"}},
          "allowedTools": {"type": "array", "items": {"type": "string"}},
          "identityConfig": {"type": "object"},
          "grants": {"type": "object"}
        }
      }
    }
  }
}`

var compiledSkillSchema = jsonschema.MustCompileString("skill-manifest.json", skillManifestSchema)

// LoadSkillManifest reads, validates, and decodes a skill manifest.
func LoadSkillManifest(path string) (*roles.Manifest, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("skill manifest: %w", err)
	}

	// Round-trip through encoding/json so the validator sees canonical
	// JSON value types regardless of the source format.
	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("skill manifest: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("skill manifest: %w", err)
	}
	if err := compiledSkillSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: skill manifest %s: %v", ErrInvalidConfig, path, err)
	}

	var manifest roles.Manifest
	if err := strictDecode(raw, &manifest); err != nil {
		return nil, fmt.Errorf("skill manifest %s: %w", path, err)
	}
	return &manifest, nil
}

// LoadIdentity reads the identity overlay. Version and defaultRole are
// mandatory even under rejectUnknown, so toggling rejection off at
// runtime never leaves the resolver without a fall-through role.
func LoadIdentity(path string) (*identity.Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("identity config: %w", err)
	}

	var cfg identity.Config
	if err := strictDecode(raw, &cfg); err != nil {
		return nil, fmt.Errorf("identity config %s: %w", path, err)
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("%w: identity config %s: missing version", ErrInvalidConfig, path)
	}
	if cfg.DefaultRole == "" {
		return nil, fmt.Errorf("%w: identity config %s: missing defaultRole", ErrInvalidConfig, path)
	}
	return &cfg, nil
}

// strictDecode round-trips a raw map through YAML into v, rejecting
// unknown fields.
func strictDecode(raw map[string]any, v any) error {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("%w: expected single document", ErrInvalidConfig)
	}
	return nil
}
