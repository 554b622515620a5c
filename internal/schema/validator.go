// Package schema validates parsed platform records before the registry
// touches the network. Validation never stops at the first problem: all
// violations for a platform are collected so an operator gets the full
// picture in one pass, and one platform's failure never blocks another
// from being registered.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	regerrors "github.com/sysmetrics/connreg/internal/errors"
	"github.com/sysmetrics/connreg/internal/logging"
	"github.com/sysmetrics/connreg/internal/secret"
)

// platformSchema is the structural contract for one platform record.
// DNS resolution is deliberately not part of validation; the registry
// resolves at connect time so network failures stay distinguishable
// from configuration failures.
const platformSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "type", "host", "port", "user", "databases"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[a-z0-9_-]+$"
    },
    "type": {
      "type": "string",
      "enum": ["influx", "postgres", "mysql"]
    },
    "host": {
      "type": "string",
      "minLength": 1
    },
    "port": {
      "type": "integer",
      "minimum": 1,
      "maximum": 65535
    },
    "user": {
      "type": "string",
      "minLength": 1
    },
    "databases": {
      "type": "array",
      "items": {"type": "string", "minLength": 1},
      "minItems": 1
    },
    "ssl": {"type": "boolean"}
  }
}`

// Validator checks platform records against the schema and the policy
// around the shared secret.
type Validator struct {
	schema          *gojsonschema.Schema
	hasSharedSecret bool
	logger          *logging.Logger
}

// New compiles the platform schema. hasSharedSecret tells the validator
// whether a platform may omit its password and authenticate with the
// guarded shared secret instead.
func New(logger *logging.Logger, hasSharedSecret bool) (*Validator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(platformSchema))
	if err != nil {
		return nil, fmt.Errorf("compile platform schema: %w", err)
	}
	return &Validator{
		schema:          compiled,
		hasSharedSecret: hasSharedSecret,
		logger:          logger,
	}, nil
}

// Validate returns every violation found for one platform record. An
// empty slice means the record is valid.
func (v *Validator) Validate(cfg secret.PlatformConfig) []string {
	var violations []string

	// The document handed to the schema never includes the password;
	// presence is policy, not structure, and is checked separately.
	doc := map[string]interface{}{
		"name":      cfg.Name,
		"type":      string(cfg.Kind),
		"host":      cfg.Host,
		"port":      cfg.Port,
		"user":      cfg.User,
		"databases": cfg.Databases,
		"ssl":       cfg.SSL,
	}

	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return []string{fmt.Sprintf("cannot encode record for validation: %v", err)}
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(jsonDoc))
	if err != nil {
		return []string{fmt.Sprintf("schema validation error: %v", err)}
	}
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}

	if !cfg.HasPassword() && !v.hasSharedSecret {
		violations = append(violations,
			"password: platform has no password and no shared secret is configured")
	}

	return violations
}

// ValidateBundle applies the partial-bundle policy: valid platforms are
// returned in secret-file order, invalid ones are reported per platform
// without blocking the rest. Parser-level problems (missing fields, bad
// ports, empty database lists) fold into the same per-platform report.
func (v *Validator) ValidateBundle(bundle *secret.Bundle) ([]secret.PlatformConfig, map[string]*regerrors.ValidationError) {
	var valid []secret.PlatformConfig
	failed := make(map[string]*regerrors.ValidationError)

	for name, problem := range bundle.Problems() {
		var ve *regerrors.ValidationError
		if errors.As(problem, &ve) {
			failed[name] = ve
		} else {
			failed[name] = &regerrors.ValidationError{
				Platform:   name,
				Violations: []string{problem.Error()},
			}
		}
		v.logger.Warn("platform %q excluded: %v", name, failed[name].Violations)
	}

	for _, cfg := range bundle.Platforms() {
		if violations := v.Validate(cfg); len(violations) > 0 {
			failed[cfg.Name] = &regerrors.ValidationError{
				Platform:   cfg.Name,
				Violations: violations,
			}
			v.logger.Warn("platform %q excluded: %d validation violation(s)", cfg.Name, len(violations))
			continue
		}
		valid = append(valid, cfg)
	}
	return valid, failed
}
