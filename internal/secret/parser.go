package secret

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	regerrors "github.com/sysmetrics/connreg/internal/errors"
	"github.com/sysmetrics/connreg/internal/logging"
)

// Keys every platform block must carry. password is deliberately not
// in this list: a platform without one falls back to the shared secret,
// and the validator rejects it only when no shared secret exists either.
var requiredKeys = []string{"host", "port", "user", "databases"}

// Parse decodes raw secret text into a Bundle.
//
// Structural problems are fatal and return an error: text that is not
// YAML, a top level that is not a mapping, or a platform named twice.
// Field-level problems inside one platform block are not fatal; the
// block is recorded under Bundle.Problems with its typed error and the
// remaining platforms parse normally.
//
// The document is walked at the yaml.Node level rather than decoded
// into a map, because a map decode silently keeps the last of two
// duplicate platform blocks; duplicates must fail instead.
func Parse(data []byte) (*Bundle, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &regerrors.ParseError{Message: "secret is not valid YAML", Cause: err}
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, &regerrors.ParseError{Message: "secret is empty"}
	}

	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, &regerrors.ParseError{Message: "secret top level must be a mapping of platform blocks"}
	}

	bundle := newBundle()
	for i := 0; i+1 < len(top.Content); i += 2 {
		keyNode, valNode := top.Content[i], top.Content[i+1]
		name := keyNode.Value

		if bundle.seen(name) {
			return nil, &regerrors.DuplicatePlatformError{Platform: name}
		}
		if valNode.Kind != yaml.MappingNode {
			return nil, &regerrors.ParseError{
				Message: fmt.Sprintf("platform %q: block must be a mapping", name),
			}
		}

		cfg, err := parsePlatform(name, valNode)
		if err != nil {
			bundle.addProblem(name, err)
			continue
		}
		bundle.add(cfg)
	}

	if bundle.Len() == 0 && len(bundle.problems) == 0 {
		return nil, &regerrors.ParseError{Message: "secret contains no platform blocks"}
	}
	return bundle, nil
}

func parsePlatform(name string, node *yaml.Node) (PlatformConfig, error) {
	fields := make(map[string]*yaml.Node)
	for i := 0; i+1 < len(node.Content); i += 2 {
		fields[node.Content[i].Value] = node.Content[i+1]
	}

	for _, key := range requiredKeys {
		if _, ok := fields[key]; !ok {
			return PlatformConfig{}, &regerrors.MissingFieldError{Platform: name, Field: key}
		}
	}

	cfg := PlatformConfig{
		Name: name,
		Kind: KindInflux,
		Host: strings.TrimSpace(fields["host"].Value),
		User: strings.TrimSpace(fields["user"].Value),
	}

	port, err := strconv.Atoi(strings.TrimSpace(fields["port"].Value))
	if err != nil || port < 1 || port > 65535 {
		return PlatformConfig{}, &regerrors.InvalidPortError{
			Platform: name,
			Value:    fields["port"].Value,
		}
	}
	cfg.Port = port

	if pw, ok := fields["password"]; ok {
		cfg.Password = logging.Secret(pw.Value)
	}

	dbs, err := parseDatabases(name, fields["databases"])
	if err != nil {
		return PlatformConfig{}, err
	}
	cfg.Databases = dbs

	if kind, ok := fields["type"]; ok {
		cfg.Kind = Kind(strings.ToLower(strings.TrimSpace(kind.Value)))
	}
	if ssl, ok := fields["ssl"]; ok {
		v, err := strconv.ParseBool(ssl.Value)
		if err != nil {
			return PlatformConfig{}, &regerrors.ValidationError{
				Platform:   name,
				Violations: []string{"ssl must be a boolean"},
			}
		}
		cfg.SSL = v
	}

	return cfg, nil
}

// parseDatabases accepts either a sequence of names or, for backward
// compatibility with older secrets, a single scalar treated as a
// one-element list.
func parseDatabases(platform string, node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" || strings.TrimSpace(node.Value) == "" {
			return nil, &regerrors.EmptyDatabaseListError{Platform: platform}
		}
		return []string{strings.TrimSpace(node.Value)}, nil

	case yaml.SequenceNode:
		if len(node.Content) == 0 {
			return nil, &regerrors.EmptyDatabaseListError{Platform: platform}
		}
		dbs := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode || strings.TrimSpace(item.Value) == "" {
				return nil, &regerrors.ValidationError{
					Platform:   platform,
					Violations: []string{"databases entries must be non-empty strings"},
				}
			}
			dbs = append(dbs, strings.TrimSpace(item.Value))
		}
		return dbs, nil

	default:
		return nil, &regerrors.ValidationError{
			Platform:   platform,
			Violations: []string{"databases must be a list or a single name"},
		}
	}
}
