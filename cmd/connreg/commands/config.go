package commands

import (
	"fmt"
	"os"

	"github.com/sysmetrics/connreg/internal/logging"
	"github.com/sysmetrics/connreg/internal/schema"
	"github.com/sysmetrics/connreg/internal/secret"
)

// Config carries the settings shared by every subcommand. The root
// command fills it in from persistent flags before RunE fires.
type Config struct {
	Logger           *logging.Logger
	ConnectionsPath  string
	SharedSecretPath string
}

// loadBundle reads and parses the connections secret.
func (c *Config) loadBundle() (*secret.Bundle, error) {
	loader := secret.NewLoader(c.ConnectionsPath, c.Logger)
	bundle, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load connections secret: %w", err)
	}
	return bundle, nil
}

// loadShared reads the shared password secret. A missing file is not
// an error: the deployment may give every platform its own password.
func (c *Config) loadShared() ([]byte, error) {
	data, err := secret.ReadShared(c.SharedSecretPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.Logger.Debug("no shared secret at %s", c.SharedSecretPath)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read shared secret: %w", err)
	}
	return data, nil
}

// validateBundle runs schema validation and splits the bundle into
// usable configs and per-platform failures.
func (c *Config) validateBundle(bundle *secret.Bundle, hasSharedSecret bool) ([]secret.PlatformConfig, map[string]error, error) {
	validator, err := schema.New(c.Logger, hasSharedSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile platform schema: %w", err)
	}
	valid, failed := validator.ValidateBundle(bundle)
	failures := make(map[string]error, len(failed))
	for name, verr := range failed {
		failures[name] = verr
	}
	return valid, failures, nil
}
