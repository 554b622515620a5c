package secret

import (
	"bytes"
	"os"

	regerrors "github.com/sysmetrics/connreg/internal/errors"
	"github.com/sysmetrics/connreg/internal/logging"
)

// Swarm mounts secrets as files under /run/secrets. These are the
// names the deployment creates.
const (
	DefaultConnectionsPath  = "/run/secrets/analytics_connections"
	DefaultSharedSecretPath = "/run/secrets/analytics_password"
)

// Loader re-reads the connection secret from its mounted path. One
// loader is created at startup and invoked again on rotation (SIGHUP),
// producing a fresh Bundle each time.
type Loader struct {
	path   string
	logger *logging.Logger
}

// NewLoader creates a loader for the secret file at path.
func NewLoader(path string, logger *logging.Logger) *Loader {
	if path == "" {
		path = DefaultConnectionsPath
	}
	return &Loader{path: path, logger: logger}
}

// Path returns the secret file path this loader reads.
func (l *Loader) Path() string {
	return l.path
}

// Load reads and parses the secret file. The raw bytes never reach a
// log line; only the path and the typed parse error do.
func (l *Loader) Load() (*Bundle, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, &regerrors.ParseError{
			Message: "cannot read secret file " + l.path,
			Cause:   err,
		}
	}
	bundle, err := Parse(data)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("loaded secret from %s: %d platform(s)", l.path, bundle.Len())
	return bundle, nil
}

// ReadShared reads the secondary secret file and returns its trimmed
// bytes. The caller hands them straight to the credential guard, which
// seals them; the returned slice is wiped by the guard constructor.
func ReadShared(path string) ([]byte, error) {
	if path == "" {
		path = DefaultSharedSecretPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(data), nil
}
