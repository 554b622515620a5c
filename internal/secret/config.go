// Package secret turns the raw connection secret into an immutable
// bundle of per-platform configuration records. Parsing is total and
// side-effect-free: nothing here dials the network or logs the input,
// because the input contains credentials.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/sysmetrics/connreg/internal/logging"
)

// Kind identifies which backend speaks to a platform's database.
type Kind string

const (
	// KindInflux is the default: the analytics stores this component
	// was built for are InfluxDB time-series databases.
	KindInflux Kind = "influx"

	// KindPostgres selects the database/sql postgres backend.
	KindPostgres Kind = "postgres"

	// KindMySQL selects the database/sql mysql backend.
	KindMySQL Kind = "mysql"
)

// PlatformConfig is one named data source from the secret: where it
// lives, how to authenticate, and which databases it serves.
type PlatformConfig struct {
	Name      string
	Kind      Kind
	Host      string
	Port      int
	User      string
	Password  logging.Secret
	Databases []string
	SSL       bool
}

// HasPassword reports whether the platform carries its own password.
// Platforms without one authenticate with the shared secret held by
// the credential guard.
func (c PlatformConfig) HasPassword() bool {
	return c.Password.IsSet()
}

// Addr returns the host:port pair for dialing.
func (c PlatformConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Fingerprint returns a stable digest over every field that affects the
// live connection, credentials included. The registry compares
// fingerprints across reloads to keep handles for unchanged platforms.
func (c PlatformConfig) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d\x00%s\x00%s\x00%t\x00%s",
		c.Name, c.Kind, c.Host, c.Port, c.User, c.Password.Raw(), c.SSL,
		strings.Join(c.Databases, "\x00"))
	return hex.EncodeToString(h.Sum(nil))
}

// Bundle is the full parsed secret: one PlatformConfig per well-formed
// top-level block, in file order, plus the per-platform problems found
// in malformed blocks. A bundle is never mutated after parse; rotation
// replaces it wholesale so readers cannot observe a half-updated set.
type Bundle struct {
	order     []string
	platforms map[string]PlatformConfig
	problems  map[string]error
}

func newBundle() *Bundle {
	return &Bundle{
		platforms: make(map[string]PlatformConfig),
		problems:  make(map[string]error),
	}
}

func (b *Bundle) add(cfg PlatformConfig) {
	b.order = append(b.order, cfg.Name)
	b.platforms[cfg.Name] = cfg
}

func (b *Bundle) addProblem(name string, err error) {
	b.problems[name] = err
}

// Problems returns the per-platform parse failures: blocks that named a
// platform but were missing fields or carried unusable values. These
// platforms are excluded from Platforms(); one bad block never blocks
// the rest of the secret.
func (b *Bundle) Problems() map[string]error {
	out := make(map[string]error, len(b.problems))
	for name, err := range b.problems {
		out[name] = err
	}
	return out
}

func (b *Bundle) seen(name string) bool {
	if _, ok := b.platforms[name]; ok {
		return true
	}
	_, ok := b.problems[name]
	return ok
}

// Len returns the number of platforms in the bundle.
func (b *Bundle) Len() int {
	return len(b.order)
}

// Names returns platform names in secret-file order.
func (b *Bundle) Names() []string {
	names := make([]string, len(b.order))
	copy(names, b.order)
	return names
}

// Get returns the config for one platform.
func (b *Bundle) Get(name string) (PlatformConfig, bool) {
	cfg, ok := b.platforms[name]
	return cfg, ok
}

// Platforms returns all configs in secret-file order.
func (b *Bundle) Platforms() []PlatformConfig {
	out := make([]PlatformConfig, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.platforms[name])
	}
	return out
}
