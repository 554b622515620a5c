// Package backend abstracts the database flavors a platform may run.
// Each backend knows how to establish one live connection from a
// validated PlatformConfig and how to probe it cheaply. The registry
// package owns connection lifecycle; backends only dial and ping.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/sysmetrics/connreg/internal/logging"
	"github.com/sysmetrics/connreg/internal/secret"
)

// DialTimeout bounds a single connection attempt.
const DialTimeout = 5 * time.Second

// Conn is a live connection to one platform's database server.
type Conn interface {
	// Ping issues a lightweight liveness probe.
	Ping(ctx context.Context) error

	// Databases returns the database names this connection serves.
	Databases() []string

	// Close releases the connection. Idempotent.
	Close() error
}

// Backend connects to one database flavor.
type Backend interface {
	Kind() secret.Kind
	Connect(ctx context.Context, cfg secret.PlatformConfig, password string) (Conn, error)
}

// Set holds the available backends keyed by kind.
type Set struct {
	backends map[secret.Kind]Backend
}

// NewSet returns the built-in backends: influx, postgres, mysql.
func NewSet() *Set {
	s := &Set{backends: make(map[secret.Kind]Backend)}
	s.Register(NewInfluxBackend())
	s.Register(NewSQLBackend(secret.KindPostgres))
	s.Register(NewSQLBackend(secret.KindMySQL))
	return s
}

// Register adds or replaces a backend.
func (s *Set) Register(b Backend) {
	s.backends[b.Kind()] = b
}

// For returns the backend for a kind.
func (s *Set) For(kind secret.Kind) (Backend, bool) {
	b, ok := s.backends[kind]
	return b, ok
}

// Kinds returns the registered backend kinds.
func (s *Set) Kinds() []secret.Kind {
	kinds := make([]secret.Kind, 0, len(s.backends))
	for kind := range s.backends {
		kinds = append(kinds, kind)
	}
	return kinds
}

// sanitize strips the credential from a driver error before it leaves
// this package. Driver and URL errors can echo the DSN they were given.
func sanitize(err error, password string) error {
	if err == nil {
		return nil
	}
	return errors.New(logging.Redact(err.Error(), []string{password}))
}
