// Package guard owns the shared secondary secret. The secret is sealed
// into a memguard enclave at startup: encrypted at rest in memory,
// protected from swapping via mlock, wiped on destruction. Nothing in
// this package returns the raw value; callers get a capability to use
// it for the duration of a callback and nothing more, so extraction is
// a compile-time impossibility rather than a runtime check.
package guard

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrNoSecret is returned by Use when the guard holds no secret, i.e.
// the deployment did not supply a secondary secret.
var ErrNoSecret = errors.New("no shared secret configured")

// Guard wraps the shared password from the secondary secret.
type Guard struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// New seals the secret bytes into a protected enclave and wipes the
// input slice so the plaintext does not linger in caller memory. A nil
// or empty input produces a guard with no secret.
func New(data []byte) *Guard {
	if len(data) == 0 {
		return &Guard{}
	}
	// NewEnclave wipes the source buffer after sealing.
	return &Guard{enclave: memguard.NewEnclave(data)}
}

// HasSecret reports whether a secret is held, without revealing it.
func (g *Guard) HasSecret() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enclave != nil && !g.destroyed
}

// Use decrypts the secret for the duration of fn and wipes the
// plaintext buffer afterward. fn must not retain the password beyond
// its return; handing it to a connection attempt is the intended use.
func (g *Guard) Use(fn func(password string) error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.enclave == nil || g.destroyed {
		return ErrNoSecret
	}

	locked, err := g.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.String())
}

// Destroy drops the enclave so the guard cannot be used again.
// Idempotent; Use after Destroy returns ErrNoSecret.
func (g *Guard) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.destroyed {
		return
	}
	g.enclave = nil
	g.destroyed = true
}

// String keeps the secret out of formatted output.
func (g *Guard) String() string { return "guard{[REDACTED]}" }

// GoString keeps the secret out of %#v output.
func (g *Guard) GoString() string { return "guard{[REDACTED]}" }

// MarshalJSON keeps the secret out of serialized output.
func (g *Guard) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// Purge wipes all memguard-managed memory. Wired into process shutdown
// by the serve command.
func Purge() {
	memguard.Purge()
}
