// Package registry owns the live connections, one per validated
// platform. All access to the platform map goes through the registry:
// readers share a lock, mutation takes it exclusively, and nothing
// holds it while waiting on the network. A generation counter makes
// reloads atomic from a reader's perspective: a connection established
// for a superseded configuration is closed, never inserted.
package registry

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sysmetrics/connreg/internal/backend"
	regerrors "github.com/sysmetrics/connreg/internal/errors"
	"github.com/sysmetrics/connreg/internal/guard"
	"github.com/sysmetrics/connreg/internal/logging"
	"github.com/sysmetrics/connreg/internal/secret"
)

// Options bound the connect retry loop.
type Options struct {
	// MaxAttempts is the number of connection attempts per platform
	// before the failure surfaces. Minimum 1.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per attempt
	// with ±20% jitter.
	BackoffBase time.Duration

	// BackoffCap limits the delay growth.
	BackoffCap time.Duration
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  5 * time.Second,
	}
}

func (o Options) normalized() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap < o.BackoffBase {
		o.BackoffCap = o.BackoffBase
	}
	return o
}

// Handle is the opaque owner of one platform's live connection.
type Handle struct {
	name        string
	fingerprint string
	kind        secret.Kind
	conn        backend.Conn
}

// Name returns the platform name the handle serves.
func (h *Handle) Name() string { return h.name }

// Kind returns the backend kind behind the handle.
func (h *Handle) Kind() secret.Kind { return h.kind }

// Databases returns the database names this connection serves.
func (h *Handle) Databases() []string { return h.conn.Databases() }

// Ping probes the underlying connection.
func (h *Handle) Ping(ctx context.Context) error { return h.conn.Ping(ctx) }

func (h *Handle) close() { _ = h.conn.Close() }

// Registry maps platform names to live connection handles.
type Registry struct {
	backends *backend.Set
	guard    *guard.Guard
	logger   *logging.Logger
	opts     Options

	mu         sync.RWMutex
	generation uint64
	handles    map[string]*Handle
	desired    map[string]secret.PlatformConfig
	closed     bool
}

// New creates an empty registry. The guard supplies the shared secret
// for platforms that carry no password of their own.
func New(backends *backend.Set, g *guard.Guard, logger *logging.Logger, opts Options) *Registry {
	return &Registry{
		backends: backends,
		guard:    g,
		logger:   logger,
		opts:     opts.normalized(),
		handles:  make(map[string]*Handle),
		desired:  make(map[string]secret.PlatformConfig),
	}
}

// Register establishes a connection for one platform and inserts it.
// The connection attempt runs outside the registry lock; insertion
// happens only if the platform's desired configuration is still the one
// the attempt was made for. A handle that completes for a superseded
// configuration is closed instead of inserted.
func (r *Registry) Register(ctx context.Context, cfg secret.PlatformConfig) (*Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is closed")
	}
	r.desired[cfg.Name] = cfg
	r.mu.Unlock()

	return r.establish(ctx, cfg, r.opts.MaxAttempts)
}

// establish connects with bounded backoff and inserts under the lock.
func (r *Registry) establish(ctx context.Context, cfg secret.PlatformConfig, maxAttempts int) (*Handle, error) {
	conn, attempts, err := r.connect(ctx, cfg, maxAttempts)
	if err != nil {
		return nil, &regerrors.ConnectError{Platform: cfg.Name, Attempts: attempts, Cause: err}
	}

	h := &Handle{
		name:        cfg.Name,
		fingerprint: cfg.Fingerprint(),
		kind:        cfg.Kind,
		conn:        conn,
	}

	r.mu.Lock()
	current, wanted := r.desired[cfg.Name]
	if r.closed || !wanted || current.Fingerprint() != h.fingerprint {
		// The registry moved on while we were dialing.
		r.mu.Unlock()
		h.close()
		return nil, fmt.Errorf("platform %q: configuration changed during connect", cfg.Name)
	}
	if old, ok := r.handles[cfg.Name]; ok {
		defer old.close()
	}
	r.handles[cfg.Name] = h
	r.mu.Unlock()

	r.logger.Info("registered platform %q (%s %s)", cfg.Name, cfg.Kind, cfg.Addr())
	return h, nil
}

// connect runs the retry loop. Each attempt resolves the credential
// fresh: a platform password directly, the guarded shared secret via a
// capability callback so the plaintext never outlives one attempt.
func (r *Registry) connect(ctx context.Context, cfg secret.PlatformConfig, maxAttempts int) (backend.Conn, int, error) {
	b, ok := r.backends.For(cfg.Kind)
	if !ok {
		return nil, 0, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepBackoff(ctx, r.opts, attempt-1); err != nil {
				return nil, attempt - 1, err
			}
		}

		var conn backend.Conn
		var err error
		if cfg.HasPassword() {
			conn, err = b.Connect(ctx, cfg, cfg.Password.Raw())
		} else {
			err = r.guard.Use(func(password string) error {
				var dialErr error
				conn, dialErr = b.Connect(ctx, cfg, password)
				return dialErr
			})
		}
		if err == nil {
			return conn, attempt, nil
		}
		lastErr = err
		r.logger.Debug("platform %q: connect attempt %d/%d failed", cfg.Name, attempt, maxAttempts)

		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
	}
	return nil, maxAttempts, lastErr
}

func sleepBackoff(ctx context.Context, opts Options, retries int) error {
	delay := opts.BackoffBase << (retries - 1)
	if delay > opts.BackoffCap {
		delay = opts.BackoffCap
	}
	// ±20% jitter keeps a fleet of platforms from retrying in lockstep.
	jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
	timer := time.NewTimer(delay + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Get returns the live handle for a platform. Safe to call
// concurrently with Reload; it observes either the previous generation
// or the new one, never a mixture.
func (r *Registry) Get(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[name]
	if !ok {
		return nil, &regerrors.NotFoundError{Platform: name}
	}
	return h, nil
}

// Names returns the registered platform names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handles))
	for name := range r.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DesiredNames returns every configured platform, registered or not,
// sorted. The health supervisor probes this set so a platform that
// failed at startup still gets reconnect attempts.
func (r *Registry) DesiredNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.desired))
	for name := range r.desired {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reload atomically swaps the active platform set to match the new
// bundle's valid configs. Unchanged platforms keep their handle,
// removed and changed ones have their old handle closed and evicted at
// the swap point, and new or changed platforms are established outside
// the lock afterwards. Returns the per-platform failures.
func (r *Registry) Reload(ctx context.Context, configs []secret.PlatformConfig) map[string]error {
	newDesired := make(map[string]secret.PlatformConfig, len(configs))
	for _, cfg := range configs {
		newDesired[cfg.Name] = cfg
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return map[string]error{"": fmt.Errorf("registry is closed")}
	}

	var evicted []*Handle
	var toEstablish []secret.PlatformConfig

	for name, h := range r.handles {
		cfg, keep := newDesired[name]
		if keep && cfg.Fingerprint() == h.fingerprint {
			continue // unchanged: handle identity preserved
		}
		// Removed or changed: evict at the swap point so no reader
		// sees an old-credential handle after this generation.
		delete(r.handles, name)
		evicted = append(evicted, h)
	}
	for name, cfg := range newDesired {
		if h, ok := r.handles[name]; ok && cfg.Fingerprint() == h.fingerprint {
			continue
		}
		toEstablish = append(toEstablish, cfg)
	}

	r.desired = newDesired
	r.generation++
	r.mu.Unlock()

	for _, h := range evicted {
		h.close()
		r.logger.Info("evicted platform %q", h.name)
	}

	sort.Slice(toEstablish, func(i, j int) bool { return toEstablish[i].Name < toEstablish[j].Name })

	failures := make(map[string]error)
	for _, cfg := range toEstablish {
		if _, err := r.establish(ctx, cfg, r.opts.MaxAttempts); err != nil {
			failures[cfg.Name] = err
			r.logger.Warn("reload: %v", err)
		}
	}
	return failures
}

// Databases returns the configured databases for a registered platform.
func (r *Registry) Databases(name string) ([]string, error) {
	h, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return h.Databases(), nil
}

// Probe pings the live connection for one platform. The lock is held
// only for the lookup; the network wait happens outside it.
func (r *Registry) Probe(ctx context.Context, name string) error {
	h, err := r.Get(name)
	if err != nil {
		return err
	}
	return h.Ping(ctx)
}

// Reconnect makes one fresh connection attempt for a desired platform,
// replacing its handle on success. The health supervisor calls this
// when a platform goes unreachable; a failure leaves the platform in
// its current state so it can recover on a later probe cycle.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	r.mu.RLock()
	cfg, ok := r.desired[name]
	r.mu.RUnlock()
	if !ok {
		return &regerrors.NotFoundError{Platform: name}
	}

	// Single attempt: the supervisor provides the cadence.
	_, err := r.establish(ctx, cfg, 1)
	return err
}

// Generation returns the current registry generation, for tests and
// diagnostics.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Close closes every handle and rejects further use. Idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.close()
	}
	return nil
}
