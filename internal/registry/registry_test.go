package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysmetrics/connreg/internal/backend"
	regerrors "github.com/sysmetrics/connreg/internal/errors"
	"github.com/sysmetrics/connreg/internal/guard"
	"github.com/sysmetrics/connreg/internal/logging"
	"github.com/sysmetrics/connreg/internal/secret"
)

type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	pingErr error
	dbs     []string
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Databases() []string { return c.dbs }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeBackend fails the first `failures` attempts, then succeeds. If
// block is non-nil, Connect waits on it before returning, which lets
// tests race a slow dial against a reload.
type fakeBackend struct {
	mu           sync.Mutex
	failures     int
	attempts     int
	block        chan struct{}
	lastPassword string
	conns        []*fakeConn
}

func (b *fakeBackend) Kind() secret.Kind { return secret.KindInflux }

func (b *fakeBackend) Connect(ctx context.Context, cfg secret.PlatformConfig, password string) (backend.Conn, error) {
	b.mu.Lock()
	b.attempts++
	// The password string aliases guard-protected memory that is wiped
	// when Use returns; clone it before retaining.
	b.lastPassword = strings.Clone(password)
	fail := b.attempts <= b.failures
	block := b.block
	b.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	conn := &fakeConn{dbs: cfg.Databases}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	return conn, nil
}

func (b *fakeBackend) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func testOptions() Options {
	return Options{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}
}

func platform(name, password string) secret.PlatformConfig {
	return secret.PlatformConfig{
		Name:      name,
		Kind:      secret.KindInflux,
		Host:      "h",
		Port:      8086,
		User:      "u",
		Password:  logging.Secret(password),
		Databases: []string{"metrics"},
	}
}

func newTestRegistry(fb *fakeBackend, g *guard.Guard) *Registry {
	set := backend.NewSet()
	set.Register(fb)
	if g == nil {
		g = guard.New(nil)
	}
	return New(set, g, logging.New(false, true), testOptions())
}

func TestRegister_AndGet(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	h, err := r.Register(context.Background(), platform("uma", "pass1"))
	require.NoError(t, err)
	assert.Equal(t, "uma", h.Name())
	assert.Equal(t, []string{"metrics"}, h.Databases())

	got, err := r.Get("uma")
	require.NoError(t, err)
	assert.Same(t, h, got)

	_, err = r.Get("beta")
	require.Error(t, err)
	assert.True(t, regerrors.IsNotFound(err))
}

func TestRegister_RetriesWithBackoff(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{failures: 2}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	_, err := r.Register(context.Background(), platform("uma", "p"))
	require.NoError(t, err)
	assert.Equal(t, 3, fb.attemptCount())
}

func TestRegister_BoundedAttempts(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{failures: 100}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	_, err := r.Register(context.Background(), platform("uma", "p"))
	require.Error(t, err)

	var ce *regerrors.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "uma", ce.Platform)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, fb.attemptCount())

	// Failure leaves the name absent, not poisoned.
	_, err = r.Get("uma")
	assert.True(t, regerrors.IsNotFound(err))
	// But the platform stays desired so the supervisor can retry it.
	assert.Equal(t, []string{"uma"}, r.DesiredNames())
}

func TestRegister_SharedSecretFallback(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	g := guard.New([]byte("shared-pw"))
	r := newTestRegistry(fb, g)
	defer r.Close()

	_, err := r.Register(context.Background(), platform("uma", ""))
	require.NoError(t, err)
	assert.Equal(t, "shared-pw", fb.lastPassword)
}

func TestReload_UnchangedKeepsHandleIdentity(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	cfg := platform("uma", "p")
	h, err := r.Register(context.Background(), cfg)
	require.NoError(t, err)
	dials := fb.attemptCount()

	failures := r.Reload(context.Background(), []secret.PlatformConfig{cfg})
	assert.Empty(t, failures)

	got, err := r.Get("uma")
	require.NoError(t, err)
	assert.Same(t, h, got, "unchanged config must not reconnect")
	assert.Equal(t, dials, fb.attemptCount())
}

func TestReload_ChangedCredentialsReplacesHandle(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	old, err := r.Register(context.Background(), platform("uma", "old-pass"))
	require.NoError(t, err)

	failures := r.Reload(context.Background(), []secret.PlatformConfig{platform("uma", "new-pass")})
	assert.Empty(t, failures)

	got, err := r.Get("uma")
	require.NoError(t, err)
	assert.NotSame(t, old, got)
	assert.True(t, old.conn.(*fakeConn).isClosed(), "old-credential handle must be closed")
	assert.Equal(t, "new-pass", fb.lastPassword)
}

func TestReload_RemovedPlatformEvicted(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	h, err := r.Register(context.Background(), platform("uma", "p"))
	require.NoError(t, err)

	r.Reload(context.Background(), nil)

	_, err = r.Get("uma")
	assert.True(t, regerrors.IsNotFound(err))
	assert.True(t, h.conn.(*fakeConn).isClosed())
	assert.Empty(t, r.DesiredNames())
}

func TestReload_AbandonedHandleClosedNotInserted(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{block: make(chan struct{})}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		_, err := r.Register(context.Background(), platform("uma", "old-pass"))
		done <- err
	}()

	// Wait until the dial is in flight, then drop the platform.
	require.Eventually(t, func() bool { return fb.attemptCount() == 1 },
		time.Second, time.Millisecond)
	r.Reload(context.Background(), nil)

	close(fb.block)
	err := <-done
	require.Error(t, err, "stale registration must not succeed")

	_, err = r.Get("uma")
	assert.True(t, regerrors.IsNotFound(err))

	// The abandoned connection must have been closed, not leaked.
	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		for _, c := range fb.conns {
			if !c.isClosed() {
				return false
			}
		}
		return len(fb.conns) > 0
	}, time.Second, time.Millisecond)
}

func TestReload_ConcurrentGets(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	_, err := r.Register(context.Background(), platform("uma", "p1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if h, err := r.Get("uma"); err == nil {
					_ = h.Databases()
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		pw := "p1"
		if i%2 == 1 {
			pw = "p2"
		}
		r.Reload(context.Background(), []secret.PlatformConfig{platform("uma", pw)})
	}
	close(stop)
	wg.Wait()

	_, err = r.Get("uma")
	assert.NoError(t, err)
}

func TestReconnect(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{failures: 3}
	r := newTestRegistry(fb, nil)
	defer r.Close()

	// Startup fails after 3 attempts; the platform stays desired.
	_, err := r.Register(context.Background(), platform("uma", "p"))
	require.Error(t, err)

	// The supervisor later asks for a single fresh attempt.
	require.NoError(t, r.Reconnect(context.Background(), "uma"))
	assert.Equal(t, 4, fb.attemptCount())

	_, err = r.Get("uma")
	assert.NoError(t, err)

	assert.True(t, regerrors.IsNotFound(r.Reconnect(context.Background(), "ghost")))
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	r := newTestRegistry(fb, nil)

	h, err := r.Register(context.Background(), platform("uma", "p"))
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.True(t, h.conn.(*fakeConn).isClosed())

	_, err = r.Register(context.Background(), platform("beta", "p"))
	assert.Error(t, err)
}
