// Package health runs the liveness loop over registered platforms and
// tracks a per-platform state machine:
//
//	Healthy --one failed probe--> Degraded
//	Degraded --threshold consecutive failures--> Unreachable
//	any state --successful probe--> Healthy
//
// Entering Unreachable triggers a single reconnect through the
// registry. A platform that keeps failing stays registered and
// Unreachable so it can recover without reconfiguration.
package health

import (
	"context"
	"sync"
	"time"

	regerrors "github.com/sysmetrics/connreg/internal/errors"
	"github.com/sysmetrics/connreg/internal/logging"
)

// State is the health of one platform.
type State int

const (
	// StateHealthy means the last probe succeeded.
	StateHealthy State = iota

	// StateDegraded means at least one probe failed, fewer than the
	// threshold in a row.
	StateDegraded

	// StateUnreachable means the failure threshold was crossed, or the
	// platform never connected at all.
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// MarshalText lets Status render into JSON responses by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is one platform's health with its last probe time.
type Status struct {
	State     State     `json:"state"`
	LastCheck time.Time `json:"last_check"`
}

// Registry is the slice of the connection registry the supervisor
// needs. Probe returns a NotFound error for a desired platform that
// currently has no live handle.
type Registry interface {
	DesiredNames() []string
	Probe(ctx context.Context, name string) error
	Reconnect(ctx context.Context, name string) error
}

// Config tunes the supervision loop.
type Config struct {
	// Interval between probe sweeps.
	Interval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive probe failures
	// that moves a platform from Degraded to Unreachable.
	FailureThreshold int
}

// DefaultConfig returns the production supervision policy.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

type platformState struct {
	state            State
	consecutiveFails int
	lastCheck        time.Time
}

// Supervisor owns the probe loop.
type Supervisor struct {
	registry Registry
	config   Config
	logger   *logging.Logger
	metrics  *Metrics

	mu     sync.RWMutex
	states map[string]*platformState

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor over the registry's desired platforms.
func New(reg Registry, config Config, logger *logging.Logger) *Supervisor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Supervisor{
		registry: reg,
		config:   config,
		logger:   logger,
		metrics:  GetMetrics(),
		states:   make(map[string]*platformState),
	}
}

// Start launches the probe loop. An initial sweep runs immediately so
// status is populated before the first interval elapses.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.Sweep(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(runCtx)
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep probes every desired platform once and applies the state
// machine. Exposed so the serve command can force a sweep after a
// secret rotation.
func (s *Supervisor) Sweep(ctx context.Context) {
	for _, name := range s.registry.DesiredNames() {
		if ctx.Err() != nil {
			return
		}
		s.probeOne(ctx, name)
	}
	s.prune()
}

func (s *Supervisor) probeOne(ctx context.Context, name string) {
	probeCtx, cancel := context.WithTimeout(ctx, s.config.ProbeTimeout)
	start := time.Now()
	err := s.registry.Probe(probeCtx, name)
	cancel()
	s.metrics.ObserveProbe(name, time.Since(start), err == nil)

	if err != nil && regerrors.IsNotFound(err) {
		// Never connected or evicted by a failed reconnect: try to
		// bring it up, and report Unreachable until that works.
		s.recordNoHandle(ctx, name)
		return
	}
	s.record(ctx, name, err)
}

// recordNoHandle handles desired platforms without a live connection.
// The reconnect attempt doubles as the probe.
func (s *Supervisor) recordNoHandle(ctx context.Context, name string) {
	err := s.registry.Reconnect(ctx, name)
	s.metrics.ObserveReconnect(name, err == nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(name, StateUnreachable)
	st.lastCheck = time.Now()
	if err != nil {
		st.state = StateUnreachable
		st.consecutiveFails++
		s.metrics.SetHealth(name, StateUnreachable)
		return
	}
	st.state = StateHealthy
	st.consecutiveFails = 0
	s.metrics.SetHealth(name, StateHealthy)
	s.logger.Info("platform %q reconnected", name)
}

func (s *Supervisor) record(ctx context.Context, name string, probeErr error) {
	s.mu.Lock()
	st := s.stateLocked(name, StateHealthy)
	st.lastCheck = time.Now()

	if probeErr == nil {
		if st.state != StateHealthy {
			s.logger.Info("platform %q recovered", name)
		}
		st.state = StateHealthy
		st.consecutiveFails = 0
		s.metrics.SetHealth(name, StateHealthy)
		s.mu.Unlock()
		return
	}

	st.consecutiveFails++
	fails := st.consecutiveFails
	wasUnreachable := st.state == StateUnreachable
	if fails >= s.config.FailureThreshold {
		st.state = StateUnreachable
	} else {
		st.state = StateDegraded
	}
	state := st.state
	s.metrics.SetHealth(name, state)
	s.mu.Unlock()

	s.logger.Warn("platform %q probe failed (%d consecutive): %s", name, fails, state)

	// One reconnect on the transition into Unreachable; the no-handle
	// path covers later cycles if the registry evicted the platform.
	if state == StateUnreachable && !wasUnreachable {
		err := s.registry.Reconnect(ctx, name)
		s.metrics.ObserveReconnect(name, err == nil)
		if err == nil {
			s.mu.Lock()
			st.state = StateHealthy
			st.consecutiveFails = 0
			s.mu.Unlock()
			s.metrics.SetHealth(name, StateHealthy)
			s.logger.Info("platform %q reconnected", name)
		}
	}
}

func (s *Supervisor) stateLocked(name string, initial State) *platformState {
	st, ok := s.states[name]
	if !ok {
		st = &platformState{state: initial}
		s.states[name] = st
	}
	return st
}

// prune drops state for platforms no longer desired after a rotation.
func (s *Supervisor) prune() {
	desired := make(map[string]bool)
	for _, name := range s.registry.DesiredNames() {
		desired[name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.states {
		if !desired[name] {
			delete(s.states, name)
			s.metrics.DropPlatform(name)
		}
	}
}

// Status returns the current health of every supervised platform.
func (s *Supervisor) Status() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Status, len(s.states))
	for name, st := range s.states {
		out[name] = Status{State: st.state, LastCheck: st.lastCheck}
	}
	return out
}
