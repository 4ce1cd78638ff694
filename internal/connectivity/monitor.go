// Package connectivity observes online/offline transitions against the
// remote backend. Transitions are debounced: a new state must hold for a
// stabilization window before an edge is emitted, so a flapping uplink does
// not trigger redundant sync cycles.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probe reports whether the remote is currently reachable.
type Probe func(ctx context.Context) bool

// Edge is emitted exactly once per confirmed transition.
type Edge struct {
	Online bool
	At     time.Time
}

type Monitor struct {
	probe         Probe
	interval      time.Duration
	stabilization time.Duration
	logger        *zap.Logger

	mu        sync.RWMutex
	online    bool
	started   bool
	listeners []func(Edge)

	// Candidate state observed but not yet held long enough to confirm.
	candidate      bool
	candidateSince time.Time
}

func NewMonitor(probe Probe, interval, stabilization time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if stabilization < 0 {
		stabilization = 0
	}
	return &Monitor{
		probe:         probe,
		interval:      interval,
		stabilization: stabilization,
		logger:        logger,
	}
}

// OnEdge registers a listener for confirmed transitions. Must be called
// before Run.
func (m *Monitor) OnEdge(fn func(Edge)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Online reports the last confirmed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Run samples the probe until ctx is cancelled. The first sample seeds the
// state without emitting an edge.
func (m *Monitor) Run(ctx context.Context) {
	m.sample(ctx, true)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx, false)
		}
	}
}

func (m *Monitor) sample(ctx context.Context, seed bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	observed := m.probe(probeCtx)
	cancel()
	now := time.Now().UTC()

	m.mu.Lock()
	if seed && !m.started {
		m.started = true
		m.online = observed
		m.candidate = observed
		m.candidateSince = now
		m.mu.Unlock()
		m.logger.Info("connectivity seeded", zap.Bool("online", observed))
		return
	}

	if observed == m.online {
		// Back on the confirmed state; drop any pending candidate.
		m.candidate = observed
		m.candidateSince = now
		m.mu.Unlock()
		return
	}

	if observed != m.candidate {
		// New candidate state; start the stabilization window.
		m.candidate = observed
		m.candidateSince = now
		m.mu.Unlock()
		return
	}

	if now.Sub(m.candidateSince) < m.stabilization {
		m.mu.Unlock()
		return
	}

	// Candidate held for the full window: confirmed edge.
	m.online = observed
	listeners := make([]func(Edge), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	edge := Edge{Online: observed, At: now}
	m.logger.Info("connectivity transition", zap.Bool("online", observed))
	for _, fn := range listeners {
		fn(edge)
	}
}
