// Package connectivity tracks whether the identity server is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tendant/simple-idm-session/pkg/domain"
)

// DefaultInterval is the probe period when none is configured.
const DefaultInterval = 10 * time.Second

// Prober checks server reachability.
type Prober interface {
	Health(ctx context.Context) error
}

// Config holds monitor configuration.
type Config struct {
	Interval time.Duration
	// Timeout bounds a single probe. Defaults to Interval.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Monitor probes the server on an interval and reports online/offline
// transitions. Hosts with OS-level reachability signals can feed them in
// through Report.
type Monitor struct {
	prober   Prober
	onChange func(online bool)
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	online bool
}

// New creates a monitor that calls onChange on every transition. The
// monitor starts out online.
func New(prober Prober, onChange func(online bool), cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &Monitor{
		prober:   prober,
		onChange: onChange,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		online:   true,
	}
}

// Run probes immediately and then on every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one health check and records the result. Any HTTP response
// means the server is reachable, whatever its status.
func (m *Monitor) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Health(probeCtx)
	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil || !domain.IsNetwork(err)
	if !online {
		m.logger.Debug("health probe failed", "error", err)
	}
	m.Report(online)
	return online
}

// Report records an externally observed reachability state.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.logger.Info("server reachable")
	} else {
		m.logger.Warn("server unreachable")
	}
	m.onChange(online)
}

// Online returns the last recorded state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
