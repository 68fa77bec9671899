// Package netmon observes connectivity to the remote store and publishes
// network.up / network.down events on every transition. It carries no state
// beyond the current boolean and never performs retries itself.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/bus"
)

// Prober is the health probe the monitor polls. The remote store client
// satisfies it.
type Prober interface {
	Healthz(ctx context.Context) error
}

// Monitor tracks reachability of the remote store.
type Monitor struct {
	prober   Prober
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu     sync.RWMutex
	online bool
	known  bool
	cancel context.CancelFunc
}

// NewMonitor creates a monitor probing at the given interval.
func NewMonitor(prober Prober, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Monitor {
	return &Monitor{
		prober:   prober,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the probe loop. The first probe runs immediately so the
// daemon learns its state without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		m.probe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline injects a connectivity state directly (OS hooks, tests).
// An event is published only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if !changed {
		return
	}
	kind := bus.KindNetworkDown
	if online {
		kind = bus.KindNetworkUp
	}
	if m.logger != nil {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.prober.Healthz(probeCtx)
	if ctx.Err() != nil {
		return
	}
	m.SetOnline(err == nil)
}
