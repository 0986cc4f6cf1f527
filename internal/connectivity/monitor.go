package connectivity

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

// Probe returns nil when the remote side is reachable.
type Probe func(ctx context.Context) error

// Monitor drives a Switch from a periodic Probe.
type Monitor struct {
	sw       *Switch
	probe    Probe
	interval time.Duration
	timeout  time.Duration
}

// NewMonitor creates a monitor. Zero durations select the defaults.
func NewMonitor(sw *Switch, probe Probe, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Monitor{sw: sw, probe: probe, interval: interval, timeout: timeout}
}

// Check probes once and updates the switch. Returns the new state.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.probe(ctx)
	online := err == nil
	if m.sw.Set(online) {
		if online {
			log.Info("connectivity: back online")
		} else {
			log.WithError(err).Warn("connectivity: offline")
		}
	}
	return online
}

// Run checks immediately, then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
