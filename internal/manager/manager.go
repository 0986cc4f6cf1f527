// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manager is the entry point for file operations. It serves reads
// from the cache when it can, sends writes to the remote provider when
// online, and queues them for replay when offline.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cloudcache/internal/cache"
	"cloudcache/internal/common"
	"cloudcache/internal/connectivity"
	"cloudcache/internal/provider"
)

// Options configures a Manager.
type Options struct {
	Cache        *cache.Store
	Connectivity connectivity.Source

	// ReplayBackoff delays the retry of a failed op by ReplayBackoff*2^(n-1)
	// after its n-th failure. Zero retries on every pass.
	ReplayBackoff time.Duration

	// Now is the clock, nil for time.Now.
	Now func() time.Time
}

type Manager struct {
	cache   *cache.Store
	conn    connectivity.Source
	backoff time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	providers map[string]provider.Provider
	active    string

	syncMu sync.Mutex // one replay pass at a time
}

func New(opts Options) (*Manager, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("%w: manager needs a cache", common.ErrInvalidConfig)
	}
	if opts.Connectivity == nil {
		return nil, fmt.Errorf("%w: manager needs a connectivity source", common.ErrInvalidConfig)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cache:     opts.Cache,
		conn:      opts.Connectivity,
		backoff:   opts.ReplayBackoff,
		now:       now,
		providers: make(map[string]provider.Provider),
	}, nil
}

// Cache returns the underlying cache store.
func (m *Manager) Cache() *cache.Store {
	return m.cache
}

// Online reports the connectivity state writes are routed by.
func (m *Manager) Online() bool {
	return m.conn.Online()
}

// --- Provider registry ---

// Connect registers p under name. The first connected provider becomes active.
func (m *Manager) Connect(name string, p provider.Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("%w: provider name and implementation are required", common.ErrInvalidConfig)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[name] = p
	if m.active == "" {
		m.active = name
	}
	log.WithField("provider", name).Info("manager: provider connected")
	return nil
}

// Disconnect unregisters name and clears everything cached for it,
// including its queued operations.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	m.mu.Lock()
	if _, ok := m.providers[name]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", common.ErrNoProvider, name)
	}
	delete(m.providers, name)
	if m.active == name {
		m.active = ""
		for _, other := range m.connectedLocked() {
			m.active = other
			break
		}
	}
	m.mu.Unlock()

	log.WithField("provider", name).Info("manager: provider disconnected")
	return m.cache.Clear(ctx, name)
}

// Switch makes name the active provider.
func (m *Manager) Switch(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[name]; !ok {
		return fmt.Errorf("%w: %s", common.ErrNoProvider, name)
	}
	m.active = name
	return nil
}

// Active returns the name of the active provider, "" if none.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Connected returns the names of all registered providers, sorted.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedLocked()
}

func (m *Manager) connectedLocked() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) activeProvider() (string, provider.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == "" {
		return "", nil, common.ErrNoProvider
	}
	return m.active, m.providers[m.active], nil
}

// Ping checks the active provider when it supports it. Used as the
// connectivity probe.
func (m *Manager) Ping(ctx context.Context) error {
	name, p, err := m.activeProvider()
	if err != nil {
		return err
	}
	pinger, ok := p.(provider.Pinger)
	if !ok {
		return nil
	}
	return provider.Wrap(name, "ping", pinger.Ping(ctx))
}
