// Package connectivity tracks whether remote providers are reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"sync"
)

// Source reports the current connectivity state and its changes.
type Source interface {
	Online() bool
	// Subscribe returns a channel receiving the new state after every change.
	// Undelivered states are coalesced to the latest one. The returned func
	// unsubscribes and closes the channel.
	Subscribe() (<-chan bool, func())
}

// Switch is a Source whose state is set explicitly, either by an operator
// (--offline) or by a Monitor.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

var _ Source = (*Switch)(nil)

func NewSwitch(online bool) *Switch {
	return &Switch{online: online, subs: make(map[int]chan bool)}
}

func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and reports whether it changed.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return false
	}
	s.online = online
	for _, ch := range s.subs {
		select {
		case ch <- online:
		default:
			// Replace the stale undelivered state.
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
	return true
}

func (s *Switch) Subscribe() (<-chan bool, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan bool, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}
