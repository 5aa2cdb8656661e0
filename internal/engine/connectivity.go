package engine

import "sync"

// Connectivity reports whether the server is believed reachable.
type Connectivity interface {
	Online() bool
}

// AlwaysOnline is the Connectivity of a process that never goes offline.
type AlwaysOnline struct{}

// Online returns true.
func (AlwaysOnline) Online() bool { return true }

// Switch is a settable Connectivity. Going from offline to online signals
// the channel returned by Reconnected, which the Run loop answers with a
// PushAll.
//
// Thread-safety: Switch is safe for concurrent use.
type Switch struct {
	mu     sync.Mutex
	online bool
	notify chan struct{}
}

// NewSwitch creates a Switch in the given state.
func NewSwitch(online bool) *Switch {
	return &Switch{online: online, notify: make(chan struct{}, 1)}
}

// Online reports the current state.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state.
func (s *Switch) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.online
	s.online = online
	if online && !was {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// Reconnected signals each offline to online transition. Transitions that
// happen while a signal is unconsumed are coalesced.
func (s *Switch) Reconnected() <-chan struct{} {
	return s.notify
}

// reconnector is implemented by Connectivity sources that can announce a
// reconnect.
type reconnector interface {
	Reconnected() <-chan struct{}
}
