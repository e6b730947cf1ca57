package peergroup

import (
	"errors"
	"sync"

	"github.com/lightningnetwork/spvd/peer"
)

// ErrAlreadyConnected is returned when reserving a host that already has a
// session or a pending connection.
var ErrAlreadyConnected = errors.New("host already connected")

// Manager is the registry of the sessions of a group. It counts sessions
// being dialed, shaking hands and connected.
type Manager struct {
	mu sync.RWMutex

	// pending holds the hosts being dialed.
	pending map[string]struct{}

	// peers holds the live sessions in creation order.
	peers []*peer.Peer
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		pending: make(map[string]struct{}),
	}
}

// Reserve marks host as being dialed.
func (m *Manager) Reserve(host string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasLocked(host) {
		return ErrAlreadyConnected
	}
	m.pending[host] = struct{}{}

	return nil
}

// Release drops the reservation of a host whose dial failed.
func (m *Manager) Release(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, host)
}

// Add registers a new session, replacing the reservation of its host.
func (m *Manager) Add(p *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.pending, p.Addr())
	m.peers = append(m.peers, p)
}

// Remove drops a session from the registry.
func (m *Manager) Remove(p *peer.Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.peers {
		if existing == p {
			m.peers = append(m.peers[:i], m.peers[i+1:]...)
			return
		}
	}
}

// Has returns true if host has a session or a pending connection.
func (m *Manager) Has(host string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.hasLocked(host)
}

func (m *Manager) hasLocked(host string) bool {
	if _, ok := m.pending[host]; ok {
		return true
	}
	for _, p := range m.peers {
		if p.Addr() == host {
			return true
		}
	}

	return false
}

// Count returns the number of sessions either connected or connecting.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.pending) + len(m.peers)
}

// Peers returns all registered sessions.
func (m *Manager) Peers() []*peer.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*peer.Peer, len(m.peers))
	copy(peers, m.peers)

	return peers
}

// ConnectedPeers returns the sessions that completed the handshake.
func (m *Manager) ConnectedPeers() []*peer.Peer {
	var connected []*peer.Peer
	for _, p := range m.Peers() {
		if p.Connected() {
			connected = append(connected, p)
		}
	}

	return connected
}

// ReadySessions returns the idle connected sessions in creation order.
func (m *Manager) ReadySessions() []Session {
	var ready []Session
	for _, p := range m.Peers() {
		if p.Ready() {
			ready = append(ready, p)
		}
	}

	return ready
}
