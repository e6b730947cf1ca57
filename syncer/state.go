package syncer

import (
	"sync"

	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
)

// SyncState tracks which peers have no blocks we are missing.
type SyncState struct {
	peergroup.ListenerAdapter

	mtx       sync.Mutex
	synced    map[string]struct{}
	listeners []SyncListener
}

// NewSyncState creates an empty sync state.
func NewSyncState() *SyncState {
	return &SyncState{
		synced: make(map[string]struct{}),
	}
}

// AddListener registers l to be told about newly synced peers.
func (s *SyncState) AddListener(l SyncListener) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.listeners = append(s.listeners, l)
}

// MarkSynced records that sess has nothing we lack. Listeners are only
// notified when the peer was not synced before.
func (s *SyncState) MarkSynced(sess peergroup.Session) {
	s.mtx.Lock()
	_, ok := s.synced[sess.Addr()]
	s.synced[sess.Addr()] = struct{}{}
	listeners := append([]SyncListener(nil), s.listeners...)
	s.mtx.Unlock()

	if ok {
		return
	}

	log.Infof("Peer %v is synced", sess.Addr())

	for _, l := range listeners {
		l.OnPeerSynced(sess)
	}
}

// MarkUnsynced records that the peer at addr announced a block we lack.
func (s *SyncState) MarkUnsynced(addr string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.synced, addr)
}

// IsSynced returns true if the peer at addr is synced.
func (s *SyncState) IsSynced(addr string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, ok := s.synced[addr]
	return ok
}

// SyncedCount returns the number of synced peers.
func (s *SyncState) SyncedCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.synced)
}

// HalfSynced returns true if at least one peer and at least half of the
// connected peers are synced.
func (s *SyncState) HalfSynced(connected int) bool {
	synced := s.SyncedCount()

	return synced > 0 && synced*2 >= connected
}

// OnPeerDisconnect forgets the peer.
//
// NOTE: Part of the peergroup.Listener interface.
func (s *SyncState) OnPeerDisconnect(p *peer.Peer, _ error) {
	s.MarkUnsynced(p.Addr())
}
