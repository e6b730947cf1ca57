package syncer

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/tasks"
)

// MerkleBatchSize is the most blocks requested by a single merkle block task.
const MerkleBatchSize = 100

// IBDConfig holds the collaborators of the initial block download.
type IBDConfig struct {
	// Store is the chain we extend.
	Store chainstore.Store

	// Blocks receives the downloaded blocks.
	Blocks tasks.MerkleBlockHandler

	// Extractor reconciles merkle block messages.
	Extractor *merkleblock.Extractor

	// State records the peers known to be synced.
	State *SyncState

	// ReadySessions returns the idle sessions a new sync peer is chosen
	// from.
	ReadySessions func() []peergroup.Session

	Clock clock.Clock
}

// InitialBlockDownload downloads the blocks we lack from one sync peer at a
// time. It asks the sync peer for the hashes following our tip, fetches them
// as merkle blocks in batches and repeats until the peer has nothing new.
type InitialBlockDownload struct {
	peergroup.ListenerAdapter

	cfg IBDConfig

	mtx sync.Mutex

	// syncPeer is the session blocks are currently downloaded from.
	syncPeer fn.Option[peergroup.Session]

	// busy is set while a request round with the sync peer is running.
	busy bool

	// inflight are the merkle block tasks of the current round.
	inflight map[*tasks.GetMerkleBlocksTask]struct{}

	// announced holds the peers that announced blocks after their
	// handshake, whose handshake height is therefore stale.
	announced map[string]struct{}
}

// A compile-time check to ensure InitialBlockDownload implements the
// peergroup handler interfaces.
var (
	_ peergroup.Listener         = (*InitialBlockDownload)(nil)
	_ peergroup.InventoryHandler = (*InitialBlockDownload)(nil)
	_ peergroup.TaskHandler      = (*InitialBlockDownload)(nil)
)

// NewInitialBlockDownload creates the block download driver.
func NewInitialBlockDownload(cfg IBDConfig) *InitialBlockDownload {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &InitialBlockDownload{
		cfg:       cfg,
		inflight:  make(map[*tasks.GetMerkleBlocksTask]struct{}),
		announced: make(map[string]struct{}),
	}
}

// SyncPeer returns the address of the current sync peer, if any.
func (i *InitialBlockDownload) SyncPeer() fn.Option[string] {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	return fn.MapOption(func(s peergroup.Session) string {
		return s.Addr()
	})(i.syncPeer)
}

// isSyncPeerLocked returns true if s is the current sync peer.
//
// NOTE: mtx must be held.
func (i *InitialBlockDownload) isSyncPeerLocked(s peergroup.Session) bool {
	return fn.MapOptionZ(i.syncPeer, func(p peergroup.Session) bool {
		return p.Addr() == s.Addr()
	})
}

// syncWith starts a request round with s if s can be the sync peer. Callers
// must not hold mtx, since adding a task may call back into us.
func (i *InitialBlockDownload) syncWith(s peergroup.Session) bool {
	if i.cfg.State.IsSynced(s.Addr()) {
		return false
	}

	tip, err := i.cfg.Store.LastBlock()
	if err != nil {
		log.Errorf("Unable to fetch chain tip: %v", err)
		return false
	}

	i.mtx.Lock()
	_, stale := i.announced[s.Addr()]
	i.mtx.Unlock()

	if !stale && s.LastBlock() <= tip.Height {
		i.markSynced(s)
		return false
	}

	locator, err := BlockLocator(i.cfg.Store)
	if err != nil {
		log.Errorf("Unable to build block locator: %v", err)
		return false
	}

	i.mtx.Lock()
	if i.busy || (i.syncPeer.IsSome() && !i.isSyncPeerLocked(s)) {
		i.mtx.Unlock()
		return false
	}
	i.syncPeer = fn.Some(s)
	i.busy = true
	i.mtx.Unlock()

	log.Debugf("Requesting blocks after %v from %v (height %d)", tip,
		s.Addr(), s.LastBlock())

	task := tasks.NewGetBlockHashesTask(
		locator, s.LastBlock()-tip.Height, i.cfg.Clock,
	)
	if err := s.AddTask(task); err != nil {
		log.Warnf("Unable to request blocks from %v: %v", s.Addr(),
			err)

		i.mtx.Lock()
		i.busy = false
		i.mtx.Unlock()

		return false
	}

	return true
}

// assignSyncPeer picks a new sync peer among the idle sessions.
func (i *InitialBlockDownload) assignSyncPeer() {
	for _, s := range i.cfg.ReadySessions() {
		if i.syncWith(s) {
			return
		}
	}
}

// markSynced records s as synced and moves on to the next peer if s was the
// sync peer.
func (i *InitialBlockDownload) markSynced(s peergroup.Session) {
	i.mtx.Lock()
	delete(i.announced, s.Addr())
	wasSyncPeer := i.isSyncPeerLocked(s)
	if wasSyncPeer {
		i.syncPeer = fn.None[peergroup.Session]()
		i.busy = false
	}
	i.mtx.Unlock()

	i.cfg.State.MarkSynced(s)

	if wasSyncPeer {
		i.assignSyncPeer()
	}
}

// OnPeerReady continues the download with an idle sync peer, or picks the
// session as sync peer if there is none.
//
// NOTE: Part of the peergroup.TaskHandler interface.
func (i *InitialBlockDownload) OnPeerReady(s peergroup.Session) {
	i.syncWith(s)
}

// OnTaskCompleted handles the tasks of the current request round.
//
// NOTE: Part of the peergroup.TaskHandler interface.
func (i *InitialBlockDownload) OnTaskCompleted(s peergroup.Session,
	t peer.Task) bool {

	switch task := t.(type) {
	case *tasks.GetBlockHashesTask:
		i.mtx.Lock()
		ours := i.isSyncPeerLocked(s)
		i.mtx.Unlock()

		if !ours {
			return false
		}

		i.handleBlockHashes(s, task.BlockHashes())

		return true

	case *tasks.GetMerkleBlocksTask:
		i.mtx.Lock()
		defer i.mtx.Unlock()

		if _, ok := i.inflight[task]; !ok {
			return false
		}
		delete(i.inflight, task)

		// The next round starts once the session is idle again.
		if len(i.inflight) == 0 {
			i.busy = false
		}

		return true
	}

	return false
}

// handleBlockHashes schedules the download of the announced blocks we lack.
func (i *InitialBlockDownload) handleBlockHashes(s peergroup.Session,
	hashes []chainhash.Hash) {

	var markers []chainstore.BlockHash
	for idx := range hashes {
		_, err := i.cfg.Store.BlockByHash(&hashes[idx])
		switch {
		case errors.Is(err, chainstore.ErrBlockNotFound):
			markers = append(markers, chainstore.BlockHash{
				Hash: hashes[idx],
			})

		case err != nil:
			log.Errorf("Unable to look up block %v: %v",
				hashes[idx], err)

			return
		}
	}

	if len(markers) == 0 {
		i.markSynced(s)
		return
	}

	log.Infof("Downloading %d blocks from %v", len(markers), s.Addr())

	var batch []*tasks.GetMerkleBlocksTask
	for start := 0; start < len(markers); start += MerkleBatchSize {
		end := start + MerkleBatchSize
		if end > len(markers) {
			end = len(markers)
		}

		batch = append(batch, tasks.NewGetMerkleBlocksTask(
			markers[start:end], i.cfg.Blocks, i.cfg.Extractor,
			i.cfg.Clock,
		))
	}

	i.mtx.Lock()
	for _, task := range batch {
		i.inflight[task] = struct{}{}
	}
	i.mtx.Unlock()

	for _, task := range batch {
		if err := s.AddTask(task); err != nil {
			log.Warnf("Unable to download blocks from %v: %v",
				s.Addr(), err)

			return
		}
	}
}

// OnInventory marks peers announcing unknown blocks as unsynced and starts a
// download if nobody is syncing.
//
// NOTE: Part of the peergroup.InventoryHandler interface.
func (i *InitialBlockDownload) OnInventory(p *peer.Peer,
	items []*wire.InvVect) {

	i.handleInventory(p, items)
}

func (i *InitialBlockDownload) handleInventory(s peergroup.Session,
	items []*wire.InvVect) {

	unknown := false
	for _, item := range items {
		if item.Type != wire.InvTypeBlock {
			continue
		}

		_, err := i.cfg.Store.BlockByHash(&item.Hash)
		if errors.Is(err, chainstore.ErrBlockNotFound) {
			unknown = true
			break
		}
	}

	if !unknown {
		return
	}

	i.mtx.Lock()
	i.announced[s.Addr()] = struct{}{}
	i.mtx.Unlock()

	i.cfg.State.MarkUnsynced(s.Addr())

	if s.Ready() {
		i.syncWith(s)
	}
}

// OnPeerDisconnect drops a disconnected sync peer and picks another one.
//
// NOTE: Part of the peergroup.Listener interface.
func (i *InitialBlockDownload) OnPeerDisconnect(p *peer.Peer, _ error) {
	i.handleDisconnect(p)
}

func (i *InitialBlockDownload) handleDisconnect(s peergroup.Session) {
	i.mtx.Lock()
	delete(i.announced, s.Addr())
	wasSyncPeer := i.isSyncPeerLocked(s)
	if wasSyncPeer {
		i.syncPeer = fn.None[peergroup.Session]()
		i.busy = false
		i.inflight = make(map[*tasks.GetMerkleBlocksTask]struct{})
	}
	i.mtx.Unlock()

	if wasSyncPeer {
		log.Infof("Sync peer %v disconnected", s.Addr())
		i.assignSyncPeer()
	}
}
