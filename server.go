package spvd

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/hostsupply"
	"github.com/lightningnetwork/spvd/lnutils"
	"github.com/lightningnetwork/spvd/masternode"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/lightningnetwork/spvd/syncer"
)

const chainDirname = "chain"

// server wires the chain store, the peer group and the synchronization
// components of spvd together.
type server struct {
	started  int32 // atomic
	shutdown int32 // atomic

	cfg *Config

	store  *chainstore.BoltStore
	hosts  *hostsupply.Supplier
	group  *peergroup.PeerGroup
	wallet *watchWallet

	state   *syncer.SyncState
	blocks  *syncer.BlockSyncer
	ibd     *syncer.InitialBlockDownload
	mempool *syncer.MempoolRelay
	filters *syncer.BloomFilterManager
	txPool  *syncer.TxPool
	sender  *syncer.TransactionSender

	peerMetrics *peerMetrics

	// masternodes is only set on networks with a masternode list.
	masternodes fn.Option[*masternodeSync]
}

// masternodeSync keeps the masternode list up to date once the chain is.
type masternodeSync struct {
	lists  *masternode.ListManager
	syncer *masternode.Syncer
	store  chainstore.Store

	mtx        sync.Mutex
	lastTarget chainhash.Hash
}

// OnPeerSynced requests the masternode list at our new tip.
func (m *masternodeSync) OnPeerSynced(peergroup.Session) {
	tip, err := m.store.LastBlock()
	if err != nil {
		spvdLog.Errorf("Unable to fetch tip: %v", err)
		return
	}

	m.mtx.Lock()
	if tip.Hash == m.lastTarget || tip.Hash == m.lists.BaseBlockHash() {
		m.mtx.Unlock()
		return
	}
	m.lastTarget = tip.Hash
	m.mtx.Unlock()

	if err := m.syncer.Sync(tip.Hash); err != nil {
		spvdLog.Warnf("Unable to request masternode list at %v: %v",
			tip, err)
	}
}

// newServer creates the server for the network selected by cfg.
func newServer(cfg *Config) (*server, error) {
	params := cfg.NetParams
	clk := clock.NewDefaultClock()

	store, err := chainstore.OpenBoltStore(
		filepath.Join(cfg.DataDir, chainDirname), cfg.HeaderCache,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open chain store: %w", err)
	}

	// A fresh store starts from the genesis block of the network.
	_, err = store.LastBlock()
	switch {
	case errors.Is(err, chainstore.ErrEmptyChain):
		genesis := params.GenesisBlock()
		spvdLog.Infof("Initializing chain with genesis block %v",
			genesis.Hash)

		if err := store.AddBlocks(genesis); err != nil {
			_ = store.Close()
			return nil, err
		}

	case err != nil:
		_ = store.Close()
		return nil, err
	}

	s := &server{
		cfg:    cfg,
		store:  store,
		wallet: newWatchWallet(cfg.WatchElements),
		state:  syncer.NewSyncState(),
		txPool: syncer.NewTxPool(),

		peerMetrics: newPeerMetrics(),
	}

	dnsServer := cfg.DNSServer
	if dnsServer == "" {
		dnsServer = hostsupply.SystemDNSServer()
	}
	s.hosts, err = hostsupply.New(hostsupply.Config{
		Params:      params.Params,
		StaticHosts: cfg.ConnectPeers,
		DataDir:     cfg.DataDir,
		Lookup:      hostsupply.NewDNSResolver(dnsServer).LookupIP,
		Clock:       clk,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s.group = peergroup.New(&peergroup.Config{
		Net:              params.Net,
		ProtocolVersion:  params.ProtocolVersion,
		Parser:           params.Parser(),
		UserAgentName:    build.AppName,
		UserAgentVersion: build.UserAgentVersion(),
		BestHeight:       s.bestHeight,
		HostSupplier:     s.hosts,
		TargetPeers:      cfg.MaxPeers,
		TaskQueueSize:    cfg.TaskQueueSize,
		Clock:            clk,
		IdleTimeout:      cfg.Peer.IdleTimeout,
		PongTimeout:      cfg.Peer.PongTimeout,
		HandshakeTimeout: cfg.Peer.HandshakeTimeout,
	})
	manager := s.group.Manager()
	taskManager := s.group.TaskManager()

	s.blocks = syncer.NewBlockSyncer(
		store, params.NewValidatorChain(store), params.NewBlock,
		s.wallet,
	)
	s.ibd = syncer.NewInitialBlockDownload(syncer.IBDConfig{
		Store:         store,
		Blocks:        s.blocks,
		Extractor:     params.Extractor(),
		State:         s.state,
		ReadySessions: manager.ReadySessions,
		Clock:         clk,
	})

	s.mempool, err = syncer.NewMempoolRelay(
		s.state, s.wallet, syncer.DefaultSeenTxCacheSize, clk,
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s.filters = syncer.NewBloomFilterManager(
		s.wallet, syncer.DefaultFalsePositiveRate,
	)
	loader := syncer.NewBloomFilterLoader(
		s.filters, func() []syncer.FilterTarget {
			return lnutils.Map(
				manager.ConnectedPeers(),
				func(p *peer.Peer) syncer.FilterTarget {
					return p
				},
			)
		},
	)
	s.filters.AddListener(loader)

	s.sender = syncer.NewTransactionSender(syncer.SenderConfig{
		Pending: s.txPool,
		State:   s.state,
		ConnectedCount: func() int {
			return len(manager.ConnectedPeers())
		},
		ReadySessions: manager.ReadySessions,
		Clock:         clk,
	})

	// The filter must be known before the first session connects.
	s.filters.Regenerate()

	s.group.AddListener(s.state)
	s.group.AddListener(s.ibd)
	s.group.AddListener(loader)
	s.group.AddListener(s.peerMetrics)

	s.group.AddInventoryHandler(s.ibd)
	s.group.AddInventoryHandler(s.mempool)

	s.group.AddTaskHandler(s.ibd)
	s.group.AddTaskHandler(s.mempool)
	s.group.AddTaskHandler(s.txPool)

	s.state.AddListener(s.mempool)
	s.state.AddListener(s.sender)

	if params.HasMasternodes() {
		lists, err := masternode.NewListManager(store)
		if err != nil {
			_ = store.Close()
			return nil, err
		}

		mnSync := &masternodeSync{
			lists:  lists,
			syncer: masternode.NewSyncer(taskManager, lists, clk),
			store:  store,
		}
		s.masternodes = fn.Some(mnSync)

		locks := masternode.NewInstantLockHandler(s.wallet, clk)
		s.group.AddInventoryHandler(locks)
		s.group.AddTaskHandler(locks)
		s.group.AddTaskHandler(mnSync.syncer)
		s.state.AddListener(mnSync)
	}

	return s, nil
}

// bestHeight returns the height of our tip, announced in the version
// handshake.
func (s *server) bestHeight() int32 {
	tip, err := s.store.LastBlock()
	if err != nil {
		spvdLog.Errorf("Unable to fetch tip: %v", err)
		return 0
	}

	return tip.Height
}

// SendTransaction queues tx for relay and relays it right away if enough
// peers are synced.
func (s *server) SendTransaction(tx spvwire.Tx) error {
	s.txPool.Add(tx)

	err := s.sender.SendPendingTransactions()
	switch {
	case errors.Is(err, syncer.ErrNoPeers),
		errors.Is(err, syncer.ErrNotSynced):

		spvdLog.Infof("Queued transaction %v: %v", tx.TxHash(), err)
		return nil

	default:
		return err
	}
}

// Start starts the host supplier and the peer group.
func (s *server) Start() error {
	// Already running?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	if err := s.hosts.Start(); err != nil {
		return err
	}
	if err := s.group.Start(); err != nil {
		return err
	}

	tip, err := s.store.LastBlock()
	if err != nil {
		return err
	}
	spvdLog.Infof("Started %v on %v at height %d, watching %d elements",
		build.AppName, s.cfg.NetParams.Name, tip.Height,
		len(s.wallet.FilterElements()))

	return nil
}

// Stop shuts down the peer group and persists the known hosts.
func (s *server) Stop() error {
	// Bail if we're already shutting down.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		return nil
	}

	var errs []error
	if err := s.group.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := s.hosts.Stop(); err != nil {
		errs = append(errs, err)
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
