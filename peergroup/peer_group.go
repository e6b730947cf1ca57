package peergroup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/spvwire"
	"golang.org/x/time/rate"
)

const (
	// DefaultConnectInterval is how often the group tops up its
	// connections.
	DefaultConnectInterval = 2 * time.Second

	// DefaultTargetPeers is the number of sessions the group maintains.
	DefaultTargetPeers = 8

	// DefaultDialTimeout bounds a single connection attempt.
	DefaultDialTimeout = 10 * time.Second

	// DefaultShutdownGrace is how long Stop waits for the supervisor
	// before closing the sessions.
	DefaultShutdownGrace = 5 * time.Second
)

// ErrGroupStopped is returned when using a group that has been stopped.
var ErrGroupStopped = errors.New("peer group stopped")

// Config houses the parameters of a PeerGroup.
type Config struct {
	// Net is the network magic of the chain.
	Net wire.BitcoinNet

	// ProtocolVersion is the highest protocol version we speak.
	ProtocolVersion uint32

	// Parser decodes the messages read from the sessions.
	Parser spvwire.MessageParser

	// UserAgentName and UserAgentVersion form the user agent we
	// announce.
	UserAgentName    string
	UserAgentVersion string

	// BestHeight returns the height of our best known block.
	BestHeight func() int32

	// HostSupplier provides the addresses to connect to.
	HostSupplier HostSupplier

	// ConnectivityCheck returns false while the group should not open
	// new connections, e.g. when the network is down.
	ConnectivityCheck func() bool

	// Dial opens a connection to a remote node.
	Dial func(ctx context.Context, network,
		address string) (net.Conn, error)

	// DialLimiter bounds the rate of connection attempts.
	DialLimiter *rate.Limiter

	// TargetPeers is the number of sessions to maintain.
	TargetPeers int

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// ShutdownGrace bounds how long Stop waits for the supervisor.
	ShutdownGrace time.Duration

	// TaskQueueSize is the capacity of the FIFO of tasks waiting for an
	// idle session.
	TaskQueueSize int

	// Ticker drives the supervisor.
	Ticker ticker.Ticker

	// NewPeerTicker returns the ticker driving the timeouts of a new
	// session.
	NewPeerTicker func() ticker.Ticker

	// Clock is the time source of the group and its sessions.
	Clock clock.Clock

	// IdleTimeout, PongTimeout and HandshakeTimeout are passed to every
	// session.
	IdleTimeout      time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// PeerGroup maintains a pool of sessions with remote nodes and schedules
// tasks over them.
type PeerGroup struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg *Config

	manager     *Manager
	taskManager *TaskManager

	listenerMtx sync.RWMutex
	listeners   []Listener
	invHandlers []InventoryHandler

	ctx    context.Context
	cancel context.CancelFunc

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile-time check to ensure PeerGroup satisfies the peer.Listener
// interface.
var _ peer.Listener = (*PeerGroup)(nil)

// New creates a peer group. Start must be called to begin connecting.
func New(cfg *Config) *PeerGroup {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultConnectInterval)
	}
	if cfg.NewPeerTicker == nil {
		cfg.NewPeerTicker = func() ticker.Ticker {
			return ticker.New(peer.DefaultTickInterval)
		}
	}
	if cfg.Dial == nil {
		dialer := &net.Dialer{}
		cfg.Dial = dialer.DialContext
	}
	if cfg.DialLimiter == nil {
		cfg.DialLimiter = rate.NewLimiter(
			rate.Every(DefaultConnectInterval/4), 4,
		)
	}
	if cfg.ConnectivityCheck == nil {
		cfg.ConnectivityCheck = func() bool { return true }
	}
	if cfg.TargetPeers <= 0 {
		cfg.TargetPeers = DefaultTargetPeers
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager := NewManager()
	taskManager := NewTaskManager(
		manager.ReadySessions, cfg.TaskQueueSize,
	)

	return &PeerGroup{
		cfg:         cfg,
		manager:     manager,
		taskManager: taskManager,
		ctx:         ctx,
		cancel:      cancel,
		quit:        make(chan struct{}),
	}
}

// AddListener registers a lifecycle listener.
func (g *PeerGroup) AddListener(l Listener) {
	g.listenerMtx.Lock()
	defer g.listenerMtx.Unlock()

	g.listeners = append(g.listeners, l)
}

// AddInventoryHandler registers a handler for unconsumed announcements.
func (g *PeerGroup) AddInventoryHandler(h InventoryHandler) {
	g.listenerMtx.Lock()
	defer g.listenerMtx.Unlock()

	g.invHandlers = append(g.invHandlers, h)
}

// AddTaskHandler registers a task handler with the task manager.
func (g *PeerGroup) AddTaskHandler(h TaskHandler) {
	g.taskManager.AddHandler(h)
}

func (g *PeerGroup) listenerChain() []Listener {
	g.listenerMtx.RLock()
	defer g.listenerMtx.RUnlock()

	listeners := make([]Listener, len(g.listeners))
	copy(listeners, g.listeners)

	return listeners
}

func (g *PeerGroup) inventoryChain() []InventoryHandler {
	g.listenerMtx.RLock()
	defer g.listenerMtx.RUnlock()

	handlers := make([]InventoryHandler, len(g.invHandlers))
	copy(handlers, g.invHandlers)

	return handlers
}

// Manager returns the session registry.
func (g *PeerGroup) Manager() *Manager {
	return g.manager
}

// TaskManager returns the task scheduler.
func (g *PeerGroup) TaskManager() *TaskManager {
	return g.taskManager
}

// AddTask schedules a task on the first idle session.
func (g *PeerGroup) AddTask(t peer.Task) error {
	if g.stopped.Load() {
		return ErrGroupStopped
	}

	return g.taskManager.AddTask(t)
}

// Start launches the supervisor.
func (g *PeerGroup) Start() error {
	if !g.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Starting peer group, target %d peers", g.cfg.TargetPeers)

	for _, l := range g.listenerChain() {
		l.OnStart()
	}

	g.wg.Add(1)
	go g.connectionHandler()

	return nil
}

// Stop shuts the supervisor down, waiting up to the shutdown grace period,
// then closes every session.
func (g *PeerGroup) Stop() error {
	if !g.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Stopping peer group")

	close(g.quit)
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-g.cfg.Clock.TickAfter(g.cfg.ShutdownGrace):
		log.Warnf("Supervisor did not stop within %v",
			g.cfg.ShutdownGrace)
	}

	peers := g.manager.Peers()
	for _, p := range peers {
		p.Disconnect()
	}
	for _, p := range peers {
		select {
		case <-p.Disconnected():
		case <-g.cfg.Clock.TickAfter(g.cfg.ShutdownGrace):
			log.Warnf("Peer %v did not disconnect within %v", p,
				g.cfg.ShutdownGrace)
		}
	}

	for _, l := range g.listenerChain() {
		l.OnStop()
	}

	return nil
}

// connectionHandler tops up the connections on every tick.
func (g *PeerGroup) connectionHandler() {
	defer g.wg.Done()

	g.cfg.Ticker.Resume()
	defer g.cfg.Ticker.Stop()

	g.maybeConnect()

	for {
		select {
		case <-g.cfg.Ticker.Ticks():
			g.maybeConnect()

		case <-g.quit:
			return
		}
	}
}

// maybeConnect opens connections until the target is reached, the host
// supplier runs dry or the dial rate limit kicks in.
func (g *PeerGroup) maybeConnect() {
	if !g.cfg.ConnectivityCheck() {
		log.Debugf("No connectivity, not connecting")
		return
	}

	for g.manager.Count() < g.cfg.TargetPeers {
		if !g.cfg.DialLimiter.Allow() {
			return
		}

		host, err := g.cfg.HostSupplier.NextHost()
		if err != nil {
			log.Debugf("No host to connect to: %v", err)
			return
		}

		if err := g.manager.Reserve(host); err != nil {
			log.Tracef("Skipping %v: %v", host, err)
			return
		}

		g.wg.Add(1)
		go g.connect(host)
	}
}

// connect dials host and starts a session with it.
func (g *PeerGroup) connect(host string) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.DialTimeout)
	defer cancel()

	log.Debugf("Connecting to %v", host)

	conn, err := g.cfg.Dial(ctx, "tcp", host)
	if err != nil {
		g.manager.Release(host)
		g.cfg.HostSupplier.MarkFailed(
			host, fmt.Errorf("unable to dial: %w", err),
		)
		log.Debugf("Unable to connect to %v: %v", host, err)

		return
	}

	p := peer.NewPeer(&peer.Config{
		Conn:             conn,
		Addr:             host,
		Net:              g.cfg.Net,
		ProtocolVersion:  g.cfg.ProtocolVersion,
		Parser:           g.cfg.Parser,
		UserAgentName:    g.cfg.UserAgentName,
		UserAgentVersion: g.cfg.UserAgentVersion,
		BestHeight:       g.cfg.BestHeight,
		Listener:         g,
		Clock:            g.cfg.Clock,
		Ticker:           g.cfg.NewPeerTicker(),
		IdleTimeout:      g.cfg.IdleTimeout,
		PongTimeout:      g.cfg.PongTimeout,
		HandshakeTimeout: g.cfg.HandshakeTimeout,
	})

	// A session created after Stop collected the peers would leak.
	select {
	case <-g.quit:
		g.manager.Release(host)
		conn.Close()

		return
	default:
	}

	g.manager.Add(p)

	for _, l := range g.listenerChain() {
		l.OnPeerCreate(p)
	}

	if err := p.Start(); err != nil {
		p.Close(fmt.Errorf("unable to start session: %w", err))
	}
}

// OnConnect forwards the handshake to the listeners.
//
// NOTE: Part of the peer.Listener interface.
func (g *PeerGroup) OnConnect(p *peer.Peer) {
	log.Infof("Connected to %v (height %d, %s)", p, p.LastBlock(),
		p.UserAgent())

	for _, l := range g.listenerChain() {
		l.OnPeerConnect(p)
	}
}

// OnDisconnect unregisters the session and scores its host.
//
// NOTE: Part of the peer.Listener interface.
func (g *PeerGroup) OnDisconnect(p *peer.Peer, err error) {
	g.manager.Remove(p)

	if err == nil {
		g.cfg.HostSupplier.MarkSuccess(p.Addr())
	} else {
		g.cfg.HostSupplier.MarkFailed(p.Addr(), err)
	}

	log.Infof("Disconnected from %v: %v", p, err)

	for _, l := range g.listenerChain() {
		l.OnPeerDisconnect(p, err)
	}
}

// OnReady hands the idle session to the task manager.
//
// NOTE: Part of the peer.Listener interface.
func (g *PeerGroup) OnReady(p *peer.Peer) {
	g.taskManager.OnReady(p)
}

// OnTaskCompleted forwards a completed task to the task manager.
//
// NOTE: Part of the peer.Listener interface.
func (g *PeerGroup) OnTaskCompleted(p *peer.Peer, t peer.Task) {
	g.taskManager.OnTaskCompleted(p, t)
}

// OnAddresses feeds relayed addresses to the host supplier.
//
// NOTE: Part of the peer.Listener interface.
func (g *PeerGroup) OnAddresses(p *peer.Peer, addrs []*wire.NetAddress) {
	log.Debugf("Received %d addresses from %v", len(addrs), p)

	g.cfg.HostSupplier.AddHosts(addrs)
}

// OnInventory offers an announcement to every inventory handler.
//
// NOTE: Part of the peer.Listener interface.
func (g *PeerGroup) OnInventory(p *peer.Peer, items []*wire.InvVect) {
	for _, h := range g.inventoryChain() {
		h.OnInventory(p, items)
	}
}
