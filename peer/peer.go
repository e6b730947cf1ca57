package peer

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog/v2"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/spvd/spvwire"
)

const (
	// DefaultIdleTimeout is how long a connection may stay silent before
	// it is probed with a ping.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultPongTimeout is how long we wait for any message after a
	// ping before giving up on the connection.
	DefaultPongTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds the version handshake.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultTickInterval is how often timeouts are checked.
	DefaultTickInterval = time.Second

	// outQueueSize is the number of messages that can be queued for the
	// writer before senders block.
	outQueueSize = 50
)

// connState is the connectivity state of a session.
type connState uint32

const (
	stateConnecting connState = iota
	stateConnected
	stateDisconnected
)

// Listener receives the events of a peer session. Callbacks are never
// invoked while the session holds its task lock, so they may call back into
// the session.
type Listener interface {
	// OnConnect is called once the version handshake has completed.
	OnConnect(p *Peer)

	// OnDisconnect is called once the session has shut down. err is nil
	// for an orderly local disconnect.
	OnDisconnect(p *Peer, err error)

	// OnReady is called when the session is connected and has no tasks.
	OnReady(p *Peer)

	// OnTaskCompleted is called for every task that completed.
	OnTaskCompleted(p *Peer, t Task)

	// OnAddresses is called with addresses relayed by the remote node.
	OnAddresses(p *Peer, addrs []*wire.NetAddress)

	// OnInventory is called with announcements no task consumed.
	OnInventory(p *Peer, items []*wire.InvVect)
}

// Config houses the parameters of a peer session.
type Config struct {
	// Conn is the established connection to the remote node.
	Conn net.Conn

	// Addr is the host:port of the remote node.
	Addr string

	// Net is the network magic of the chain.
	Net wire.BitcoinNet

	// ProtocolVersion is the highest protocol version we speak.
	ProtocolVersion uint32

	// Parser decodes the messages read from the connection.
	Parser spvwire.MessageParser

	// UserAgentName and UserAgentVersion form the user agent we
	// announce.
	UserAgentName    string
	UserAgentVersion string

	// BestHeight returns the height of our best known block.
	BestHeight func() int32

	// Listener receives the session events.
	Listener Listener

	// Clock is the time source for idle and task timeouts.
	Clock clock.Clock

	// Ticker drives timeout checks.
	Ticker ticker.Ticker

	// IdleTimeout, PongTimeout and HandshakeTimeout override the
	// defaults when non-zero.
	IdleTimeout      time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Peer is a session with a single remote node. It performs the version
// handshake, keeps the connection alive and executes a FIFO queue of tasks.
type Peer struct {
	started atomic.Bool
	closed  sync.Once

	cfg *Config
	log btclog.Logger

	pingMgr   *pingManager
	startTime time.Time

	state           atomic.Uint32
	versionReceived atomic.Bool
	protocolVersion atomic.Uint32
	lastBlock       atomic.Int32
	services        atomic.Uint64

	agentMtx  sync.Mutex
	userAgent string

	// taskMtx serializes every call into the queued tasks.
	taskMtx sync.Mutex
	tasks   []Task

	outQueue chan wire.Message

	disconnectErr error
	disconnected  chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewPeer creates a session over an established connection. Start must be
// called to begin the handshake.
func NewPeer(cfg *Config) *Peer {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultTickInterval)
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.BestHeight == nil {
		cfg.BestHeight = func() int32 { return 0 }
	}
	if cfg.Listener == nil {
		cfg.Listener = &noopListener{}
	}
	if cfg.Parser == nil {
		cfg.Parser = spvwire.StandardParser
	}

	p := &Peer{
		cfg: cfg,
		log: log.WithPrefix(fmt.Sprintf("Peer(%s):", cfg.Addr)),
		pingMgr: newPingManager(&pingManagerConfig{
			Clock:       cfg.Clock,
			IdleTimeout: cfg.IdleTimeout,
			PongTimeout: cfg.PongTimeout,
		}),
		outQueue:     make(chan wire.Message, outQueueSize),
		disconnected: make(chan struct{}),
		quit:         make(chan struct{}),
	}
	p.protocolVersion.Store(cfg.ProtocolVersion)

	return p
}

// Start sends our version message and launches the session goroutines.
func (p *Peer) Start() error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	p.startTime = p.cfg.Clock.Now()

	version, err := p.localVersion()
	if err != nil {
		return err
	}

	p.log.Debugf("Starting session, best height %d", version.LastBlock)

	p.wg.Add(3)
	go p.writeHandler()
	go p.readHandler()
	go p.tickHandler()

	return p.SendMessage(version)
}

// localVersion builds the version message announcing our best height. We
// offer no services and ask the remote not to relay transactions until a
// filter is loaded.
func (p *Peer) localVersion() (*wire.MsgVersion, error) {
	local := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	remote := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	if addr, ok := p.cfg.Conn.RemoteAddr().(*net.TCPAddr); ok {
		remote = wire.NewNetAddressIPPort(
			addr.IP, uint16(addr.Port), 0,
		)
	}

	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}

	msg := wire.NewMsgVersion(local, remote, nonce, p.cfg.BestHeight())
	msg.ProtocolVersion = int32(p.cfg.ProtocolVersion)
	msg.Services = 0
	msg.DisableRelayTx = true

	err = msg.AddUserAgent(p.cfg.UserAgentName, p.cfg.UserAgentVersion)
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Addr returns the address of the remote node.
//
// NOTE: Part of the Requester interface.
func (p *Peer) Addr() string {
	return p.cfg.Addr
}

// LastBlock returns the height announced by the remote node.
func (p *Peer) LastBlock() int32 {
	return p.lastBlock.Load()
}

// ProtocolVersion returns the negotiated protocol version.
func (p *Peer) ProtocolVersion() uint32 {
	return p.protocolVersion.Load()
}

// Services returns the services announced by the remote node.
func (p *Peer) Services() wire.ServiceFlag {
	return wire.ServiceFlag(p.services.Load())
}

// UserAgent returns the user agent announced by the remote node.
func (p *Peer) UserAgent() string {
	p.agentMtx.Lock()
	defer p.agentMtx.Unlock()

	return p.userAgent
}

// LastRTT returns the last measured ping round trip time.
func (p *Peer) LastRTT() time.Duration {
	return p.pingMgr.lastRTT()
}

// Connected returns true once the handshake completed and until the session
// is closed.
func (p *Peer) Connected() bool {
	return connState(p.state.Load()) == stateConnected
}

// Ready returns true if the session is connected and idle.
func (p *Peer) Ready() bool {
	if !p.Connected() {
		return false
	}

	p.taskMtx.Lock()
	defer p.taskMtx.Unlock()

	return len(p.tasks) == 0
}

// NumTasks returns the number of queued tasks.
func (p *Peer) NumTasks() int {
	p.taskMtx.Lock()
	defer p.taskMtx.Unlock()

	return len(p.tasks)
}

// String returns the address of the remote node.
func (p *Peer) String() string {
	return p.cfg.Addr
}

// SendMessage queues msg for the writer.
//
// NOTE: Part of the Requester interface.
func (p *Peer) SendMessage(msg wire.Message) error {
	select {
	case p.outQueue <- msg:
		return nil

	case <-p.quit:
		return ErrPeerClosed
	}
}

// GetData requests the given inventory.
//
// NOTE: Part of the Requester interface.
func (p *Peer) GetData(items ...*wire.InvVect) error {
	msg := wire.NewMsgGetDataSizeHint(uint(len(items)))
	for _, item := range items {
		if err := msg.AddInvVect(item); err != nil {
			return err
		}
	}

	return p.SendMessage(msg)
}

// GetBlocks asks the remote node for the hashes of the blocks following the
// locator.
func (p *Peer) GetBlocks(locator []*chainhash.Hash,
	stop *chainhash.Hash) error {

	msg := wire.NewMsgGetBlocks(stop)
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return err
		}
	}

	return p.SendMessage(msg)
}

// FilterLoad installs a bloom filter on the remote node.
func (p *Peer) FilterLoad(filter *wire.MsgFilterLoad) error {
	return p.SendMessage(filter)
}

// SendMempool asks the remote node to announce its mempool.
func (p *Peer) SendMempool() error {
	return p.SendMessage(wire.NewMsgMemPool())
}

// SendInventory announces a transaction to the remote node.
func (p *Peer) SendInventory(txHash chainhash.Hash) error {
	msg := wire.NewMsgInv()
	if err := msg.AddInvVect(NewInvVect(wire.InvTypeTx, txHash)); err != nil {
		return err
	}

	return p.SendMessage(msg)
}

// AddTask queues t and starts it. Every queued task is started right away,
// but only the head of the queue is checked for timeouts.
func (p *Peer) AddTask(t Task) error {
	select {
	case <-p.quit:
		return ErrPeerClosed
	default:
	}

	p.taskMtx.Lock()
	p.tasks = append(p.tasks, t)
	err := t.Start(p)
	events := p.reapTasksLocked()
	p.taskMtx.Unlock()

	if err != nil {
		err = fmt.Errorf("unable to start task: %w", err)
		p.Close(err)

		return err
	}

	p.fire(events)

	return nil
}

// Close shuts the session down. err is the reason reported to the listener.
// Only the first call has any effect.
func (p *Peer) Close(err error) {
	p.closed.Do(func() {
		p.disconnectErr = err
		p.state.Store(uint32(stateDisconnected))

		if err != nil {
			p.log.Infof("Disconnecting: %v", err)
		} else {
			p.log.Debugf("Disconnecting")
		}

		close(p.quit)
		if cerr := p.cfg.Conn.Close(); cerr != nil {
			p.log.Debugf("Unable to close connection: %v", cerr)
		}

		go func() {
			p.wg.Wait()

			// Queued tasks die with the session.
			p.taskMtx.Lock()
			p.tasks = nil
			p.taskMtx.Unlock()

			p.cfg.Listener.OnDisconnect(p, err)
			close(p.disconnected)
		}()
	})
}

// Disconnect closes the session without error.
func (p *Peer) Disconnect() {
	p.Close(nil)
}

// Disconnected returns a channel closed once the session has fully shut down
// and the listener was notified.
func (p *Peer) Disconnected() <-chan struct{} {
	return p.disconnected
}

// DisconnectErr returns the reason the session was closed. It must only be
// called after Disconnected is closed.
func (p *Peer) DisconnectErr() error {
	return p.disconnectErr
}

// writeHandler writes queued messages to the connection.
func (p *Peer) writeHandler() {
	defer p.wg.Done()

	for {
		select {
		case msg := <-p.outQueue:
			p.log.Tracef("Sending %v", newLogClosure(func() string {
				return spew.Sdump(msg)
			}))

			_, err := spvwire.WriteMessage(
				p.cfg.Conn, msg, p.ProtocolVersion(), p.cfg.Net,
			)
			if err != nil {
				p.Close(fmt.Errorf("unable to write %s: %w",
					msg.Command(), err))

				return
			}

		case <-p.quit:
			return
		}
	}
}

// readHandler reads and dispatches inbound messages.
func (p *Peer) readHandler() {
	defer p.wg.Done()

	for {
		_, msg, err := spvwire.ReadMessage(
			p.cfg.Conn, p.ProtocolVersion(), p.cfg.Net,
			p.cfg.Parser,
		)
		if err != nil {
			p.Close(fmt.Errorf("unable to read message: %w", err))
			return
		}

		p.log.Tracef("Received %v", newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

		p.pingMgr.received(msg)

		if err := p.handleMessage(msg); err != nil {
			p.Close(err)
			return
		}
	}
}

// tickHandler drives the handshake, liveness and task timeouts.
func (p *Peer) tickHandler() {
	defer p.wg.Done()

	p.cfg.Ticker.Resume()
	defer p.cfg.Ticker.Stop()

	for {
		select {
		case <-p.cfg.Ticker.Ticks():
			p.onTick()

		case <-p.quit:
			return
		}
	}
}

func (p *Peer) onTick() {
	if !p.Connected() {
		waited := p.cfg.Clock.Now().Sub(p.startTime)
		if waited >= p.cfg.HandshakeTimeout {
			p.Close(fmt.Errorf("%w after %v", ErrHandshakeTimeout,
				waited))
		}

		return
	}

	ping, err := p.pingMgr.tick()
	if err != nil {
		p.Close(err)
		return
	}
	ping.WhenSome(func(msg *wire.MsgPing) {
		p.log.Debugf("Connection idle, sending ping")

		if err := p.SendMessage(msg); err != nil {
			p.log.Debugf("Unable to send ping: %v", err)
		}
	})

	p.taskMtx.Lock()
	if len(p.tasks) > 0 {
		CheckTimeout(p.tasks[0])
	}
	events := p.reapTasksLocked()
	p.taskMtx.Unlock()

	p.fire(events)
}

// handleMessage routes an inbound message. A returned error closes the
// session.
func (p *Peer) handleMessage(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		return p.handleVersion(m)

	case *wire.MsgVerAck:
		return p.handleVerAck()
	}

	if !p.Connected() {
		p.log.Debugf("Dropping %s received before handshake",
			msg.Command())

		return nil
	}

	switch m := msg.(type) {
	case *wire.MsgPing:
		return p.SendMessage(wire.NewMsgPong(m.Nonce))

	case *wire.MsgPong:

	case *wire.MsgAddr:
		p.cfg.Listener.OnAddresses(p, m.AddrList)

	case *wire.MsgInv:
		p.handleInv(m)

	case *wire.MsgGetData:
		return p.handleGetData(m)

	case *spvwire.MsgUnknown:

	default:
		p.offerMessage(msg)
	}

	return nil
}

// checkVersion verifies the remote node can serve us.
func (p *Peer) checkVersion(m *wire.MsgVersion) error {
	best := p.cfg.BestHeight()

	switch {
	case m.LastBlock <= 0:
		return fmt.Errorf("%w: announced height %d",
			ErrUnsuitablePeerVersion, m.LastBlock)

	case m.LastBlock < best:
		return fmt.Errorf("%w: announced height %d is behind ours %d",
			ErrUnsuitablePeerVersion, m.LastBlock, best)

	case !m.HasService(wire.SFNodeNetwork):
		return fmt.Errorf("%w: no full block service (%v)",
			ErrUnsuitablePeerVersion, m.Services)

	case !m.HasService(wire.SFNodeBloom):
		return fmt.Errorf("%w: no bloom filter service (%v)",
			ErrUnsuitablePeerVersion, m.Services)
	}

	return nil
}

func (p *Peer) handleVersion(m *wire.MsgVersion) error {
	if !p.versionReceived.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: duplicate version message",
			ErrProtocolViolation)
	}

	if err := p.checkVersion(m); err != nil {
		return err
	}

	pver := p.cfg.ProtocolVersion
	if uint32(m.ProtocolVersion) < pver {
		pver = uint32(m.ProtocolVersion)
	}
	p.protocolVersion.Store(pver)
	p.lastBlock.Store(m.LastBlock)
	p.services.Store(uint64(m.Services))

	p.agentMtx.Lock()
	p.userAgent = m.UserAgent
	p.agentMtx.Unlock()

	p.log.Debugf("Received version: protocol=%d height=%d agent=%s",
		m.ProtocolVersion, m.LastBlock, m.UserAgent)

	return p.SendMessage(wire.NewMsgVerAck())
}

func (p *Peer) handleVerAck() error {
	if !p.versionReceived.Load() {
		return fmt.Errorf("%w: verack before version",
			ErrProtocolViolation)
	}

	swapped := p.state.CompareAndSwap(
		uint32(stateConnecting), uint32(stateConnected),
	)
	if !swapped {
		return nil
	}

	p.log.Infof("Connected, protocol=%d height=%d", p.ProtocolVersion(),
		p.LastBlock())

	p.cfg.Listener.OnConnect(p)
	if p.Ready() {
		p.cfg.Listener.OnReady(p)
	}

	return nil
}

// offerMessage hands msg to the queued tasks in order until one consumes it.
func (p *Peer) offerMessage(msg wire.Message) {
	p.taskMtx.Lock()
	consumed := false
	for _, t := range p.tasks {
		if t.State() == TaskPending && t.HandleMessage(msg) {
			consumed = true
			break
		}
	}
	events := p.reapTasksLocked()
	p.taskMtx.Unlock()

	if !consumed {
		p.log.Debugf("No task consumed %s message", msg.Command())
	}

	p.fire(events)
}

// handleInv offers an announcement to the tasks before the listener.
func (p *Peer) handleInv(m *wire.MsgInv) {
	p.taskMtx.Lock()
	consumed := false
	for _, t := range p.tasks {
		if t.State() == TaskPending && t.HandleInventory(m.InvList) {
			consumed = true
			break
		}
	}
	events := p.reapTasksLocked()
	p.taskMtx.Unlock()

	p.fire(events)

	if !consumed {
		p.cfg.Listener.OnInventory(p, m.InvList)
	}
}

// handleGetData lets the tasks serve each requested item. Items nobody
// serves are answered with notfound.
func (p *Peer) handleGetData(m *wire.MsgGetData) error {
	notFound := wire.NewMsgNotFound()

	p.taskMtx.Lock()
	for _, item := range m.InvList {
		served := false
		for _, t := range p.tasks {
			if t.State() == TaskPending && t.HandleGetData(item) {
				served = true
				break
			}
		}

		if !served {
			// The item count is bounded by the inbound message.
			_ = notFound.AddInvVect(item)
		}
	}
	events := p.reapTasksLocked()
	p.taskMtx.Unlock()

	p.fire(events)

	if len(notFound.InvList) == 0 {
		return nil
	}

	return p.SendMessage(notFound)
}

// taskEvents collects what happened to the queue while the task lock was
// held, so the listener can be notified after releasing it.
type taskEvents struct {
	completed []Task
	failure   error
	ready     bool
}

// reapTasksLocked drops finished tasks from the queue and restarts the idle
// timer of a new head.
//
// NOTE: taskMtx must be held.
func (p *Peer) reapTasksLocked() taskEvents {
	var events taskEvents
	if len(p.tasks) == 0 {
		return events
	}

	head := p.tasks[0]
	remaining := make([]Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		switch t.State() {
		case TaskCompleted:
			events.completed = append(events.completed, t)

		case TaskFailed:
			if events.failure == nil {
				events.failure = t.Err()
			}

		default:
			remaining = append(remaining, t)
		}
	}

	if len(remaining) == len(p.tasks) {
		return events
	}
	p.tasks = remaining

	if len(p.tasks) > 0 && p.tasks[0] != head {
		p.tasks[0].ResetTimer()
	}
	events.ready = len(p.tasks) == 0 && events.failure == nil

	return events
}

// fire notifies the listener of the collected events.
func (p *Peer) fire(events taskEvents) {
	for _, t := range events.completed {
		p.cfg.Listener.OnTaskCompleted(p, t)
	}

	if events.failure != nil {
		p.Close(fmt.Errorf("task failed: %w", events.failure))
		return
	}

	if events.ready && p.Ready() {
		p.cfg.Listener.OnReady(p)
	}
}

// noopListener ignores all session events.
type noopListener struct{}

func (n *noopListener) OnConnect(*Peer)                       {}
func (n *noopListener) OnDisconnect(*Peer, error)             {}
func (n *noopListener) OnReady(*Peer)                         {}
func (n *noopListener) OnTaskCompleted(*Peer, Task)           {}
func (n *noopListener) OnAddresses(*Peer, []*wire.NetAddress) {}
func (n *noopListener) OnInventory(*Peer, []*wire.InvVect)    {}
