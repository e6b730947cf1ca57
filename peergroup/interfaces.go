package peergroup

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/spvd/peer"
)

// Session is the view of a peer session the scheduler works with.
type Session interface {
	// Addr returns the address of the remote node.
	Addr() string

	// Ready returns true if the session is connected and idle.
	Ready() bool

	// LastBlock returns the height announced by the remote node.
	LastBlock() int32

	// AddTask queues a task on the session.
	AddTask(t peer.Task) error

	// Close shuts the session down with the given reason.
	Close(err error)
}

// A compile-time check to ensure peer.Peer satisfies the Session interface.
var _ Session = (*peer.Peer)(nil)

// Listener receives the lifecycle events of the group. Listeners are called
// in registration order and all of them see every event.
type Listener interface {
	// OnStart is called once the group has started.
	OnStart()

	// OnStop is called once the group has shut down.
	OnStop()

	// OnPeerCreate is called when a session was created, before its
	// handshake.
	OnPeerCreate(p *peer.Peer)

	// OnPeerConnect is called once the handshake with a peer completed.
	OnPeerConnect(p *peer.Peer)

	// OnPeerDisconnect is called once a session has shut down.
	OnPeerDisconnect(p *peer.Peer, err error)
}

// InventoryHandler receives announcements no task consumed. All handlers
// are offered every announcement.
type InventoryHandler interface {
	OnInventory(p *peer.Peer, items []*wire.InvVect)
}

// TaskHandler reacts to the scheduling events of the task manager.
type TaskHandler interface {
	// OnPeerReady is called for every handler when a session becomes
	// idle, before the task manager hands it a queued task.
	OnPeerReady(s Session)

	// OnTaskCompleted is offered a completed task. Returning true stops
	// the task from being offered to the remaining handlers.
	OnTaskCompleted(s Session, t peer.Task) bool
}

// HostSupplier provides the addresses the group connects to and learns from
// the outcome of every connection.
type HostSupplier interface {
	// NextHost returns the next address to connect to.
	NextHost() (string, error)

	// AddHosts records addresses relayed by a peer.
	AddHosts(addrs []*wire.NetAddress)

	// MarkSuccess records an orderly session with host.
	MarkSuccess(host string)

	// MarkFailed records a failed connection or session with host.
	MarkFailed(host string, reason error)
}

// ListenerAdapter implements Listener with no-op methods so users can embed
// it and only override the events they need.
type ListenerAdapter struct{}

// OnStart does nothing.
func (ListenerAdapter) OnStart() {}

// OnStop does nothing.
func (ListenerAdapter) OnStop() {}

// OnPeerCreate does nothing.
func (ListenerAdapter) OnPeerCreate(*peer.Peer) {}

// OnPeerConnect does nothing.
func (ListenerAdapter) OnPeerConnect(*peer.Peer) {}

// OnPeerDisconnect does nothing.
func (ListenerAdapter) OnPeerDisconnect(*peer.Peer, error) {}
