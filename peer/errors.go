package peer

import "errors"

var (
	// ErrUnsuitablePeerVersion is returned when the remote version message
	// shows the node cannot serve an SPV client.
	ErrUnsuitablePeerVersion = errors.New("unsuitable peer version")

	// ErrPongTimeout is returned when a ping went unanswered.
	ErrPongTimeout = errors.New("pong not received in time")

	// ErrHandshakeTimeout is returned when the version handshake did not
	// finish in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrPeerClosed is returned when using a session that has been closed.
	ErrPeerClosed = errors.New("peer session closed")

	// ErrTaskNotAssigned is returned when a task sends before it was
	// started on a peer.
	ErrTaskNotAssigned = errors.New("task not assigned to a peer")

	// ErrProtocolViolation is returned when the remote node breaks the
	// message ordering of the protocol.
	ErrProtocolViolation = errors.New("protocol violation")
)
