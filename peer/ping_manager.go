package peer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// pingManagerConfig is a structure containing various parameters that govern
// how the pingManager behaves.
type pingManagerConfig struct {
	// Clock is the time source of the manager.
	Clock clock.Clock

	// IdleTimeout is how long the connection may be silent before we
	// probe it with a ping.
	IdleTimeout time.Duration

	// PongTimeout is how long we wait for any message after sending a
	// ping before declaring the connection dead.
	PongTimeout time.Duration

	// NewNonce returns the nonce of the next ping.
	NewNonce func() uint64
}

// pingManager tracks the liveness of a connection. It is driven by the
// session's tick and by every inbound message. We assume there is only one
// ping outstanding at once.
type pingManager struct {
	cfg *pingManagerConfig

	// pingTime is a rough estimate of the RTT between us and the remote
	// node.
	pingTime atomic.Pointer[time.Duration]

	mu sync.Mutex

	lastRecv time.Time

	// outstanding is the nonce of the ping awaiting an answer.
	outstanding fn.Option[uint64]
	pingSent    time.Time
}

// newPingManager constructs a pingManager in a valid state.
func newPingManager(cfg *pingManagerConfig) *pingManager {
	if cfg.NewNonce == nil {
		cfg.NewNonce = func() uint64 {
			nonce, err := wire.RandomUint64()
			if err != nil {
				return uint64(cfg.Clock.Now().UnixNano())
			}

			return nonce
		}
	}

	return &pingManager{
		cfg:         cfg,
		lastRecv:    cfg.Clock.Now(),
		outstanding: fn.None[uint64](),
	}
}

// received records an inbound message. Any message proves the connection
// alive and clears the outstanding ping.
func (m *pingManager) received(msg wire.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()

	if pong, ok := msg.(*wire.MsgPong); ok {
		m.outstanding.WhenSome(func(nonce uint64) {
			if pong.Nonce != nonce {
				return
			}

			rtt := now.Sub(m.pingSent)
			m.pingTime.Store(&rtt)
		})
	}

	m.lastRecv = now
	m.outstanding = fn.None[uint64]()
}

// tick checks the connection for silence. It returns a ping to send once the
// connection has been idle for IdleTimeout, and ErrPongTimeout if a ping has
// gone unanswered for PongTimeout.
func (m *pingManager) tick() (fn.Option[*wire.MsgPing], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	none := fn.None[*wire.MsgPing]()
	now := m.cfg.Clock.Now()

	if m.outstanding.IsSome() {
		waited := now.Sub(m.pingSent)
		if waited >= m.cfg.PongTimeout {
			return none, fmt.Errorf("%w: waited %v", ErrPongTimeout,
				waited)
		}

		return none, nil
	}

	if now.Sub(m.lastRecv) < m.cfg.IdleTimeout {
		return none, nil
	}

	nonce := m.cfg.NewNonce()
	m.outstanding = fn.Some(nonce)
	m.pingSent = now

	return fn.Some(wire.NewMsgPing(nonce)), nil
}

// lastRTT reports the last measured round trip time, or zero if unknown.
func (m *pingManager) lastRTT() time.Duration {
	rtt := m.pingTime.Load()
	if rtt == nil {
		return 0
	}

	return *rtt
}

// pingOutstanding returns true while a ping awaits an answer.
func (m *pingManager) pingOutstanding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.outstanding.IsSome()
}
