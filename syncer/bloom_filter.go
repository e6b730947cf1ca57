package syncer

import (
	"math/rand/v2"
	"sync"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
)

// DefaultFalsePositiveRate is the false positive rate of our bloom filters.
const DefaultFalsePositiveRate = 0.00005

// FilterListener is notified when the bloom filter changed.
type FilterListener interface {
	OnFilterUpdated(filter *wire.MsgFilterLoad)
}

// BloomFilterManager builds the bloom filter peers use to select the
// transactions they relay to us.
type BloomFilterManager struct {
	elements WalletElementsProvider
	fpRate   float64
	tweak    uint32

	mtx       sync.Mutex
	filter    fn.Option[*wire.MsgFilterLoad]
	listeners []FilterListener
}

// NewBloomFilterManager creates a manager building filters from the
// elements of the wallet. A zero fpRate selects DefaultFalsePositiveRate.
func NewBloomFilterManager(elements WalletElementsProvider,
	fpRate float64) *BloomFilterManager {

	if fpRate <= 0 {
		fpRate = DefaultFalsePositiveRate
	}

	return &BloomFilterManager{
		elements: elements,
		fpRate:   fpRate,
		tweak:    rand.Uint32(),
	}
}

// AddListener registers l to be told about filter updates.
func (m *BloomFilterManager) AddListener(l FilterListener) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.listeners = append(m.listeners, l)
}

// Filter returns the current filter, if one was built.
func (m *BloomFilterManager) Filter() fn.Option[*wire.MsgFilterLoad] {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.filter
}

// Regenerate rebuilds the filter from the current wallet elements and
// notifies the listeners.
func (m *BloomFilterManager) Regenerate() *wire.MsgFilterLoad {
	elements := m.elements.FilterElements()

	// A filter sized for zero elements would have no hash functions.
	size := uint32(len(elements))
	if size == 0 {
		size = 1
	}

	filter := bloom.NewFilter(size, m.tweak, m.fpRate, wire.BloomUpdateAll)
	for _, element := range elements {
		filter.Add(element)
	}
	msg := filter.MsgFilterLoad()

	m.mtx.Lock()
	m.filter = fn.Some(msg)
	listeners := append([]FilterListener(nil), m.listeners...)
	m.mtx.Unlock()

	log.Debugf("Built bloom filter with %d elements", len(elements))

	for _, l := range listeners {
		l.OnFilterUpdated(msg)
	}

	return msg
}

// BloomFilterLoader loads the current bloom filter into every session.
type BloomFilterLoader struct {
	peergroup.ListenerAdapter

	filters *BloomFilterManager
	targets func() []FilterTarget
}

// A compile-time check to ensure BloomFilterLoader implements the
// interfaces it is registered with.
var (
	_ peergroup.Listener = (*BloomFilterLoader)(nil)
	_ FilterListener     = (*BloomFilterLoader)(nil)
)

// NewBloomFilterLoader creates a loader pushing filters of the manager to the
// sessions returned by targets.
func NewBloomFilterLoader(filters *BloomFilterManager,
	targets func() []FilterTarget) *BloomFilterLoader {

	return &BloomFilterLoader{
		filters: filters,
		targets: targets,
	}
}

// OnPeerConnect loads the current filter into the new session.
//
// NOTE: Part of the peergroup.Listener interface.
func (l *BloomFilterLoader) OnPeerConnect(p *peer.Peer) {
	l.filters.Filter().WhenSome(func(filter *wire.MsgFilterLoad) {
		load(p, filter)
	})
}

// OnFilterUpdated loads the new filter into every connected session.
//
// NOTE: Part of the FilterListener interface.
func (l *BloomFilterLoader) OnFilterUpdated(filter *wire.MsgFilterLoad) {
	for _, target := range l.targets() {
		load(target, filter)
	}
}

func load(target FilterTarget, filter *wire.MsgFilterLoad) {
	if err := target.FilterLoad(filter); err != nil {
		log.Warnf("Unable to load filter into %v: %v", target.Addr(),
			err)
	}
}
