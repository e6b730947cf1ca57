package hostsupply

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/addrmgr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/spvd/peergroup"
)

const (
	// DefaultFailureThreshold is the number of consecutive failures after
	// which a host is banned.
	DefaultFailureThreshold = 3

	// DefaultBanDuration is how long a failing host is skipped.
	DefaultBanDuration = 30 * time.Minute

	// maxAddrTries bounds the samples drawn from the address manager per
	// NextHost call.
	maxAddrTries = 100
)

// ErrNoHosts is returned when no host is currently available.
var ErrNoHosts = errors.New("no hosts available")

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(host string) ([]net.IP, error)

// Config holds the parameters of a Supplier.
type Config struct {
	// Params provides the DNS seeds and the default port.
	Params *chaincfg.Params

	// StaticHosts, if set, are the only hosts handed out. Neither DNS
	// seeds nor relayed addresses are used then.
	StaticHosts []string

	// DataDir is where the address manager keeps its peers file.
	DataDir string

	// Lookup resolves DNS seeds. It defaults to querying the system name
	// server.
	Lookup LookupFunc

	// FailureThreshold is the number of consecutive failures that get a
	// host banned.
	FailureThreshold int

	// BanDuration is how long a banned host is skipped.
	BanDuration time.Duration

	// Clock is used to expire bans.
	Clock clock.Clock
}

// hostState is what we remember about a host.
type hostState struct {
	// failures holds the reasons of the most recent failed sessions.
	failures *queue.CircularBuffer

	// consecutive is the number of failures since the last success.
	consecutive int

	bannedUntil time.Time
}

// Supplier hands out hosts to connect to. It scores hosts through the btcd
// address manager and bans hosts that keep failing.
type Supplier struct {
	cfg Config

	addrs *addrmgr.AddrManager

	mtx        sync.Mutex
	hosts      map[string]*hostState
	active     map[string]struct{}
	known      map[string]*wire.NetAddressV2
	nextStatic int

	startOnce sync.Once
	stopOnce  sync.Once
}

// A compile-time check to ensure Supplier implements peergroup.HostSupplier.
var _ peergroup.HostSupplier = (*Supplier)(nil)

// New creates a supplier from cfg.
func New(cfg Config) (*Supplier, error) {
	if cfg.Params == nil {
		return nil, errors.New("chain params required")
	}
	if cfg.Lookup == nil {
		cfg.Lookup = NewDNSResolver(SystemDNSServer()).LookupIP
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = DefaultBanDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Supplier{
		cfg:    cfg,
		addrs:  addrmgr.New(cfg.DataDir, cfg.Lookup),
		hosts:  make(map[string]*hostState),
		active: make(map[string]struct{}),
		known:  make(map[string]*wire.NetAddressV2),
	}, nil
}

// Start loads the known addresses and seeds from DNS when too few are
// known.
func (s *Supplier) Start() error {
	s.startOnce.Do(func() {
		s.addrs.Start()

		if len(s.cfg.StaticHosts) > 0 {
			log.Infof("Using %d static hosts",
				len(s.cfg.StaticHosts))
			return
		}

		if s.addrs.NeedMoreAddresses() {
			s.Seed()
		}
	})

	return nil
}

// Stop persists the known addresses.
func (s *Supplier) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.addrs.Stop()
	})

	return err
}

// Seed queries the DNS seeds of the network in the background.
func (s *Supplier) Seed() {
	log.Infof("Querying %d DNS seeds", len(s.cfg.Params.DNSSeeds))

	connmgr.SeedFromDNS(
		s.cfg.Params, wire.SFNodeNetwork, connmgr.LookupFunc(
			s.cfg.Lookup,
		), s.onSeed,
	)
}

func (s *Supplier) onSeed(addrs []*wire.NetAddressV2) {
	if len(addrs) == 0 {
		return
	}

	log.Debugf("DNS seed returned %d addresses", len(addrs))

	s.addrs.AddAddresses(addrs, addrs[0])
}

// NextHost returns a host that is neither in use nor banned.
func (s *Supplier) NextHost() (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(s.cfg.StaticHosts) > 0 {
		return s.nextStaticHost()
	}

	for i := 0; i < maxAddrTries; i++ {
		ka := s.addrs.GetAddress()
		if ka == nil {
			break
		}

		na := ka.NetAddress()
		host := addrmgr.NetAddressKey(na)
		if !s.availableLocked(host) {
			continue
		}

		s.addrs.Attempt(na)
		s.known[host] = na
		s.active[host] = struct{}{}

		return host, nil
	}

	return "", ErrNoHosts
}

func (s *Supplier) nextStaticHost() (string, error) {
	hosts := s.cfg.StaticHosts
	for i := 0; i < len(hosts); i++ {
		host := hosts[(s.nextStatic+i)%len(hosts)]
		if !s.availableLocked(host) {
			continue
		}

		s.nextStatic = (s.nextStatic + i + 1) % len(hosts)
		s.active[host] = struct{}{}

		return host, nil
	}

	return "", ErrNoHosts
}

func (s *Supplier) availableLocked(host string) bool {
	if _, ok := s.active[host]; ok {
		return false
	}

	state, ok := s.hosts[host]
	if !ok {
		return true
	}

	return !s.cfg.Clock.Now().Before(state.bannedUntil)
}

// AddHosts records addresses relayed by a peer.
func (s *Supplier) AddHosts(addrs []*wire.NetAddress) {
	if len(s.cfg.StaticHosts) > 0 || len(addrs) == 0 {
		return
	}

	converted := make([]*wire.NetAddressV2, 0, len(addrs))
	for _, addr := range addrs {
		ip := addr.IP
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		converted = append(converted, wire.NetAddressV2FromBytes(
			addr.Timestamp, addr.Services, ip, addr.Port,
		))
	}

	s.addrs.AddAddresses(converted, converted[0])
}

// netAddress returns the address manager's view of host.
func (s *Supplier) netAddress(host string) (*wire.NetAddressV2, error) {
	if na, ok := s.known[host]; ok {
		return na, nil
	}

	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %v: %w", host, err)
	}

	return s.addrs.HostToNetAddress(h, uint16(port), 0)
}

// MarkSuccess records an orderly session with host and clears its failures.
func (s *Supplier) MarkSuccess(host string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.active, host)
	delete(s.hosts, host)

	if na, err := s.netAddress(host); err == nil {
		s.addrs.Connected(na)
		s.addrs.Good(na)
	}
}

// MarkFailed records a failed session with host. A host failing
// FailureThreshold times in a row is banned for BanDuration.
func (s *Supplier) MarkFailed(host string, reason error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.active, host)

	state, ok := s.hosts[host]
	if !ok {
		failures, err := queue.NewCircularBuffer(
			s.cfg.FailureThreshold,
		)
		if err != nil {
			log.Errorf("Unable to track failures of %v: %v", host,
				err)
			return
		}
		state = &hostState{failures: failures}
		s.hosts[host] = state
	}

	state.failures.Add(reason)
	state.consecutive++

	if state.consecutive >= s.cfg.FailureThreshold {
		state.bannedUntil = s.cfg.Clock.Now().Add(s.cfg.BanDuration)
		state.consecutive = 0

		log.Infof("Banning %v until %v after %d failures, last: %v",
			host, state.bannedUntil, s.cfg.FailureThreshold, reason)
	}
}

// Failures returns the most recent failure reasons of host, oldest first.
func (s *Supplier) Failures(host string) []error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	state, ok := s.hosts[host]
	if !ok {
		return nil
	}

	var reasons []error
	for _, item := range state.failures.List() {
		if err, ok := item.(error); ok {
			reasons = append(reasons, err)
		}
	}

	return reasons
}

// NumAddresses returns the number of addresses known to the address
// manager.
func (s *Supplier) NumAddresses() int {
	return s.addrs.NumAddresses()
}
