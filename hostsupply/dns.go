package hostsupply

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultDNSServer is queried when no resolver configuration is
	// available.
	DefaultDNSServer = "1.1.1.1:53"

	// resolvConf is the system resolver configuration.
	resolvConf = "/etc/resolv.conf"

	// dnsTimeout bounds every query.
	dnsTimeout = 5 * time.Second
)

// ErrNoDNSRecords is returned when a seed answers without any address.
var ErrNoDNSRecords = errors.New("no address records")

// SystemDNSServer returns the first name server of the system resolver
// configuration, or DefaultDNSServer.
func SystemDNSServer() string {
	cfg, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		return DefaultDNSServer
	}

	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// DNSResolver resolves seed host names by querying a name server directly.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver creates a resolver querying server, given as host:port.
func NewDNSResolver(server string) *DNSResolver {
	return &DNSResolver{
		server: server,
		client: &dns.Client{Timeout: dnsTimeout},
	}
}

// LookupIP returns the IPv4 and IPv6 addresses host resolves to.
func (r *DNSResolver) LookupIP(host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		resp, _, err := r.client.Exchange(msg, r.server)
		if err != nil {
			return nil, fmt.Errorf("unable to query %v: %w", host,
				err)
		}

		// If the message response code was not the success code, fail.
		if resp.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("query for %v failed: %v", host,
				dns.RcodeToString[resp.Rcode])
		}

		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				ips = append(ips, record.A.To4())

			case *dns.AAAA:
				ips = append(ips, record.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("%w for %v", ErrNoDNSRecords, host)
	}

	log.Debugf("Resolved %v to %d addresses", host, len(ips))

	return ips, nil
}
