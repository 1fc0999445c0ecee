package mitm

import (
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Resolver recovers a certificate-worthy hostname for a destination
// IP. Flows in transparent mode have nothing but the redirect address
// to go on when the client sends no SNI.
type Resolver interface {
	SetPTR(ip, name string)
	GetPTR(ip string) (string, bool)
	// Lookup consults the cache first and may go to the network.
	Lookup(ip string) (string, bool)
}

// StdResolver caches learned names in a shared map and falls back to a
// PTR query against the configured nameserver.
type StdResolver struct {
	server  string
	records sync.Map
}

func NewResolver(server string) *StdResolver {
	if server != "" && !strings.Contains(server, ":") {
		server += ":53"
	}
	return &StdResolver{server: server}
}

var defaultResolver Resolver = NewResolver("")

func (r *StdResolver) SetPTR(ip, name string) { r.records.Store(ip, name) }

func (r *StdResolver) GetPTR(ip string) (string, bool) {
	record, ok := r.records.Load(ip)
	if !ok {
		return "", false
	}
	return record.(string), true
}

func (r *StdResolver) Lookup(ip string) (string, bool) {
	if name, ok := r.GetPTR(ip); ok {
		return name, true
	}
	if r.server == "" {
		return "", false
	}

	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", false
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	client := &dns.Client{Timeout: 3 * time.Second}
	resp, _, err := client.Exchange(msg, r.server)
	if err != nil {
		return "", false
	}

	for _, answer := range resp.Answer {
		if ptr, ok := answer.(*dns.PTR); ok {
			name := strings.TrimSuffix(ptr.Ptr, ".")
			r.records.Store(ip, name)
			return name, true
		}
	}
	return "", false
}

// probeTLSName handshakes with the origin and reads the hostname off
// its certificate. Last resort before the configured fallback SNI.
func probeTLSName(host, port string) string {
	conn, err := tls.DialWithDialer(
		&net.Dialer{Timeout: 5 * time.Second},
		"tcp", net.JoinHostPort(host, port),
		&tls.Config{InsecureSkipVerify: true},
	)
	if err != nil {
		return ""
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	if len(certs[0].DNSNames) > 0 {
		return certs[0].DNSNames[0]
	}
	return certs[0].Subject.CommonName
}
