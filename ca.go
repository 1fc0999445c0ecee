package mitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLeafTTL bounds how long an issued leaf is reused before it is
// regenerated. Records are replaced on expiry, never mutated.
const DefaultLeafTTL = 3 * 24 * time.Hour

// CA signs per-host leaf certificates on demand, caching them by the
// requested name. The cache is shared read-mostly across all flows;
// issuance is single-flight per hostname so concurrent requesters for
// the same name await one signing operation.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	ttl  time.Duration

	mu       sync.Mutex
	cache    map[string]*leafEntry
	inflight map[string]*issueCall

	issued atomic.Uint64 // signing operations, observable in tests
}

type leafEntry struct {
	cert    tls.Certificate
	expires time.Time
}

type issueCall struct {
	done chan struct{}
	cert tls.Certificate
	err  error
}

func NewCA(cert *x509.Certificate, key *rsa.PrivateKey) *CA {
	return &CA{
		cert:     cert,
		key:      key,
		ttl:      DefaultLeafTTL,
		cache:    make(map[string]*leafEntry),
		inflight: make(map[string]*issueCall),
	}
}

// Cert returns the root certificate, e.g. for installing into a client
// trust store.
func (ca *CA) Cert() *x509.Certificate { return ca.cert }

// Issued reports how many signing operations have run.
func (ca *CA) Issued() uint64 { return ca.issued.Load() }

// Leaf returns the cached certificate for host, issuing one if the
// cache misses or the record expired.
func (ca *CA) Leaf(host string) (tls.Certificate, error) {
	ca.mu.Lock()
	if entry, ok := ca.cache[host]; ok && time.Now().Before(entry.expires) {
		ca.mu.Unlock()
		return entry.cert, nil
	}
	if call, ok := ca.inflight[host]; ok {
		ca.mu.Unlock()
		<-call.done
		return call.cert, call.err
	}
	call := &issueCall{done: make(chan struct{})}
	ca.inflight[host] = call
	ca.mu.Unlock()

	cert, err := ca.issue(host)

	ca.mu.Lock()
	if err == nil {
		ca.cache[host] = &leafEntry{cert: cert, expires: time.Now().Add(ca.ttl)}
	}
	delete(ca.inflight, host)
	ca.mu.Unlock()

	call.cert, call.err = cert, err
	close(call.done)
	return cert, err
}

// TLSConfigFor builds the client-facing server config for host, with
// the ALPN protocols the handshake should advertise.
func (ca *CA) TLSConfigFor(host string, protos ...string) (*tls.Config, error) {
	leaf, err := ca.Leaf(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{leaf},
		NextProtos:   protos,
	}, nil
}

func (ca *CA) issue(host string) (tls.Certificate, error) {
	ca.issued.Add(1)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(ca.ttl),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER, ca.cert.Raw},
		PrivateKey:  key,
	}, nil
}

// GenerateCA creates a fresh self-signed root for installations that
// bring no key material of their own.
func GenerateCA(commonName string) (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"mitm"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}

	return NewCA(cert, key), nil
}

// WriteFiles persists the root pair as PEM, key readable by owner only.
func (ca *CA) WriteFiles(certPath, keyPath string) error {
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.key)})
	return os.WriteFile(keyPath, keyPEM, 0600)
}

// LoadCA reads a PEM root certificate and RSA key pair from disk.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	return ParseCA(certPEM, keyPEM)
}

// ParseCA builds a CA from PEM-encoded certificate and key material.
func ParseCA(certPEM, keyPEM []byte) (*CA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("ca: no certificate PEM block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("ca: no key PEM block")
	}

	var key *rsa.PrivateKey
	switch keyBlock.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	case "PRIVATE KEY":
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(*rsa.PrivateKey); !ok {
				err = fmt.Errorf("ca: unsupported key type %T", parsed)
			}
		}
	default:
		err = fmt.Errorf("ca: unsupported PEM block %q", keyBlock.Type)
	}
	if err != nil {
		return nil, err
	}

	return NewCA(cert, key), nil
}
