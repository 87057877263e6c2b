package transport

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// TLSOptions is the certificate material of an encrypted connection. It is
// copied when a connection attempt starts and never changes afterwards.
type TLSOptions struct {
	CertFile string
	KeyFile  string
	CAFile   string
	CADir    string

	// VerifyPeer checks the server certificate against the CA pool.
	VerifyPeer bool
	// VerifyOnce verifies the server certificate on the first connection
	// only; later connections must present the same certificate.
	VerifyOnce bool
	// VerifyDepth limits the length of the verified chain. Zero means no limit.
	VerifyDepth int

	// ServerName overrides the name checked against the certificate.
	ServerName string
}

// PeerPin remembers the server certificate accepted by a VerifyOnce
// connection. One pin is shared by all reconnects of a client.
type PeerPin struct {
	mu          sync.Mutex
	fingerprint []byte
}

// Fingerprint returns the pinned certificate hash, nil if none.
func (p *PeerPin) Fingerprint() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.fingerprint...)
}

func (p *PeerPin) check(leaf []byte) (pinned bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fingerprint == nil {
		return false, true
	}
	sum := sha256.Sum256(leaf)
	return true, bytes.Equal(p.fingerprint, sum[:])
}

func (p *PeerPin) set(leaf []byte) {
	sum := sha256.Sum256(leaf)
	p.mu.Lock()
	p.fingerprint = sum[:]
	p.mu.Unlock()
}

// BuildTLSConfig turns the options into a client tls.Config for host.
// pin may be nil when VerifyOnce is not used.
func BuildTLSConfig(o TLSOptions, host string, pin *PeerPin) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}

	if o.CertFile != "" || o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: load key pair: %v", ErrTLSConfig, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if !o.VerifyPeer {
		cfg.InsecureSkipVerify = true
		return cfg, nil
	}

	pool, err := loadCAPool(o.CAFile, o.CADir)
	if err != nil {
		return nil, err
	}

	// VerifyPeerCertificate verifies the chain, the depth limit and the pin.
	cfg.InsecureSkipVerify = true
	serverName := cfg.ServerName
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: server sent no certificate", ErrTLSConfig)
		}
		if o.VerifyOnce && pin != nil {
			if pinned, ok := pin.check(rawCerts[0]); pinned {
				if !ok {
					return fmt.Errorf("%w: server certificate changed", ErrTLSConfig)
				}
				return nil
			}
		}
		if err := verifyChain(rawCerts, pool, serverName, o.VerifyDepth); err != nil {
			return err
		}
		if o.VerifyOnce && pin != nil {
			pin.set(rawCerts[0])
		}
		return nil
	}
	return cfg, nil
}

func verifyChain(rawCerts [][]byte, roots *x509.CertPool, serverName string, depth int) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("parse server certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	chains, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		DNSName:       serverName,
	})
	if err != nil {
		return fmt.Errorf("verify server certificate: %w", err)
	}
	if depth > 0 {
		for _, chain := range chains {
			if len(chain)-1 <= depth {
				return nil
			}
		}
		return fmt.Errorf("%w: certificate chain longer than depth %d", ErrTLSConfig, depth)
	}
	return nil
}

func loadCAPool(file, dir string) (*x509.CertPool, error) {
	if file == "" && dir == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("%w: system roots: %v", ErrTLSConfig, err)
		}
		return pool, nil
	}

	pool := x509.NewCertPool()
	if file != "" {
		pem, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("%w: read CA file: %v", ErrTLSConfig, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrTLSConfig, file)
		}
	}
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.pem"))
		if err != nil {
			return nil, fmt.Errorf("%w: scan CA dir: %v", ErrTLSConfig, err)
		}
		for _, m := range matches {
			pem, err := os.ReadFile(m)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "loadCAPool",
					"file":     m,
					"error":    err.Error(),
				}).Warn("Skipping unreadable CA file")
				continue
			}
			pool.AppendCertsFromPEM(pem)
		}
	}
	return pool, nil
}
