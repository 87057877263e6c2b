package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// selfSigned writes a self-signed certificate for 127.0.0.1 and returns the
// server certificate and the path of its PEM file.
func selfSigned(t *testing.T) (tls.Certificate, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ttclient test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, path
}

func serveTLSEcho(t *testing.T, cert tls.Certificate) net.Listener {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				fc := NewFramedConn(conn, 0)
				defer fc.Close()
				for {
					frame, err := fc.ReadFrame()
					if err != nil {
						return
					}
					if err := fc.WriteFrame(frame); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln
}

func TestDialTLSVerified(t *testing.T) {
	cert, caFile := selfSigned(t)
	ln := serveTLSEcho(t, cert)
	defer ln.Close()

	pin := &PeerPin{}
	cfg, err := BuildTLSConfig(TLSOptions{CAFile: caFile, VerifyPeer: true, VerifyOnce: true, VerifyDepth: 1}, "127.0.0.1", pin)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := DialTLS(ctx, ln.Addr().String(), 0, cfg)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrame([]byte("ping id=1")))
	reply, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "ping id=1", string(reply))
	assert.NotNil(t, pin.Fingerprint(), "first verified connection pins the certificate")
}

func TestDialTLSPinMismatch(t *testing.T) {
	cert, caFile := selfSigned(t)
	ln := serveTLSEcho(t, cert)
	defer ln.Close()

	pin := &PeerPin{}
	pin.set([]byte("some other certificate"))

	cfg, err := BuildTLSConfig(TLSOptions{CAFile: caFile, VerifyPeer: true, VerifyOnce: true}, "127.0.0.1", pin)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = DialTLS(ctx, ln.Addr().String(), 0, cfg)
	assert.Error(t, err)
}

func TestDialTLSUnknownAuthority(t *testing.T) {
	cert, _ := selfSigned(t)
	_, otherCA := selfSigned(t)
	ln := serveTLSEcho(t, cert)
	defer ln.Close()

	cfg, err := BuildTLSConfig(TLSOptions{CAFile: otherCA, VerifyPeer: true}, "127.0.0.1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = DialTLS(ctx, ln.Addr().String(), 0, cfg)
	assert.Error(t, err)
}

func TestBuildTLSConfig(t *testing.T) {
	t.Run("no verification", func(t *testing.T) {
		cfg, err := BuildTLSConfig(TLSOptions{}, "example.org", nil)
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
		assert.Nil(t, cfg.VerifyPeerCertificate)
		assert.Equal(t, "example.org", cfg.ServerName)
	})

	t.Run("server name override", func(t *testing.T) {
		cfg, err := BuildTLSConfig(TLSOptions{ServerName: "tt.example.org"}, "10.0.0.1", nil)
		require.NoError(t, err)
		assert.Equal(t, "tt.example.org", cfg.ServerName)
	})

	t.Run("missing key pair", func(t *testing.T) {
		_, err := BuildTLSConfig(TLSOptions{CertFile: "/nonexistent.pem", KeyFile: "/nonexistent.key"}, "h", nil)
		assert.ErrorIs(t, err, ErrTLSConfig)
	})

	t.Run("missing CA file", func(t *testing.T) {
		_, err := BuildTLSConfig(TLSOptions{VerifyPeer: true, CAFile: "/nonexistent.pem"}, "h", nil)
		assert.ErrorIs(t, err, ErrTLSConfig)
	})

	t.Run("CA dir", func(t *testing.T) {
		_, caFile := selfSigned(t)
		cfg, err := BuildTLSConfig(TLSOptions{VerifyPeer: true, CADir: filepath.Dir(caFile)}, "h", nil)
		require.NoError(t, err)
		assert.NotNil(t, cfg.VerifyPeerCertificate)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := DialTLS(context.Background(), "127.0.0.1:1", 0, nil)
		assert.ErrorIs(t, err, ErrTLSConfig)
	})
}
