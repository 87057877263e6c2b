package connection

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/ttclient/config"
	"github.com/opd-ai/ttclient/limits"
	"github.com/opd-ai/ttclient/noise"
	"github.com/opd-ai/ttclient/protocol"
	"github.com/opd-ai/ttclient/transport"
	"github.com/opd-ai/ttclient/types"
)

// DialOptions is everything about a connection attempt besides its endpoint.
// Dial copies it, so later changes do not affect an attempt in progress.
type DialOptions struct {
	Scheme     transport.Scheme
	Path       string
	Encryption config.Encryption
	KeepAlive  config.KeepAlive
	// Pin remembers the server certificate across reconnects when
	// Encryption.VerifyOnce is set.
	Pin *transport.PeerPin
}

// DialOptionsFrom builds the options of an attempt from the client
// configuration.
func DialOptionsFrom(o *config.Options, pin *transport.PeerPin) (DialOptions, error) {
	scheme, err := transport.ParseScheme(o.Server.Scheme)
	if err != nil {
		return DialOptions{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return DialOptions{
		Scheme:     scheme,
		Path:       o.Server.Path,
		Encryption: o.Encryption,
		KeepAlive:  o.KeepAlive,
		Pin:        pin,
	}, nil
}

// Welcome is the server's opening record.
type Welcome struct {
	Protocol   string
	UserID     types.UserID
	ServerName string
	MaxPayload int
	Cookie     []byte
}

// Link is an established session: both channels plus the media token.
type Link struct {
	Control transport.ControlConn
	Media   *transport.MediaConn
	Welcome Welcome
	Token   [noise.TokenSize]byte
	// Encrypted reports which encryption mode protects the control
	// channel, empty when none does.
	Encrypted string

	closeOnce sync.Once
}

// Close closes both channels. It is safe to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = errors.Join(l.Control.Close(), l.Media.Close())
	})
	return err
}

// Dial opens the control channel, reads the welcome and opens the media
// channel. Encryption failures wrap ErrEncryption; a version mismatch wraps
// ErrProtocolVersion.
func Dial(ctx context.Context, p Params, o DialOptions) (*Link, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"function":  "Dial",
		"host":      p.Host,
		"tcp_port":  p.TCPPort,
		"udp_port":  p.UDPPort,
		"encrypted": p.Encrypted,
		"scheme":    string(o.Scheme),
	})
	logger.Info("Connecting to server")

	connectCtx := ctx
	if o.KeepAlive.ConnectTimeout.Duration > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, o.KeepAlive.ConnectTimeout.Duration)
		defer cancel()
	}

	control, binding, mode, err := dialControl(connectCtx, p, o)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Control channel setup failed")
		return nil, err
	}

	welcome, err := readWelcome(connectCtx, control)
	if err != nil {
		control.Close()
		logger.WithField("error", err.Error()).Warn("Server welcome rejected")
		return nil, err
	}

	media, err := transport.DialUDP(ctx, p.MediaAddr(), p.LocalUDPPort)
	if err != nil {
		control.Close()
		return nil, err
	}
	if welcome.MaxPayload > 0 {
		media.SetMaxPayload(welcome.MaxPayload)
	}

	link := &Link{
		Control:   control,
		Media:     media,
		Welcome:   welcome,
		Token:     noise.MediaToken(welcome.Cookie, binding, uint16(welcome.UserID)),
		Encrypted: mode,
	}
	if err := openMedia(ctx, link, o.KeepAlive); err != nil {
		link.Close()
		logger.WithField("error", err.Error()).Warn("Media channel handshake failed")
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"user_id":     welcome.UserID,
		"server_name": welcome.ServerName,
		"protocol":    welcome.Protocol,
		"max_payload": welcome.MaxPayload,
	}).Info("Connected to server")
	return link, nil
}

func dialControl(ctx context.Context, p Params, o DialOptions) (transport.ControlConn, []byte, string, error) {
	enc := o.Encryption
	useTLS := p.Encrypted && enc.Mode != config.ModeNoise
	useNoise := p.Encrypted && enc.Mode == config.ModeNoise

	var conn transport.ControlConn
	switch o.Scheme {
	case transport.SchemeWebSocket:
		cfg, err := tlsConfig(useTLS, enc, p.Host, o.Pin)
		if err != nil {
			return nil, nil, "", err
		}
		scheme := "ws"
		if useTLS {
			scheme = "wss"
		}
		u := url.URL{Scheme: scheme, Host: p.ControlAddr(), Path: wsPath(o.Path)}
		ws, err := transport.DialWebSocket(ctx, u.String(), p.LocalTCPPort, cfg)
		if err != nil {
			return nil, nil, "", classifyTLS(useTLS, err)
		}
		conn = ws
	default:
		if useTLS {
			cfg, err := tlsConfig(true, enc, p.Host, o.Pin)
			if err != nil {
				return nil, nil, "", err
			}
			fc, err := transport.DialTLS(ctx, p.ControlAddr(), p.LocalTCPPort, cfg)
			if err != nil {
				return nil, nil, "", classifyTLS(true, err)
			}
			conn = fc
		} else {
			fc, err := transport.DialTCP(ctx, p.ControlAddr(), p.LocalTCPPort)
			if err != nil {
				return nil, nil, "", err
			}
			conn = fc
		}
	}

	switch {
	case useTLS:
		return conn, nil, config.ModeTLS, nil
	case useNoise:
		nc, err := noiseClient(ctx, conn, enc)
		if err != nil {
			conn.Close()
			return nil, nil, "", err
		}
		return nc, nc.ChannelBinding(), config.ModeNoise, nil
	}
	return conn, nil, "", nil
}

func tlsConfig(enabled bool, enc config.Encryption, host string, pin *transport.PeerPin) (*tls.Config, error) {
	if !enabled {
		return nil, nil
	}
	cfg, err := transport.BuildTLSConfig(transport.TLSOptions{
		CertFile:    enc.CertFile,
		KeyFile:     enc.KeyFile,
		CAFile:      enc.CAFile,
		CADir:       enc.CADir,
		VerifyPeer:  enc.VerifyPeer,
		VerifyOnce:  enc.VerifyOnce,
		VerifyDepth: enc.VerifyDepth,
		ServerName:  enc.ServerName,
	}, host, pin)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return cfg, nil
}

// classifyTLS separates handshake failures from refused connections.
func classifyTLS(useTLS bool, err error) error {
	if !useTLS {
		return err
	}
	var opErr *transport.OpError
	if errors.As(err, &opErr) && strings.Contains(opErr.Op, "tls") {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	var recErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &recErr) || errors.As(err, &certErr) || errors.Is(err, transport.ErrTLSConfig) {
		return fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return err
}

func wsPath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

func noiseClient(ctx context.Context, conn transport.ControlConn, enc config.Encryption) (*noise.Conn, error) {
	var static noise.Keypair
	var err error
	if enc.NoisePrivateKey != "" {
		var priv [noise.KeySize]byte
		raw, decErr := hex.DecodeString(enc.NoisePrivateKey)
		if decErr != nil || len(raw) != noise.KeySize {
			return nil, fmt.Errorf("%w: malformed noise private key", ErrEncryption)
		}
		copy(priv[:], raw)
		static, err = noise.KeypairFromPrivate(priv)
	} else {
		static, err = noise.GenerateKeypair()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	var serverKey []byte
	if enc.NoiseServerKey != "" {
		if serverKey, err = noise.ParsePublicKey(enc.NoiseServerKey); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
	}

	nc, err := noise.Client(ctx, conn, static, serverKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return nc, nil
}

// readWelcome reads the first record. The context bounds the wait by
// closing the channel when it expires.
func readWelcome(ctx context.Context, conn transport.ControlConn) (Welcome, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	frame, err := conn.ReadFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Welcome{}, fmt.Errorf("%w: waiting for welcome: %v", ErrHandshake, ctxErr)
		}
		return Welcome{}, err
	}
	rec, err := protocol.Decode(frame)
	if err != nil {
		return Welcome{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return ParseWelcome(rec)
}

// ParseWelcome validates a welcome record.
func ParseWelcome(rec *protocol.Record) (Welcome, error) {
	if rec.Verb != protocol.VerbWelcome {
		return Welcome{}, fmt.Errorf("%w: got %q", ErrHandshake, rec.Verb)
	}
	if err := rec.Require(protocol.FieldProtocol, protocol.FieldUserID); err != nil {
		return Welcome{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	w := Welcome{
		Protocol:   rec.Text(protocol.FieldProtocol),
		UserID:     types.UserID(rec.Int(protocol.FieldUserID)),
		ServerName: rec.Text(protocol.FieldServerName),
		MaxPayload: int(rec.Int(protocol.FieldMaxPayload)),
	}
	if major(w.Protocol) != major(protocol.ProtocolVersion) {
		return Welcome{}, fmt.Errorf("%w: server %q, client %q", ErrProtocolVersion, w.Protocol, protocol.ProtocolVersion)
	}
	if err := limits.ValidateUserID(uint16(w.UserID)); err != nil {
		return Welcome{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if w.MaxPayload != 0 && w.MaxPayload < limits.MinMediaPacket {
		return Welcome{}, fmt.Errorf("%w: max payload %d below %d", ErrHandshake, w.MaxPayload, limits.MinMediaPacket)
	}
	if cookie := rec.Text(protocol.FieldCookie); cookie != "" {
		raw, err := hex.DecodeString(cookie)
		if err != nil {
			return Welcome{}, fmt.Errorf("%w: cookie: %v", ErrHandshake, err)
		}
		w.Cookie = raw
	}
	return w, nil
}

func major(version string) string {
	v, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	return v
}

// openMedia sends keepalives until the server echoes one with our token.
func openMedia(ctx context.Context, l *Link, ka config.KeepAlive) error {
	retransmit := ka.UDPConnectRetransmit.Duration
	if retransmit <= 0 {
		retransmit = 500 * time.Millisecond
	}
	timeout := ka.UDPConnectTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)

	probe := protocol.Keepalive{UserID: l.Welcome.UserID, Token: l.Token}
	buf := make([]byte, limits.MaxMediaPacket)
	for attempt := 1; time.Now().Before(deadline); attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		probe.Seq = uint32(attempt)
		if err := l.Media.Write(protocol.MarshalKeepalive(protocol.PacketKeepalive, probe)); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function": "openMedia",
			"attempt":  attempt,
		}).Debug("Media keepalive sent")

		wait := time.Now().Add(retransmit)
		if wait.After(deadline) {
			wait = deadline
		}
		for {
			remaining := time.Until(wait)
			if remaining <= 0 {
				break
			}
			n, err := l.Media.Read(buf, remaining)
			if err != nil {
				if transport.IsTimeout(err) {
					break
				}
				var opErr *net.OpError
				if !errors.As(err, &opErr) {
					return err
				}
				// ICMP unreachable before the server socket is up.
				if err := sleepUntil(ctx, wait); err != nil {
					return err
				}
				break
			}
			pt, body, err := protocol.SplitDatagram(buf[:n])
			if err != nil || pt != protocol.PacketKeepaliveAck {
				continue
			}
			ack, err := protocol.UnmarshalKeepalive(body)
			if err == nil && ack.Token == l.Token {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no acknowledgement within %v", ErrMediaHandshake, timeout)
}

func sleepUntil(ctx context.Context, t time.Time) error {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
