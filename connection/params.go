package connection

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/opd-ai/ttclient/config"
)

// Params is the endpoint of one connection attempt.
type Params struct {
	Host         string
	TCPPort      int
	UDPPort      int
	LocalTCPPort int
	LocalUDPPort int
	Encrypted    bool
}

// ParamsFrom takes the endpoint from the server section of o.
func ParamsFrom(o *config.Options) Params {
	return Params{
		Host:         o.Server.Host,
		TCPPort:      o.Server.TCPPort,
		UDPPort:      o.Server.UDPPort,
		LocalTCPPort: o.Server.LocalTCPPort,
		LocalUDPPort: o.Server.LocalUDPPort,
		Encrypted:    o.Server.Encrypted,
	}
}

// Validate checks the host and port ranges.
func (p Params) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidParams)
	}
	if p.TCPPort <= 0 || p.TCPPort > 65535 {
		return fmt.Errorf("%w: tcp port %d", ErrInvalidParams, p.TCPPort)
	}
	if p.UDPPort <= 0 || p.UDPPort > 65535 {
		return fmt.Errorf("%w: udp port %d", ErrInvalidParams, p.UDPPort)
	}
	if p.LocalTCPPort < 0 || p.LocalTCPPort > 65535 {
		return fmt.Errorf("%w: local tcp port %d", ErrInvalidParams, p.LocalTCPPort)
	}
	if p.LocalUDPPort < 0 || p.LocalUDPPort > 65535 {
		return fmt.Errorf("%w: local udp port %d", ErrInvalidParams, p.LocalUDPPort)
	}
	return nil
}

// ControlAddr returns host:tcpport.
func (p Params) ControlAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.TCPPort))
}

// MediaAddr returns host:udpport.
func (p Params) MediaAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.UDPPort))
}
