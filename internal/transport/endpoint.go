package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Endpoint is a (host, port) pair identifying one side of a connection.
type Endpoint struct {
	Host string
	Port uint16
}

// ParseEndpoint parses "host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: parse endpoint %q: %w", s, err)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: parse endpoint %q: bad port: %w", s, err)
	}
	return Endpoint{Host: host, Port: uint16(p)}, nil
}

func endpointFromAddr(a net.Addr) Endpoint {
	if a == nil {
		return Endpoint{}
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return Endpoint{Host: tcp.IP.String(), Port: uint16(tcp.Port)}
	}
	e, err := ParseEndpoint(a.String())
	if err != nil {
		return Endpoint{Host: a.String()}
	}
	return e
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// IsZero reports whether e is the unset endpoint.
func (e Endpoint) IsZero() bool { return e.Host == "" && e.Port == 0 }
