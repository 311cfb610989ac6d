package proto

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default broker ports. The worker side only uses WorkerPort.
const (
	DefaultClientPort = 5555
	DefaultWorkerPort = 5556
	DefaultStatusPort = 5557
	DefaultHost       = "127.0.0.1"
)

// ServerConnection holds the endpoint of a broker. It is immutable after
// construction.
type ServerConnection struct {
	endpoint string
	host     string
	port     int
}

// DefaultServerConnection points at the broker's worker port on loopback.
func DefaultServerConnection() ServerConnection {
	return NewServerConnection(DefaultHost, DefaultWorkerPort)
}

// NewServerConnection builds a tcp endpoint for host:port.
func NewServerConnection(host string, port int) ServerConnection {
	return ServerConnection{
		endpoint: "tcp://" + net.JoinHostPort(host, strconv.Itoa(port)),
		host:     host,
		port:     port,
	}
}

// ParseServerConnection accepts "tcp://host:port" or a bare "host:port".
func ParseServerConnection(s string) (ServerConnection, error) {
	addr := strings.TrimPrefix(strings.TrimSpace(s), "tcp://")
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ServerConnection{}, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return ServerConnection{}, fmt.Errorf("%w: %q: bad port", ErrInvalidEndpoint, s)
	}
	if host == "" {
		host = DefaultHost
	}
	return NewServerConnection(host, port), nil
}

// Endpoint returns the "tcp://host:port" form.
func (c ServerConnection) Endpoint() string { return c.endpoint }

// Host returns the broker host.
func (c ServerConnection) Host() string { return c.host }

// Port returns the broker port.
func (c ServerConnection) Port() int { return c.port }

// Address returns "host:port".
func (c ServerConnection) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func (c ServerConnection) String() string { return c.endpoint }
