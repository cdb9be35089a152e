// Package transport carries SLIP framed guest traffic over unix sockets, TCP
// and serial devices.
package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Endpoint kinds.
const (
	Unix   = "unix"
	TCP    = "tcp"
	Serial = "serial"
)

// DefaultSocketName is the socket file used when no endpoint is given.
const DefaultSocketName = "serial-port.sock"

// Endpoint names the byte stream the guest link runs over.
type Endpoint struct {
	Kind    string
	Address string
}

func (e Endpoint) String() string { return e.Kind + ":" + e.Address }

// DefaultEndpoint is a unix socket in the temporary directory.
func DefaultEndpoint() Endpoint {
	return Endpoint{Kind: Unix, Address: filepath.Join(os.TempDir(), DefaultSocketName)}
}

// ParseEndpoint accepts unix:PATH, tcp:HOST:PORT and serial:DEVICE. A string
// without a known prefix is a unix socket path and an empty string is the
// default endpoint.
func ParseEndpoint(s string) (Endpoint, error) {
	if s == "" {
		return DefaultEndpoint(), nil
	}
	kind, addr, ok := strings.Cut(s, ":")
	if !ok {
		return Endpoint{Kind: Unix, Address: s}, nil
	}
	switch kind {
	case Unix, Serial:
		if addr == "" {
			return Endpoint{}, fmt.Errorf("transport: %s endpoint needs a path", kind)
		}
		return Endpoint{Kind: kind, Address: addr}, nil
	case TCP:
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Endpoint{}, fmt.Errorf("transport: tcp endpoint %q: %w", addr, err)
		}
		return Endpoint{Kind: TCP, Address: addr}, nil
	default:
		// Windows style paths and paths containing colons.
		return Endpoint{Kind: Unix, Address: s}, nil
	}
}

// ErrNotIPv4 marks frames rejected by the EtherType gate.
var ErrNotIPv4 = errors.New("transport: frame is not IPv4")
