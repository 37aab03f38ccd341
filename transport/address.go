package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// A TCP/IP address or a local socket path.
type PeerAddress struct {
	host string
	port uint

	path string
}

// Construct a new peer address.
func Peer(host string, port uint) PeerAddress {
	return PeerAddress{host: host, port: port}
}

func IPCPeer(path string) PeerAddress {
	return PeerAddress{path: path}
}

// ParseAddress accepts "host:port", "tcp://host:port" and "ipc://path".
func ParseAddress(s string) (PeerAddress, error) {
	if path, ok := strings.CutPrefix(s, "ipc://"); ok {
		if path == "" {
			return PeerAddress{}, fmt.Errorf("empty ipc path in %q", s)
		}
		return IPCPeer(path), nil
	}
	s = strings.TrimPrefix(s, "tcp://")

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddress{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("bad port in %q: %w", s, err)
	}
	return Peer(host, uint(port)), nil
}

func (pa PeerAddress) IsIPC() bool {
	return pa.path != ""
}

// HostPort returns the address in the form net.Dial expects.
func (pa PeerAddress) HostPort() string {
	return net.JoinHostPort(pa.host, strconv.FormatUint(uint64(pa.port), 10))
}

func (pa PeerAddress) ToUrl() string {
	if pa.path != "" {
		return fmt.Sprintf("ipc://%s", pa.path)
	} else if pa.host != "" || pa.port != 0 {
		return "tcp://" + pa.HostPort()
	} else {
		return ""
	}
}

func (pa PeerAddress) String() string {
	if pa.path != "" {
		return pa.path
	} else if pa.host != "" || pa.port != 0 {
		return pa.HostPort()
	} else {
		return ""
	}
}

func (pa PeerAddress) Equals(pa2 PeerAddress) bool {
	return (pa.path == "" && pa2.path == "" && pa.host == pa2.host && pa.port == pa2.port) || (pa.path != "" && pa.path == pa2.path)
}
