package control

import "fmt"

// Network identifies the transport a control socket is reachable over.
type Network string

const (
	// NetworkTCP is a TCP loopback connection (e.g. 127.0.0.1:4444).
	NetworkTCP Network = "tcp"
	// NetworkUnix is a filesystem-path stream socket.
	NetworkUnix Network = "unix"
)

// Address identifies where a hypervisor's control socket is listening.
// Implementations should support both the tcp-loopback and unix-path
// variants named in the control-protocol design notes.
type Address struct {
	Network Network
	Addr    string
}

// TCPAddress builds a loopback TCP address.
func TCPAddress(port int) Address {
	return Address{Network: NetworkTCP, Addr: fmt.Sprintf("127.0.0.1:%d", port)}
}

// UnixAddress builds a filesystem-path socket address.
func UnixAddress(path string) Address {
	return Address{Network: NetworkUnix, Addr: path}
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%s", a.Network, a.Addr)
}
