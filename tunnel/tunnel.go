// Package tunnel presents direct-tcpip channels of an SSH connection
// as ordinary byte-stream endpoints, so that higher-level protocols
// can run through the tunnel without knowing about SSH framing.
package tunnel

import (
	"fmt"
	"net"

	"golang.org/x/net/websocket"

	"github.com/skiffssh/skiff/ssh"
)

// A Dialer opens tunneled connections through an established SSH
// client connection. The zero value is not usable; Conn must be set.
type Dialer struct {
	// Conn is the SSH connection carrying the tunnels.
	Conn *ssh.ClientConn
}

// Dial opens a direct-tcpip channel to addr via the SSH connection.
// The remote SSH server dials the final hop. The returned net.Conn
// does not support deadlines.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("tunnel: network %q not supported", network)
	}
	return d.Conn.Dial(network, addr)
}

// DialWebSocket dials url through the tunnel and performs the
// WebSocket handshake, returning the established WebSocket connection.
// The url should use the ws scheme; origin is the originating URL
// required by the handshake.
func (d *Dialer) DialWebSocket(url, origin string) (*websocket.Conn, error) {
	config, err := websocket.NewConfig(url, origin)
	if err != nil {
		return nil, err
	}
	host := config.Location.Host
	if config.Location.Port() == "" {
		switch config.Location.Scheme {
		case "ws":
			host = net.JoinHostPort(host, "80")
		case "wss":
			return nil, fmt.Errorf("tunnel: wss through a tunnel needs an explicit TLS layer")
		}
	}
	conn, err := d.Dial("tcp", host)
	if err != nil {
		return nil, err
	}
	ws, err := websocket.NewClient(config, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ws, nil
}
