package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// TCP/IP forwarding, RFC 4254 section 7: direct-tcpip channels dialed
// through the server, and forwarded-tcpip channels for listeners the
// server runs on our behalf.

// chanConn adapts a channel to net.Conn so tunneled byte streams can
// be handed to code that knows nothing about SSH.
type chanConn struct {
	core  *channelCore
	table *channelTable
	local net.Addr
	peer  net.Addr
}

func (c *chanConn) Read(p []byte) (int, error) {
	return c.core.readStream(false, p)
}

func (c *chanConn) Write(p []byte) (int, error) {
	return c.core.writeData(p, false)
}

// CloseWrite half-closes the stream with a channel EOF.
func (c *chanConn) CloseWrite() error {
	return c.core.closeWrite()
}

func (c *chanConn) Close() error {
	done, err := c.core.requestClose()
	if done && c.table != nil {
		c.table.drop(c.core.localID)
	}
	return err
}

func (c *chanConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return tunnelAddr{}
}

func (c *chanConn) RemoteAddr() net.Addr {
	if c.peer != nil {
		return c.peer
	}
	return tunnelAddr{}
}

// Deadlines are not supported: the channel has no per-stream timer and
// the underlying socket is shared.
func (c *chanConn) SetDeadline(time.Time) error {
	return errors.New("ssh: tunneled connections do not support deadlines")
}
func (c *chanConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *chanConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

// tunnelAddr stands in when a tunneled endpoint has no meaningful
// address.
type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "ssh-tunnel" }
func (tunnelAddr) String() string  { return "ssh-tunnel" }

// Dial opens a direct-tcpip channel to addr; the server makes the
// final hop. Named ports are resolved locally.
func (c *ClientConn) Dial(network, addr string) (net.Conn, error) {
	host, portName, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portName, 10, 16)
	if err != nil {
		resolved, err := net.LookupPort(network, portName)
		if err != nil {
			return nil, err
		}
		port = uint64(resolved)
	}
	return c.dialTunnel(host, uint32(port), "0.0.0.0", 0)
}

// DialTCP is Dial for already-resolved addresses. laddr, when set,
// is reported to the server as the originator.
func (c *ClientConn) DialTCP(network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
	origHost, origPort := "0.0.0.0", uint32(0)
	if laddr != nil {
		origHost = laddr.IP.String()
		origPort = uint32(laddr.Port)
	}
	return c.dialTunnel(raddr.IP.String(), uint32(raddr.Port), origHost, origPort)
}

func (c *ClientConn) dialTunnel(host string, port uint32, origHost string, origPort uint32) (net.Conn, error) {
	b := &PacketBuffer{}
	b.PutString(host)
	b.PutUint32(port)
	b.PutString(origHost)
	b.PutUint32(origPort)
	core, err := c.openChannel("direct-tcpip", b.Packet())
	if err != nil {
		return nil, fmt.Errorf("ssh: direct-tcpip to %s:%d: %w", host, port, err)
	}
	return &chanConn{core: core, table: c.table}, nil
}

// acceptedForward is one inbound connection delivered to a remote
// listener.
type acceptedForward struct {
	core   *channelCore
	origin *net.TCPAddr
}

// forwardRegistry maps remote listening addresses to the channels that
// deliver their inbound connections.
type forwardRegistry struct {
	mu      sync.Mutex
	entries map[string]chan acceptedForward
}

func forwardKey(a *net.TCPAddr) string {
	return a.IP.String() + ":" + strconv.Itoa(a.Port)
}

func (r *forwardRegistry) register(addr *net.TCPAddr) chan acceptedForward {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]chan acceptedForward)
	}
	ch := make(chan acceptedForward, 4)
	r.entries[forwardKey(addr)] = ch
	return ch
}

func (r *forwardRegistry) match(addr *net.TCPAddr) chan acceptedForward {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[forwardKey(addr)]
}

func (r *forwardRegistry) remove(addr *net.TCPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.entries[forwardKey(addr)]; ok {
		delete(r.entries, forwardKey(addr))
		close(ch)
	}
}

func (r *forwardRegistry) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ch := range r.entries {
		delete(r.entries, key)
		close(ch)
	}
}

// parseForwardedAddrs unpacks the extra data of a forwarded-tcpip
// open: the address the connection arrived on, then its originator.
func parseForwardedAddrs(extra []byte) (bound, origin *net.TCPAddr, err error) {
	b := NewPacketBuffer(extra)
	boundHost := b.String()
	boundPort := b.Uint32()
	originHost := b.String()
	originPort := b.Uint32()
	if b.Err() != nil {
		return nil, nil, b.Err()
	}
	bound = &net.TCPAddr{IP: net.ParseIP(boundHost), Port: int(boundPort)}
	origin = &net.TCPAddr{IP: net.ParseIP(originHost), Port: int(originPort)}
	if bound.IP == nil || origin.IP == nil {
		return nil, nil, ProtocolError("forwarded-tcpip address is not an IP")
	}
	return bound, origin, nil
}

// Listen asks the server to listen on addr and returns a net.Listener
// whose Accept yields tunneled connections.
func (c *ClientConn) Listen(network, addr string) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	return c.ListenTCP(tcpAddr)
}

// ListenTCP is Listen with a resolved address. Port zero asks the
// server to pick one; the chosen port is visible in Addr.
func (c *ClientConn) ListenTCP(addr *net.TCPAddr) (net.Listener, error) {
	b := &PacketBuffer{}
	b.PutString(addr.IP.String())
	b.PutUint32(uint32(addr.Port))
	granted, reply, err := c.sendGlobalRequest("tcpip-forward", true, b.Packet())
	if err != nil {
		return nil, err
	}
	if !granted {
		return nil, errors.New("ssh: server refused tcpip-forward")
	}
	if addr.Port == 0 {
		rb := NewPacketBuffer(reply)
		port := rb.Uint32()
		if rb.Err() != nil {
			return nil, ProtocolError("tcpip-forward reply carries no port")
		}
		addr = &net.TCPAddr{IP: addr.IP, Port: int(port)}
	}

	return &remoteListener{
		conn:     c,
		addr:     addr,
		incoming: c.forwards.register(addr),
	}, nil
}

// remoteListener is the local face of a server-side listening socket.
type remoteListener struct {
	conn     *ClientConn
	addr     *net.TCPAddr
	incoming chan acceptedForward
}

func (l *remoteListener) Accept() (net.Conn, error) {
	f, ok := <-l.incoming
	if !ok {
		return nil, io.EOF
	}
	return &chanConn{
		core:  f.core,
		table: l.conn.table,
		local: l.addr,
		peer:  f.origin,
	}, nil
}

func (l *remoteListener) Addr() net.Addr { return l.addr }

// Close withdraws the forwarding request and stops accepting.
func (l *remoteListener) Close() error {
	l.conn.forwards.remove(l.addr)
	b := &PacketBuffer{}
	b.PutString(l.addr.IP.String())
	b.PutUint32(uint32(l.addr.Port))
	_, _, err := l.conn.sendGlobalRequest("cancel-tcpip-forward", true, b.Packet())
	return err
}
