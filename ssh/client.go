package ssh

import (
	"errors"
	"io"
	"net"
	"sync"
)

// versionBanner is the identification string both sides of this
// package send, without the trailing CR LF.
const versionBanner = "SSH-2.0-skiff_0.9"

// A ClientConfig configures a ClientConn. Once passed to a connection
// it must not be modified.
type ClientConfig struct {
	// Rand is the entropy source for key exchange and signing; nil
	// means crypto/rand.Reader.
	Rand io.Reader

	// User is the name to authenticate as.
	User string

	// Auth lists the authentication methods to offer, in order.
	Auth []ClientAuth

	// HostKeyCallback decides whether the server's host key is
	// acceptable. It is required; use InsecureIgnoreHostKey to accept
	// anything.
	HostKeyCallback HostKeyCallback

	// HostKeyAlgorithms optionally restricts the host key types
	// offered to the server, in preference order.
	HostKeyAlgorithms []string

	// Agent, when set, answers agent protocol requests that arrive
	// over auth-agent channels once a session has requested agent
	// forwarding.
	Agent *Keyring

	// Crypto selects negotiable algorithms and rekey behavior.
	Crypto CryptoConfig
}

// ClientConn is an established, authenticated client connection.
type ClientConn struct {
	k      *keyer
	table  *channelTable
	config *ClientConfig
	conn   net.Conn

	forwards forwardRegistry

	// Global requests are serialized; the demultiplexer feeds replies
	// here.
	globalMu    sync.Mutex
	globalReply chan globalReply

	// done closes when the connection tears down, releasing anyone
	// waiting on a global reply.
	done      chan struct{}
	closeOnce sync.Once
}

type globalReply struct {
	ok      bool
	payload []byte
}

// Client starts an SSH client connection over c.
func Client(c net.Conn, config *ClientConfig) (*ClientConn, error) {
	return clientConn(c, c.RemoteAddr().String(), config)
}

// Dial connects to addr and runs the SSH handshake on the resulting
// socket.
func Dial(network, addr string, config *ClientConfig) (*ClientConn, error) {
	c, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return clientConn(c, addr, config)
}

func clientConn(c net.Conn, addr string, config *ClientConfig) (*ClientConn, error) {
	if config.HostKeyCallback == nil {
		c.Close()
		return nil, errors.New("ssh: ClientConfig must set HostKeyCallback")
	}
	if err := config.Crypto.validate(); err != nil {
		c.Close()
		return nil, err
	}

	k := newKeyer(c, &config.Crypto, randomSource(config.Rand), roleClient)
	k.hostKeyAlgos = config.HostKeyAlgorithms
	k.hostKeyPolicy = config.HostKeyCallback
	k.dialAddr = addr
	k.remoteAddr = c.RemoteAddr()

	if err := writeVersion(c, versionBanner); err != nil {
		c.Close()
		return nil, err
	}
	peerVersion, err := readPeerVersion(k.fr.src)
	if err != nil {
		c.Close()
		return nil, err
	}
	k.clientVersion = versionBanner
	k.serverVersion = peerVersion

	if err := k.performHandshake(); err != nil {
		c.Close()
		return nil, err
	}

	conn := &ClientConn{
		k:           k,
		table:       newChannelTable(),
		config:      config,
		conn:        c,
		globalReply: make(chan globalReply, 1),
		done:        make(chan struct{}),
	}
	if err := conn.authenticate(); err != nil {
		k.disconnect(disconnectNoMoreAuthMethodsAvailable, "authentication failed")
		c.Close()
		return nil, err
	}

	go conn.demux()
	return conn, nil
}

// SessionID returns the connection identifier: the exchange hash of
// the first key exchange, stable across rekeying.
func (c *ClientConn) SessionID() []byte {
	return c.k.sessionID
}

// Close tells the peer we are going away and closes the socket.
func (c *ClientConn) Close() error {
	c.k.disconnect(disconnectByApplication, "closed by application")
	return c.teardown(io.EOF)
}

func (c *ClientConn) teardown(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.table.failAll(cause)
		c.forwards.dropAll()
		err = c.k.close()
	})
	return err
}

// demux receives connection-layer messages and routes them until the
// transport dies.
func (c *ClientConn) demux() {
	for {
		p, err := c.k.readMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		handled, err := c.table.dispatch(p)
		if err != nil {
			c.k.disconnect(disconnectProtocolError, err.Error())
			c.teardown(err)
			return
		}
		if handled {
			continue
		}

		switch p[0] {
		case msgChannelOpen:
			c.handleOpen(p)
		case msgRequestSuccess:
			b := NewPacketBuffer(p[1:])
			select {
			case c.globalReply <- globalReply{ok: true, payload: b.Rest()}:
			default:
			}
		case msgRequestFailure:
			select {
			case c.globalReply <- globalReply{}:
			default:
			}
		case msgGlobalRequest:
			// The client grants no global requests. RFC 4254
			// section 4.
			b := NewPacketBuffer(p[1:])
			_ = b.String()
			if wantReply := b.Bool(); wantReply && b.Err() == nil {
				c.k.writeFromReader([]byte{msgRequestFailure})
			}
		default:
			// Unknown message numbers are tolerated.
		}
	}
}

// handleOpen answers a server-initiated channel: a forwarded-tcpip
// connection for one of our listeners, or an agent channel when
// forwarding is on.
func (c *ClientConn) handleOpen(p []byte) {
	open, err := parseChannelOpen(p)
	if err != nil {
		return
	}
	reject := func(reason RejectionReason, text string) {
		c.k.writeFromReader(encodeOpenFailure(open.senderID, reason, text))
	}
	if open.maxPacket == 0 {
		reject(ConnectionFailed, "zero maximum packet size")
		return
	}

	switch open.chanType {
	case "forwarded-tcpip":
		bound, origin, err := parseForwardedAddrs(open.extra)
		if err != nil {
			reject(ConnectionFailed, "malformed forwarded-tcpip request")
			return
		}
		deliver := c.forwards.match(bound)
		if deliver == nil {
			// Spurious connections must be rejected, RFC 4254
			// section 7.2.
			reject(Prohibited, "no forwarding requested for "+bound.String())
			return
		}
		core := c.acceptOpen(open)
		deliver <- acceptedForward{core: core, origin: origin}

	case "auth-agent@openssh.com":
		keys := c.config.Agent
		if keys == nil {
			reject(Prohibited, "agent forwarding is disabled")
			return
		}
		core := c.acceptOpen(open)
		go func() {
			stream := &chanConn{core: core, table: c.table}
			ServeAgent(stream, keys)
			stream.Close()
		}()

	default:
		reject(UnknownChannelType, "unexpected channel type "+open.chanType)
	}
}

// acceptOpen registers a core for a peer-initiated channel and
// confirms it.
func (c *ClientConn) acceptOpen(open *channelOpenInfo) *channelCore {
	core := newChannelCore(c.k.writeMessage)
	core.connect(open.senderID, open.window, open.maxPacket)
	c.table.add(core)
	c.k.writeFromReader(encodeOpenConfirm(core.peerID, core.localID, channelWindowSize, channelMaxPacket))
	return core
}

// openOutbound opens a channel towards the peer and waits for its
// verdict.
func openOutbound(t *channelTable, send func([]byte) error, chanType string, extra []byte) (*channelCore, error) {
	core := newChannelCore(send)
	t.add(core)
	msg := encodeChannelOpen(chanType, core.localID, channelWindowSize, channelMaxPacket, extra)
	if err := send(msg); err != nil {
		t.drop(core.localID)
		return nil, err
	}
	if err := <-core.opened; err != nil {
		t.drop(core.localID)
		return nil, err
	}
	return core, nil
}

func (c *ClientConn) openChannel(chanType string, extra []byte) (*channelCore, error) {
	return openOutbound(c.table, c.k.writeMessage, chanType, extra)
}

// closeChannel runs the client half of the CLOSE handshake and frees
// the local id once both sides have spoken.
func closeChannel(t *channelTable, core *channelCore) error {
	done, err := core.requestClose()
	if done {
		t.drop(core.localID)
	}
	return err
}

// sendGlobalRequest issues one RFC 4254 section 4 global request and,
// when a reply is wanted, waits for it. Requests are serialized so
// replies match up.
func (c *ClientConn) sendGlobalRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	if err := c.k.writeMessage(encodeGlobalRequest(name, wantReply, payload)); err != nil {
		return false, nil, err
	}
	if !wantReply {
		return true, nil, nil
	}
	select {
	case r := <-c.globalReply:
		return r.ok, r.payload, nil
	case <-c.done:
		return false, nil, io.EOF
	}
}
