package ssh

import (
	"errors"
	"io"
	"net"
	"sync"
)

// GlobalRequest is a request addressed to the connection as a whole,
// RFC 4254 section 4.
type GlobalRequest struct {
	Type      string
	WantReply bool
	Payload   []byte
}

// ServerConfig configures incoming connections.
type ServerConfig struct {
	hostKeys []Signer

	// Rand is the entropy source for key exchange and signing; nil
	// means crypto/rand.Reader.
	Rand io.Reader

	// NoClientAuth lets connections through without authenticating.
	NoClientAuth bool

	// PasswordCallback, when set, enables password authentication and
	// decides each attempt.
	PasswordCallback func(conn *ServerConn, user, password string) bool

	// PublicKeyCallback, when set, enables publickey authentication.
	// It must report whether the wire-encoded key is acceptable for
	// the user. Possession is proved separately by this package.
	PublicKeyCallback func(conn *ServerConn, user, algo string, pubkey []byte) bool

	// KeyboardInteractiveCallback, when set, enables RFC 4256
	// challenge-response authentication. The client value relays
	// prompts to the connecting user.
	KeyboardInteractiveCallback func(conn *ServerConn, user string, client ClientKeyboardInteractive) bool

	// GlobalRequestCallback decides global requests such as
	// tcpip-forward, returning whether the request is granted plus
	// any reply payload. When nil every global request is refused.
	GlobalRequestCallback func(conn *ServerConn, req *GlobalRequest) (bool, []byte)

	// Crypto selects negotiable algorithms and rekey behavior.
	Crypto CryptoConfig
}

// AddHostKey registers a host identity, replacing any earlier key of
// the same algorithm. A server needs at least one.
func (c *ServerConfig) AddHostKey(key Signer) {
	algo := key.PublicKey().Type()
	for i, existing := range c.hostKeys {
		if existing.PublicKey().Type() == algo {
			c.hostKeys[i] = key
			return
		}
	}
	c.hostKeys = append(c.hostKeys, key)
}

// SetRSAPrivateKey registers a PEM-encoded RSA host key, as kept in a
// typical id_rsa file.
func (c *ServerConfig) SetRSAPrivateKey(pemData []byte) error {
	signer, err := ParsePrivateKey(pemData)
	if err != nil {
		return err
	}
	c.AddHostKey(signer)
	return nil
}

// ServerConn is one incoming connection. Handshake must complete
// before Accept is used.
type ServerConn struct {
	k      *keyer
	table  *channelTable
	config *ServerConfig
	conn   net.Conn

	// User is the authenticated user name, set before any auth
	// callback runs.
	User string

	// ClientVersion is the peer's identification line.
	ClientVersion string

	// keyVerdicts caches PublicKeyCallback results; clients probe a
	// key before signing with it, which would otherwise double every
	// lookup.
	keyVerdicts map[string]bool

	closeOnce sync.Once
}

// Server wraps an accepted socket as an SSH server connection.
func Server(c net.Conn, config *ServerConfig) *ServerConn {
	return &ServerConn{
		config: config,
		conn:   c,
		table:  newChannelTable(),
	}
}

// Close shuts the connection down.
func (s *ServerConn) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.table.failAll(io.EOF)
		if s.k != nil {
			s.k.disconnect(disconnectByApplication, "closed by application")
			err = s.k.close()
		} else {
			err = s.conn.Close()
		}
	})
	return err
}

// SessionID returns the exchange hash of the first key exchange.
func (s *ServerConn) SessionID() []byte {
	return s.k.sessionID
}

// Handshake runs the version exchange, key exchange and user
// authentication for an incoming connection.
func (s *ServerConn) Handshake() error {
	if len(s.config.hostKeys) == 0 {
		return errors.New("ssh: server config has no host keys")
	}
	if err := s.config.Crypto.validate(); err != nil {
		return err
	}

	k := newKeyer(s.conn, &s.config.Crypto, randomSource(s.config.Rand), roleServer)
	k.hostKeys = s.config.hostKeys
	s.k = k

	if err := writeVersion(s.conn, versionBanner); err != nil {
		return err
	}
	peerVersion, err := readPeerVersion(k.fr.src)
	if err != nil {
		return err
	}
	s.ClientVersion = peerVersion
	k.clientVersion = peerVersion
	k.serverVersion = versionBanner

	if err := k.performHandshake(); err != nil {
		return err
	}

	p, err := k.readMessage()
	if err != nil {
		return err
	}
	service, err := parseServiceMsg(p, msgServiceRequest)
	if err != nil {
		return err
	}
	if service != userAuthService {
		k.disconnect(disconnectServiceNotAvailable, "unknown service "+service)
		return ProtocolError("client requested service " + service + " before authenticating")
	}
	if err := k.writeMessage(encodeServiceMsg(msgServiceAccept, userAuthService)); err != nil {
		return err
	}

	return s.authenticate()
}

// offeredAuthMethods names the methods the configuration enables, for
// USERAUTH_FAILURE replies.
func (s *ServerConn) offeredAuthMethods() []string {
	var methods []string
	if s.config.PasswordCallback != nil {
		methods = append(methods, "password")
	}
	if s.config.PublicKeyCallback != nil {
		methods = append(methods, "publickey")
	}
	if s.config.KeyboardInteractiveCallback != nil {
		methods = append(methods, "keyboard-interactive")
	}
	return methods
}

// authenticate runs the server side of RFC 4252 until an attempt
// succeeds.
func (s *ServerConn) authenticate() error {
	for {
		p, err := s.k.readMessage()
		if err != nil {
			return err
		}
		req, err := openMessage(p, msgUserAuthRequest)
		if err != nil {
			return err
		}
		user := req.String()
		service := req.String()
		method := req.String()
		if req.Err() != nil {
			return req.Err()
		}
		if service != connectionService {
			return ProtocolError("authentication for unknown service " + service)
		}

		granted := false
		switch method {
		case "none":
			granted = s.config.NoClientAuth

		case "password":
			if s.config.PasswordCallback == nil {
				break
			}
			if req.Bool() {
				// Password change requests are not supported.
				break
			}
			password := req.String()
			if req.Err() != nil || !req.Empty() {
				return errShortPacket
			}
			s.User = user
			granted = s.config.PasswordCallback(s, user, password)

		case "publickey":
			if s.config.PublicKeyCallback == nil {
				break
			}
			signed := req.Bool()
			algo := req.String()
			keyBlob := req.Bytes()
			if req.Err() != nil {
				return errShortPacket
			}
			if !signed {
				// A query: would this key do? Answer PK_OK or fall
				// through to a failure reply.
				if !req.Empty() {
					return errShortPacket
				}
				if s.keyAcceptable(user, algo, keyBlob) {
					ok := newMessage(msgUserAuthPubKeyOk)
					ok.PutString(algo)
					ok.PutBytes(keyBlob)
					if err := s.k.writeMessage(ok.Packet()); err != nil {
						return err
					}
					continue
				}
				break
			}

			sigBlob := req.Bytes()
			if req.Err() != nil || !req.Empty() {
				return errShortPacket
			}
			sig, err := decodeSignature(sigBlob)
			if err != nil {
				return err
			}
			if sig.Format != algo {
				break
			}
			key, err := ParsePublicKey(keyBlob)
			if err != nil {
				break
			}
			signedData := userAuthSignedData(s.k.sessionID, user, algo, keyBlob)
			if key.Verify(signedData, sig) != nil {
				break
			}
			s.User = user
			granted = s.keyAcceptable(user, algo, keyBlob)

		case "keyboard-interactive":
			if s.config.KeyboardInteractiveCallback == nil {
				break
			}
			s.User = user
			granted = s.config.KeyboardInteractiveCallback(s, user, &challengeRelay{s})
		}

		if granted {
			return s.k.writeMessage([]byte{msgUserAuthSuccess})
		}

		methods := s.offeredAuthMethods()
		if len(methods) == 0 && !s.config.NoClientAuth {
			return errors.New("ssh: server has no authentication callbacks configured")
		}
		deny := newMessage(msgUserAuthFailure)
		deny.PutNameList(methods)
		deny.PutBool(false)
		if err := s.k.writeMessage(deny.Packet()); err != nil {
			return err
		}
	}
}

// validKeyAlgo reports whether algo names a key type this package can
// verify.
func validKeyAlgo(algo string) bool {
	switch algo {
	case KeyAlgoRSA, KeyAlgoED25519, KeyAlgoECDSA256, KeyAlgoECDSA384, KeyAlgoECDSA521:
		return true
	}
	return false
}

// keyAcceptable consults PublicKeyCallback through a small cache.
func (s *ServerConn) keyAcceptable(user, algo string, keyBlob []byte) bool {
	if !validKeyAlgo(algo) {
		return false
	}
	cacheKey := user + "\x00" + algo + "\x00" + string(keyBlob)
	if s.keyVerdicts == nil {
		s.keyVerdicts = make(map[string]bool)
	}
	if verdict, ok := s.keyVerdicts[cacheKey]; ok {
		return verdict
	}
	verdict := s.config.PublicKeyCallback(s, user, algo, keyBlob)
	if len(s.keyVerdicts) < 16 {
		s.keyVerdicts[cacheKey] = verdict
	}
	return verdict
}

// challengeRelay lets a KeyboardInteractiveCallback converse with the
// remote user over the not-yet-multiplexed connection.
type challengeRelay struct {
	s *ServerConn
}

func (r *challengeRelay) Challenge(user, instruction string, questions []string, echos []bool) ([]string, error) {
	if len(questions) != len(echos) {
		return nil, errors.New("ssh: mismatched questions and echo flags")
	}
	req := newMessage(msgUserAuthInfoRequest)
	req.PutString("")
	req.PutString(instruction)
	req.PutString("")
	req.PutUint32(uint32(len(questions)))
	for i, q := range questions {
		req.PutString(q)
		req.PutBool(echos[i])
	}
	if err := r.s.k.writeMessage(req.Packet()); err != nil {
		return nil, err
	}

	p, err := r.s.k.readMessage()
	if err != nil {
		return nil, err
	}
	resp, err := openMessage(p, msgUserAuthInfoResponse)
	if err != nil {
		return nil, err
	}
	count := resp.Uint32()
	if resp.Err() != nil || int(count) != len(questions) {
		return nil, ProtocolError("wrong keyboard-interactive answer count")
	}
	answers := make([]string, count)
	for i := range answers {
		answers[i] = resp.String()
	}
	if resp.Err() != nil || !resp.Empty() {
		return nil, ProtocolError("malformed keyboard-interactive response")
	}
	return answers, nil
}

// Accept demultiplexes the connection and returns the next channel the
// client opens. It must be called in a loop for the connection to make
// progress.
func (s *ServerConn) Accept() (Channel, error) {
	for {
		p, err := s.k.readMessage()
		if err != nil {
			s.table.failAll(err)
			return nil, err
		}

		handled, err := s.table.dispatch(p)
		if err != nil {
			s.k.disconnect(disconnectProtocolError, err.Error())
			s.table.failAll(err)
			return nil, err
		}
		if handled {
			continue
		}

		switch p[0] {
		case msgChannelOpen:
			open, err := parseChannelOpen(p)
			if err != nil {
				return nil, err
			}
			if open.maxPacket == 0 {
				s.k.writeFromReader(encodeOpenFailure(open.senderID, ConnectionFailed, "zero maximum packet size"))
				continue
			}
			core := newChannelCore(s.k.writeMessage)
			core.connect(open.senderID, open.window, open.maxPacket)
			s.table.add(core)
			return &serverChannel{
				core:     core,
				conn:     s,
				chanType: open.chanType,
				extra:    open.extra,
			}, nil

		case msgGlobalRequest:
			b := NewPacketBuffer(p[1:])
			req := &GlobalRequest{Type: b.String(), WantReply: b.Bool()}
			req.Payload = b.Rest()
			if b.Err() != nil {
				return nil, b.Err()
			}
			granted := false
			var reply []byte
			if s.config.GlobalRequestCallback != nil {
				granted, reply = s.config.GlobalRequestCallback(s, req)
			}
			if req.WantReply {
				var answer []byte
				if granted {
					out := newMessage(msgRequestSuccess)
					out.PutRaw(reply)
					answer = out.Packet()
				} else {
					answer = []byte{msgRequestFailure}
				}
				if err := s.k.writeFromReader(answer); err != nil {
					return nil, err
				}
			}

		default:
			// Tolerate unknown message numbers.
		}
	}
}

// serverChannel is the server-facing view of a client-opened channel.
type serverChannel struct {
	core     *channelCore
	conn     *ServerConn
	chanType string
	extra    []byte
}

func (ch *serverChannel) Accept() error {
	return ch.core.send(encodeOpenConfirm(ch.core.peerID, ch.core.localID, channelWindowSize, channelMaxPacket))
}

func (ch *serverChannel) Reject(reason RejectionReason, message string) error {
	ch.conn.table.drop(ch.core.localID)
	return ch.core.send(encodeOpenFailure(ch.core.peerID, reason, message))
}

func (ch *serverChannel) Read(p []byte) (int, error)  { return ch.core.readMixed(p) }
func (ch *serverChannel) Write(p []byte) (int, error) { return ch.core.writeData(p, false) }

func (ch *serverChannel) Close() error {
	return closeChannel(ch.conn.table, ch.core)
}

// CloseWrite half-closes the channel with an EOF.
func (ch *serverChannel) CloseWrite() error {
	return ch.core.closeWrite()
}

func (ch *serverChannel) Stderr() io.Writer {
	return stderrWriter{ch.core}
}

type stderrWriter struct {
	core *channelCore
}

func (w stderrWriter) Write(p []byte) (int, error) {
	return w.core.writeData(p, true)
}

func (ch *serverChannel) AckRequest(ok bool) error {
	num := byte(msgChannelFailure)
	if ok {
		num = msgChannelSuccess
	}
	return ch.core.send(encodeChannelID(num, ch.core.peerID))
}

func (ch *serverChannel) SendRequest(name string, wantReply bool, payload []byte) error {
	return ch.core.sendRequest(name, wantReply, payload)
}

func (ch *serverChannel) ChannelType() string { return ch.chanType }
func (ch *serverChannel) ExtraData() []byte   { return ch.extra }

// openChannel opens a channel towards the client, used for
// forwarded-tcpip and agent channels.
func (s *ServerConn) openChannel(chanType string, extra []byte) (*channelCore, error) {
	return openOutbound(s.table, s.k.writeMessage, chanType, extra)
}

// OpenForwardedTCPIP opens a forwarded-tcpip channel after a granted
// tcpip-forward request: bound is the listening address a connection
// arrived on, origin the connecting party. RFC 4254, section 7.2.
func (s *ServerConn) OpenForwardedTCPIP(bound, origin *net.TCPAddr) (io.ReadWriteCloser, error) {
	b := &PacketBuffer{}
	b.PutString(bound.IP.String())
	b.PutUint32(uint32(bound.Port))
	b.PutString(origin.IP.String())
	b.PutUint32(uint32(origin.Port))
	core, err := s.openChannel("forwarded-tcpip", b.Packet())
	if err != nil {
		return nil, err
	}
	return &chanConn{core: core, table: s.table}, nil
}

// OpenAgentChannel opens an auth-agent@openssh.com channel; the
// returned stream speaks the agent protocol with the client's keyring.
func (s *ServerConn) OpenAgentChannel() (io.ReadWriteCloser, error) {
	core, err := s.openChannel("auth-agent@openssh.com", nil)
	if err != nil {
		return nil, err
	}
	return &chanConn{core: core, table: s.table}, nil
}

// A Listener accepts SSH connections on a net.Listener.
type Listener struct {
	inner  net.Listener
	config *ServerConfig
}

// Listen announces on addr and wraps the listener for SSH.
func Listen(network, addr string, config *ServerConfig) (*Listener, error) {
	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	return &Listener{inner: l, config: config}, nil
}

// Accept waits for the next raw connection. The caller runs Handshake,
// typically on its own goroutine.
func (l *Listener) Accept() (*ServerConn, error) {
	c, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}
	return Server(c, l.config), nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// Close stops listening.
func (l *Listener) Close() error { return l.inner.Close() }
