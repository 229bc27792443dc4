package ssh

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// The keyer owns the framed connection and governs key exchange: the
// mandatory one at connection start, and rekeying when enough bytes
// have moved or the keys have aged out. Its model is deliberately
// simple: exactly one goroutine reads (the connection's demultiplexer)
// and that goroutine also performs every exchange. Writers from any
// goroutine serialize on a mutex and park on a condition variable
// while an exchange is pending, so channel traffic pauses during a
// rekey instead of interleaving with it.

type connRole int

const (
	roleClient connRole = iota
	roleServer
)

// HostKeyCallback is the function type used for verifying server host
// keys. It must return nil to accept the key. It receives the address
// given to Dial, the remote endpoint, and the parsed host key.
type HostKeyCallback func(hostname string, remote net.Addr, key PublicKey) error

// InsecureIgnoreHostKey returns a HostKeyCallback that accepts every
// host key. Fine for tests, reckless in production.
func InsecureIgnoreHostKey() HostKeyCallback {
	return func(string, net.Addr, PublicKey) error { return nil }
}

// FixedHostKey returns a HostKeyCallback accepting only the given key.
func FixedHostKey(want PublicKey) HostKeyCallback {
	encoded := want.Marshal()
	return func(hostname string, remote net.Addr, key PublicKey) error {
		if !bytesEqual(encoded, key.Marshal()) {
			return ProtocolError("host key does not match the pinned key")
		}
		return nil
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type keyer struct {
	fr  frameReader
	fw  frameWriter
	c   io.Closer
	cfg *CryptoConfig
	rnd io.Reader

	role          connRole
	clientVersion string
	serverVersion string

	// Server side: the host identities to offer. Client side: the
	// acceptable host key algorithms and the verification policy.
	hostKeys      []Signer
	hostKeyAlgos  []string
	hostKeyPolicy HostKeyCallback
	dialAddr      string
	remoteAddr    net.Addr

	// sendMu serializes writers. While ourInit is non-nil a key
	// exchange is pending and writers wait on sendable.
	sendMu   sync.Mutex
	sendable *sync.Cond
	ourInit  []byte // our KEXINIT payload, nil when no exchange pending
	broken   error  // sticky write-side failure

	// deferred holds reader-goroutine writes that arrived while an
	// exchange was pending; they flush as soon as the new keys are
	// installed.
	deferred [][]byte

	writeBudget int64
	readBudget  int64

	sessionID  []byte
	rekeyTimer *time.Timer
}

func newKeyer(conn net.Conn, cfg *CryptoConfig, rnd io.Reader, role connRole) *keyer {
	k := &keyer{
		fr:   frameReader{src: bufio.NewReader(conn), state: newPlainState()},
		fw:   frameWriter{dst: bufio.NewWriter(conn), state: newPlainState(), rnd: rnd},
		c:    conn,
		cfg:  cfg,
		rnd:  rnd,
		role: role,
	}
	k.sendable = sync.NewCond(&k.sendMu)
	k.writeBudget = cfg.rekeyBytes()
	k.readBudget = cfg.rekeyBytes()
	return k
}

func (k *keyer) close() error {
	// Close the socket first: a reader blocked mid-exchange holds the
	// send lock and only the close can unblock it.
	err := k.c.Close()
	k.sendMu.Lock()
	if k.broken == nil {
		k.broken = io.EOF
	}
	k.sendable.Broadcast()
	if k.rekeyTimer != nil {
		k.rekeyTimer.Stop()
	}
	k.sendMu.Unlock()
	return err
}

// disconnect makes a best-effort attempt to notify the peer before the
// connection goes away. It never blocks: a busy or pending exchange
// simply loses the courtesy message.
func (k *keyer) disconnect(reason uint32, desc string) {
	if !k.sendMu.TryLock() {
		return
	}
	if k.ourInit == nil && k.broken == nil {
		k.fw.writeFrame(encodeDisconnect(reason, desc))
	}
	k.sendMu.Unlock()
}

// writeMessage sends one message, parking while a key exchange is in
// flight and starting one when the write budget runs out.
func (k *keyer) writeMessage(p []byte) error {
	k.sendMu.Lock()
	defer k.sendMu.Unlock()

	for k.ourInit != nil && k.broken == nil {
		k.sendable.Wait()
	}
	if k.broken != nil {
		return k.broken
	}

	if err := k.fw.writeFrame(p); err != nil {
		k.broken = err
		k.sendable.Broadcast()
		return err
	}

	k.writeBudget -= int64(len(p))
	if k.writeBudget <= 0 {
		k.beginRekeyLocked()
	}
	return nil
}

// writeFromReader sends a message from the demultiplexing goroutine.
// That goroutine is the one that completes key exchanges, so it must
// never park on one; while an exchange is pending its messages are
// queued instead and flushed right after the NEWKEYS.
func (k *keyer) writeFromReader(p []byte) error {
	k.sendMu.Lock()
	defer k.sendMu.Unlock()
	if k.broken != nil {
		return k.broken
	}
	if k.ourInit != nil {
		cp := make([]byte, len(p))
		copy(cp, p)
		k.deferred = append(k.deferred, cp)
		return nil
	}
	if err := k.fw.writeFrame(p); err != nil {
		k.broken = err
		k.sendable.Broadcast()
		return err
	}
	k.writeBudget -= int64(len(p))
	if k.writeBudget <= 0 {
		k.beginRekeyLocked()
	}
	return nil
}

// requestRekey starts a key exchange if one is not already pending.
// Safe to call from any goroutine; the reader finishes the exchange
// when the peer's KEXINIT arrives.
func (k *keyer) requestRekey() {
	k.sendMu.Lock()
	k.beginRekeyLocked()
	k.sendMu.Unlock()
}

// beginRekeyLocked sends our KEXINIT. After it, writeMessage parks all
// traffic until the reader completes the exchange. Caller holds
// sendMu.
func (k *keyer) beginRekeyLocked() {
	if k.ourInit != nil || k.broken != nil {
		return
	}
	offer := buildNegotiation(k.cfg, k.offeredHostKeyAlgos(), k.rnd)
	payload := offer.encode()
	if err := k.fw.writeFrame(payload); err != nil {
		k.broken = err
		k.sendable.Broadcast()
		return
	}
	k.ourInit = payload
}

func (k *keyer) offeredHostKeyAlgos() []string {
	if k.role == roleServer {
		algos := make([]string, 0, len(k.hostKeys))
		for _, hk := range k.hostKeys {
			algos = append(algos, hk.PublicKey().Type())
		}
		return algos
	}
	if k.hostKeyAlgos != nil {
		return k.hostKeyAlgos
	}
	return supportedHostKeyAlgos
}

// readMessage returns the next connection-layer message. It is only
// called from the demultiplexing goroutine. Transport chatter is
// absorbed here: ignore and debug messages are dropped, a peer KEXINIT
// runs a full exchange, and a disconnect surfaces as *DisconnectError.
func (k *keyer) readMessage() ([]byte, error) {
	for {
		p, err := k.fr.readFrame()
		if err != nil {
			return nil, err
		}

		k.readBudget -= int64(len(p))
		if k.readBudget <= 0 {
			k.readBudget = k.cfg.rekeyBytes()
			k.requestRekey()
		}

		switch p[0] {
		case msgIgnore, msgDebug, msgUnimplemented:
			continue
		case msgDisconnect:
			return nil, parseDisconnect(p)
		case msgKexInit:
			if err := k.exchangeKeys(p); err != nil {
				return nil, err
			}
			continue
		}
		return p, nil
	}
}

// performHandshake runs the mandatory first key exchange. It must be
// called before any other traffic; afterwards sessionID is set.
func (k *keyer) performHandshake() error {
	k.sendMu.Lock()
	k.beginRekeyLocked()
	err := k.broken
	k.sendMu.Unlock()
	if err != nil {
		return err
	}

	for {
		p, err := k.fr.readFrame()
		if err != nil {
			return err
		}
		switch p[0] {
		case msgIgnore, msgDebug:
			continue
		case msgKexInit:
			return k.exchangeKeys(p)
		default:
			return ProtocolError("expected KEXINIT to open the connection")
		}
	}
}

// kexConduit is the message pipe a key exchange method runs over:
// direct frame access, with transport chatter skipped. Only the reader
// goroutine uses it, with all writers parked.
type kexConduit struct {
	k *keyer
}

func (c kexConduit) readMsg() ([]byte, error) {
	for {
		p, err := c.k.fr.readFrame()
		if err != nil {
			return nil, err
		}
		if p[0] == msgIgnore || p[0] == msgDebug {
			continue
		}
		return p, nil
	}
}

func (c kexConduit) writeMsg(p []byte) error {
	return c.k.fw.writeFrame(p)
}

// exchangeKeys completes a key exchange for which the peer's KEXINIT
// has arrived. It runs on the reader goroutine; writers are parked
// until the fresh cipher states are installed.
func (k *keyer) exchangeKeys(peerInitPacket []byte) error {
	k.sendMu.Lock()
	defer func() {
		k.ourInit = nil
		k.sendable.Broadcast()
		k.sendMu.Unlock()
	}()

	k.beginRekeyLocked() // answer a peer-initiated exchange
	if k.broken != nil {
		return k.broken
	}

	peerInit, err := parseKexNegotiation(peerInitPacket)
	if err != nil {
		return err
	}
	ourInit, err := parseKexNegotiation(k.ourInit)
	if err != nil {
		return err
	}

	clientInit, serverInit := ourInit, peerInit
	tr := &transcript{
		clientVersion: k.clientVersion,
		serverVersion: k.serverVersion,
		clientInit:    k.ourInit,
		serverInit:    peerInitPacket,
	}
	if k.role == roleServer {
		clientInit, serverInit = peerInit, ourInit
		tr.clientInit, tr.serverInit = peerInitPacket, k.ourInit
	}

	suites, err := negotiateSuites(clientInit, serverInit, k.role == roleClient)
	if err != nil {
		k.failTransport(err)
		return err
	}

	// RFC 4253 section 7: a guessed first kex packet is discarded
	// when either leading choice was wrong. We never guess ourselves.
	if peerInit.firstKexFollows &&
		(clientInit.kexAlgos[0] != serverInit.kexAlgos[0] ||
			clientInit.hostKeyAlgos[0] != serverInit.hostKeyAlgos[0]) {
		if _, err := k.fr.readFrame(); err != nil {
			return err
		}
	}

	method := kexRegistry[suites.kex]
	conduit := kexConduit{k}

	var outcome *kexOutcome
	if k.role == roleServer {
		hostKey := k.pickHostKey(suites.hostKey)
		if hostKey == nil {
			err := ProtocolError("no host key for negotiated algorithm " + suites.hostKey)
			k.failTransport(err)
			return err
		}
		outcome, err = method.server(conduit, k.rnd, tr, hostKey)
	} else {
		outcome, err = method.client(conduit, k.rnd, tr)
		if err == nil {
			err = k.verifyHostKey(outcome)
		}
	}
	if err != nil {
		k.failTransport(err)
		return err
	}

	if k.sessionID == nil {
		k.sessionID = outcome.exchHash
	}
	outcome.sessionID = k.sessionID

	sendTags, recvTags := clientToServerTags, serverToClientTags
	if k.role == roleServer {
		sendTags, recvTags = serverToClientTags, clientToServerTags
	}
	sendState, err := buildCipherState(suites.toPeer, sendTags, true, outcome)
	if err != nil {
		return err
	}
	recvState, err := buildCipherState(suites.fromPeer, recvTags, false, outcome)
	if err != nil {
		return err
	}

	// Our NEWKEYS switches the send direction; the peer's switches
	// the receive direction. RFC 4253, section 7.3.
	if err := k.fw.writeFrame([]byte{msgNewKeys}); err != nil {
		k.broken = err
		return err
	}
	k.fw.setState(sendState)

	p, err := conduit.readMsg()
	if err != nil {
		return err
	}
	if p[0] != msgNewKeys {
		err := ProtocolError("expected NEWKEYS to finish the key exchange")
		k.failTransport(err)
		return err
	}
	k.fr.setState(recvState)

	k.writeBudget = k.cfg.rekeyBytes()
	k.readBudget = k.cfg.rekeyBytes()

	// Flush writes the reader queued while this exchange ran.
	for _, m := range k.deferred {
		if err := k.fw.writeFrame(m); err != nil {
			k.broken = err
			break
		}
		k.writeBudget -= int64(len(m))
	}
	k.deferred = k.deferred[:0]

	k.armRekeyTimerLocked()
	return nil
}

// failTransport tears the connection down on an unrecoverable
// negotiation or verification failure, notifying the peer when the
// frame layer still works.
func (k *keyer) failTransport(err error) {
	reason := uint32(disconnectKeyExchangeFailed)
	if _, ok := err.(ProtocolError); ok {
		reason = disconnectProtocolError
	}
	k.fw.writeFrame(encodeDisconnect(reason, err.Error()))
	if k.broken == nil {
		k.broken = err
	}
}

func (k *keyer) pickHostKey(algo string) Signer {
	for _, hk := range k.hostKeys {
		if hk.PublicKey().Type() == algo {
			return hk
		}
	}
	return nil
}

func (k *keyer) verifyHostKey(o *kexOutcome) error {
	key, err := ParsePublicKey(o.hostKeyBlob)
	if err != nil {
		return err
	}
	sig, err := decodeSignature(o.hostSig)
	if err != nil {
		return err
	}
	if err := key.Verify(o.exchHash, sig); err != nil {
		return err
	}
	if k.hostKeyPolicy != nil {
		return k.hostKeyPolicy(k.dialAddr, k.remoteAddr, key)
	}
	return nil
}

// armRekeyTimerLocked (re)starts the key lifetime clock. Caller holds
// sendMu.
func (k *keyer) armRekeyTimerLocked() {
	interval := k.cfg.rekeyInterval()
	if k.rekeyTimer == nil {
		k.rekeyTimer = time.AfterFunc(interval, k.requestRekey)
		return
	}
	k.rekeyTimer.Reset(interval)
}
