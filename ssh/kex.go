package ssh

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"hash"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// This file implements the key exchange methods of RFC 4253 section 8,
// RFC 4419 (group exchange), RFC 5656 (ECDH) and RFC 8731
// (curve25519-sha256). Each method computes the shared secret K and
// the exchange hash H over the canonical transcript, and on the server
// side signs H with the host key.

// kexOutcome is what a completed key exchange yields.
type kexOutcome struct {
	// encodedK is the shared secret in mpint encoding, the form in
	// which it enters every hash.
	encodedK []byte

	// exchHash is H, the hash over the exchange transcript.
	exchHash []byte

	// hostKeyBlob and hostSig are the server's public host key in
	// wire form and its signature over H.
	hostKeyBlob []byte
	hostSig     []byte

	// hash is the digest the method uses, both for H and for key
	// derivation.
	hash crypto.Hash

	// sessionID is filled in by the transport: H of the first
	// exchange, fixed for the connection's lifetime.
	sessionID []byte
}

// transcript holds the connection-wide values that open every exchange
// hash.
type transcript struct {
	clientVersion string
	serverVersion string
	clientInit    []byte
	serverInit    []byte
}

// exchangeHash accumulates the transcript of one key exchange.
type exchangeHash struct {
	h hash.Hash
}

func newExchangeHash(alg crypto.Hash, tr *transcript, hostKeyBlob []byte) *exchangeHash {
	e := &exchangeHash{h: alg.New()}
	e.addText(tr.clientVersion)
	e.addText(tr.serverVersion)
	e.addBytes(tr.clientInit)
	e.addBytes(tr.serverInit)
	e.addBytes(hostKeyBlob)
	return e
}

func (e *exchangeHash) addText(s string) {
	e.addBytes([]byte(s))
}

func (e *exchangeHash) addBytes(p []byte) {
	var l [4]byte
	l[0] = byte(len(p) >> 24)
	l[1] = byte(len(p) >> 16)
	l[2] = byte(len(p) >> 8)
	l[3] = byte(len(p))
	e.h.Write(l[:])
	e.h.Write(p)
}

func (e *exchangeHash) addUint32(v uint32) {
	e.h.Write([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func (e *exchangeHash) addMpint(v *big.Int) {
	e.addBytes(mpintBytes(v))
}

// addSecret appends K (already mpint encoded, prefix included) and
// returns the finished hash.
func (e *exchangeHash) addSecret(encodedK []byte) []byte {
	e.h.Write(encodedK)
	return e.h.Sum(nil)
}

func encodeSecret(k *big.Int) []byte {
	b := &PacketBuffer{}
	b.PutMpint(k)
	return b.Packet()
}

// msgConduit is the message-level pipe a key exchange runs over. The
// transport provides one whose reads skip msgIgnore and msgDebug.
type msgConduit interface {
	readMsg() ([]byte, error)
	writeMsg([]byte) error
}

// A keyExchanger runs one key exchange method. The client side leaves
// host key verification to the caller; the server side signs with the
// supplied host key.
type keyExchanger interface {
	client(c msgConduit, rnd io.Reader, tr *transcript) (*kexOutcome, error)
	server(c msgConduit, rnd io.Reader, tr *transcript, hostKey Signer) (*kexOutcome, error)
}

// signExchangeHash produces the server's wire-form signature over H.
func signExchangeHash(hostKey Signer, rnd io.Reader, h []byte) ([]byte, error) {
	sig, err := hostKey.Sign(rnd, h)
	if err != nil {
		return nil, err
	}
	return sig.wire(), nil
}

// ---- Fixed-group and negotiated-group Diffie-Hellman ----

// modpGroup is classic Diffie-Hellman over a fixed MODP group. See
// RFC 4253, section 8.
type modpGroup struct {
	prime     *big.Int
	generator *big.Int
	hashAlg   crypto.Hash
}

func (g *modpGroup) limit() *big.Int {
	return new(big.Int).Sub(g.prime, bigOne)
}

// pickExponent draws a fresh private exponent and its public value.
func (g *modpGroup) pickExponent(rnd io.Reader) (pub, priv *big.Int, err error) {
	limit := g.limit()
	for {
		priv, err = rand.Int(rnd, limit)
		if err != nil {
			return nil, nil, err
		}
		if priv.Sign() > 0 {
			break
		}
	}
	pub = new(big.Int).Exp(g.generator, priv, g.prime)
	return pub, priv, nil
}

// secret combines the peer's public value with our exponent, bounding
// the peer value to (1, p-1) first. See RFC 4253, section 8.
func (g *modpGroup) secret(peerPub, priv *big.Int) (*big.Int, error) {
	if peerPub.Cmp(bigOne) <= 0 || peerPub.Cmp(g.limit()) >= 0 {
		return nil, ProtocolError("DH public value out of range")
	}
	return new(big.Int).Exp(peerPub, priv, g.prime), nil
}

func (g *modpGroup) client(c msgConduit, rnd io.Reader, tr *transcript) (*kexOutcome, error) {
	pub, priv, err := g.pickExponent(rnd)
	if err != nil {
		return nil, err
	}

	init := newMessage(msgKexDHInit)
	init.PutMpint(pub)
	if err := c.writeMsg(init.Packet()); err != nil {
		return nil, err
	}

	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	reply, err := openMessage(p, msgKexDHReply)
	if err != nil {
		return nil, err
	}
	hostKeyBlob := reply.Bytes()
	serverPub := reply.Mpint()
	hostSig := reply.Bytes()
	if reply.Err() != nil {
		return nil, reply.Err()
	}

	k, err := g.secret(serverPub, priv)
	if err != nil {
		return nil, err
	}
	encodedK := encodeSecret(k)

	eh := newExchangeHash(g.hashAlg, tr, hostKeyBlob)
	eh.addMpint(pub)
	eh.addMpint(serverPub)

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    eh.addSecret(encodedK),
		hostKeyBlob: hostKeyBlob,
		hostSig:     hostSig,
		hash:        g.hashAlg,
	}, nil
}

func (g *modpGroup) server(c msgConduit, rnd io.Reader, tr *transcript, hostKey Signer) (*kexOutcome, error) {
	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	init, err := openMessage(p, msgKexDHInit)
	if err != nil {
		return nil, err
	}
	clientPub := init.Mpint()
	if init.Err() != nil {
		return nil, init.Err()
	}

	pub, priv, err := g.pickExponent(rnd)
	if err != nil {
		return nil, err
	}
	k, err := g.secret(clientPub, priv)
	if err != nil {
		return nil, err
	}
	encodedK := encodeSecret(k)
	hostKeyBlob := hostKey.PublicKey().Marshal()

	eh := newExchangeHash(g.hashAlg, tr, hostKeyBlob)
	eh.addMpint(clientPub)
	eh.addMpint(pub)
	h := eh.addSecret(encodedK)

	sig, err := signExchangeHash(hostKey, rnd, h)
	if err != nil {
		return nil, err
	}

	reply := newMessage(msgKexDHReply)
	reply.PutBytes(hostKeyBlob)
	reply.PutMpint(pub)
	reply.PutBytes(sig)
	if err := c.writeMsg(reply.Packet()); err != nil {
		return nil, err
	}

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    h,
		hostKeyBlob: hostKeyBlob,
		hostSig:     sig,
		hash:        g.hashAlg,
	}, nil
}

// Group size bounds for RFC 4419 group exchange.
const (
	gexMinBits       = 2048
	gexPreferredBits = 2048
	gexMaxBits       = 8192
)

// groupExchange is diffie-hellman-group-exchange-*: the server picks
// the group, hashes additionally cover the size request and the group
// parameters. See RFC 4419.
type groupExchange struct {
	hashAlg crypto.Hash
}

func (x *groupExchange) client(c msgConduit, rnd io.Reader, tr *transcript) (*kexOutcome, error) {
	req := newMessage(msgKexGexRequest)
	req.PutUint32(gexMinBits)
	req.PutUint32(gexPreferredBits)
	req.PutUint32(gexMaxBits)
	if err := c.writeMsg(req.Packet()); err != nil {
		return nil, err
	}

	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	groupMsg, err := openMessage(p, msgKexGexGroup)
	if err != nil {
		return nil, err
	}
	group := &modpGroup{hashAlg: x.hashAlg}
	group.prime = groupMsg.Mpint()
	group.generator = groupMsg.Mpint()
	if groupMsg.Err() != nil {
		return nil, groupMsg.Err()
	}
	if bits := group.prime.BitLen(); bits < gexMinBits || bits > gexMaxBits {
		return nil, ProtocolError("server sent a DH group outside the requested size")
	}

	pub, priv, err := group.pickExponent(rnd)
	if err != nil {
		return nil, err
	}
	init := newMessage(msgKexGexInit)
	init.PutMpint(pub)
	if err := c.writeMsg(init.Packet()); err != nil {
		return nil, err
	}

	p, err = c.readMsg()
	if err != nil {
		return nil, err
	}
	reply, err := openMessage(p, msgKexGexReply)
	if err != nil {
		return nil, err
	}
	hostKeyBlob := reply.Bytes()
	serverPub := reply.Mpint()
	hostSig := reply.Bytes()
	if reply.Err() != nil {
		return nil, reply.Err()
	}

	k, err := group.secret(serverPub, priv)
	if err != nil {
		return nil, err
	}
	encodedK := encodeSecret(k)

	eh := newExchangeHash(x.hashAlg, tr, hostKeyBlob)
	eh.addUint32(gexMinBits)
	eh.addUint32(gexPreferredBits)
	eh.addUint32(gexMaxBits)
	eh.addMpint(group.prime)
	eh.addMpint(group.generator)
	eh.addMpint(pub)
	eh.addMpint(serverPub)

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    eh.addSecret(encodedK),
		hostKeyBlob: hostKeyBlob,
		hostSig:     hostSig,
		hash:        x.hashAlg,
	}, nil
}

func (x *groupExchange) server(c msgConduit, rnd io.Reader, tr *transcript, hostKey Signer) (*kexOutcome, error) {
	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	req, err := openMessage(p, msgKexGexRequest)
	if err != nil {
		return nil, err
	}
	minBits := req.Uint32()
	reqBits := req.Uint32()
	maxBits := req.Uint32()
	if req.Err() != nil {
		return nil, req.Err()
	}

	// Clamp the preferred size to our own bounds, but hash the
	// request exactly as received.
	wantBits := reqBits
	if wantBits < gexMinBits {
		wantBits = gexMinBits
	}
	if wantBits > gexMaxBits {
		wantBits = gexMaxBits
	}
	if wantBits < minBits || wantBits > maxBits {
		return nil, ProtocolError("DH group size request out of range")
	}

	// Serve the smallest fixed MODP group that satisfies the request;
	// generating fresh safe primes per connection is not worth the
	// cost.
	var group *modpGroup
	for _, g := range []*modpGroup{modpGroup14, modpGroup16, modpGroup18} {
		if wantBits <= uint32(g.prime.BitLen()) {
			group = &modpGroup{prime: g.prime, generator: g.generator, hashAlg: x.hashAlg}
			break
		}
	}
	if group == nil {
		return nil, ProtocolError("no DH group large enough")
	}

	groupMsg := newMessage(msgKexGexGroup)
	groupMsg.PutMpint(group.prime)
	groupMsg.PutMpint(group.generator)
	if err := c.writeMsg(groupMsg.Packet()); err != nil {
		return nil, err
	}

	p, err = c.readMsg()
	if err != nil {
		return nil, err
	}
	init, err := openMessage(p, msgKexGexInit)
	if err != nil {
		return nil, err
	}
	clientPub := init.Mpint()
	if init.Err() != nil {
		return nil, init.Err()
	}

	pub, priv, err := group.pickExponent(rnd)
	if err != nil {
		return nil, err
	}
	k, err := group.secret(clientPub, priv)
	if err != nil {
		return nil, err
	}
	encodedK := encodeSecret(k)
	hostKeyBlob := hostKey.PublicKey().Marshal()

	eh := newExchangeHash(x.hashAlg, tr, hostKeyBlob)
	eh.addUint32(minBits)
	eh.addUint32(reqBits)
	eh.addUint32(maxBits)
	eh.addMpint(group.prime)
	eh.addMpint(group.generator)
	eh.addMpint(clientPub)
	eh.addMpint(pub)
	h := eh.addSecret(encodedK)

	sig, err := signExchangeHash(hostKey, rnd, h)
	if err != nil {
		return nil, err
	}

	reply := newMessage(msgKexGexReply)
	reply.PutBytes(hostKeyBlob)
	reply.PutMpint(pub)
	reply.PutBytes(sig)
	if err := c.writeMsg(reply.Packet()); err != nil {
		return nil, err
	}

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    h,
		hostKeyBlob: hostKeyBlob,
		hostSig:     sig,
		hash:        x.hashAlg,
	}, nil
}

// ---- Elliptic curve methods ----

// nistCurve is ECDH over a NIST curve, RFC 5656 section 4. The hash
// follows the curve size, section 6.2.1.
type nistCurve struct {
	curve elliptic.Curve
}

func (n *nistCurve) hashAlg() crypto.Hash {
	switch {
	case n.curve.Params().BitSize <= 256:
		return crypto.SHA256
	case n.curve.Params().BitSize <= 384:
		return crypto.SHA384
	}
	return crypto.SHA512
}

// checkPoint validates a peer point per SEC1 3.2.2. The NIST curves
// have cofactor one, so membership in the group is implied.
func (n *nistCurve) checkPoint(x, y *big.Int) error {
	params := n.curve.Params()
	if x == nil || y == nil {
		return ProtocolError("malformed EC point")
	}
	if x.Sign() == 0 && y.Sign() == 0 {
		return ProtocolError("EC point at infinity")
	}
	if x.Cmp(params.P) >= 0 || y.Cmp(params.P) >= 0 {
		return ProtocolError("EC point coordinate out of range")
	}
	if !n.curve.IsOnCurve(x, y) {
		return ProtocolError("EC point not on curve")
	}
	return nil
}

func (n *nistCurve) client(c msgConduit, rnd io.Reader, tr *transcript) (*kexOutcome, error) {
	eph, err := ecdsa.GenerateKey(n.curve, rnd)
	if err != nil {
		return nil, err
	}
	ourPoint := elliptic.Marshal(n.curve, eph.PublicKey.X, eph.PublicKey.Y)

	init := newMessage(msgKexECDHInit)
	init.PutBytes(ourPoint)
	if err := c.writeMsg(init.Packet()); err != nil {
		return nil, err
	}

	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	reply, err := openMessage(p, msgKexECDHReply)
	if err != nil {
		return nil, err
	}
	hostKeyBlob := reply.Bytes()
	peerPoint := reply.Bytes()
	hostSig := reply.Bytes()
	if reply.Err() != nil {
		return nil, reply.Err()
	}

	px, py := elliptic.Unmarshal(n.curve, peerPoint)
	if err := n.checkPoint(px, py); err != nil {
		return nil, err
	}
	sx, _ := n.curve.ScalarMult(px, py, eph.D.Bytes())
	encodedK := encodeSecret(sx)

	eh := newExchangeHash(n.hashAlg(), tr, hostKeyBlob)
	eh.addBytes(ourPoint)
	eh.addBytes(peerPoint)

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    eh.addSecret(encodedK),
		hostKeyBlob: hostKeyBlob,
		hostSig:     hostSig,
		hash:        n.hashAlg(),
	}, nil
}

func (n *nistCurve) server(c msgConduit, rnd io.Reader, tr *transcript, hostKey Signer) (*kexOutcome, error) {
	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	init, err := openMessage(p, msgKexECDHInit)
	if err != nil {
		return nil, err
	}
	peerPoint := init.Bytes()
	if init.Err() != nil {
		return nil, init.Err()
	}
	px, py := elliptic.Unmarshal(n.curve, peerPoint)
	if err := n.checkPoint(px, py); err != nil {
		return nil, err
	}

	eph, err := ecdsa.GenerateKey(n.curve, rnd)
	if err != nil {
		return nil, err
	}
	ourPoint := elliptic.Marshal(n.curve, eph.PublicKey.X, eph.PublicKey.Y)

	sx, _ := n.curve.ScalarMult(px, py, eph.D.Bytes())
	encodedK := encodeSecret(sx)
	hostKeyBlob := hostKey.PublicKey().Marshal()

	eh := newExchangeHash(n.hashAlg(), tr, hostKeyBlob)
	eh.addBytes(peerPoint)
	eh.addBytes(ourPoint)
	h := eh.addSecret(encodedK)

	sig, err := signExchangeHash(hostKey, rnd, h)
	if err != nil {
		return nil, err
	}

	reply := newMessage(msgKexECDHReply)
	reply.PutBytes(hostKeyBlob)
	reply.PutBytes(ourPoint)
	reply.PutBytes(sig)
	if err := c.writeMsg(reply.Packet()); err != nil {
		return nil, err
	}

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    h,
		hostKeyBlob: hostKeyBlob,
		hostSig:     sig,
		hash:        n.hashAlg(),
	}, nil
}

// x25519 is curve25519-sha256, RFC 8731. The wire flow matches ECDH
// with 32-byte strings for the public values.
type x25519 struct{}

func x25519Pair(rnd io.Reader) (pub, priv []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rnd, priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// x25519Secret computes the shared secret, rejecting low order peer
// points (X25519 errors on an all-zero result).
func x25519Secret(priv, peerPub []byte) (*big.Int, error) {
	if len(peerPub) != 32 {
		return nil, ProtocolError("curve25519 public value has wrong length")
	}
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, ProtocolError("curve25519 public value has wrong order")
	}
	if subtle.ConstantTimeCompare(shared, make([]byte, 32)) == 1 {
		return nil, ProtocolError("curve25519 shared secret is zero")
	}
	return new(big.Int).SetBytes(shared), nil
}

func (x25519) client(c msgConduit, rnd io.Reader, tr *transcript) (*kexOutcome, error) {
	pub, priv, err := x25519Pair(rnd)
	if err != nil {
		return nil, err
	}

	init := newMessage(msgKexECDHInit)
	init.PutBytes(pub)
	if err := c.writeMsg(init.Packet()); err != nil {
		return nil, err
	}

	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	reply, err := openMessage(p, msgKexECDHReply)
	if err != nil {
		return nil, err
	}
	hostKeyBlob := reply.Bytes()
	peerPub := reply.Bytes()
	hostSig := reply.Bytes()
	if reply.Err() != nil {
		return nil, reply.Err()
	}

	k, err := x25519Secret(priv, peerPub)
	if err != nil {
		return nil, err
	}
	encodedK := encodeSecret(k)

	eh := newExchangeHash(crypto.SHA256, tr, hostKeyBlob)
	eh.addBytes(pub)
	eh.addBytes(peerPub)

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    eh.addSecret(encodedK),
		hostKeyBlob: hostKeyBlob,
		hostSig:     hostSig,
		hash:        crypto.SHA256,
	}, nil
}

func (x25519) server(c msgConduit, rnd io.Reader, tr *transcript, hostKey Signer) (*kexOutcome, error) {
	p, err := c.readMsg()
	if err != nil {
		return nil, err
	}
	init, err := openMessage(p, msgKexECDHInit)
	if err != nil {
		return nil, err
	}
	peerPub := init.Bytes()
	if init.Err() != nil {
		return nil, init.Err()
	}

	pub, priv, err := x25519Pair(rnd)
	if err != nil {
		return nil, err
	}
	k, err := x25519Secret(priv, peerPub)
	if err != nil {
		return nil, err
	}
	encodedK := encodeSecret(k)
	hostKeyBlob := hostKey.PublicKey().Marshal()

	eh := newExchangeHash(crypto.SHA256, tr, hostKeyBlob)
	eh.addBytes(peerPub)
	eh.addBytes(pub)
	h := eh.addSecret(encodedK)

	sig, err := signExchangeHash(hostKey, rnd, h)
	if err != nil {
		return nil, err
	}

	reply := newMessage(msgKexECDHReply)
	reply.PutBytes(hostKeyBlob)
	reply.PutBytes(pub)
	reply.PutBytes(sig)
	if err := c.writeMsg(reply.Packet()); err != nil {
		return nil, err
	}

	return &kexOutcome{
		encodedK:    encodedK,
		exchHash:    h,
		hostKeyBlob: hostKeyBlob,
		hostSig:     sig,
		hash:        crypto.SHA256,
	}, nil
}

// The fixed MODP groups of RFC 2409 and RFC 3526, by Oakley group
// number.
var (
	modpGroup1  *modpGroup
	modpGroup14 *modpGroup
	modpGroup16 *modpGroup
	modpGroup18 *modpGroup
)

var kexRegistry map[string]keyExchanger

func fixedGroup(primeHex string, hashAlg crypto.Hash) *modpGroup {
	prime, ok := new(big.Int).SetString(primeHex, 16)
	if !ok {
		panic("ssh: bad MODP prime constant")
	}
	return &modpGroup{
		prime:     prime,
		generator: big.NewInt(2),
		hashAlg:   hashAlg,
	}
}

func init() {
	// Oakley Group 2 (1024 bits), RFC 2409 section 6.2; known in SSH
	// as diffie-hellman-group1-sha1.
	modpGroup1 = fixedGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF", crypto.SHA1)

	// Oakley Group 14 (2048 bits), RFC 3526 section 3.
	modpGroup14 = fixedGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF", crypto.SHA1)

	// Group 16 (4096 bits), RFC 3526 section 5. Used only to answer
	// group exchange requests.
	modpGroup16 = fixedGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D788719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA993B4EA988D8FDDC186FFB7DC90A6C08F4DF435C934063199FFFFFFFFFFFFFFFF", crypto.SHA1)

	// Group 18 (8192 bits), RFC 3526 section 7. Ditto.
	modpGroup18 = fixedGroup("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D788719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA993B4EA988D8FDDC186FFB7DC90A6C08F4DF435C93402849236C3FAB4D27C7026C1D4DCB2602646DEC9751E763DBA37BDF8FF9406AD9E530EE5DB382F413001AEB06A53ED9027D831179727B0865A8918DA3EDBEBCF9B14ED44CE6CBACED4BB1BDB7F1447E6CC254B332051512BD7AF426FB8F401378CD2BF5983CA01C64B92ECF032EA15D1721D03F482D7CE6E74FEF6D55E702F46980C82B5A84031900B1C9E59E7C97FBEC7E8F323A97A7E36CC88BE0F1D45B7FF585AC54BD407B22B4154AACC8F6D7EBF48E1D814CC5ED20F8037E0A79715EEF29BE32806A1D58BB7C5DA76F550AA3D8A1FBFF0EB19CCB1A313D55CDA56C9EC2EF29632387FE8D76E3C0468043E8F663F4860EE12BF2D5B0B7474D6E694F91E6DBE115974A3926F12FEE5E438777CB6A932DF8CD8BEC4D073B931BA3BC832B68D9DD300741FA7BF8AFC47ED2576F6936BA424663AAB639C5AE4F5683423B4742BF1C978238F16CBE39D652DE3FDB8BEFC848AD922222E04A4037C0713EB57A81A23F0C73473FC646CEA306B4BCBC8862F8385DDFA9D4B7FA2C087E879683303ED5BDD3A062B3CF5B3A278A66D2A13F83F44F82DDF310EE074AB6A364597E899A0255DC164F31CC50846851DF9AB48195DED7EA1B1D510BD7EE74D73FAF36BC31ECFA268359046F4EB879F924009438B481C6CD7889A002ED5EE382BC9190DA6FC026E479558E4475677E9AA9E3050E2765694DFC81F56E880B96E7160C980DD98EDD3DFFFFFFFFFFFFFFFFF", crypto.SHA1)

	kexRegistry = map[string]keyExchanger{
		kexAlgoDH1SHA1:                modpGroup1,
		kexAlgoDH14SHA1:               modpGroup14,
		kexAlgoDHGexSHA1:              &groupExchange{crypto.SHA1},
		kexAlgoDHGexSHA256:            &groupExchange{crypto.SHA256},
		kexAlgoECDH256:                &nistCurve{elliptic.P256()},
		kexAlgoECDH384:                &nistCurve{elliptic.P384()},
		kexAlgoECDH521:                &nistCurve{elliptic.P521()},
		kexAlgoCurve25519SHA256:       x25519{},
		kexAlgoCurve25519SHA256LibSSH: x25519{},
	}
}
