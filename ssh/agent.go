package ssh

// The SSH authentication agent protocol (OpenSSH PROTOCOL.agent),
// spoken over a local socket or over an auth-agent@openssh.com
// channel. Both ends are here: AgentClient consumes an agent, and
// ServeAgent answers requests from a Keyring when a remote host uses
// our forwarded agent.

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Agent message numbers, PROTOCOL.agent section 3.
const (
	agentFailure           = 5
	agentSuccess           = 6
	agentRequestIdentities = 11
	agentIdentitiesAnswer  = 12
	agentSignRequest       = 13
	agentSignResponse      = 14
	agentLock              = 22
	agentUnlock            = 23
)

// agentSizeLimit caps request and reply sizes; the protocol itself
// sets no bound.
const agentSizeLimit = 16 << 20

// AgentKey is one identity held by an agent: the key's wire encoding
// plus its comment.
type AgentKey struct {
	blob    []byte
	Comment string
}

// Key parses the identity's public key.
func (ak *AgentKey) Key() (PublicKey, error) {
	return ParsePublicKey(ak.blob)
}

// String renders the identity in authorized_keys style.
func (ak *AgentKey) String() string {
	b := NewPacketBuffer(ak.blob)
	algo := b.String()
	if b.Err() != nil {
		return "ssh: malformed agent key"
	}
	out := algo + " " + base64.StdEncoding.EncodeToString(ak.blob)
	if ak.Comment != "" {
		out += " " + ak.Comment
	}
	return out
}

// AgentClient talks to an SSH agent over rw, which is typically a unix
// socket or a forwarded agent channel.
type AgentClient struct {
	io.ReadWriter
}

// roundTrip sends one length-prefixed request and reads the reply.
func (ac *AgentClient) roundTrip(req []byte) ([]byte, error) {
	out := &PacketBuffer{}
	out.PutBytes(req)
	if _, err := ac.Write(out.Packet()); err != nil {
		return nil, err
	}
	return ac.readResponse()
}

func (ac *AgentClient) readResponse() ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(ac, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := NewPacketBuffer(sizeBuf[:]).Uint32()
	if size == 0 || size > agentSizeLimit {
		return nil, ProtocolError("unreasonable agent reply size")
	}
	reply := make([]byte, size)
	if _, err := io.ReadFull(ac, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// RequestIdentities lists the agent's keys.
func (ac *AgentClient) RequestIdentities() ([]*AgentKey, error) {
	reply, err := ac.roundTrip([]byte{agentRequestIdentities})
	if err != nil {
		return nil, err
	}
	switch reply[0] {
	case agentIdentitiesAnswer:
		b := NewPacketBuffer(reply[1:])
		count := b.Uint32()
		keys := make([]*AgentKey, 0, count)
		for i := uint32(0); i < count; i++ {
			k := &AgentKey{blob: b.Bytes()}
			k.Comment = b.String()
			keys = append(keys, k)
		}
		if b.Err() != nil || !b.Empty() {
			return nil, ProtocolError("malformed identities answer")
		}
		return keys, nil
	case agentFailure:
		return nil, errors.New("ssh: agent refused to list keys")
	}
	return nil, ProtocolError(fmt.Sprintf("unexpected agent reply %d", reply[0]))
}

// SignRequest asks the agent to sign data with the named key and
// returns the wire-encoded signature.
func (ac *AgentClient) SignRequest(key PublicKey, data []byte) ([]byte, error) {
	req := &PacketBuffer{}
	req.PutByte(agentSignRequest)
	req.PutBytes(key.Marshal())
	req.PutBytes(data)
	req.PutUint32(0) // flags

	reply, err := ac.roundTrip(req.Packet())
	if err != nil {
		return nil, err
	}
	switch reply[0] {
	case agentSignResponse:
		b := NewPacketBuffer(reply[1:])
		sig := b.Bytes()
		if b.Err() != nil {
			return nil, ProtocolError("malformed sign response")
		}
		return sig, nil
	case agentFailure:
		return nil, errors.New("ssh: agent refused to sign")
	}
	return nil, ProtocolError(fmt.Sprintf("unexpected agent reply %d", reply[0]))
}

// agentRing exposes a connected agent as a ClientKeyring for
// publickey authentication.
type agentRing struct {
	agent *AgentClient
	once  sync.Once
	keys  []*AgentKey
	err   error
}

func (r *agentRing) load() {
	r.keys, r.err = r.agent.RequestIdentities()
}

func (r *agentRing) Key(i int) (PublicKey, error) {
	r.once.Do(r.load)
	if r.err != nil {
		return nil, r.err
	}
	if i >= len(r.keys) {
		return nil, nil
	}
	return r.keys[i].Key()
}

func (r *agentRing) Sign(i int, rnd io.Reader, data []byte) (*Signature, error) {
	key, err := r.Key(i)
	if err != nil {
		return nil, err
	}
	blob, err := r.agent.SignRequest(key, data)
	if err != nil {
		return nil, err
	}
	return decodeSignature(blob)
}

// ClientAuthAgent authenticates with whatever keys the agent holds.
func ClientAuthAgent(agent *AgentClient) ClientAuth {
	return ClientAuthKeyring(&agentRing{agent: agent})
}

// A Keyring is an in-memory set of private keys. It serves three
// duties: a ClientKeyring for authentication, the backing store for
// ServeAgent, and the key source for agent forwarding.
type Keyring struct {
	mu      sync.Mutex
	signers []Signer
	labels  []string
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{}
}

// Add puts a key into the ring with a display comment.
func (r *Keyring) Add(s Signer, comment string) {
	r.mu.Lock()
	r.signers = append(r.signers, s)
	r.labels = append(r.labels, comment)
	r.mu.Unlock()
}

// Signers snapshots the held keys.
func (r *Keyring) Signers() []Signer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Signer, len(r.signers))
	copy(out, r.signers)
	return out
}

func (r *Keyring) snapshot() ([]Signer, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := make([]Signer, len(r.signers))
	copy(s, r.signers)
	l := make([]string, len(r.labels))
	copy(l, r.labels)
	return s, l
}

// Key implements ClientKeyring.
func (r *Keyring) Key(i int) (PublicKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.signers) {
		return nil, nil
	}
	return r.signers[i].PublicKey(), nil
}

// Sign implements ClientKeyring.
func (r *Keyring) Sign(i int, rnd io.Reader, data []byte) (*Signature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.signers) {
		return nil, errors.New("ssh: keyring has no key at that index")
	}
	return r.signers[i].Sign(rnd, data)
}

// findSigner locates the signer whose public key encodes to blob.
func (r *Keyring) findSigner(blob []byte) Signer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.signers {
		if bytesEqual(s.PublicKey().Marshal(), blob) {
			return s
		}
	}
	return nil
}

// ServeAgent answers agent protocol requests from rw out of the
// keyring until rw closes. Identity listing and signing are supported;
// everything else draws a failure reply.
func ServeAgent(rw io.ReadWriter, ring *Keyring) error {
	var sizeBuf [4]byte
	for {
		if _, err := io.ReadFull(rw, sizeBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
		size := NewPacketBuffer(sizeBuf[:]).Uint32()
		if size == 0 || size > agentSizeLimit {
			return ProtocolError("unreasonable agent request size")
		}
		req := make([]byte, size)
		if _, err := io.ReadFull(rw, req); err != nil {
			return err
		}

		reply := answerAgentRequest(req, ring)
		out := &PacketBuffer{}
		out.PutBytes(reply)
		if _, err := rw.Write(out.Packet()); err != nil {
			return err
		}
	}
}

func answerAgentRequest(req []byte, ring *Keyring) []byte {
	switch req[0] {
	case agentRequestIdentities:
		signers, labels := ring.snapshot()
		out := &PacketBuffer{}
		out.PutByte(agentIdentitiesAnswer)
		out.PutUint32(uint32(len(signers)))
		for i, s := range signers {
			out.PutBytes(s.PublicKey().Marshal())
			out.PutString(labels[i])
		}
		return out.Packet()

	case agentSignRequest:
		b := NewPacketBuffer(req[1:])
		keyBlob := b.Bytes()
		data := b.Bytes()
		b.Uint32() // flags; SHA-2 RSA flags are not applicable here
		if b.Err() != nil {
			break
		}
		signer := ring.findSigner(keyBlob)
		if signer == nil {
			break
		}
		sig, err := signer.Sign(randomSource(nil), data)
		if err != nil {
			break
		}
		out := &PacketBuffer{}
		out.PutByte(agentSignResponse)
		out.PutBytes(sig.wire())
		return out.Packet()
	}
	return []byte{agentFailure}
}
