package ssh

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

// Client-side user authentication, RFC 4252. The client opens the
// ssh-userauth service, probes with the "none" method, and then walks
// its configured methods guided by the server's allowed-method lists.

// authVerdict is a method attempt's result.
type authVerdict int

const (
	authDenied authVerdict = iota
	authGranted
)

// A ClientAuth is one configured RFC 4252 authentication method.
type ClientAuth interface {
	// name is the RFC 4252 method name.
	name() string

	// attempt tries the method once. On denial it also returns the
	// methods the server said could continue.
	attempt(k *keyer, user string, rnd io.Reader) (authVerdict, []string, error)
}

// authenticate drives the userauth conversation. It runs before the
// demultiplexer starts, so it may read the transport directly.
func (c *ClientConn) authenticate() error {
	k := c.k
	if err := k.writeMessage(encodeServiceMsg(msgServiceRequest, userAuthService)); err != nil {
		return err
	}
	p, err := k.readMessage()
	if err != nil {
		return err
	}
	if _, err := parseServiceMsg(p, msgServiceAccept); err != nil {
		return err
	}

	rnd := randomSource(c.config.Rand)
	user := c.config.User

	tried := map[string]bool{}
	usable := map[string]bool{}

	method := ClientAuth(noneAuth{})
	for method != nil {
		verdict, canContinue, err := method.attempt(k, user, rnd)
		if err != nil {
			return err
		}
		if verdict == authGranted {
			return nil
		}
		tried[method.name()] = true
		delete(usable, method.name())
		for _, m := range canContinue {
			if !tried[m] {
				usable[m] = true
			}
		}

		method = nil
		for _, candidate := range c.config.Auth {
			if usable[candidate.name()] {
				method = candidate
				break
			}
		}
	}

	attempted := make([]string, 0, len(tried))
	for m := range tried {
		attempted = append(attempted, m)
	}
	sort.Strings(attempted)
	return fmt.Errorf("ssh: authentication failed, tried %v with no methods left", attempted)
}

// readAuthVerdict interprets the server's answer to an auth request.
// extra handles method-specific messages (nil rejects them).
func readAuthVerdict(k *keyer, extra func(p []byte) (bool, error)) (authVerdict, []string, error) {
	for {
		p, err := k.readMessage()
		if err != nil {
			return authDenied, nil, err
		}
		switch p[0] {
		case msgUserAuthSuccess:
			return authGranted, nil, nil
		case msgUserAuthFailure:
			b := NewPacketBuffer(p[1:])
			methods := b.NameList()
			b.Bool() // partial success, unused
			if b.Err() != nil {
				return authDenied, nil, b.Err()
			}
			return authDenied, methods, nil
		case msgUserAuthBanner:
			// TODO: surface the banner through a callback.
			continue
		default:
			if extra != nil {
				done, err := extra(p)
				if err != nil {
					return authDenied, nil, err
				}
				if done {
					continue
				}
			}
			return authDenied, nil, ProtocolError(fmt.Sprintf("unexpected message %d during auth", p[0]))
		}
	}
}

// openAuthRequest begins a userauth request message for the given
// method.
func openAuthRequest(user, method string) *PacketBuffer {
	b := newMessage(msgUserAuthRequest)
	b.PutString(user)
	b.PutString(connectionService)
	b.PutString(method)
	return b
}

// ---- none ----

type noneAuth struct{}

func (noneAuth) name() string { return "none" }

func (noneAuth) attempt(k *keyer, user string, rnd io.Reader) (authVerdict, []string, error) {
	if err := k.writeMessage(openAuthRequest(user, "none").Packet()); err != nil {
		return authDenied, nil, err
	}
	return readAuthVerdict(k, nil)
}

// ---- password ----

// A ClientPassword supplies the password for a user on demand.
type ClientPassword interface {
	Password(user string) (string, error)
}

// ClientAuthPassword builds a password authentication method, RFC 4252
// section 8.
func ClientAuthPassword(src ClientPassword) ClientAuth {
	return passwordAuth{src}
}

type passwordAuth struct {
	src ClientPassword
}

func (passwordAuth) name() string { return "password" }

func (a passwordAuth) attempt(k *keyer, user string, rnd io.Reader) (authVerdict, []string, error) {
	pw, err := a.src.Password(user)
	if err != nil {
		return authDenied, nil, err
	}
	b := openAuthRequest(user, "password")
	b.PutBool(false) // not a password change
	b.PutString(pw)
	if err := k.writeMessage(b.Packet()); err != nil {
		return authDenied, nil, err
	}
	return readAuthVerdict(k, nil)
}

// ---- publickey ----

// A ClientKeyring enumerates keys by index and signs with them. Key
// returns nil past the last key.
type ClientKeyring interface {
	Key(i int) (PublicKey, error)
	Sign(i int, rand io.Reader, data []byte) (*Signature, error)
}

// ClientAuthKeyring builds a publickey authentication method, RFC 4252
// section 7.
func ClientAuthKeyring(ring ClientKeyring) ClientAuth {
	return keyringAuth{ring}
}

type keyringAuth struct {
	ring ClientKeyring
}

func (keyringAuth) name() string { return "publickey" }

func (a keyringAuth) attempt(k *keyer, user string, rnd io.Reader) (authVerdict, []string, error) {
	// First round: ask the server which keys it would take at all.
	var agreeable []int
	for i := 0; ; i++ {
		key, err := a.ring.Key(i)
		if err != nil {
			return authDenied, nil, err
		}
		if key == nil {
			break
		}
		ok, err := a.probeKey(k, user, key)
		if err != nil {
			return authDenied, nil, err
		}
		if ok {
			agreeable = append(agreeable, i)
		}
	}

	// Second round: prove possession of each agreeable key until one
	// is accepted.
	var lastMethods []string
	for _, i := range agreeable {
		key, err := a.ring.Key(i)
		if err != nil {
			return authDenied, nil, err
		}
		verdict, methods, err := a.signAndSend(k, user, i, key, rnd)
		if err != nil {
			return authDenied, nil, err
		}
		if verdict == authGranted {
			return verdict, nil, nil
		}
		lastMethods = methods
	}
	return authDenied, lastMethods, nil
}

// probeKey runs the query flow: the request carries no signature and
// the server answers PK_OK or a failure.
func (a keyringAuth) probeKey(k *keyer, user string, key PublicKey) (bool, error) {
	b := openAuthRequest(user, "publickey")
	b.PutBool(false)
	b.PutString(key.Type())
	b.PutBytes(key.Marshal())
	if err := k.writeMessage(b.Packet()); err != nil {
		return false, err
	}

	for {
		p, err := k.readMessage()
		if err != nil {
			return false, err
		}
		switch p[0] {
		case msgUserAuthBanner:
			continue
		case msgUserAuthPubKeyOk:
			pk := NewPacketBuffer(p[1:])
			algo := pk.String()
			pk.Bytes()
			if pk.Err() != nil {
				return false, pk.Err()
			}
			return algo == key.Type(), nil
		case msgUserAuthFailure:
			return false, nil
		default:
			return false, ProtocolError(fmt.Sprintf("unexpected message %d during publickey probe", p[0]))
		}
	}
}

func (a keyringAuth) signAndSend(k *keyer, user string, i int, key PublicKey, rnd io.Reader) (authVerdict, []string, error) {
	signed := userAuthSignedData(k.sessionID, user, key.Type(), key.Marshal())
	sig, err := a.ring.Sign(i, rnd, signed)
	if err != nil {
		return authDenied, nil, err
	}

	b := openAuthRequest(user, "publickey")
	b.PutBool(true)
	b.PutString(key.Type())
	b.PutBytes(key.Marshal())
	b.PutBytes(sig.wire())
	if err := k.writeMessage(b.Packet()); err != nil {
		return authDenied, nil, err
	}
	return readAuthVerdict(k, nil)
}

// userAuthSignedData is the blob a publickey authentication signs:
// the session identifier followed by the request itself, with the key
// in exactly the bytes that went (or will go) over the wire. RFC
// 4252, section 7.
func userAuthSignedData(sessionID []byte, user, algo string, keyBlob []byte) []byte {
	b := &PacketBuffer{}
	b.PutBytes(sessionID)
	b.PutByte(msgUserAuthRequest)
	b.PutString(user)
	b.PutString(connectionService)
	b.PutString("publickey")
	b.PutBool(true)
	b.PutString(algo)
	b.PutBytes(keyBlob)
	return b.Packet()
}

// ---- keyboard-interactive ----

// A ClientKeyboardInteractive answers server challenges, RFC 4256.
// Challenge may run several rounds; echos tells which answers may be
// shown while typing.
type ClientKeyboardInteractive interface {
	Challenge(user, instruction string, questions []string, echos []bool) ([]string, error)
}

// ClientAuthKeyboardInteractive builds a keyboard-interactive
// authentication method.
func ClientAuthKeyboardInteractive(impl ClientKeyboardInteractive) ClientAuth {
	return kbdAuth{impl}
}

type kbdAuth struct {
	impl ClientKeyboardInteractive
}

func (kbdAuth) name() string { return "keyboard-interactive" }

func (a kbdAuth) attempt(k *keyer, user string, rnd io.Reader) (authVerdict, []string, error) {
	b := openAuthRequest(user, "keyboard-interactive")
	b.PutString("") // language
	b.PutString("") // submethods
	if err := k.writeMessage(b.Packet()); err != nil {
		return authDenied, nil, err
	}

	answerRound := func(p []byte) (bool, error) {
		req, err := openMessage(p, msgUserAuthInfoRequest)
		if err != nil {
			return false, err
		}
		_ = req.String() // name
		instruction := req.String()
		_ = req.String() // language
		count := req.Uint32()

		var questions []string
		var echos []bool
		for i := uint32(0); i < count; i++ {
			questions = append(questions, req.String())
			echos = append(echos, req.Bool())
		}
		if req.Err() != nil || !req.Empty() {
			return false, ProtocolError("malformed keyboard-interactive challenge")
		}

		answers, err := a.impl.Challenge(user, instruction, questions, echos)
		if err != nil {
			return false, err
		}
		if len(answers) != len(questions) {
			return false, errors.New("ssh: keyboard-interactive callback answered the wrong number of questions")
		}

		resp := newMessage(msgUserAuthInfoResponse)
		resp.PutUint32(uint32(len(answers)))
		for _, ans := range answers {
			resp.PutString(ans)
		}
		return true, k.writeMessage(resp.Packet())
	}

	return readAuthVerdict(k, answerRound)
}
