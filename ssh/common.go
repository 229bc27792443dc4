package ssh

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"time"
)

// ProtocolError reports a violation of the wire protocol by the peer.
type ProtocolError string

func (e ProtocolError) Error() string { return "ssh: " + string(e) }

// Protocol service names, RFC 4253 section 10 and RFC 4252.
const (
	userAuthService   = "ssh-userauth"
	connectionService = "ssh-connection"
)

const compressionNone = "none"

// Key exchange method names.
const (
	kexAlgoDH1SHA1                = "diffie-hellman-group1-sha1"
	kexAlgoDH14SHA1               = "diffie-hellman-group14-sha1"
	kexAlgoDHGexSHA1              = "diffie-hellman-group-exchange-sha1"
	kexAlgoDHGexSHA256            = "diffie-hellman-group-exchange-sha256"
	kexAlgoECDH256                = "ecdh-sha2-nistp256"
	kexAlgoECDH384                = "ecdh-sha2-nistp384"
	kexAlgoECDH521                = "ecdh-sha2-nistp521"
	kexAlgoCurve25519SHA256       = "curve25519-sha256"
	kexAlgoCurve25519SHA256LibSSH = "curve25519-sha256@libssh.org"
)

// The supported algorithm enumerations, in negotiation preference
// order. Restricting the offered set happens through CryptoConfig, not
// by mutating these.
var (
	supportedKexAlgos = []string{
		kexAlgoCurve25519SHA256, kexAlgoCurve25519SHA256LibSSH,
		kexAlgoECDH256, kexAlgoECDH384, kexAlgoECDH521,
		kexAlgoDHGexSHA256, kexAlgoDHGexSHA1,
		kexAlgoDH14SHA1, kexAlgoDH1SHA1,
	}
	supportedHostKeyAlgos = []string{
		KeyAlgoED25519,
		KeyAlgoECDSA256, KeyAlgoECDSA384, KeyAlgoECDSA521,
		KeyAlgoRSA,
	}
	supportedCiphers = []string{
		"aes128-ctr", "aes256-ctr",
		"aes128-cbc", "aes256-cbc",
	}
	supportedMACs = []string{
		"hmac-sha2-256", "hmac-sha2-512", "hmac-sha1",
	}
	supportedCompression = []string{compressionNone}
)

// DefaultKexOrder, DefaultCipherOrder and DefaultMACOrder expose the
// built-in preference orders for callers assembling a CryptoConfig.
var (
	DefaultKexOrder    = supportedKexAlgos
	DefaultCipherOrder = supportedCiphers
	DefaultMACOrder    = supportedMACs
)

// Disconnect reason codes, RFC 4253 section 11.1.
const (
	disconnectProtocolError              = 2
	disconnectKeyExchangeFailed          = 3
	disconnectMACError                   = 5
	disconnectServiceNotAvailable        = 7
	disconnectHostKeyNotVerifiable       = 9
	disconnectByApplication              = 11
	disconnectNoMoreAuthMethodsAvailable = 14
)

// CryptoConfig selects the algorithms a connection may negotiate and
// tunes rekeying. The zero value offers everything this package
// implements in the default preference order; narrowing a slice to a
// single name pins that class.
type CryptoConfig struct {
	// KeyExchanges, Ciphers and MACs restrict the offered name-lists
	// for their class. A nil slice means the full supported set.
	KeyExchanges []string
	Ciphers      []string
	MACs         []string

	// RekeyThreshold is the number of bytes moved in either direction
	// after which a fresh key exchange starts. Zero means 1 GiB.
	RekeyThreshold uint64

	// RekeyInterval bounds how long one set of keys stays in use.
	// Zero means one hour.
	RekeyInterval time.Duration
}

func (c *CryptoConfig) kexes() []string {
	if c.KeyExchanges == nil {
		return DefaultKexOrder
	}
	return c.KeyExchanges
}

func (c *CryptoConfig) ciphers() []string {
	if c.Ciphers == nil {
		return DefaultCipherOrder
	}
	return c.Ciphers
}

func (c *CryptoConfig) macs() []string {
	if c.MACs == nil {
		return DefaultMACOrder
	}
	return c.MACs
}

func (c *CryptoConfig) rekeyBytes() int64 {
	if c.RekeyThreshold > 0 {
		return int64(c.RekeyThreshold)
	}
	return 1 << 30
}

func (c *CryptoConfig) rekeyInterval() time.Duration {
	if c.RekeyInterval > 0 {
		return c.RekeyInterval
	}
	return time.Hour
}

// validate fails loudly on algorithm names this package does not
// implement, so a misspelled restriction cannot silently widen or
// shift the negotiation.
func (c *CryptoConfig) validate() error {
	for _, name := range c.kexes() {
		if _, ok := kexRegistry[name]; !ok {
			return fmt.Errorf("ssh: key exchange %q is not supported", name)
		}
	}
	for _, name := range c.ciphers() {
		if _, ok := cipherTable[name]; !ok {
			return fmt.Errorf("ssh: cipher %q is not supported", name)
		}
	}
	for _, name := range c.macs() {
		if _, ok := macTable[name]; !ok {
			return fmt.Errorf("ssh: MAC %q is not supported", name)
		}
	}
	return nil
}

// directionSuites names the algorithms for one direction of the
// connection.
type directionSuites struct {
	cipher string
	mac    string
	comp   string
}

// negotiatedSuites is the outcome of comparing both KEXINITs.
type negotiatedSuites struct {
	kex     string
	hostKey string
	toPeer  directionSuites // what we encrypt with when sending
	fromPeer directionSuites
}

// pickFirstCommon returns the first of the client's names the server
// also offers; mismatch on any class is fatal to the connection. See
// RFC 4253, section 7.1.
func pickFirstCommon(class string, client, server []string) (string, error) {
	for _, want := range client {
		for _, have := range server {
			if want == have {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("ssh: no common %s algorithm (client %v, server %v)", class, client, server)
}

// negotiateSuites resolves every algorithm class between the two
// KEXINIT offers. asClient flips which direction is "to peer".
func negotiateSuites(client, server *kexNegotiation, asClient bool) (*negotiatedSuites, error) {
	out := &negotiatedSuites{}
	var err error
	if out.kex, err = pickFirstCommon("key exchange", client.kexAlgos, server.kexAlgos); err != nil {
		return nil, err
	}
	if out.hostKey, err = pickFirstCommon("host key", client.hostKeyAlgos, server.hostKeyAlgos); err != nil {
		return nil, err
	}

	var cs, sc directionSuites
	if cs.cipher, err = pickFirstCommon("client-to-server cipher", client.ciphersCS, server.ciphersCS); err != nil {
		return nil, err
	}
	if sc.cipher, err = pickFirstCommon("server-to-client cipher", client.ciphersSC, server.ciphersSC); err != nil {
		return nil, err
	}
	if cs.mac, err = pickFirstCommon("client-to-server MAC", client.macsCS, server.macsCS); err != nil {
		return nil, err
	}
	if sc.mac, err = pickFirstCommon("server-to-client MAC", client.macsSC, server.macsSC); err != nil {
		return nil, err
	}
	if cs.comp, err = pickFirstCommon("client-to-server compression", client.compCS, server.compCS); err != nil {
		return nil, err
	}
	if sc.comp, err = pickFirstCommon("server-to-client compression", client.compSC, server.compSC); err != nil {
		return nil, err
	}

	if asClient {
		out.toPeer, out.fromPeer = cs, sc
	} else {
		out.toPeer, out.fromPeer = sc, cs
	}
	return out, nil
}

// buildNegotiation assembles our KEXINIT offer.
func buildNegotiation(cfg *CryptoConfig, hostKeyAlgos []string, rnd io.Reader) *kexNegotiation {
	m := &kexNegotiation{
		kexAlgos:     cfg.kexes(),
		hostKeyAlgos: hostKeyAlgos,
		ciphersCS:    cfg.ciphers(),
		ciphersSC:    cfg.ciphers(),
		macsCS:       cfg.macs(),
		macsSC:       cfg.macs(),
		compCS:       supportedCompression,
		compSC:       supportedCompression,
	}
	io.ReadFull(rnd, m.cookie[:])
	return m
}

// safeString strips terminal control characters from peer-supplied
// text before it can reach a display. RFC 4251, section 9.2.
func safeString(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' && r != '\r' && r != '\n' {
			return ' '
		}
		return r
	}, s)
}

func randomSource(r io.Reader) io.Reader {
	if r == nil {
		return rand.Reader
	}
	return r
}
