package ssh

// End to end algorithm suite tests: every supported key exchange, host
// key, cipher and MAC algorithm is pinned in turn and exercised with a
// session round trip against an in-process server.

import (
	"bytes"
	"strings"
	"testing"
)

// runSessionRoundTrip connects with the given restricted configs,
// sends "testAgent\nexit\n" on a session channel and expects the
// shell-style echo reply.
func runSessionRoundTrip(t *testing.T, serverConfig *ServerConfig, clientConfig *ClientConfig) {
	conn := dialWithConfigs(shellHandler, serverConfig, clientConfig, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	stdout := new(bytes.Buffer)
	session.Stdout = stdout
	session.Stdin = strings.NewReader("testAgent\nexit\n")
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got, want := stdout.String(), "$ testAgent\nexit\nsuccess\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func testConfigPair(crypto CryptoConfig, hostKeyAlgo string) (*ServerConfig, *ClientConfig) {
	serverConfig := &ServerConfig{
		PasswordCallback: func(conn *ServerConn, user, pass string) bool {
			return user == "testuser" && pass == "tiger"
		},
		Crypto: crypto,
	}
	serverConfig.AddHostKey(testSigners[hostKeyAlgo])

	clientConfig := &ClientConfig{
		User: "testuser",
		Auth: []ClientAuth{
			ClientAuthPassword(password("tiger")),
		},
		HostKeyCallback:   FixedHostKey(testSigners[hostKeyAlgo].PublicKey()),
		HostKeyAlgorithms: []string{hostKeyAlgo},
		Crypto:            crypto,
	}
	return serverConfig, clientConfig
}

// TestSuiteSweep exercises every index of each algorithm class at
// least once: each class is swept with the other classes pinned to
// their first supported entry.
func TestSuiteSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping algorithm sweep in short mode")
	}

	base := CryptoConfig{
		KeyExchanges: []string{supportedKexAlgos[0]},
		Ciphers:      []string{supportedCiphers[0]},
		MACs:         []string{supportedMACs[0]},
	}
	baseHostKey := supportedHostKeyAlgos[0]

	for _, kex := range supportedKexAlgos {
		crypto := base
		crypto.KeyExchanges = []string{kex}
		t.Run("kex-"+kex, func(t *testing.T) {
			server, client := testConfigPair(crypto, baseHostKey)
			runSessionRoundTrip(t, server, client)
		})
	}

	for _, hostKey := range supportedHostKeyAlgos {
		t.Run("hostkey-"+hostKey, func(t *testing.T) {
			server, client := testConfigPair(base, hostKey)
			runSessionRoundTrip(t, server, client)
		})
	}

	for _, cipher := range supportedCiphers {
		crypto := base
		crypto.Ciphers = []string{cipher}
		t.Run("cipher-"+cipher, func(t *testing.T) {
			server, client := testConfigPair(crypto, baseHostKey)
			runSessionRoundTrip(t, server, client)
		})
	}

	for _, mac := range supportedMACs {
		crypto := base
		crypto.MACs = []string{mac}
		t.Run("mac-"+mac, func(t *testing.T) {
			server, client := testConfigPair(crypto, baseHostKey)
			runSessionRoundTrip(t, server, client)
		})
	}
}

// TestSuitePinnedQuadruple pins one full (kex, hostkey, cipher, mac)
// quadruple explicitly, covering negotiation of all four classes at
// once.
func TestSuitePinnedQuadruple(t *testing.T) {
	crypto := CryptoConfig{
		KeyExchanges: []string{kexAlgoDH14SHA1},
		Ciphers:      []string{"aes256-cbc"},
		MACs:         []string{"hmac-sha1"},
	}
	server, client := testConfigPair(crypto, KeyAlgoECDSA384)
	runSessionRoundTrip(t, server, client)
}

func TestNoCommonAlgorithm(t *testing.T) {
	serverConfig := &ServerConfig{
		NoClientAuth: true,
		Crypto:       CryptoConfig{Ciphers: []string{"aes128-ctr"}},
	}
	serverConfig.AddHostKey(testSigners[KeyAlgoRSA])

	clientConfig := &ClientConfig{
		User:            "testuser",
		HostKeyCallback: InsecureIgnoreHostKey(),
		Crypto:          CryptoConfig{Ciphers: []string{"aes256-cbc"}},
	}

	c1, c2, err := netPipe()
	if err != nil {
		t.Fatalf("netPipe: %v", err)
	}
	defer c1.Close()
	defer c2.Close()

	server := Server(c2, serverConfig)
	done := make(chan error, 1)
	go func() {
		done <- server.Handshake()
	}()

	if _, err := Client(c1, clientConfig); err == nil {
		t.Error("handshake succeeded with no common cipher")
	}
	if err := <-done; err == nil {
		t.Error("server handshake succeeded with no common cipher")
	}
}
