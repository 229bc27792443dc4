package ssh

// Helpers shared by the in-process client/server tests.

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"net"
	"testing"
)

// testSigners holds one generated host/user key per supported key
// algorithm, keyed by algorithm name.
var testSigners = map[string]Signer{}

func init() {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	keys := map[string]interface{}{
		KeyAlgoRSA:     rsaKey,
		KeyAlgoED25519: edKey,
	}
	for algo, curve := range map[string]elliptic.Curve{
		KeyAlgoECDSA256: elliptic.P256(),
		KeyAlgoECDSA384: elliptic.P384(),
		KeyAlgoECDSA521: elliptic.P521(),
	} {
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			panic(err)
		}
		keys[algo] = key
	}
	for algo, key := range keys {
		signer, err := NewSignerFromKey(key)
		if err != nil {
			panic(err)
		}
		if signer.PublicKey().Type() != algo {
			panic(fmt.Sprintf("got key type %s, want %s", signer.PublicKey().Type(), algo))
		}
		testSigners[algo] = signer
	}
}

// netPipe returns a pair of connected TCP sockets.
func netPipe() (net.Conn, net.Conn, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	defer l.Close()
	conn1, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		return nil, nil, err
	}

	conn2, err := l.Accept()
	if err != nil {
		conn1.Close()
		return nil, nil, err
	}
	return conn1, conn2, nil
}

type serverType func(Channel, *testing.T)

// dialWithConfigs constructs a test server running handler for every
// incoming session channel and returns a connected *ClientConn.
func dialWithConfigs(handler serverType, serverConfig *ServerConfig, clientConfig *ClientConfig, t *testing.T) *ClientConn {
	l, err := Listen("tcp", "127.0.0.1:0", serverConfig)
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	go func() {
		defer l.Close()
		conn, err := l.Accept()
		if err != nil {
			t.Errorf("Unable to accept: %v", err)
			return
		}
		defer conn.Close()
		if err := conn.Handshake(); err != nil {
			t.Errorf("Unable to handshake: %v", err)
			return
		}
		for {
			ch, err := conn.Accept()
			if err == io.EOF {
				return
			}
			// We sometimes get ECONNRESET rather than EOF.
			if _, ok := err.(*net.OpError); ok {
				return
			}
			// The client closing the connection surfaces here as a
			// clean SSH_MSG_DISCONNECT with reason "by application".
			if de, ok := err.(*DisconnectError); ok && de.Reason == disconnectByApplication {
				return
			}
			if err != nil {
				t.Errorf("Unable to accept incoming channel request: %v", err)
				return
			}
			if ch.ChannelType() != "session" {
				ch.Reject(UnknownChannelType, "unknown channel type")
				continue
			}
			ch.Accept()
			go handler(ch, t)
		}
	}()

	c, err := Dial("tcp", l.Addr().String(), clientConfig)
	if err != nil {
		t.Fatalf("unable to dial remote side: %v", err)
	}
	return c
}

// dial constructs a password authenticating test server and returns a
// *ClientConn to it.
func dial(handler serverType, t *testing.T) *ClientConn {
	serverConfig := &ServerConfig{
		PasswordCallback: func(conn *ServerConn, user, pass string) bool {
			return user == "testuser" && pass == "tiger"
		},
	}
	serverConfig.AddHostKey(testSigners[KeyAlgoRSA])

	clientConfig := &ClientConfig{
		User: "testuser",
		Auth: []ClientAuth{
			ClientAuthPassword(password("tiger")),
		},
		HostKeyCallback: InsecureIgnoreHostKey(),
	}
	return dialWithConfigs(handler, serverConfig, clientConfig, t)
}

// password implements ClientPassword with a fixed password.
type password string

func (p password) Password(user string) (string, error) {
	return string(p), nil
}

// shellHandler is a test session handler that acks the usual session
// requests and echoes data with a shell-like banner: input is answered
// with "$ " followed by the input and "success\n" once a line reading
// "exit" arrives.
func shellHandler(ch Channel, t *testing.T) {
	defer ch.Close()

	var received []byte
	buf := make([]byte, 256)
	for {
		n, err := ch.Read(buf)
		if req, ok := err.(ChannelRequest); ok {
			if req.WantReply {
				ch.AckRequest(true)
			}
			continue
		}
		if n > 0 {
			received = append(received, buf[:n]...)
		}
		if containsLine(received, "exit") {
			break
		}
		if err != nil {
			if err != io.EOF {
				t.Errorf("shellHandler: read: %v", err)
			}
			break
		}
	}

	reply := append([]byte("$ "), received...)
	reply = append(reply, []byte("success\n")...)
	if _, err := ch.Write(reply); err != nil {
		t.Errorf("shellHandler: write: %v", err)
	}
	sendExitStatus(ch, 0, t)
}

func sendExitStatus(ch Channel, status uint32, t *testing.T) {
	payload := []byte{byte(status >> 24), byte(status >> 16), byte(status >> 8), byte(status)}
	if err := ch.SendRequest("exit-status", false, payload); err != nil {
		t.Errorf("unable to send exit status: %v", err)
	}
}

func containsLine(data []byte, line string) bool {
	want := line + "\n"
	for i := 0; i+len(want) <= len(data); i++ {
		if string(data[i:i+len(want)]) == want && (i == 0 || data[i-1] == '\n') {
			return true
		}
	}
	return false
}
