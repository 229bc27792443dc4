package ssh

import (
	"bytes"
	"net"
	"testing"
)

func TestAgentServeAndClient(t *testing.T) {
	keyring := NewKeyring()
	keyring.Add(testSigners[KeyAlgoED25519], "ed key")
	keyring.Add(testSigners[KeyAlgoRSA], "rsa key")

	c1, c2 := net.Pipe()
	defer c1.Close()
	go func() {
		ServeAgent(c2, keyring)
		c2.Close()
	}()

	agent := &AgentClient{ReadWriter: c1}
	keys, err := agent.RequestIdentities()
	if err != nil {
		t.Fatalf("RequestIdentities: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if keys[0].Comment != "ed key" || keys[1].Comment != "rsa key" {
		t.Errorf("comments = %q, %q", keys[0].Comment, keys[1].Comment)
	}

	pub, err := keys[0].Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	data := []byte("please sign this")
	blob, err := agent.SignRequest(pub, data)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	sig, err := decodeSignature(blob)
	if err != nil {
		t.Fatal("malformed signature from agent")
	}
	if err := pub.Verify(data, sig); err != nil {
		t.Errorf("agent signature does not verify: %v", err)
	}
}

func TestAgentUnknownKey(t *testing.T) {
	keyring := NewKeyring()
	keyring.Add(testSigners[KeyAlgoED25519], "only key")

	c1, c2 := net.Pipe()
	defer c1.Close()
	go func() {
		ServeAgent(c2, keyring)
		c2.Close()
	}()

	agent := &AgentClient{ReadWriter: c1}
	if _, err := agent.SignRequest(testSigners[KeyAlgoRSA].PublicKey(), []byte("x")); err == nil {
		t.Error("signing with an absent key succeeded")
	}
}

func TestAgentUnsupportedRequest(t *testing.T) {
	keyring := NewKeyring()
	c1, c2 := net.Pipe()
	defer c1.Close()
	go func() {
		ServeAgent(c2, keyring)
		c2.Close()
	}()

	// agentLock is not implemented and must draw a failure reply.
	req := []byte{0, 0, 0, 1, agentLock}
	if _, err := c1.Write(req); err != nil {
		t.Fatal(err)
	}
	agent := &AgentClient{ReadWriter: c1}
	resp, err := agent.readResponse()
	if err != nil {
		t.Fatal(err)
	}
	if len(resp) != 1 || resp[0] != agentFailure {
		t.Errorf("got %v, want [agentFailure]", resp)
	}
}

// TestAgentForwarding runs the full loop: the client enables agent
// forwarding, the server opens an auth-agent channel back and uses the
// client's keys through it.
func TestAgentForwarding(t *testing.T) {
	keyring := NewKeyring()
	keyring.Add(testSigners[KeyAlgoED25519], "forwarded")

	config := &ServerConfig{NoClientAuth: true}
	config.AddHostKey(testSigners[KeyAlgoRSA])

	l, err := Listen("tcp", "127.0.0.1:0", config)
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer l.Close()

	serverc := make(chan *ServerConn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		if err := conn.Handshake(); err != nil {
			t.Errorf("server handshake: %v", err)
			return
		}
		serverc <- conn
		for {
			ch, err := conn.Accept()
			if err != nil {
				return
			}
			if ch.ChannelType() != "session" {
				ch.Reject(UnknownChannelType, "unknown channel type")
				continue
			}
			ch.Accept()
			go readAckingRequests(ch, t)
		}
	}()

	clientConfig := &ClientConfig{
		User:            "testuser",
		HostKeyCallback: InsecureIgnoreHostKey(),
		Agent:           keyring,
	}
	conn, err := Dial("tcp", l.Addr().String(), clientConfig)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()
	if err := session.RequestAgentForwarding(); err != nil {
		t.Fatalf("RequestAgentForwarding: %v", err)
	}

	server := <-serverc
	stream, err := server.OpenAgentChannel()
	if err != nil {
		t.Fatalf("OpenAgentChannel: %v", err)
	}
	defer stream.Close()

	agent := &AgentClient{ReadWriter: stream}
	keys, err := agent.RequestIdentities()
	if err != nil {
		t.Fatalf("RequestIdentities over channel: %v", err)
	}
	if len(keys) != 1 || keys[0].Comment != "forwarded" {
		t.Fatalf("got keys %v, want one key with comment \"forwarded\"", keys)
	}

	pub, err := keys[0].Key()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("remote host signing request")
	blob, err := agent.SignRequest(pub, data)
	if err != nil {
		t.Fatalf("SignRequest over channel: %v", err)
	}
	sig, err := decodeSignature(blob)
	if err != nil {
		t.Fatal("malformed signature")
	}
	if err := pub.Verify(data, sig); err != nil {
		t.Errorf("forwarded signature does not verify: %v", err)
	}

	if !bytes.Equal(pub.Marshal(), testSigners[KeyAlgoED25519].PublicKey().Marshal()) {
		t.Error("forwarded key is not the keyring key")
	}
}
