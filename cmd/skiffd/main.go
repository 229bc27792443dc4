// The skiffd command is an SSH server. It answers interactive
// sessions, remote command execution, and TCP forwarding in both
// directions.
//
// Usage:
//
//	skiffd [-p port] [-h hostkey-prefix] [-forwardTcp] [-users file] [-pam service] [-authorized file]
//
// Host keys are loaded from <prefix>_rsa, <prefix>_ed25519 and
// <prefix>_ecdsa when present; if none exist an RSA key is generated
// and written to <prefix>_rsa.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/skiffssh/skiff/ssh"
)

var (
	port          = flag.Int("p", 2022, "port to listen on")
	hostKeyPrefix = flag.String("h", "host_key", "path prefix for host key files")
	forwardTCP    = flag.Bool("forwardTcp", false, "allow direct-tcpip and tcpip-forward")
	usersFile     = flag.String("users", "", "password file with user:bcrypt-hash lines")
	pamService    = flag.String("pam", "", "authenticate passwords against this PAM service")
	authorized    = flag.String("authorized", "", "authorized_keys file for publickey auth")
	debug         = flag.Bool("debug", false, "enable debug logging")
	trace         = flag.Bool("trace", false, "enable protocol tracing")
)

func main() {
	flag.Parse()
	if !*debug && !*trace {
		log.SetOutput(io.Discard)
	}

	config := &ssh.ServerConfig{}
	if err := loadHostKeys(config, *hostKeyPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "skiffd: host keys: %v\n", err)
		os.Exit(1)
	}
	if err := setupAuth(config); err != nil {
		fmt.Fprintf(os.Stderr, "skiffd: auth: %v\n", err)
		os.Exit(1)
	}
	if *forwardTCP {
		config.GlobalRequestCallback = handleGlobalRequest
	}

	addr := fmt.Sprintf(":%d", *port)
	listener, err := ssh.Listen("tcp", addr, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiffd: listen %s: %v\n", addr, err)
		os.Exit(1)
	}
	log.Printf("skiffd: listening on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "skiffd: accept: %v\n", err)
			os.Exit(1)
		}
		go serveConn(conn)
	}
}

// loadHostKeys loads the host keys named by the prefix, generating and
// saving an RSA key if none are found.
func loadHostKeys(config *ssh.ServerConfig, prefix string) error {
	found := false
	for _, suffix := range []string{"_rsa", "_ed25519", "_ecdsa"} {
		path := prefix + suffix
		pemBytes, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return fmt.Errorf("%s: %v", path, err)
		}
		config.AddHostKey(signer)
		log.Printf("skiffd: loaded host key %s (%s)", path, signer.PublicKey().Type())
		found = true
	}
	if found {
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	path := prefix + "_rsa"
	if err := os.WriteFile(path, ssh.MarshalPrivateKey(key), 0600); err != nil {
		return err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return err
	}
	config.AddHostKey(signer)
	log.Printf("skiffd: generated host key %s", path)
	return nil
}

func serveConn(conn *ssh.ServerConn) {
	defer conn.Close()
	if err := conn.Handshake(); err != nil {
		log.Printf("skiffd: handshake: %v", err)
		return
	}
	log.Printf("skiffd: user %q authenticated", conn.User)

	for {
		ch, err := conn.Accept()
		if err != nil {
			if err != io.EOF {
				log.Printf("skiffd: accept channel: %v", err)
			}
			return
		}
		switch ch.ChannelType() {
		case "session":
			ch.Accept()
			go serveSession(ch)
		case "direct-tcpip":
			if !*forwardTCP {
				ch.Reject(ssh.Prohibited, "tcp forwarding disabled")
				continue
			}
			go serveDirectTCPIP(ch)
		default:
			ch.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

// serveDirectTCPIP dials the requested destination and bridges it with
// the channel. See RFC 4254, section 7.2.
func serveDirectTCPIP(ch ssh.Channel) {
	host, port, _, _, err := parseTCPIPData(ch.ExtraData())
	if err != nil {
		ch.Reject(ssh.ConnectionFailed, "bad direct-tcpip request")
		return
	}
	dest := net.JoinHostPort(host, fmt.Sprint(port))
	remote, err := net.Dial("tcp", dest)
	if err != nil {
		ch.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	if err := ch.Accept(); err != nil {
		remote.Close()
		return
	}
	log.Printf("skiffd: direct-tcpip to %s", dest)
	bridge(channelStream{ch}, remote)
}

// parseTCPIPData parses the type specific data of direct-tcpip and
// forwarded-tcpip channel opens.
func parseTCPIPData(data []byte) (host string, port uint32, origHost string, origPort uint32, err error) {
	b := ssh.NewPacketBuffer(data)
	host = b.String()
	port = b.Uint32()
	origHost = b.String()
	origPort = b.Uint32()
	return host, port, origHost, origPort, b.Err()
}

// channelStream adapts an ssh.Channel to io.ReadWriteCloser for
// bridging, swallowing out-of-band channel requests.
type channelStream struct {
	ch ssh.Channel
}

func (s channelStream) Read(p []byte) (int, error) {
	for {
		n, err := s.ch.Read(p)
		if _, ok := err.(ssh.ChannelRequest); ok {
			continue
		}
		return n, err
	}
}

func (s channelStream) Write(p []byte) (int, error) { return s.ch.Write(p) }
func (s channelStream) Close() error                { return s.ch.Close() }

// bridge copies bytes in both directions until one side closes.
func bridge(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
}
