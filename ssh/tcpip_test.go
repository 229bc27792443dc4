package ssh

// TCP/IP forwarding tests.

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"testing"
)

// startTCPEchoServer returns the address of a local TCP server that
// echoes everything it reads.
func startTCPEchoServer(t *testing.T) net.Addr {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return l.Addr()
}

// serveDirectTCPIPChannels answers direct-tcpip opens on conn by
// dialing the requested destination and bridging bytes, propagating
// half-closes in both directions.
func serveDirectTCPIPChannels(t *testing.T, conn *ServerConn) {
	for {
		ch, err := conn.Accept()
		if err != nil {
			return
		}
		if ch.ChannelType() != "direct-tcpip" {
			ch.Reject(UnknownChannelType, "unknown channel type")
			continue
		}
		pb := NewPacketBuffer(ch.ExtraData())
		host := pb.String()
		port := pb.Uint32()
		if pb.Err() != nil {
			ch.Reject(ConnectionFailed, "bad direct-tcpip payload")
			continue
		}
		dest, err := net.Dial("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
		if err != nil {
			ch.Reject(ConnectionFailed, err.Error())
			continue
		}
		ch.Accept()
		go func(ch Channel, dest net.Conn) {
			done := make(chan struct{}, 2)
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if _, ok := err.(ChannelRequest); ok {
						continue
					}
					if n > 0 {
						dest.Write(buf[:n])
					}
					if err != nil {
						if tcp, ok := dest.(*net.TCPConn); ok {
							tcp.CloseWrite()
						}
						done <- struct{}{}
						return
					}
				}
			}()
			go func() {
				io.Copy(channelWriter{ch}, dest)
				if sc, ok := ch.(*serverChannel); ok {
					sc.CloseWrite()
				}
				done <- struct{}{}
			}()
			<-done
			<-done
			dest.Close()
			ch.Close()
		}(ch, dest)
	}
}

// startDirectTCPIPServer runs an SSH server with the given config that
// serves direct-tcpip channels, returning its address.
func startDirectTCPIPServer(t *testing.T, config *ServerConfig) string {
	l, err := Listen("tcp", "127.0.0.1:0", config)
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				if err := conn.Handshake(); err != nil {
					return
				}
				serveDirectTCPIPChannels(t, conn)
			}()
		}
	}()
	return l.Addr().String()
}

// startForwardingServer additionally grants tcpip-forward requests and
// hands back the server connection for tests that open channels from
// the server side.
func startForwardingServer(t *testing.T) (addr string, serverc chan *ServerConn) {
	config := &ServerConfig{
		NoClientAuth: true,
		GlobalRequestCallback: func(conn *ServerConn, req *GlobalRequest) (bool, []byte) {
			switch req.Type {
			case "tcpip-forward", "cancel-tcpip-forward":
				return true, nil
			}
			return false, nil
		},
	}
	config.AddHostKey(testSigners[KeyAlgoED25519])

	l, err := Listen("tcp", "127.0.0.1:0", config)
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	serverc = make(chan *ServerConn, 1)
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
		serveDirectTCPIPChannels(t, conn)
	}()
	return l.Addr().String(), serverc
}

type channelWriter struct{ ch Channel }

func (w channelWriter) Write(p []byte) (int, error) { return w.ch.Write(p) }

func TestDialDirectTCPIP(t *testing.T) {
	echoAddr := startTCPEchoServer(t)
	addr, _ := startForwardingServer(t)

	conn, err := Dial("tcp", addr, &ClientConfig{
		User:            "testuser",
		HostKeyCallback: InsecureIgnoreHostKey(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	tunneled, err := conn.Dial("tcp", echoAddr.String())
	if err != nil {
		t.Fatalf("tunnel dial: %v", err)
	}

	want := []byte("through the tunnel and back")
	if _, err := tunneled.Write(want); err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(tunneled, got); err != nil {
		t.Fatalf("tunnel read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	tunneled.Close()
}

func TestDialDirectTCPIPConnectionRefused(t *testing.T) {
	addr, _ := startForwardingServer(t)

	conn, err := Dial("tcp", addr, &ClientConfig{
		User:            "testuser",
		HostKeyCallback: InsecureIgnoreHostKey(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Port 1 on localhost is almost certainly closed.
	if _, err := conn.Dial("tcp", "127.0.0.1:1"); err == nil {
		t.Error("dial to closed port unexpectedly succeeded")
	}
}

func TestRemoteForward(t *testing.T) {
	addr, serverc := startForwardingServer(t)

	conn, err := Dial("tcp", addr, &ClientConfig{
		User:            "testuser",
		HostKeyCallback: InsecureIgnoreHostKey(),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	laddr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8123}
	listener, err := conn.ListenTCP(laddr)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}

	server := <-serverc

	// Simulate an inbound connection arriving at the server's
	// listening socket.
	raddr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 4567}
	stream, err := server.OpenForwardedTCPIP(laddr, raddr)
	if err != nil {
		t.Fatalf("OpenForwardedTCPIP: %v", err)
	}

	accepted, err := listener.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := accepted.RemoteAddr().String(); got != raddr.String() {
		t.Errorf("originator address = %q, want %q", got, raddr.String())
	}

	want := []byte("knock knock")
	go stream.Write(want)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(accepted, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}

	accepted.Close()
	stream.Close()
	if err := listener.Close(); err != nil {
		t.Errorf("listener close: %v", err)
	}
}
