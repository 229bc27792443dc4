package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"

	"github.com/skiffssh/skiff/ssh"
)

// serveSession handles requests on a session channel: pty-req, env,
// shell, exec, window-change and agent forwarding. See RFC 4254,
// section 6.
func serveSession(ch ssh.Channel) {
	defer ch.Close()

	var env []string
	for {
		var buf [256]byte
		_, err := ch.Read(buf[:])
		if err == io.EOF {
			return
		}
		req, ok := err.(ssh.ChannelRequest)
		if !ok {
			if err != nil {
				return
			}
			// Data before a shell or exec request is discarded.
			continue
		}

		switch req.Request {
		case "pty-req", "window-change", "auth-agent-req@openssh.com":
			// Accepted but not acted upon; commands run without a
			// controlling terminal.
			if req.WantReply {
				ch.AckRequest(true)
			}
		case "env":
			b := ssh.NewPacketBuffer(req.Payload)
			name, value := b.String(), b.String()
			if b.Err() == nil {
				env = append(env, name+"="+value)
			}
			if req.WantReply {
				ch.AckRequest(true)
			}
		case "exec":
			b := ssh.NewPacketBuffer(req.Payload)
			command := b.String()
			if b.Err() != nil {
				if req.WantReply {
					ch.AckRequest(false)
				}
				continue
			}
			if req.WantReply {
				ch.AckRequest(true)
			}
			runCommand(ch, []string{"/bin/sh", "-c", command}, env)
			return
		case "shell":
			if req.WantReply {
				ch.AckRequest(true)
			}
			shell := os.Getenv("SHELL")
			if shell == "" {
				shell = "/bin/sh"
			}
			runCommand(ch, []string{shell}, env)
			return
		default:
			if req.WantReply {
				ch.AckRequest(false)
			}
		}
	}
}

// runCommand runs argv with the channel as stdio and reports the exit
// status back to the client.
func runCommand(ch ssh.Channel, argv []string, env []string) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = channelStream{ch}
	cmd.Stdout = channelStream{ch}
	cmd.Stderr = ch.Stderr()

	status := 0
	if err := cmd.Run(); err != nil {
		status = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
		} else {
			log.Printf("skiffd: exec %q: %v", argv, err)
			fmt.Fprintf(ch.Stderr(), "skiffd: %v\n", err)
		}
	}

	var payload [4]byte
	payload[0] = byte(status >> 24)
	payload[1] = byte(status >> 16)
	payload[2] = byte(status >> 8)
	payload[3] = byte(status)
	ch.SendRequest("exit-status", false, payload[:])
}

// handleGlobalRequest grants tcpip-forward requests by opening a local
// listener and tunneling accepted connections back to the client over
// forwarded-tcpip channels. See RFC 4254, section 7.1.
func handleGlobalRequest(conn *ssh.ServerConn, req *ssh.GlobalRequest) (bool, []byte) {
	switch req.Type {
	case "tcpip-forward":
		b := ssh.NewPacketBuffer(req.Payload)
		bindAddr := b.String()
		bindPort := b.Uint32()
		if b.Err() != nil {
			return false, nil
		}
		l, err := net.Listen("tcp", net.JoinHostPort(bindAddr, fmt.Sprint(bindPort)))
		if err != nil {
			log.Printf("skiffd: tcpip-forward listen: %v", err)
			return false, nil
		}
		port := uint32(l.Addr().(*net.TCPAddr).Port)
		log.Printf("skiffd: tcpip-forward on %s", l.Addr())
		go acceptForwarded(conn, l, bindAddr, port)

		var resp []byte
		if bindPort == 0 {
			resp = []byte{byte(port >> 24), byte(port >> 16), byte(port >> 8), byte(port)}
		}
		return true, resp
	case "cancel-tcpip-forward":
		// Listeners shut down when the connection does; per-request
		// cancellation is answered but not tracked.
		return true, nil
	}
	return false, nil
}

func acceptForwarded(conn *ssh.ServerConn, l net.Listener, bindAddr string, bindPort uint32) {
	defer l.Close()
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			laddr := &net.TCPAddr{IP: net.ParseIP(bindAddr), Port: int(bindPort)}
			if laddr.IP == nil {
				laddr.IP = net.IPv4zero
			}
			raddr, _ := c.RemoteAddr().(*net.TCPAddr)
			if raddr == nil {
				raddr = &net.TCPAddr{IP: net.IPv4zero}
			}
			ch, err := conn.OpenForwardedTCPIP(laddr, raddr)
			if err != nil {
				log.Printf("skiffd: forwarded-tcpip open: %v", err)
				c.Close()
				return
			}
			bridge(ch, c)
		}()
	}
}
