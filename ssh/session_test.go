package ssh

// Session tests.

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// exitStatusZeroHandler acks requests and sends an exit status of zero.
func exitStatusZeroHandler(ch Channel, t *testing.T) {
	defer ch.Close()
	readAckingRequests(ch, t)
	sendExitStatus(ch, 0, t)
}

// exitStatusNonZeroHandler acks requests and sends exit status 15.
func exitStatusNonZeroHandler(ch Channel, t *testing.T) {
	defer ch.Close()
	readAckingRequests(ch, t)
	sendExitStatus(ch, 15, t)
}

// exitSignalHandler sends an exit-signal instead of an exit-status.
func exitSignalHandler(ch Channel, t *testing.T) {
	defer ch.Close()
	readAckingRequests(ch, t)

	b := &PacketBuffer{}
	b.PutString("TERM")
	b.PutBool(false) // core dumped
	b.PutString("terminated")
	b.PutString("en-GB-oed")
	if err := ch.SendRequest("exit-signal", false, b.Packet()); err != nil {
		t.Errorf("unable to send exit-signal: %v", err)
	}
}

// noExitStatusHandler closes the channel without reporting a status.
func noExitStatusHandler(ch Channel, t *testing.T) {
	defer ch.Close()
	readAckingRequests(ch, t)
}

// readAckingRequests consumes channel input until EOF, acking every
// channel request.
func readAckingRequests(ch Channel, t *testing.T) {
	buf := make([]byte, 64)
	for {
		_, err := ch.Read(buf)
		if req, ok := err.(ChannelRequest); ok {
			if req.WantReply {
				ch.AckRequest(true)
			}
			continue
		}
		if err != nil {
			return
		}
	}
}

func TestSessionShell(t *testing.T) {
	conn := dial(shellHandler, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("Unable to request new session: %v", err)
	}
	defer session.Close()

	stdout := new(bytes.Buffer)
	session.Stdout = stdout
	session.Stdin = strings.NewReader("exit\n")
	if err := session.Shell(); err != nil {
		t.Fatalf("Unable to execute command: %v", err)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("Remote command did not exit cleanly: %v", err)
	}
	if got, want := stdout.String(), "$ exit\nsuccess\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSessionExitStatusNonZero(t *testing.T) {
	conn := dial(exitStatusNonZeroHandler, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("Unable to request new session: %v", err)
	}
	defer session.Close()
	if err := session.Shell(); err != nil {
		t.Fatalf("Unable to execute command: %v", err)
	}
	err = session.Wait()
	if err == nil {
		t.Fatal("expected command to fail")
	}
	e, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("expected *ExitError, got %T", err)
	}
	if e.ExitStatus() != 15 {
		t.Fatalf("expected command to exit with 15, got %v", e.ExitStatus())
	}
}

func TestSessionExitSignal(t *testing.T) {
	conn := dial(exitSignalHandler, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("Unable to request new session: %v", err)
	}
	defer session.Close()
	if err := session.Shell(); err != nil {
		t.Fatalf("Unable to execute command: %v", err)
	}
	err = session.Wait()
	e, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("expected *ExitError, got %T (%v)", err, err)
	}
	if e.Signal() != "TERM" || e.ExitStatus() != 143 {
		t.Errorf("got signal %q status %d, want TERM 143", e.Signal(), e.ExitStatus())
	}
}

func TestSessionMissingExitStatus(t *testing.T) {
	conn := dial(noExitStatusHandler, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("Unable to request new session: %v", err)
	}
	defer session.Close()
	if err := session.Shell(); err != nil {
		t.Fatalf("Unable to execute command: %v", err)
	}
	if err := session.Wait(); err == nil {
		t.Fatal("expected an error, got nil")
	}
}

func TestSessionStdoutPipe(t *testing.T) {
	conn := dial(shellHandler, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("Unable to request new session: %v", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		t.Fatalf("Unable to request StdoutPipe(): %v", err)
	}
	session.Stdin = strings.NewReader("exit\n")
	if err := session.Shell(); err != nil {
		t.Fatalf("Unable to execute command: %v", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, stdout); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if err := session.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got, want := buf.String(), "$ exit\nsuccess\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSessionCombinedOutput(t *testing.T) {
	conn := dial(func(ch Channel, t *testing.T) {
		defer ch.Close()
		readAckingRequestsUntilStart(ch, t)
		ch.Write([]byte("out"))
		ch.Stderr().Write([]byte("err"))
		sendExitStatus(ch, 0, t)
	}, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("Unable to request new session: %v", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput("whoami")
	if err != nil {
		t.Fatalf("CombinedOutput: %v", err)
	}
	got := string(out)
	if got != "outerr" && got != "errout" {
		t.Errorf("got %q, want interleaving of \"out\" and \"err\"", got)
	}
}

// readAckingRequestsUntilStart acks requests until an exec or shell
// request arrives, then returns.
func readAckingRequestsUntilStart(ch Channel, t *testing.T) {
	buf := make([]byte, 64)
	for {
		_, err := ch.Read(buf)
		if req, ok := err.(ChannelRequest); ok {
			if req.WantReply {
				ch.AckRequest(true)
			}
			if req.Request == "exec" || req.Request == "shell" {
				return
			}
			continue
		}
		if err != nil {
			return
		}
	}
}

func TestSessionSetenv(t *testing.T) {
	sawEnv := make(chan string, 2)
	conn := dial(func(ch Channel, t *testing.T) {
		defer ch.Close()
		buf := make([]byte, 64)
		for {
			_, err := ch.Read(buf)
			if req, ok := err.(ChannelRequest); ok {
				if req.Request == "env" {
					pb := NewPacketBuffer(req.Payload)
					name, value := pb.String(), pb.String()
					if pb.Err() == nil {
						sawEnv <- name + "=" + value
					}
				}
				if req.WantReply {
					ch.AckRequest(true)
				}
				if req.Request == "shell" {
					sendExitStatus(ch, 0, t)
					return
				}
				continue
			}
			if err != nil {
				return
			}
		}
	}, t)
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer session.Close()

	if err := session.Setenv("LC_COLLATE", "C"); err != nil {
		t.Fatalf("Setenv: %v", err)
	}
	if err := session.Shell(); err != nil {
		t.Fatalf("Shell: %v", err)
	}
	session.Wait()

	if got := <-sawEnv; got != "LC_COLLATE=C" {
		t.Errorf("server saw env %q, want %q", got, "LC_COLLATE=C")
	}
}
