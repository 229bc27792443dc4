// The skiff command is an SSH client. It runs a remote command or an
// interactive shell, and can forward TCP ports in both directions.
//
// Usage:
//
//	skiff [-l user] [-i identity] [-A] [-L spec] [-R spec] [-p port] host[:port] [command...]
//
// Forward specs take the OpenSSH form [bind:]port:host:hostport.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/skiffssh/skiff/ssh"
	"github.com/skiffssh/skiff/ssh/knownhosts"
)

var (
	loginName    = flag.String("l", "", "login user name")
	identityFile = flag.String("i", "", "identity (private key) file")
	forwardAgent = flag.Bool("A", false, "enable authentication agent forwarding")
	localSpec    = flag.String("L", "", "local forward spec [bind:]port:host:hostport")
	remoteSpec   = flag.String("R", "", "remote forward spec [bind:]port:host:hostport")
	port         = flag.Int("p", 22, "port to connect to")
	debug        = flag.Bool("debug", false, "enable debug logging")
	trace        = flag.Bool("trace", false, "enable protocol tracing")
)

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: skiff [options] host[:port] [command...]")
		flag.PrintDefaults()
		os.Exit(255)
	}
	if !*debug && !*trace {
		log.SetOutput(io.Discard)
	}

	addr := flag.Arg(0)
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, *port)
	}
	command := strings.Join(flag.Args()[1:], " ")

	os.Exit(run(addr, command))
}

func run(addr, command string) int {
	config := &ssh.ClientConfig{
		User:            userName(),
		HostKeyCallback: hostKeyCheck(),
	}

	keyring := ssh.NewKeyring()
	if *identityFile != "" {
		signer, err := loadIdentity(*identityFile)
		if err != nil {
			log.Printf("skiff: cannot load identity: %v", err)
			fmt.Fprintf(os.Stderr, "skiff: %v\n", err)
			return 255
		}
		keyring.Add(signer, *identityFile)
		config.Auth = append(config.Auth, ssh.ClientAuthKeyring(keyring))
	}
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if agentConn, err := net.Dial("unix", sock); err == nil {
			defer agentConn.Close()
			config.Auth = append(config.Auth, ssh.ClientAuthAgent(&ssh.AgentClient{ReadWriter: agentConn}))
		}
	}
	config.Auth = append(config.Auth, ssh.ClientAuthPassword(promptPassword{config.User}))

	if *forwardAgent {
		config.Agent = keyring
	}

	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiff: connect %s: %v\n", addr, err)
		return 255
	}
	defer conn.Close()
	log.Printf("skiff: connected to %s", addr)

	if *localSpec != "" {
		go localForward(conn, *localSpec)
	}
	if *remoteSpec != "" {
		go remoteForward(conn, *remoteSpec)
	}

	session, err := conn.NewSession()
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiff: session: %v\n", err)
		return 255
	}
	defer session.Close()

	if *forwardAgent {
		if err := session.RequestAgentForwarding(); err != nil {
			log.Printf("skiff: agent forwarding refused: %v", err)
		}
	}

	session.Stdin = os.Stdin
	session.Stdout = os.Stdout
	session.Stderr = os.Stderr

	if command != "" {
		err = session.Run(command)
	} else {
		err = runShell(session)
	}
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	fmt.Fprintf(os.Stderr, "skiff: %v\n", err)
	return 255
}

func runShell(session *ssh.Session) error {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, oldState)

		w, h, err := term.GetSize(fd)
		if err != nil {
			w, h = 80, 24
		}
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty(os.Getenv("TERM"), h, w, modes); err != nil {
			return err
		}
	}
	if err := session.Shell(); err != nil {
		return err
	}
	return session.Wait()
}

func userName() string {
	if *loginName != "" {
		return *loginName
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func loadIdentity(path string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "Enter passphrase for key %q: ", path)
	passphrase, perr := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if perr != nil {
		return nil, perr
	}
	return ssh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
}

// promptPassword asks for the user's password on the terminal.
type promptPassword struct {
	user string
}

func (p promptPassword) Password(user string) (string, error) {
	if user == "" {
		user = p.user
	}
	fmt.Fprintf(os.Stderr, "%s's password: ", user)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	return string(pw), err
}

func hostKeyCheck() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if cb, err := knownhosts.NewFromFile(path); err == nil {
			return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
				err := cb(hostname, remote, key)
				switch err {
				case knownhosts.ErrUnknownHost:
					fmt.Fprintf(os.Stderr, "skiff: warning: unknown host %s, fingerprint %s\n",
						hostname, ssh.FingerprintSHA256(key))
					fmt.Fprintf(os.Stderr, "skiff: add to known_hosts: %s\n", knownhosts.Line(hostname, key))
					return nil
				case knownhosts.ErrHostChanged:
					fmt.Fprintf(os.Stderr, "skiff: HOST KEY FOR %s HAS CHANGED, refusing to connect\n", hostname)
				}
				return err
			}
		}
	}
	fmt.Fprintln(os.Stderr, "skiff: warning: no known_hosts file, accepting any host key")
	return ssh.InsecureIgnoreHostKey()
}

// parseForwardSpec splits [bind:]port:host:hostport into a listen
// address and a destination address.
func parseForwardSpec(spec string) (listen, dest string, err error) {
	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 3:
		return net.JoinHostPort("127.0.0.1", parts[0]), net.JoinHostPort(parts[1], parts[2]), nil
	case 4:
		return net.JoinHostPort(parts[0], parts[1]), net.JoinHostPort(parts[2], parts[3]), nil
	}
	return "", "", fmt.Errorf("bad forward spec %q", spec)
}

// localForward listens locally and tunnels accepted connections to the
// destination through the SSH connection.
func localForward(conn *ssh.ClientConn, spec string) {
	listen, dest, err := parseForwardSpec(spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiff: -L: %v\n", err)
		return
	}
	l, err := net.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiff: -L: %v\n", err)
		return
	}
	defer l.Close()
	log.Printf("skiff: forwarding %s -> %s", listen, dest)
	for {
		local, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			remote, err := conn.Dial("tcp", dest)
			if err != nil {
				log.Printf("skiff: -L dial %s: %v", dest, err)
				local.Close()
				return
			}
			bridge(local, remote)
		}()
	}
}

// remoteForward asks the server to listen and tunnels accepted
// connections back to the local destination.
func remoteForward(conn *ssh.ClientConn, spec string) {
	listen, dest, err := parseForwardSpec(spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiff: -R: %v\n", err)
		return
	}
	l, err := conn.Listen("tcp", listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "skiff: -R listen: %v\n", err)
		return
	}
	defer l.Close()
	log.Printf("skiff: remote %s -> local %s", listen, dest)
	for {
		remote, err := l.Accept()
		if err != nil {
			return
		}
		go func() {
			local, err := net.Dial("tcp", dest)
			if err != nil {
				log.Printf("skiff: -R dial %s: %v", dest, err)
				remote.Close()
				return
			}
			bridge(local, remote)
		}()
	}
}

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
