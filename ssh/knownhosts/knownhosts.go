// Package knownhosts implements a parser for the OpenSSH known_hosts
// host key database, and provides a host key callback for the ssh
// package built from it.
//
// Each line of a known_hosts file has the form
//
//	host[,host...] keytype base64-blob [comment]
//
// Hashed hostnames, markers and certificate entries are not handled;
// the policy for unknown or changed keys is left to the caller, who
// can distinguish the two cases through ErrUnknownHost and
// ErrHostChanged.
package knownhosts

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/skiffssh/skiff/ssh"
)

// ErrUnknownHost is returned by the callback when no known_hosts entry
// matches the host at all.
var ErrUnknownHost = errors.New("knownhosts: key is unknown")

// ErrHostChanged is returned by the callback when an entry exists for
// the host but its key differs from the one presented.
var ErrHostChanged = errors.New("knownhosts: host key mismatch")

type entry struct {
	hosts []string
	key   ssh.PublicKey
}

type hostKeyDB struct {
	entries []entry
}

// normalize reduces an address to the form used for matching: the bare
// host for port 22, and [host]:port otherwise.
func normalize(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host = address
		port = "22"
	}
	entry := host
	if port != "22" {
		entry = "[" + host + "]:" + port
	}
	return entry
}

func (db *hostKeyDB) read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		fields := strings.Fields(string(line))
		if len(fields) < 3 {
			return fmt.Errorf("knownhosts: line %d: expected at least 3 fields, got %d", lineNum, len(fields))
		}

		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(fields[1] + " " + fields[2]))
		if err != nil {
			return fmt.Errorf("knownhosts: line %d: %v", lineNum, err)
		}

		db.entries = append(db.entries, entry{
			hosts: strings.Split(fields[0], ","),
			key:   key,
		})
	}
	return scanner.Err()
}

// check is the HostKeyCallback the database provides.
func (db *hostKeyDB) check(address string, remote net.Addr, key ssh.PublicKey) error {
	candidates := []string{normalize(address)}
	if remote != nil && remote.String() != address {
		candidates = append(candidates, normalize(remote.String()))
	}
	// Also try the bare hostname, for entries written without ports.
	if host, _, err := net.SplitHostPort(address); err == nil {
		candidates = append(candidates, host)
	}

	keyBlob := key.Marshal()
	found := false
	for _, e := range db.entries {
		if !e.matchesAny(candidates) {
			continue
		}
		if e.key.Type() != key.Type() {
			continue
		}
		found = true
		if bytes.Equal(e.key.Marshal(), keyBlob) {
			return nil
		}
	}
	if found {
		return ErrHostChanged
	}
	return ErrUnknownHost
}

func (e *entry) matchesAny(candidates []string) bool {
	for _, h := range e.hosts {
		for _, c := range candidates {
			if h == c {
				return true
			}
		}
	}
	return false
}

// New reads a known_hosts database from r and returns a host key
// callback for use in ssh.ClientConfig.HostKeyCallback.
func New(r io.Reader) (ssh.HostKeyCallback, error) {
	db := &hostKeyDB{}
	if err := db.read(r); err != nil {
		return nil, err
	}
	return db.check, nil
}

// NewFromFile is like New but reads the database from the named file,
// typically ~/.ssh/known_hosts.
func NewFromFile(path string) (ssh.HostKeyCallback, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return New(f)
}

// Line returns a known_hosts line for the given address and key,
// suitable for appending to the database.
func Line(address string, key ssh.PublicKey) string {
	b := &bytes.Buffer{}
	b.WriteString(normalize(address))
	b.WriteByte(' ')
	b.Write(bytes.TrimSuffix(ssh.MarshalAuthorizedKey(key), []byte{'\n'}))
	return b.String()
}
