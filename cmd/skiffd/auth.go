package main

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/msteinert/pam/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/skiffssh/skiff/ssh"
)

// setupAuth wires the configured authentication backends into the
// server config. At least one backend must be configured.
func setupAuth(config *ssh.ServerConfig) error {
	n := 0
	if *usersFile != "" {
		db, err := loadUserDB(*usersFile)
		if err != nil {
			return err
		}
		config.PasswordCallback = func(conn *ssh.ServerConn, user, password string) bool {
			ok := db.check(user, password)
			log.Printf("skiffd: password auth for %q: %v", user, ok)
			return ok
		}
		n++
	} else if *pamService != "" {
		service := *pamService
		config.PasswordCallback = func(conn *ssh.ServerConn, user, password string) bool {
			ok := pamAuth(service, user, password)
			log.Printf("skiffd: pam auth for %q: %v", user, ok)
			return ok
		}
		n++
	}

	if *authorized != "" {
		keys, err := loadAuthorizedKeys(*authorized)
		if err != nil {
			return err
		}
		config.PublicKeyCallback = func(conn *ssh.ServerConn, user, algo string, pubkey []byte) bool {
			ok := keys[string(pubkey)]
			log.Printf("skiffd: publickey auth for %q (%s): %v", user, algo, ok)
			return ok
		}
		n++
	}

	if n == 0 {
		return errors.New("no authentication configured; use -users, -pam or -authorized")
	}
	return nil
}

// userDB holds user names and bcrypt password hashes loaded from the
// -users file, one "user:hash" pair per line.
type userDB struct {
	mu     sync.Mutex
	hashes map[string]string
}

func loadUserDB(path string) (*userDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	db := &userDB{hashes: make(map[string]string)}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		user, hash, ok := strings.Cut(text, ":")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected user:hash", path, line)
		}
		db.hashes[user] = hash
	}
	return db, scanner.Err()
}

func (db *userDB) check(user, password string) bool {
	db.mu.Lock()
	hash, ok := db.hashes[user]
	db.mu.Unlock()
	if !ok {
		// Burn a comparison so unknown users take as long as bad
		// passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// pamAuth authenticates user/password against the given PAM service.
func pamAuth(service, user, password string) bool {
	tx, err := pam.StartFunc(service, user, func(s pam.Style, msg string) (string, error) {
		switch s {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return password, nil
		}
		return "", nil
	})
	if err != nil {
		log.Printf("skiffd: pam start: %v", err)
		return false
	}
	defer tx.End()
	return tx.Authenticate(0) == nil
}

// loadAuthorizedKeys reads an authorized_keys file into a set keyed by
// the wire encoding of each public key.
func loadAuthorizedKeys(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool)
	for len(data) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", path, err)
		}
		keys[string(key.Marshal())] = true
		data = rest
	}
	return keys, nil
}
