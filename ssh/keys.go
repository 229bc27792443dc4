package ssh

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/skiffssh/skiff/ssh/internal/bcryptpbkdf"
)

// Key algorithm names for the key types this package handles.
const (
	KeyAlgoRSA      = "ssh-rsa"
	KeyAlgoED25519  = "ssh-ed25519"
	KeyAlgoECDSA256 = "ecdsa-sha2-nistp256"
	KeyAlgoECDSA384 = "ecdsa-sha2-nistp384"
	KeyAlgoECDSA521 = "ecdsa-sha2-nistp521"
)

// A PublicKey can verify signatures and render itself in SSH wire
// form.
type PublicKey interface {
	// Type names the key's algorithm, e.g. "ssh-ed25519".
	Type() string

	// Marshal renders the key in RFC 4253 section 6.6 wire form,
	// algorithm name included.
	Marshal() []byte

	// Verify checks sig over data, hashing data as the algorithm
	// demands.
	Verify(data []byte, sig *Signature) error
}

// A Signer holds a private key and produces signatures that its
// PublicKey verifies.
type Signer interface {
	PublicKey() PublicKey

	// Sign hashes and signs data with the key's algorithm.
	Sign(rand io.Reader, data []byte) (*Signature, error)
}

// Signature pairs an algorithm name with its raw signature octets.
type Signature struct {
	Format string
	Blob   []byte
}

// wire renders the signature per RFC 4253 section 6.6.
func (sig *Signature) wire() []byte {
	b := &PacketBuffer{}
	b.PutString(sig.Format)
	b.PutBytes(sig.Blob)
	return b.Packet()
}

// decodeSignature parses the RFC 4253 section 6.6 signature encoding.
func decodeSignature(p []byte) (*Signature, error) {
	b := NewPacketBuffer(p)
	sig := &Signature{Format: b.String()}
	sig.Blob = b.Bytes()
	if b.Err() != nil || !b.Empty() {
		return nil, ProtocolError("malformed signature")
	}
	return sig, nil
}

// ParsePublicKey decodes a public key from RFC 4253 section 6.6 wire
// form.
func ParsePublicKey(blob []byte) (PublicKey, error) {
	b := NewPacketBuffer(blob)
	algo := b.String()
	if b.Err() != nil {
		return nil, b.Err()
	}
	key, err := decodeKeyBody(algo, b)
	if err != nil {
		return nil, err
	}
	if b.Err() != nil || !b.Empty() {
		return nil, ProtocolError("trailing bytes after public key")
	}
	return key, nil
}

// decodeKeyBody reads the algorithm-specific portion of a public key.
func decodeKeyBody(algo string, b *PacketBuffer) (PublicKey, error) {
	switch algo {
	case KeyAlgoRSA:
		e := b.Mpint()
		n := b.Mpint()
		if b.Err() != nil {
			return nil, b.Err()
		}
		if e.BitLen() > 24 {
			return nil, errors.New("ssh: RSA exponent too large")
		}
		exp := e.Int64()
		if exp < 3 || exp&1 == 0 {
			return nil, errors.New("ssh: unacceptable RSA exponent")
		}
		return &rsaKey{rsa.PublicKey{N: n, E: int(exp)}}, nil

	case KeyAlgoED25519:
		raw := b.Bytes()
		if b.Err() != nil {
			return nil, b.Err()
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, errors.New("ssh: ed25519 public key has wrong size")
		}
		pk := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(pk, raw)
		return edKey{pk}, nil

	case KeyAlgoECDSA256, KeyAlgoECDSA384, KeyAlgoECDSA521:
		curveName := b.String()
		point := b.Bytes()
		if b.Err() != nil {
			return nil, b.Err()
		}
		curve := curveByName(curveName)
		if curve == nil || algo != "ecdsa-sha2-"+curveName {
			return nil, errors.New("ssh: ECDSA curve and algorithm disagree")
		}
		x, y := elliptic.Unmarshal(curve, point)
		if x == nil {
			return nil, errors.New("ssh: invalid ECDSA point")
		}
		return &ecdsaKey{ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
	}
	return nil, fmt.Errorf("ssh: unsupported key algorithm %q", algo)
}

func curveByName(name string) elliptic.Curve {
	switch name {
	case "nistp256":
		return elliptic.P256()
	case "nistp384":
		return elliptic.P384()
	case "nistp521":
		return elliptic.P521()
	}
	return nil
}

// curveNickname is the SSH name fragment for a NIST curve, or empty
// for curves this package does not handle.
func curveNickname(c elliptic.Curve) string {
	switch c.Params().BitSize {
	case 256:
		return "nistp256"
	case 384:
		return "nistp384"
	case 521:
		return "nistp521"
	}
	return ""
}

// ---- RSA ----

type rsaKey struct {
	pub rsa.PublicKey
}

func (k *rsaKey) Type() string { return KeyAlgoRSA }

func (k *rsaKey) Marshal() []byte {
	b := &PacketBuffer{}
	b.PutString(KeyAlgoRSA)
	b.PutMpint(big.NewInt(int64(k.pub.E)))
	b.PutMpint(k.pub.N)
	return b.Packet()
}

func (k *rsaKey) Verify(data []byte, sig *Signature) error {
	if sig.Format != KeyAlgoRSA {
		return fmt.Errorf("ssh: %s signature offered for %s key", sig.Format, k.Type())
	}
	sum := crypto.SHA1.New()
	sum.Write(data)
	return rsa.VerifyPKCS1v15(&k.pub, crypto.SHA1, sum.Sum(nil), sig.Blob)
}

type rsaSigner struct {
	priv *rsa.PrivateKey
}

func (s *rsaSigner) PublicKey() PublicKey {
	return &rsaKey{s.priv.PublicKey}
}

func (s *rsaSigner) Sign(rnd io.Reader, data []byte) (*Signature, error) {
	sum := crypto.SHA1.New()
	sum.Write(data)
	blob, err := rsa.SignPKCS1v15(rnd, s.priv, crypto.SHA1, sum.Sum(nil))
	if err != nil {
		return nil, err
	}
	return &Signature{Format: KeyAlgoRSA, Blob: blob}, nil
}

// ---- Ed25519 ----

type edKey struct {
	pub ed25519.PublicKey
}

func (k edKey) Type() string { return KeyAlgoED25519 }

func (k edKey) Marshal() []byte {
	b := &PacketBuffer{}
	b.PutString(KeyAlgoED25519)
	b.PutBytes(k.pub)
	return b.Packet()
}

func (k edKey) Verify(data []byte, sig *Signature) error {
	if sig.Format != KeyAlgoED25519 {
		return fmt.Errorf("ssh: %s signature offered for %s key", sig.Format, k.Type())
	}
	if !ed25519.Verify(k.pub, data, sig.Blob) {
		return errors.New("ssh: ed25519 signature does not verify")
	}
	return nil
}

type edSigner struct {
	priv ed25519.PrivateKey
}

func (s edSigner) PublicKey() PublicKey {
	return edKey{s.priv.Public().(ed25519.PublicKey)}
}

func (s edSigner) Sign(rnd io.Reader, data []byte) (*Signature, error) {
	return &Signature{Format: KeyAlgoED25519, Blob: ed25519.Sign(s.priv, data)}, nil
}

// ---- ECDSA ----

type ecdsaKey struct {
	pub ecdsa.PublicKey
}

func (k *ecdsaKey) Type() string {
	return "ecdsa-sha2-" + curveNickname(k.pub.Curve)
}

// digest picks the hash matching the curve, RFC 5656 section 6.2.1.
func (k *ecdsaKey) digest() crypto.Hash {
	switch k.pub.Curve.Params().BitSize {
	case 256:
		return crypto.SHA256
	case 384:
		return crypto.SHA384
	}
	return crypto.SHA512
}

func (k *ecdsaKey) Marshal() []byte {
	b := &PacketBuffer{}
	b.PutString(k.Type())
	b.PutString(curveNickname(k.pub.Curve))
	b.PutBytes(elliptic.Marshal(k.pub.Curve, k.pub.X, k.pub.Y))
	return b.Packet()
}

func (k *ecdsaKey) Verify(data []byte, sig *Signature) error {
	if sig.Format != k.Type() {
		return fmt.Errorf("ssh: %s signature offered for %s key", sig.Format, k.Type())
	}
	sum := k.digest().New()
	sum.Write(data)

	// The blob is two mpints r, s. RFC 5656 section 3.1.2.
	b := NewPacketBuffer(sig.Blob)
	r := b.Mpint()
	s := b.Mpint()
	if b.Err() != nil || !b.Empty() {
		return ProtocolError("malformed ECDSA signature")
	}
	if !ecdsa.Verify(&k.pub, sum.Sum(nil), r, s) {
		return errors.New("ssh: ECDSA signature does not verify")
	}
	return nil
}

type ecdsaSigner struct {
	priv *ecdsa.PrivateKey
}

func (s *ecdsaSigner) PublicKey() PublicKey {
	return &ecdsaKey{s.priv.PublicKey}
}

func (s *ecdsaSigner) Sign(rnd io.Reader, data []byte) (*Signature, error) {
	pub := &ecdsaKey{s.priv.PublicKey}
	sum := pub.digest().New()
	sum.Write(data)
	r, sv, err := ecdsa.Sign(rnd, s.priv, sum.Sum(nil))
	if err != nil {
		return nil, err
	}
	b := &PacketBuffer{}
	b.PutMpint(r)
	b.PutMpint(sv)
	return &Signature{Format: pub.Type(), Blob: b.Packet()}, nil
}

// NewSignerFromKey wraps an *rsa.PrivateKey, *ecdsa.PrivateKey or
// ed25519.PrivateKey as a Signer.
func NewSignerFromKey(key interface{}) (Signer, error) {
	switch key := key.(type) {
	case *rsa.PrivateKey:
		return &rsaSigner{key}, nil
	case *ecdsa.PrivateKey:
		if curveNickname(key.Curve) == "" {
			return nil, errors.New("ssh: only the NIST P curves are supported")
		}
		return &ecdsaSigner{key}, nil
	case ed25519.PrivateKey:
		return edSigner{key}, nil
	case *ed25519.PrivateKey:
		return edSigner{*key}, nil
	}
	return nil, fmt.Errorf("ssh: unsupported private key type %T", key)
}

// NewPublicKey wraps an *rsa.PublicKey, *ecdsa.PublicKey or
// ed25519.PublicKey as a PublicKey.
func NewPublicKey(key interface{}) (PublicKey, error) {
	switch key := key.(type) {
	case *rsa.PublicKey:
		return &rsaKey{*key}, nil
	case *ecdsa.PublicKey:
		if curveNickname(key.Curve) == "" {
			return nil, errors.New("ssh: only the NIST P curves are supported")
		}
		return &ecdsaKey{*key}, nil
	case ed25519.PublicKey:
		return edKey{key}, nil
	}
	return nil, fmt.Errorf("ssh: unsupported public key type %T", key)
}

// FingerprintSHA256 renders the OpenSSH-style fingerprint of a key:
// unpadded base64 of the SHA-256 of the wire encoding.
func FingerprintSHA256(key PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// MarshalAuthorizedKey renders key as one authorized_keys line,
// newline included.
func MarshalAuthorizedKey(key PublicKey) []byte {
	var out bytes.Buffer
	out.WriteString(key.Type())
	out.WriteByte(' ')
	out.WriteString(base64.StdEncoding.EncodeToString(key.Marshal()))
	out.WriteByte('\n')
	return out.Bytes()
}

// ParseAuthorizedKey reads the first key from authorized_keys data,
// skipping blank lines and comments and tolerating a leading options
// field. It returns the key, its trailing comment, any options, and
// the remainder of the input.
func ParseAuthorizedKey(in []byte) (key PublicKey, comment string, options []string, rest []byte, err error) {
	for len(in) > 0 {
		var line []byte
		if i := bytes.IndexByte(in, '\n'); i >= 0 {
			line, rest = in[:i], in[i+1:]
		} else {
			line, rest = in, nil
		}
		in = rest

		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		key, comment, options, err = parseKeyLine(line)
		if err == nil {
			return key, comment, options, rest, nil
		}
	}
	return nil, "", nil, nil, errors.New("ssh: no key found")
}

// parseKeyLine decodes one authorized_keys line of the form
// [options] keytype base64-blob [comment].
func parseKeyLine(line []byte) (PublicKey, string, []string, error) {
	fields := splitKeyFields(string(line))
	for skip := 0; skip < 2 && skip < len(fields)-1; skip++ {
		blob, err := base64.StdEncoding.DecodeString(fields[skip+1])
		if err != nil {
			continue
		}
		key, err := ParsePublicKey(blob)
		if err != nil || key.Type() != fields[skip] {
			continue
		}
		comment := strings.Join(fields[skip+2:], " ")
		var options []string
		if skip == 1 {
			options = splitOptions(fields[0])
		}
		return key, comment, options, nil
	}
	return nil, "", nil, errors.New("ssh: not a key line")
}

// splitKeyFields splits on blanks but keeps double-quoted spans (as in
// command="..." options) together.
func splitKeyFields(s string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && (i == 0 || s[i-1] != '\\'):
			inQuote = !inQuote
			cur.WriteByte(c)
		case (c == ' ' || c == '\t') && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

// splitOptions splits a comma-separated options field, honoring
// quotes.
func splitOptions(s string) []string {
	var options []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && (i == 0 || s[i-1] != '\\'):
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			options = append(options, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		options = append(options, cur.String())
	}
	return options
}

// PassphraseMissingError means the private key is encrypted and no
// (or the wrong kind of) passphrase was supplied.
type PassphraseMissingError struct{}

func (*PassphraseMissingError) Error() string {
	return "ssh: this private key is passphrase protected"
}

// ParsePrivateKey loads an unencrypted private key from PEM data. The
// legacy "RSA PRIVATE KEY" PKCS#1 form and the "OPENSSH PRIVATE KEY"
// container are understood.
func ParsePrivateKey(pemData []byte) (Signer, error) {
	return parsePEMKey(pemData, nil)
}

// ParsePrivateKeyWithPassphrase loads a private key, decrypting the
// OpenSSH container with the given passphrase when necessary.
func ParsePrivateKeyWithPassphrase(pemData, passphrase []byte) (Signer, error) {
	return parsePEMKey(pemData, passphrase)
}

func parsePEMKey(pemData, passphrase []byte) (Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("ssh: no PEM block found")
	}
	if len(block.Headers) > 0 {
		// RFC 1421 headers signal legacy PEM encryption, which this
		// loader does not speak.
		return nil, fmt.Errorf("ssh: unsupported PEM header in %q block", block.Type)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		return &rsaSigner{key}, nil
	case "OPENSSH PRIVATE KEY":
		raw, err := decodeOpenSSHKey(block.Bytes, passphrase)
		if err != nil {
			return nil, err
		}
		return NewSignerFromKey(raw)
	}
	return nil, fmt.Errorf("ssh: unsupported PEM block %q", block.Type)
}

// MarshalPrivateKey renders an RSA key in the legacy PKCS#1 PEM form.
func MarshalPrivateKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

const opensshKeyMagic = "openssh-key-v1\x00"

// decodeOpenSSHKey unpacks the openssh-key-v1 container: magic,
// cipher and KDF names, KDF options, the public keys, and a private
// section that may be bcrypt/AES-256-CBC encrypted. See OpenSSH's
// PROTOCOL.key.
func decodeOpenSSHKey(data, passphrase []byte) (interface{}, error) {
	if !bytes.HasPrefix(data, []byte(opensshKeyMagic)) {
		return nil, errors.New("ssh: not an openssh-key-v1 container")
	}
	b := NewPacketBuffer(data[len(opensshKeyMagic):])
	cipherName := b.String()
	kdfName := b.String()
	kdfOpts := b.Bytes()
	numKeys := b.Uint32()
	b.Bytes() // public key blob; the private section repeats it
	section := b.Bytes()
	if b.Err() != nil {
		return nil, b.Err()
	}
	if numKeys != 1 {
		// Like OpenSSH itself, we only handle single-key files.
		return nil, errors.New("ssh: container holds more than one key")
	}

	switch {
	case cipherName == "none" && kdfName == "none":
		if len(passphrase) > 0 {
			return nil, errors.New("ssh: key is not passphrase protected")
		}
	case cipherName == "aes256-cbc" && kdfName == "bcrypt":
		if len(passphrase) == 0 {
			return nil, &PassphraseMissingError{}
		}
		kb := NewPacketBuffer(kdfOpts)
		salt := kb.Bytes()
		rounds := kb.Uint32()
		if kb.Err() != nil {
			return nil, kb.Err()
		}
		derived, err := bcryptpbkdf.Key(passphrase, salt, int(rounds), 32+aes.BlockSize)
		if err != nil {
			return nil, err
		}
		blk, err := aes.NewCipher(derived[:32])
		if err != nil {
			return nil, err
		}
		if len(section)%aes.BlockSize != 0 {
			return nil, errors.New("ssh: encrypted key section is not block aligned")
		}
		plain := make([]byte, len(section))
		cipher.NewCBCDecrypter(blk, derived[32:]).CryptBlocks(plain, section)
		section = plain
	default:
		return nil, fmt.Errorf("ssh: unsupported key protection %s/%s", cipherName, kdfName)
	}

	s := NewPacketBuffer(section)
	check1 := s.Uint32()
	check2 := s.Uint32()
	keyType := s.String()
	if s.Err() != nil || check1 != check2 {
		if cipherName != "none" {
			return nil, errors.New("ssh: wrong passphrase")
		}
		return nil, errors.New("ssh: corrupt key container")
	}

	switch keyType {
	case KeyAlgoRSA:
		n := s.Mpint()
		e := s.Mpint()
		d := s.Mpint()
		s.Mpint() // iqmp; recomputed below
		p := s.Mpint()
		q := s.Mpint()
		_ = s.String() // comment
		if err := finishSection(s); err != nil {
			return nil, err
		}
		key := &rsa.PrivateKey{
			PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
			D:         d,
			Primes:    []*big.Int{p, q},
		}
		if err := key.Validate(); err != nil {
			return nil, err
		}
		key.Precompute()
		return key, nil

	case KeyAlgoED25519:
		s.Bytes() // public half, embedded in the private scalar too
		priv := s.Bytes()
		_ = s.String() // comment
		if err := finishSection(s); err != nil {
			return nil, err
		}
		if len(priv) != ed25519.PrivateKeySize {
			return nil, errors.New("ssh: ed25519 private key has wrong size")
		}
		out := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
		copy(out, priv)
		return out, nil

	case KeyAlgoECDSA256, KeyAlgoECDSA384, KeyAlgoECDSA521:
		curveName := s.String()
		point := s.Bytes()
		d := s.Mpint()
		_ = s.String() // comment
		if err := finishSection(s); err != nil {
			return nil, err
		}
		curve := curveByName(curveName)
		if curve == nil {
			return nil, errors.New("ssh: unsupported ECDSA curve " + curveName)
		}
		x, y := elliptic.Unmarshal(curve, point)
		if x == nil {
			return nil, errors.New("ssh: invalid ECDSA point in key")
		}
		if d.Cmp(curve.Params().N) >= 0 {
			return nil, errors.New("ssh: ECDSA scalar out of range")
		}
		// The embedded public point must belong to the scalar.
		gx, gy := curve.ScalarBaseMult(d.Bytes())
		if gx.Cmp(x) != 0 || gy.Cmp(y) != 0 {
			return nil, errors.New("ssh: ECDSA key halves disagree")
		}
		return &ecdsa.PrivateKey{
			PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
			D:         d,
		}, nil
	}
	return nil, fmt.Errorf("ssh: unsupported key type %q in container", keyType)
}

// finishSection checks the deterministic 1, 2, 3... padding that ends
// the private section.
func finishSection(s *PacketBuffer) error {
	pad := s.Rest()
	if s.Err() != nil {
		return s.Err()
	}
	for i, c := range pad {
		if int(c) != i+1 {
			return errors.New("ssh: bad private section padding")
		}
	}
	return nil
}
