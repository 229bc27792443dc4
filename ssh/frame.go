package ssh

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"hash"
	"io"
	"strings"
)

// This file is the binary packet layer of RFC 4253, section 6: length
// and padding framing, encryption, MAC and sequence numbering. One
// frameReader/frameWriter pair serves a connection; the cipher state
// they hold is swapped out at each SSH_MSG_NEWKEYS.

// maxPacketLength bounds the packet_length field of an incoming
// frame. RFC 4253, section 6.1 obliges us to handle 35000 byte
// packets; larger ones are treated as an attack on memory.
const maxPacketLength = 35000

// minPadding is the smallest legal padding length, RFC 4253 section 6.
const minPadding = 4

// A blockCryptor applies one direction of a negotiated cipher to a
// span of bytes. blockLen is the alignment the packet length must
// satisfy for this cipher.
type blockCryptor interface {
	transform(dst, src []byte)
	blockLen() int
}

// plainText is the cipher in force before the first NEWKEYS: no
// encryption and eight byte alignment.
type plainText struct{}

func (plainText) transform(dst, src []byte) { copy(dst, src) }
func (plainText) blockLen() int             { return 8 }

type ctrCryptor struct {
	stream cipher.Stream
}

func (c ctrCryptor) transform(dst, src []byte) { c.stream.XORKeyStream(dst, src) }
func (c ctrCryptor) blockLen() int             { return aes.BlockSize }

type cbcCryptor struct {
	mode cipher.BlockMode
}

func (c cbcCryptor) transform(dst, src []byte) { c.mode.CryptBlocks(dst, src) }
func (c cbcCryptor) blockLen() int             { return c.mode.BlockSize() }

// cipherSpec describes one entry of the cipher registry: key and IV
// sizes plus a constructor for each direction.
type cipherSpec struct {
	keyLen int
	ivLen  int
	build  func(key, iv []byte, encrypt bool) (blockCryptor, error)
}

func buildAESCTR(key, iv []byte, encrypt bool) (blockCryptor, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return ctrCryptor{cipher.NewCTR(blk, iv)}, nil
}

func buildAESCBC(key, iv []byte, encrypt bool) (blockCryptor, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cbcCryptor{cipher.NewCBCEncrypter(blk, iv)}, nil
	}
	return cbcCryptor{cipher.NewCBCDecrypter(blk, iv)}, nil
}

// cipherTable enumerates the ciphers this package negotiates. CBC is
// listed for interoperability; CTR sorts first in the preference
// order.
var cipherTable = map[string]*cipherSpec{
	"aes128-ctr": {keyLen: 16, ivLen: aes.BlockSize, build: buildAESCTR},
	"aes256-ctr": {keyLen: 32, ivLen: aes.BlockSize, build: buildAESCTR},
	"aes128-cbc": {keyLen: 16, ivLen: aes.BlockSize, build: buildAESCBC},
	"aes256-cbc": {keyLen: 32, ivLen: aes.BlockSize, build: buildAESCBC},
}

// macSpec describes one entry of the MAC registry.
type macSpec struct {
	keyLen int
	make   func(key []byte) hash.Hash
}

var macTable = map[string]*macSpec{
	"hmac-sha2-256": {32, func(key []byte) hash.Hash { return hmac.New(sha256.New, key) }},
	"hmac-sha2-512": {64, func(key []byte) hash.Hash { return hmac.New(sha512.New, key) }},
	"hmac-sha1":     {20, func(key []byte) hash.Hash { return hmac.New(sha1.New, key) }},
}

// cipherState is one direction's cipher context: the cipher, its MAC,
// and the 32-bit packet counter. The counter wraps and is never reset,
// not even by a key change.
type cipherState struct {
	crypt  blockCryptor
	mac    hash.Hash // nil before the first NEWKEYS
	seq    uint32
	macSum []byte
}

func newPlainState() *cipherState {
	return &cipherState{crypt: plainText{}}
}

func (s *cipherState) macLen() int {
	if s.mac == nil {
		return 0
	}
	return s.mac.Size()
}

// sumMAC computes the integrity tag over the sequence number and the
// unencrypted frame. RFC 4253, section 6.4.
func (s *cipherState) sumMAC(frame []byte) []byte {
	s.mac.Reset()
	var seq [4]byte
	seq[0] = byte(s.seq >> 24)
	seq[1] = byte(s.seq >> 16)
	seq[2] = byte(s.seq >> 8)
	seq[3] = byte(s.seq)
	s.mac.Write(seq[:])
	s.mac.Write(frame)
	s.macSum = s.mac.Sum(s.macSum[:0])
	return s.macSum
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// alignOf returns the padding alignment for a cipher: its block
// length, but no less than eight. RFC 4253, section 6.
func alignOf(c blockCryptor) int {
	if bl := c.blockLen(); bl > 8 {
		return bl
	}
	return 8
}

// frameReader decrypts and authenticates incoming frames.
type frameReader struct {
	src   *bufio.Reader
	state *cipherState
	buf   []byte
}

func (r *frameReader) setState(s *cipherState) {
	s.seq = r.state.seq
	r.state = s
}

// readFrame pulls one binary packet off the wire and returns its
// payload. The cipher's first block is decrypted alone to learn the
// packet length, then the remainder, then the MAC is checked in
// constant time.
func (r *frameReader) readFrame() ([]byte, error) {
	st := r.state
	align := alignOf(st.crypt)

	head := roundUp(5, align)
	if cap(r.buf) < head {
		r.buf = make([]byte, head, 2*head)
	}
	first := r.buf[:head]
	if _, err := io.ReadFull(r.src, first); err != nil {
		return nil, err
	}
	st.crypt.transform(first, first)

	length := uint32(first[0])<<24 | uint32(first[1])<<16 | uint32(first[2])<<8 | uint32(first[3])
	padding := uint32(first[4])

	switch {
	case length > maxPacketLength:
		return nil, ProtocolError("packet too large")
	case padding < minPadding:
		return nil, ProtocolError("padding too short")
	case length < padding+2:
		return nil, ProtocolError("packet too short")
	case (length+4)%uint32(align) != 0:
		return nil, ProtocolError("packet length not block aligned")
	}

	total := int(4 + length)
	macLen := st.macLen()
	if cap(r.buf) < total+macLen {
		grown := make([]byte, total+macLen)
		copy(grown, first)
		r.buf = grown
	}
	frame := r.buf[:total]
	if _, err := io.ReadFull(r.src, frame[head:]); err != nil {
		return nil, err
	}
	st.crypt.transform(frame[head:], frame[head:])

	if macLen > 0 {
		tag := r.buf[total : total+macLen]
		if _, err := io.ReadFull(r.src, tag); err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(st.sumMAC(frame), tag) != 1 {
			return nil, ProtocolError("MAC verification failed")
		}
	}
	st.seq++

	payload := make([]byte, length-padding-1)
	copy(payload, frame[5:])
	if len(payload) == 0 {
		return nil, ProtocolError("empty packet")
	}
	return payload, nil
}

// frameWriter encrypts and authenticates outgoing frames.
type frameWriter struct {
	dst   *bufio.Writer
	state *cipherState
	rnd   io.Reader
	buf   []byte
}

func (w *frameWriter) setState(s *cipherState) {
	s.seq = w.state.seq
	w.state = s
}

// writeFrame frames, MACs, encrypts and flushes one payload.
func (w *frameWriter) writeFrame(payload []byte) error {
	st := w.state
	align := alignOf(st.crypt)

	if len(payload) > maxPacketLength-align-5 {
		return ProtocolError("payload too large to frame")
	}

	// Total encrypted length must be a block multiple with at least
	// minPadding random bytes of padding.
	total := roundUp(5+len(payload)+minPadding, align)
	padding := total - 5 - len(payload)
	length := total - 4

	if cap(w.buf) < total {
		w.buf = make([]byte, total)
	}
	frame := w.buf[:total]
	frame[0] = byte(length >> 24)
	frame[1] = byte(length >> 16)
	frame[2] = byte(length >> 8)
	frame[3] = byte(length)
	frame[4] = byte(padding)
	copy(frame[5:], payload)
	if _, err := io.ReadFull(w.rnd, frame[5+len(payload):]); err != nil {
		return err
	}

	var tag []byte
	if st.mac != nil {
		tag = st.sumMAC(frame)
	}
	st.crypt.transform(frame, frame)

	if _, err := w.dst.Write(frame); err != nil {
		return err
	}
	if tag != nil {
		if _, err := w.dst.Write(tag); err != nil {
			return err
		}
	}
	if err := w.dst.Flush(); err != nil {
		return err
	}
	st.seq++
	return nil
}

// deriveKeyMaterial produces n bytes of key material from a key
// exchange, per RFC 4253 section 7.2: K1 = HASH(K || H || tag ||
// session_id), Kn+1 = HASH(K || H || K1..Kn). encodedK is the shared
// secret already in mpint encoding.
func deriveKeyMaterial(tag byte, n int, o *kexOutcome) []byte {
	out := make([]byte, 0, n)
	h := o.hash.New()
	for len(out) < n {
		h.Reset()
		h.Write(o.encodedK)
		h.Write(o.exchHash)
		if len(out) == 0 {
			h.Write([]byte{tag})
			h.Write(o.sessionID)
		} else {
			h.Write(out)
		}
		out = h.Sum(out)
	}
	return out[:n]
}

// keyTags holds the RFC 4253 section 7.2 letters for one direction.
type keyTags struct {
	iv, key, mac byte
}

var (
	clientToServerTags = keyTags{'A', 'C', 'E'}
	serverToClientTags = keyTags{'B', 'D', 'F'}
)

// buildCipherState instantiates one direction's cipher context from a
// completed key exchange.
func buildCipherState(d directionSuites, tags keyTags, encrypt bool, o *kexOutcome) (*cipherState, error) {
	cs := cipherTable[d.cipher]
	ms := macTable[d.mac]

	iv := deriveKeyMaterial(tags.iv, cs.ivLen, o)
	key := deriveKeyMaterial(tags.key, cs.keyLen, o)
	macKey := deriveKeyMaterial(tags.mac, ms.keyLen, o)

	crypt, err := cs.build(key, iv, encrypt)
	if err != nil {
		return nil, err
	}
	return &cipherState{crypt: crypt, mac: ms.make(macKey)}, nil
}

// Version exchange, RFC 4253 section 4.2. Each side sends one
// identification line; any number of banner lines may precede the
// peer's.

const versionLineLimit = 255
const bannerLineLimit = 1024

func writeVersion(w io.Writer, line string) error {
	if strings.ContainsAny(line, "\r\n\x00") {
		return ProtocolError("version line contains line break")
	}
	_, err := io.WriteString(w, line+"\r\n")
	return err
}

// readPeerVersion scans lines until one starting with "SSH-" arrives,
// discarding any banner the peer emits first. Only protocol 2.0 (and
// the 1.99 compatibility marker) is acceptable.
func readPeerVersion(r io.Reader) (string, error) {
	var one [1]byte
	for lines := 0; lines < bannerLineLimit; lines++ {
		var line []byte
		for {
			if _, err := io.ReadFull(r, one[:]); err != nil {
				return "", err
			}
			if one[0] == '\n' {
				break
			}
			if len(line) > versionLineLimit {
				return "", ProtocolError("identification line too long")
			}
			line = append(line, one[0])
		}
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if !strings.HasPrefix(string(line), "SSH-") {
			// A pre-version banner line; keep scanning.
			continue
		}
		v := string(line)
		if !strings.HasPrefix(v, "SSH-2.0-") && !strings.HasPrefix(v, "SSH-1.99-") {
			return "", ProtocolError("unsupported protocol version " + safeString(v))
		}
		return v, nil
	}
	return "", ProtocolError("no identification line received")
}
