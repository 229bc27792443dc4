package ssh

import (
	"math/big"
	"strings"
)

// A PacketBuffer is a byte span with a running offset, used to encode
// and decode the primitive wire types of RFC 4251, section 5: byte,
// boolean, uint32, uint64, string, mpint and name-list. All integers
// are big-endian.
//
// Reading uses a sticky error: the first out-of-bounds access poisons
// the buffer, every later read yields zero values, and Err reports the
// failure. Callers check Err once after pulling a message apart.
// Writing grows the span as needed and cannot fail.
type PacketBuffer struct {
	data []byte
	off  int
	err  error
}

// NewPacketBuffer returns a read view over p. The buffer does not copy
// p; results of String, Bytes and Rest alias it.
func NewPacketBuffer(p []byte) *PacketBuffer {
	return &PacketBuffer{data: p}
}

// newMessage starts an output buffer for the message number t.
func newMessage(t byte) *PacketBuffer {
	b := &PacketBuffer{data: make([]byte, 0, 64)}
	b.PutByte(t)
	return b
}

// Err reports the first decoding failure, or nil.
func (b *PacketBuffer) Err() error { return b.err }

// Packet returns everything written so far.
func (b *PacketBuffer) Packet() []byte { return b.data }

// Empty reports whether all input has been consumed.
func (b *PacketBuffer) Empty() bool { return b.off >= len(b.data) }

func (b *PacketBuffer) fail() {
	if b.err == nil {
		b.err = errShortPacket
	}
	b.off = len(b.data)
}

func (b *PacketBuffer) take(n int) []byte {
	if b.err != nil {
		return nil
	}
	if n < 0 || len(b.data)-b.off < n {
		b.fail()
		return nil
	}
	out := b.data[b.off : b.off+n]
	b.off += n
	return out
}

// Byte consumes a single byte.
func (b *PacketBuffer) Byte() byte {
	p := b.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Bool consumes a boolean. Any non-zero octet reads as true, per RFC
// 4251 section 5.
func (b *PacketBuffer) Bool() bool {
	return b.Byte() != 0
}

// Uint32 consumes a big-endian uint32.
func (b *PacketBuffer) Uint32() uint32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
}

// Uint64 consumes a big-endian uint64.
func (b *PacketBuffer) Uint64() uint64 {
	hi := b.Uint32()
	lo := b.Uint32()
	return uint64(hi)<<32 | uint64(lo)
}

// Bytes consumes a length-prefixed string and returns its raw octets.
func (b *PacketBuffer) Bytes() []byte {
	n := b.Uint32()
	return b.take(int(n))
}

// String consumes a length-prefixed string.
func (b *PacketBuffer) String() string {
	return string(b.Bytes())
}

// Rest consumes and returns whatever input remains.
func (b *PacketBuffer) Rest() []byte {
	return b.take(len(b.data) - b.off)
}

// NameList consumes a comma-separated list of names carried in a
// string. An empty string decodes to a nil list.
func (b *PacketBuffer) NameList() []string {
	s := b.Bytes()
	if b.err != nil || len(s) == 0 {
		return nil
	}
	return strings.Split(string(s), ",")
}

// Mpint consumes a multiple precision integer: two's complement,
// big-endian, carried in a string. Zero is the empty string, and a
// leading zero octet is only present to clear the sign bit.
func (b *PacketBuffer) Mpint() *big.Int {
	raw := b.Bytes()
	if b.err != nil {
		return nil
	}
	v := new(big.Int)
	if len(raw) > 0 && raw[0]&0x80 != 0 {
		// Negative: invert, interpret, negate.
		inv := make([]byte, len(raw))
		for i, c := range raw {
			inv[i] = ^c
		}
		v.SetBytes(inv)
		v.Add(v, bigOne)
		v.Neg(v)
		return v
	}
	v.SetBytes(raw)
	return v
}

func (b *PacketBuffer) PutByte(c byte) {
	b.data = append(b.data, c)
}

func (b *PacketBuffer) PutBool(v bool) {
	if v {
		b.PutByte(1)
	} else {
		b.PutByte(0)
	}
}

func (b *PacketBuffer) PutUint32(v uint32) {
	b.data = append(b.data, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (b *PacketBuffer) PutUint64(v uint64) {
	b.PutUint32(uint32(v >> 32))
	b.PutUint32(uint32(v))
}

// PutRaw appends p with no length prefix.
func (b *PacketBuffer) PutRaw(p []byte) {
	b.data = append(b.data, p...)
}

// PutBytes appends p as a length-prefixed string.
func (b *PacketBuffer) PutBytes(p []byte) {
	b.PutUint32(uint32(len(p)))
	b.data = append(b.data, p...)
}

// PutString appends s as a length-prefixed string.
func (b *PacketBuffer) PutString(s string) {
	b.PutUint32(uint32(len(s)))
	b.data = append(b.data, s...)
}

// PutNameList appends names joined by commas inside a string.
func (b *PacketBuffer) PutNameList(names []string) {
	b.PutString(strings.Join(names, ","))
}

// PutMpint appends v in mpint encoding.
func (b *PacketBuffer) PutMpint(v *big.Int) {
	b.PutBytes(mpintBytes(v))
}

// mpintBytes renders v in the body encoding of an mpint, without the
// length prefix.
func mpintBytes(v *big.Int) []byte {
	switch v.Sign() {
	case 0:
		return nil
	case -1:
		// Two's complement: subtract one from the magnitude, invert,
		// and pad with 0xff when the sign bit would read positive.
		m := new(big.Int).Neg(v)
		m.Sub(m, bigOne)
		body := m.Bytes()
		for i := range body {
			body[i] = ^body[i]
		}
		if len(body) == 0 || body[0]&0x80 == 0 {
			return append([]byte{0xff}, body...)
		}
		return body
	}
	body := v.Bytes()
	if body[0]&0x80 != 0 {
		return append([]byte{0x00}, body...)
	}
	return body
}

var bigOne = big.NewInt(1)

var errShortPacket = ProtocolError("truncated packet")
