package ssh

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/rand"
	"strings"
	"testing"
)

// testOutcome builds deterministic key material for frame tests.
func testOutcome() *kexOutcome {
	return &kexOutcome{
		encodedK:  []byte("\x00\x00\x00\x08not-much"),
		exchHash:  []byte("an-exchange-hash-for-the-tests"),
		sessionID: []byte("a-session-id-for-the-tests"),
		hash:      crypto.SHA256,
	}
}

// framePair returns a writer and reader wired back to back through a
// buffer, keyed for the given suites.
func framePair(t *testing.T, cipherName, macName string) (*frameWriter, *frameReader, *bytes.Buffer) {
	t.Helper()
	suites := directionSuites{cipher: cipherName, mac: macName, comp: "none"}

	sendState, err := buildCipherState(suites, clientToServerTags, true, testOutcome())
	if err != nil {
		t.Fatalf("buildCipherState(send): %v", err)
	}
	recvState, err := buildCipherState(suites, clientToServerTags, false, testOutcome())
	if err != nil {
		t.Fatalf("buildCipherState(recv): %v", err)
	}

	var wire bytes.Buffer
	w := &frameWriter{dst: bufio.NewWriter(&wire), state: sendState, rnd: rand.Reader}
	r := &frameReader{src: bufio.NewReader(&wire), state: recvState}
	return w, r, &wire
}

func TestFrameRoundTripAllSuites(t *testing.T) {
	payloads := [][]byte{
		{msgIgnore},
		[]byte("a modest payload"),
		bytes.Repeat([]byte{0xa5}, 3000),
	}
	for cipherName := range cipherTable {
		for macName := range macTable {
			w, r, _ := framePair(t, cipherName, macName)
			for _, want := range payloads {
				if err := w.writeFrame(append([]byte{}, want...)); err != nil {
					t.Fatalf("%s/%s: writeFrame: %v", cipherName, macName, err)
				}
				got, err := r.readFrame()
				if err != nil {
					t.Fatalf("%s/%s: readFrame: %v", cipherName, macName, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("%s/%s: payload corrupted in transit", cipherName, macName)
				}
			}
		}
	}
}

func TestFramePlaintextBeforeNewKeys(t *testing.T) {
	var wire bytes.Buffer
	w := &frameWriter{dst: bufio.NewWriter(&wire), state: newPlainState(), rnd: rand.Reader}
	r := &frameReader{src: bufio.NewReader(&wire), state: newPlainState()}

	want := []byte{msgKexInit, 1, 2, 3}
	if err := w.writeFrame(append([]byte{}, want...)); err != nil {
		t.Fatal(err)
	}
	// Before NEWKEYS the frame carries no MAC and no encryption; the
	// payload appears on the wire as-is.
	if !bytes.Contains(wire.Bytes(), want) {
		t.Error("plaintext frame does not contain the raw payload")
	}
	got, err := r.readFrame()
	if err != nil || !bytes.Equal(got, want) {
		t.Errorf("round trip: %v, %x", err, got)
	}
}

func TestFrameMACFailure(t *testing.T) {
	w, r, wire := framePair(t, "aes128-ctr", "hmac-sha2-256")
	if err := w.writeFrame([]byte("to be tampered with")); err != nil {
		t.Fatal(err)
	}
	raw := wire.Bytes()
	raw[len(raw)-1] ^= 0x01 // flip a MAC bit
	if _, err := r.readFrame(); err == nil {
		t.Error("tampered frame passed the MAC check")
	}
}

func TestFrameCorruptCiphertext(t *testing.T) {
	for cipherName := range cipherTable {
		w, r, wire := framePair(t, cipherName, "hmac-sha1")
		if err := w.writeFrame([]byte("some secret payload")); err != nil {
			t.Fatal(err)
		}
		raw := wire.Bytes()
		raw[7] ^= 0x40
		if _, err := r.readFrame(); err == nil {
			t.Errorf("%s: corrupted frame verified", cipherName)
		}
	}
}

func TestFrameWrongSequenceNumber(t *testing.T) {
	w, r, _ := framePair(t, "aes256-ctr", "hmac-sha2-512")
	// Burn one frame on the reader side only, desynchronizing the
	// sequence counters; the MAC covers the counter, so this must
	// fail.
	r.state.seq = 7
	if err := w.writeFrame([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.readFrame(); err == nil {
		t.Error("frame verified under the wrong sequence number")
	}
}

func TestFrameSequenceAdvances(t *testing.T) {
	w, r, _ := framePair(t, "aes128-cbc", "hmac-sha1")
	const n = 4
	for i := 0; i < n; i++ {
		if err := w.writeFrame([]byte{msgIgnore, byte(i)}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.readFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if w.state.seq != n || r.state.seq != n {
		t.Errorf("sequence numbers = %d, %d; want %d", w.state.seq, r.state.seq, n)
	}
}

func TestFrameOversizedWriteRefused(t *testing.T) {
	w, _, _ := framePair(t, "aes128-ctr", "hmac-sha1")
	if err := w.writeFrame(make([]byte, maxPacketLength)); err == nil {
		t.Error("oversized payload accepted")
	}
}

func TestFrameStateSwapKeepsCounter(t *testing.T) {
	w, _, _ := framePair(t, "aes128-ctr", "hmac-sha1")
	if err := w.writeFrame([]byte{msgIgnore}); err != nil {
		t.Fatal(err)
	}
	fresh, err := buildCipherState(directionSuites{cipher: "aes256-ctr", mac: "hmac-sha2-256"}, serverToClientTags, true, testOutcome())
	if err != nil {
		t.Fatal(err)
	}
	w.setState(fresh)
	if w.state.seq != 1 {
		t.Errorf("sequence number reset to %d by key change", w.state.seq)
	}
}

func TestDeriveKeyMaterial(t *testing.T) {
	o := testOutcome()
	short := deriveKeyMaterial('A', 16, o)
	long := deriveKeyMaterial('A', 80, o)
	if len(short) != 16 || len(long) != 80 {
		t.Fatalf("lengths %d, %d", len(short), len(long))
	}
	// Extension must not change the leading bytes.
	if !bytes.Equal(short, long[:16]) {
		t.Error("extended key material diverges from the short derivation")
	}
	// Different tags must differ.
	if bytes.Equal(short, deriveKeyMaterial('B', 16, o)) {
		t.Error("tags A and B derive identical material")
	}
}

func TestReadPeerVersion(t *testing.T) {
	long := strings.Repeat("SSH-2.0-x", 28)[:252]
	good := map[string]string{
		"SSH-2.0-thing\r\n":                  "SSH-2.0-thing",
		"SSH-2.0-thing\n":                    "SSH-2.0-thing",
		"welcome\r\nSSH-2.0-thing\r\n":       "SSH-2.0-thing",
		"a\r\nb\r\nSSH-2.0-sp ace\r\n":       "SSH-2.0-sp ace",
		"SSH-1.99-compat\r\n":                "SSH-1.99-compat",
		long + "\r\n":                        long,
	}
	for in, want := range good {
		got, err := readPeerVersion(strings.NewReader(in))
		if err != nil {
			t.Errorf("readPeerVersion(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("readPeerVersion(%q) = %q, want %q", in, got, want)
		}
	}

	bad := []string{
		"SSH-1.5-ancient\r\n",
		"no version at all\r\n",
		strings.Repeat("x", 600),
	}
	for _, in := range bad {
		if _, err := readPeerVersion(strings.NewReader(in)); err == nil {
			t.Errorf("readPeerVersion(%q) unexpectedly succeeded", in)
		}
	}
}

func TestWriteVersionRejectsControlBytes(t *testing.T) {
	var sink bytes.Buffer
	if err := writeVersion(&sink, "SSH-2.0-bad\x00"); err == nil {
		t.Error("version line with NUL accepted")
	}
	if err := writeVersion(&sink, "SSH-2.0-ok"); err != nil {
		t.Errorf("writeVersion: %v", err)
	}
	if sink.String() != "SSH-2.0-ok\r\n" {
		t.Errorf("wrote %q", sink.String())
	}
}
